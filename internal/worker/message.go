package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/alexjbarnes/authrelay/internal/metrics"
	"github.com/alexjbarnes/authrelay/internal/models"
	"github.com/tidwall/gjson"
)

// HandleMessage processes a message a page sent. Login stores the
// delivered credential and logout removes it; both then send the page to
// the carried redirect target. Other message types are ignored.
func (w *Worker) HandleMessage(ctx context.Context, c Client, data []byte) error {
	typ := gjson.GetBytes(data, "type").Str
	metrics.PageMessages.WithLabelValues(messageLabel(typ)).Inc()

	switch typ {
	case models.TypeLoginCallback:
		var msg models.LoginCallback
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("decoding %s: %w", typ, err)
		}

		return w.loginCallback(ctx, c, msg)

	case models.TypeLogout:
		var msg models.Logout
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("decoding %s: %w", typ, err)
		}

		return w.logout(ctx, c, msg)

	case models.TypePostRegister:
		w.logger.Debug("page registered", slog.String("client", c.ID()))
		return nil

	default:
		w.logger.Debug("ignoring message",
			slog.String("client", c.ID()),
			slog.String("type", typ),
		)

		return nil
	}
}

func (w *Worker) loginCallback(ctx context.Context, c Client, msg models.LoginCallback) error {
	if err := w.store.Save(msg.Token); err != nil {
		return fmt.Errorf("storing login credential: %w", err)
	}

	w.logger.Info("credential stored from login", slog.String("client", c.ID()))

	return w.navigate(ctx, c, msg.RedirectTo)
}

func (w *Worker) logout(ctx context.Context, c Client, msg models.Logout) error {
	if err := w.store.Clear(); err != nil {
		return fmt.Errorf("clearing credential: %w", err)
	}

	w.logger.Info("credential cleared by logout", slog.String("client", c.ID()))

	return w.navigate(ctx, c, msg.RedirectTo)
}

func (w *Worker) navigate(ctx context.Context, c Client, url string) error {
	if !c.IsWindow() {
		w.logger.Debug("client cannot navigate, skipping",
			slog.String("client", c.ID()),
			slog.String("url", url),
		)

		return nil
	}

	if err := c.Navigate(ctx, url); err != nil {
		return fmt.Errorf("navigating client %s: %w", c.ID(), err)
	}

	return nil
}

// messageLabel bounds the metric label set to the known message types.
func messageLabel(typ string) string {
	switch typ {
	case models.TypeLoginCallback, models.TypeLogout, models.TypePostRegister:
		return typ
	default:
		return "other"
	}
}
