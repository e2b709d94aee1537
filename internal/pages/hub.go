// Package pages tracks the pages the relay controls. Pages connect over a
// WebSocket; the relay uses the connection to ask them for a credential
// and to tell them where to navigate, and pages use it to report login
// and logout.
package pages

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"

	"github.com/alexjbarnes/authrelay/internal/metrics"
	"github.com/alexjbarnes/authrelay/internal/models"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

// readLimit caps inbound frame size. Messages are small JSON envelopes.
const readLimit = 64 * 1024

// MessageHandler processes a message a page sent to the relay.
type MessageHandler func(ctx context.Context, c *Client, data []byte)

// Hub holds the connected clients in connection order.
type Hub struct {
	logger *slog.Logger

	// originPatterns is passed to websocket.Accept. Empty means only the
	// request's own host may connect.
	originPatterns []string

	mu      sync.RWMutex
	clients []*Client
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger, originPatterns ...string) *Hub {
	return &Hub{
		logger:         logger,
		originPatterns: originPatterns,
	}
}

// Clients returns the connected clients in connection order.
func (h *Hub) Clients() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return slices.Clone(h.clients)
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients)
}

// Windows returns the connected window clients in connection order.
func (h *Hub) Windows() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []*Client

	for _, c := range h.clients {
		if c.IsWindow() {
			out = append(out, c)
		}
	}

	return out
}

// RequestFromPage asks the first window client for a credential. With no
// window connected it returns "" and no error.
func (h *Hub) RequestFromPage(ctx context.Context) (string, error) {
	windows := h.Windows()
	if len(windows) == 0 {
		h.logger.Debug("no window client to request token from")
		return "", nil
	}

	c := windows[0]
	h.logger.Debug("requesting token from page", slog.String("client", c.ID()))

	token, err := c.RequestToken(ctx)
	if err != nil {
		h.logger.Warn("error requesting token from page",
			slog.String("client", c.ID()),
			slog.String("error", err.Error()),
		)

		return "", err
	}

	return token, nil
}

// CloseAll closes every client connection. Hijacked connections are not
// closed by http.Server.Shutdown, so call this during shutdown.
func (h *Hub) CloseAll() {
	for _, c := range h.Clients() {
		c.conn.Close(websocket.StatusGoingAway, "shutting down")
		c.markClosed()
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients = append(h.clients, c)
	metrics.ConnectedPages.Set(float64(len(h.clients)))
	h.mu.Unlock()
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	h.clients = slices.DeleteFunc(h.clients, func(x *Client) bool { return x == c })
	metrics.ConnectedPages.Set(float64(len(h.clients)))
	h.mu.Unlock()

	c.markClosed()
}

// ServeWS returns the handler pages connect to. The client type comes from
// the "type" query parameter and defaults to window. The connection is
// claimed immediately and lives until either side closes it.
func (h *Hub) ServeWS(handle MessageHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		typ, err := ParseClientType(r.URL.Query().Get("type"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: h.originPatterns,
		})
		if err != nil {
			h.logger.Debug("websocket accept failed", slog.String("error", err.Error()))
			return
		}

		conn.SetReadLimit(readLimit)

		c := newClient(conn, typ)
		h.add(c)
		defer h.remove(c)

		h.logger.Info("client connected",
			slog.String("client", c.ID()),
			slog.String("type", string(typ)),
		)

		err = h.readLoop(r.Context(), c, handle)

		status := websocket.CloseStatus(err)
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			h.logger.Info("client disconnected", slog.String("client", c.ID()))
			conn.Close(websocket.StatusNormalClosure, "")

			return
		}

		h.logger.Debug("client read loop ended",
			slog.String("client", c.ID()),
			slog.String("error", err.Error()),
		)
		conn.Close(websocket.StatusInternalError, "read failed")
	}
}

// readLoop reads frames until the connection fails. Token responses are
// routed to the waiting request; everything else goes to handle, in order.
func (h *Hub) readLoop(ctx context.Context, c *Client, handle MessageHandler) error {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return err
		}

		if typ != websocket.MessageText {
			h.logger.Debug("ignoring binary frame", slog.String("client", c.ID()))
			continue
		}

		if gjson.GetBytes(data, "type").Str == models.TypeTokenResponse {
			h.routeTokenResponse(c, data)
			continue
		}

		handle(ctx, c, data)
	}
}

func (h *Hub) routeTokenResponse(c *Client, data []byte) {
	var resp models.TokenResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		h.logger.Debug("malformed token response",
			slog.String("client", c.ID()),
			slog.String("error", err.Error()),
		)

		return
	}

	if !c.deliver(resp) {
		h.logger.Debug("token response for unknown port",
			slog.String("client", c.ID()),
			slog.String("port", resp.Port),
		)
	}
}
