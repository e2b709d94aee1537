// Package server provides HTTP server construction for authrelay.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/alexjbarnes/authrelay/internal/pages"
	"github.com/alexjbarnes/authrelay/internal/worker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// ConnectPath is where pages open their WebSocket to the relay.
	ConnectPath = "/__worker/connect"

	// MetricsPath serves Prometheus metrics.
	MetricsPath = "/__worker/metrics"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Worker   *worker.Worker
	Hub      *pages.Hub
	Upstream *url.URL
	Logger   *slog.Logger
}

// NewMux builds the relay's HTTP mux: the page channel on ConnectPath,
// metrics on MetricsPath, and the credential-injecting reverse proxy for
// everything else.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc(ConnectPath, cfg.Hub.ServeWS(messageHandler(cfg.Worker, cfg.Logger)))
	mux.Handle(MetricsPath, promhttp.Handler())
	mux.Handle("/", NewProxy(cfg.Worker, cfg.Upstream, cfg.Logger))

	return mux
}

// messageHandler adapts Worker.HandleMessage to the hub. Failures are
// logged; they never close the page's connection.
func messageHandler(w *worker.Worker, logger *slog.Logger) pages.MessageHandler {
	return func(ctx context.Context, c *pages.Client, data []byte) {
		if err := w.HandleMessage(ctx, c, data); err != nil {
			logger.Warn("handling page message",
				slog.String("client", c.ID()),
				slog.String("error", err.Error()),
			)
		}
	}
}
