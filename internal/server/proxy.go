package server

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/alexjbarnes/authrelay/internal/worker"
)

// NewProxy returns a handler that runs each request through the worker
// and forwards the result to upstream.
func NewProxy(w *worker.Worker, upstream *url.URL, logger *slog.Logger) http.Handler {
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.SetXForwarded()
		},
		ErrorHandler: func(rw http.ResponseWriter, r *http.Request, err error) {
			logger.Warn("upstream request failed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("error", err.Error()),
			)
			http.Error(rw, "bad gateway", http.StatusBadGateway)
		},
	}

	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rp.ServeHTTP(rw, w.Intercept(r))
	})
}
