package worker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/authrelay/internal/credential"
	"github.com/alexjbarnes/authrelay/internal/metrics"
	"github.com/alexjbarnes/authrelay/internal/rules"
)

// Intercept returns the request to forward in place of req. Requests that
// are not credential candidates come back as the same pointer. Candidates
// get a clone carrying the bearer credential when one resolves; otherwise
// req is returned as is. req itself is never modified.
//
// Resolution failures do not block the request: they are logged and the
// request goes out without a credential.
func (w *Worker) Intercept(req *http.Request) *http.Request {
	if !w.classifier.Eligible(req) {
		w.logger.Debug("skipping",
			slog.String("method", req.Method),
			slog.String("host", rules.RequestHostname(req)),
			slog.String("path", req.URL.Path),
		)
		metrics.InterceptedRequests.WithLabelValues(metrics.DecisionSkipped).Inc()

		return req
	}

	if w.classifier.IsLoginCallback(req.URL) {
		w.logger.Debug("login callback page", slog.String("path", req.URL.Path))
	}

	token, err := w.Resolve(req.Context())
	if err != nil {
		w.logger.Warn("credential resolution failed, forwarding without credential",
			slog.String("path", req.URL.Path),
			slog.String("error", err.Error()),
		)
		metrics.InterceptedRequests.WithLabelValues(metrics.DecisionFailed).Inc()

		return req
	}

	if token == "" {
		w.logger.Debug("no credential, forwarding unmodified", slog.String("path", req.URL.Path))
		metrics.InterceptedRequests.WithLabelValues(metrics.DecisionNone).Inc()

		return req
	}

	w.logger.Debug("adding credential", slog.String("path", req.URL.Path))
	metrics.InterceptedRequests.WithLabelValues(metrics.DecisionAttached).Inc()

	return WithBearer(req, token)
}

// RoundTrip implements http.RoundTripper: it intercepts req and forwards
// the result through the worker's transport.
func (w *Worker) RoundTrip(req *http.Request) (*http.Response, error) {
	return w.transport.RoundTrip(w.Intercept(req))
}

// HTTPClient returns a client whose requests pass through the worker.
func (w *Worker) HTTPClient() *http.Client {
	return &http.Client{Transport: w}
}

// WithBearer returns a clone of req carrying exactly one Authorization
// header with the bearer token, and mode constrained to same-origin.
// All other headers are copied unchanged.
func WithBearer(req *http.Request, token string) *http.Request {
	out := req.Clone(rules.WithMode(req.Context(), rules.ModeSameOrigin))
	out.Header.Set("Authorization", "Bearer "+token)

	return out
}

// Resolve returns the credential to attach, or "" when requests should go
// out unauthorized.
//
//   - waits for any in-flight refresh to finish
//   - absent: refresh; nothing comes back, store the unauthorized marker
//   - unauthorized marker: no credential, no refresh
//   - present but expired: refresh; nothing comes back, store the marker
func (w *Worker) Resolve(ctx context.Context) (string, error) {
	if outcome, err := w.lock.WaitForUnlock(ctx); err != nil {
		return "", fmt.Errorf("waiting for refresh: %w", err)
	} else if outcome != "" {
		w.logger.Debug("refresh lock released", slog.String("outcome", string(outcome)))
	}

	entry, err := w.store.Load()
	if err != nil {
		return "", err
	}

	switch entry.Status {
	case credential.StatusUnauthorized:
		return "", nil

	case credential.StatusAbsent:
		return w.refresh(ctx, true)

	default:
		expired, err := credential.Expired(entry.Token, w.now())
		if err != nil {
			return "", err
		}

		if !expired {
			return entry.Token, nil
		}

		w.logger.Info("credential expired, refreshing")

		return w.refresh(ctx, false)
	}
}

// refresh obtains a new credential under the refresh lock and records the
// outcome in the store. absent is true when the store had no entry, which
// is when a page may still hold a credential the relay never saw.
func (w *Worker) refresh(ctx context.Context, absent bool) (string, error) {
	release, err := w.lock.Acquire(ctx, w.onAutoUnlock)
	if err != nil {
		return "", fmt.Errorf("acquiring refresh lock: %w", err)
	}
	defer release()

	start := time.Now()
	defer func() { metrics.RefreshDuration.Observe(time.Since(start).Seconds()) }()

	// Another request may have refreshed while this one waited.
	before, token, done, err := w.settled()
	if err != nil {
		return "", err
	}

	if done {
		metrics.Refreshes.WithLabelValues(metrics.RefreshReused).Inc()
		return token, nil
	}

	if absent && w.pageFallback && w.pages != nil {
		token = w.fromPage(ctx)
	}

	if token == "" {
		t, err := w.refresher.Refresh(ctx)
		if err != nil {
			w.logger.Warn("refresh failed", slog.String("error", err.Error()))
		}

		token = t
	}

	// A login or logout may have written the slot while this refresh ran,
	// or this refresh outlived its hold and another one finished.
	if current, changed, err := w.changedSince(before); err != nil {
		return "", err
	} else if changed {
		w.logger.Info("credential changed during refresh, keeping it")
		metrics.Refreshes.WithLabelValues(metrics.RefreshReused).Inc()

		return current, nil
	}

	if token == "" {
		w.logger.Info("no credential available, marking unauthorized")

		if err := w.store.MarkUnauthorized(); err != nil {
			return "", err
		}

		metrics.Refreshes.WithLabelValues(metrics.RefreshUnauthorized).Inc()

		return "", nil
	}

	if err := w.store.Save(token); err != nil {
		return "", err
	}

	metrics.Refreshes.WithLabelValues(metrics.RefreshStored).Inc()

	return token, nil
}

// settled loads the slot and reports whether it already holds a refresh
// outcome: an unexpired credential, or the unauthorized marker (""). The
// loaded entry is returned either way.
func (w *Worker) settled() (credential.Entry, string, bool, error) {
	entry, err := w.store.Load()
	if err != nil {
		return credential.Entry{}, "", false, err
	}

	switch entry.Status {
	case credential.StatusUnauthorized:
		return entry, "", true, nil
	case credential.StatusAbsent:
		return entry, "", false, nil
	}

	if token, ok := w.usable(entry); ok {
		return entry, token, true, nil
	}

	return entry, "", false, nil
}

// changedSince reports whether the slot no longer holds before. A new
// unexpired credential is returned; a login or logout outcome (absent or
// the unauthorized marker) is returned as "". A different credential that
// is itself expired or malformed does not count as a change.
func (w *Worker) changedSince(before credential.Entry) (string, bool, error) {
	entry, err := w.store.Load()
	if err != nil {
		return "", false, err
	}

	if entry == before {
		return "", false, nil
	}

	switch entry.Status {
	case credential.StatusAbsent, credential.StatusUnauthorized:
		return "", true, nil
	}

	if token, ok := w.usable(entry); ok {
		return token, true, nil
	}

	return "", false, nil
}

// usable returns a present entry's token when it decodes and has not
// expired.
func (w *Worker) usable(entry credential.Entry) (string, bool) {
	if entry.Status != credential.StatusPresent {
		return "", false
	}

	expired, err := credential.Expired(entry.Token, w.now())
	if err != nil || expired {
		return "", false
	}

	return entry.Token, true
}

// fromPage asks a controlled page for its credential, bounded by the page
// timeout. Failures are logged and yield "".
func (w *Worker) fromPage(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, w.pageTimeout)
	defer cancel()

	token, err := w.pages.RequestFromPage(ctx)
	if err != nil {
		w.logger.Warn("page fallback failed", slog.String("error", err.Error()))
		return ""
	}

	if token == "" {
		return ""
	}

	if _, err := credential.Expiry(token); err != nil {
		w.logger.Warn("page returned malformed credential", slog.String("error", err.Error()))
		return ""
	}

	return token
}

func (w *Worker) onAutoUnlock() {
	metrics.LockAutoUnlocks.Inc()
	w.logger.Warn("refresh lock auto-released",
		slog.Duration("after", w.lock.AutoUnlockAfter()),
	)
}
