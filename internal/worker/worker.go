// Package worker is the relay's request interceptor. One Worker owns the
// credential store, the refresh lock and the classifier for the lifetime
// of the process. It decides per request whether to attach the bearer
// credential and handles login and logout messages from pages.
package worker

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/authrelay/internal/credential"
	"github.com/alexjbarnes/authrelay/internal/lock"
	"github.com/alexjbarnes/authrelay/internal/rules"
)

// Refresher obtains a new credential from the server. An empty token with
// a nil error means none is available.
type Refresher interface {
	Refresh(ctx context.Context) (string, error)
}

// TokenSource asks a controlled page for a credential it may hold. An
// empty token with a nil error means no page could answer.
type TokenSource interface {
	RequestFromPage(ctx context.Context) (string, error)
}

// Client is the page a message came from.
type Client interface {
	ID() string
	IsWindow() bool
	Navigate(ctx context.Context, url string) error
}

// NoRefresh is the refresher used until server-side refresh exists. It
// never produces a credential.
type NoRefresh struct{}

func (NoRefresh) Refresh(context.Context) (string, error) { return "", nil }

// Config holds the worker's collaborators and tunables.
type Config struct {
	Store      *credential.Store
	Classifier *rules.Classifier

	// Refresher defaults to NoRefresh.
	Refresher Refresher

	// Pages is consulted before the refresher when PageFallback is set.
	Pages        TokenSource
	PageFallback bool
	PageTimeout  time.Duration

	// AutoUnlockAfter bounds how long a refresh may hold the lock.
	AutoUnlockAfter time.Duration

	// Transport forwards requests. Defaults to http.DefaultTransport.
	Transport http.RoundTripper

	// Now defaults to time.Now.
	Now func() time.Time
}

// Worker intercepts requests and attaches credentials.
type Worker struct {
	store      *credential.Store
	classifier *rules.Classifier
	refresher  Refresher
	pages      TokenSource
	lock       *lock.Lock
	transport  http.RoundTripper
	logger     *slog.Logger
	now        func() time.Time

	pageFallback bool
	pageTimeout  time.Duration
}

// defaultPageTimeout bounds a page fallback request when none is configured.
const defaultPageTimeout = 5 * time.Second

// New creates a Worker.
func New(cfg Config, logger *slog.Logger) *Worker {
	w := &Worker{
		store:        cfg.Store,
		classifier:   cfg.Classifier,
		refresher:    cfg.Refresher,
		pages:        cfg.Pages,
		lock:         lock.New(cfg.AutoUnlockAfter),
		transport:    cfg.Transport,
		logger:       logger,
		now:          cfg.Now,
		pageFallback: cfg.PageFallback,
		pageTimeout:  cfg.PageTimeout,
	}

	if w.refresher == nil {
		w.refresher = NoRefresh{}
	}

	if w.transport == nil {
		w.transport = http.DefaultTransport
	}

	if w.now == nil {
		w.now = time.Now
	}

	if w.pageTimeout <= 0 {
		w.pageTimeout = defaultPageTimeout
	}

	return w
}

// Store returns the credential store.
func (w *Worker) Store() *credential.Store { return w.store }

// Classifier returns the request classifier.
func (w *Worker) Classifier() *rules.Classifier { return w.classifier }

// Locked reports whether a refresh currently holds the lock.
func (w *Worker) Locked() bool { return w.lock.Locked() }

// Reset releases the refresh lock. Intended for teardown, tests and
// operator intervention.
func (w *Worker) Reset() { w.lock.Reset() }

// Now returns the worker's clock reading.
func (w *Worker) Now() time.Time { return w.now() }

// Status is a snapshot of the credential slot and the refresh lock.
type Status struct {
	State     string
	ExpiresAt time.Time
	Expired   bool
	Malformed bool
	LockHeld  bool
}

// Status reports the stored credential's state without resolving it.
func (w *Worker) Status() (Status, error) {
	entry, err := w.store.Load()
	if err != nil {
		return Status{}, err
	}

	st := Status{
		State:    entry.Status.String(),
		LockHeld: w.lock.Locked(),
	}

	if entry.Status != credential.StatusPresent {
		return st, nil
	}

	exp, err := credential.Expiry(entry.Token)
	if err != nil {
		st.Malformed = true
		return st, nil
	}

	st.ExpiresAt = exp
	st.Expired = exp.Unix() < w.now().Unix()

	return st, nil
}

// ClearCredential removes the stored credential, as a logout does, without
// navigating any page.
func (w *Worker) ClearCredential() error {
	if err := w.store.Clear(); err != nil {
		return err
	}

	w.logger.Info("credential cleared")

	return nil
}
