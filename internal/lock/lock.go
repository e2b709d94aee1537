// Package lock provides a single-holder lock with a hard auto-release
// timeout. It serializes credential refreshes: at most one refresh holds
// the lock, and everyone else waits for it to be released before reading
// the credential store.
package lock

import (
	"context"
	"sync"
	"time"
)

// DefaultAutoUnlock is how long a hold may last before it is released
// regardless of whether the holder finished.
const DefaultAutoUnlock = 10 * time.Second

// Outcome describes how a hold ended.
type Outcome string

const (
	// OutcomeNone is returned by WaitForUnlock when the lock was not held.
	OutcomeNone Outcome = ""

	// OutcomeUnlock means the holder released the lock.
	OutcomeUnlock Outcome = "unlock"

	// OutcomeAutoUnlock means the auto-release timer fired first.
	OutcomeAutoUnlock Outcome = "autounlock"
)

// hold is one acquisition of the lock. done is closed exactly once, after
// outcome is set.
type hold struct {
	done    chan struct{}
	outcome Outcome
	timer   *time.Timer
}

// Lock is a mutual-exclusion primitive whose holds expire after a fixed
// interval. The zero value is not usable; call New.
//
// Unlike a sync.Mutex, waiting for the lock and acquiring it are separate
// operations: WaitForUnlock lets readers block until the current hold ends
// without taking the lock themselves.
type Lock struct {
	mu              sync.Mutex
	held            *hold
	autoUnlockAfter time.Duration
}

// New creates an unlocked Lock. A non-positive interval uses
// DefaultAutoUnlock.
func New(autoUnlockAfter time.Duration) *Lock {
	if autoUnlockAfter <= 0 {
		autoUnlockAfter = DefaultAutoUnlock
	}

	return &Lock{autoUnlockAfter: autoUnlockAfter}
}

// AutoUnlockAfter returns the configured auto-release interval.
func (l *Lock) AutoUnlockAfter() time.Duration {
	return l.autoUnlockAfter
}

// Lock acquires the lock, waiting for any current hold to end first.
// onAutoUnlock, if non-nil, runs when the auto-release timer fires before
// Unlock is called; the lock is cleared after it returns.
//
// Returns ctx.Err() if the context ends while waiting.
func (l *Lock) Lock(ctx context.Context, onAutoUnlock func()) error {
	_, err := l.acquire(ctx, onAutoUnlock)
	return err
}

// Acquire is Lock, but returns a release func bound to this hold. Calling
// it after the hold was auto-released leaves any later holder alone.
func (l *Lock) Acquire(ctx context.Context, onAutoUnlock func()) (release func(), err error) {
	h, err := l.acquire(ctx, onAutoUnlock)
	if err != nil {
		return nil, err
	}

	return func() { l.release(h, OutcomeUnlock) }, nil
}

func (l *Lock) acquire(ctx context.Context, onAutoUnlock func()) (*hold, error) {
	for {
		l.mu.Lock()

		current := l.held
		if current == nil {
			h := l.acquireLocked(onAutoUnlock)
			l.mu.Unlock()

			return h, nil
		}

		l.mu.Unlock()

		select {
		case <-current.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryLock acquires the lock only if it is free. Returns true on success.
func (l *Lock) TryLock(onAutoUnlock func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held != nil {
		return false
	}

	l.acquireLocked(onAutoUnlock)

	return true
}

// acquireLocked installs a new hold and arms its timer. l.mu must be held.
func (l *Lock) acquireLocked(onAutoUnlock func()) *hold {
	h := &hold{done: make(chan struct{})}
	l.held = h

	h.timer = time.AfterFunc(l.autoUnlockAfter, func() {
		if !l.isCurrent(h) {
			return
		}

		if onAutoUnlock != nil {
			onAutoUnlock()
		}

		l.release(h, OutcomeAutoUnlock)
	})

	return h
}

// Unlock releases the current hold. It is a no-op when the lock is free.
func (l *Lock) Unlock() {
	l.mu.Lock()
	h := l.held
	l.mu.Unlock()

	if h != nil {
		l.release(h, OutcomeUnlock)
	}
}

// Reset force-releases any hold. Intended for teardown and tests.
func (l *Lock) Reset() {
	l.Unlock()
}

// Locked reports whether the lock is currently held.
func (l *Lock) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.held != nil
}

// WaitForUnlock returns immediately with OutcomeNone when the lock is not
// held. Otherwise it blocks until the current hold ends and reports how it
// ended, or until ctx is done.
func (l *Lock) WaitForUnlock(ctx context.Context) (Outcome, error) {
	l.mu.Lock()
	h := l.held
	l.mu.Unlock()

	if h == nil {
		return OutcomeNone, nil
	}

	select {
	case <-h.done:
		return h.outcome, nil
	case <-ctx.Done():
		return OutcomeNone, ctx.Err()
	}
}

func (l *Lock) isCurrent(h *hold) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.held == h
}

// release ends h if it is still the current hold. A stale hold (already
// released by Unlock or the timer) is ignored.
func (l *Lock) release(h *hold, outcome Outcome) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held != h {
		return
	}

	l.held = nil
	h.timer.Stop()
	h.outcome = outcome
	close(h.done)
}
