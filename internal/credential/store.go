// Package credential manages the single bearer credential the relay
// attaches to API requests. The credential lives in an external key-value
// store under a fixed key, next to a sentinel value recording that
// resolution was attempted and failed.
package credential

import (
	"fmt"

	apperrors "github.com/alexjbarnes/authrelay/internal/errors"
)

const (
	// Key is the store key holding the credential or the sentinel.
	Key = "application-access-token"

	// Unauthorized is the sentinel stored after resolution definitively
	// failed. Requests short-circuit on it until the next login.
	Unauthorized = "unauthorized"
)

// KV is the persistent key-value capability the store is built on.
// Implementations guarantee single-key atomicity and nothing more.
type KV interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
	Remove(key string) error
}

// Status is the state of the credential entry.
type Status int

const (
	// StatusAbsent means no entry exists (or it is empty).
	StatusAbsent Status = iota
	// StatusUnauthorized means the sentinel is stored.
	StatusUnauthorized
	// StatusPresent means a credential string is stored.
	StatusPresent
)

func (s Status) String() string {
	switch s {
	case StatusAbsent:
		return "absent"
	case StatusUnauthorized:
		return "unauthorized"
	case StatusPresent:
		return "present"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Entry is a snapshot of the credential slot. Token is set only when
// Status is StatusPresent.
type Entry struct {
	Status Status
	Token  string
}

// Store reads and writes the credential slot.
type Store struct {
	kv KV
}

// NewStore wraps kv.
func NewStore(kv KV) *Store {
	return &Store{kv: kv}
}

// Load returns the current entry. An empty stored value is reported as
// absent.
func (s *Store) Load() (Entry, error) {
	v, ok, err := s.kv.Get(Key)
	if err != nil {
		return Entry{}, fmt.Errorf("reading credential: %w", err)
	}

	switch {
	case !ok || v == "":
		return Entry{Status: StatusAbsent}, nil
	case v == Unauthorized:
		return Entry{Status: StatusUnauthorized}, nil
	default:
		return Entry{Status: StatusPresent, Token: v}, nil
	}
}

// Save stores token, replacing whatever was there.
func (s *Store) Save(token string) error {
	if token == "" {
		return apperrors.ErrEmptyCredential
	}

	if err := s.kv.Set(Key, token); err != nil {
		return fmt.Errorf("writing credential: %w", err)
	}

	return nil
}

// MarkUnauthorized stores the sentinel.
func (s *Store) MarkUnauthorized() error {
	if err := s.kv.Set(Key, Unauthorized); err != nil {
		return fmt.Errorf("writing unauthorized marker: %w", err)
	}

	return nil
}

// Clear deletes the entry.
func (s *Store) Clear() error {
	if err := s.kv.Remove(Key); err != nil {
		return fmt.Errorf("removing credential: %w", err)
	}

	return nil
}
