package rules

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
)

// Request modes, as reported by browsers in Sec-Fetch-Mode.
const (
	ModeNavigate   = "navigate"
	ModeSameOrigin = "same-origin"
	ModeCORS       = "cors"
	ModeNoCORS     = "no-cors"
)

type modeKey struct{}

// WithMode returns a context that overrides the request mode.
func WithMode(ctx context.Context, mode string) context.Context {
	return context.WithValue(ctx, modeKey{}, mode)
}

// Mode returns the request mode: the context override if present,
// otherwise the Sec-Fetch-Mode header.
func Mode(req *http.Request) string {
	if m, ok := req.Context().Value(modeKey{}).(string); ok {
		return m
	}

	return req.Header.Get("Sec-Fetch-Mode")
}

// Classifier decides which requests are credential candidates. Rules can
// be swapped at runtime; reads are lock-free.
type Classifier struct {
	originHost string
	rules      atomic.Pointer[Rules]
}

// NewClassifier creates a classifier for the given origin hostname.
func NewClassifier(originHost string, r Rules) *Classifier {
	c := &Classifier{originHost: originHost}
	c.rules.Store(&r)

	return c
}

// OriginHost returns the hostname requests are compared against.
func (c *Classifier) OriginHost() string {
	return c.originHost
}

// Rules returns the active rules.
func (c *Classifier) Rules() Rules {
	return *c.rules.Load()
}

// SetRules replaces the active rules.
func (c *Classifier) SetRules(r Rules) {
	c.rules.Store(&r)
}

// SameOrigin reports whether req targets the origin hostname.
func (c *Classifier) SameOrigin(req *http.Request) bool {
	return strings.EqualFold(RequestHostname(req), c.originHost)
}

// Eligible reports whether req should go through credential resolution:
// it targets the origin, and it is either a navigation (when the policy
// includes them) or under an API prefix.
func (c *Classifier) Eligible(req *http.Request) bool {
	if !c.SameOrigin(req) {
		return false
	}

	r := c.rules.Load()

	if r.Navigation == NavigationInclude && Mode(req) == ModeNavigate {
		return true
	}

	for _, p := range r.APIPrefixes {
		if strings.HasPrefix(req.URL.Path, p) {
			return true
		}
	}

	return false
}

// IsLoginCallback reports whether u is a login callback page.
func (c *Classifier) IsLoginCallback(u *url.URL) bool {
	for _, p := range c.rules.Load().LoginCallbackPaths {
		if p != "" && strings.Contains(u.Path, p) {
			return true
		}
	}

	return false
}

// RequestHostname returns the target hostname of req without port. Client
// requests carry it in URL.Host; server requests in Host.
func RequestHostname(req *http.Request) string {
	if req.URL != nil && req.URL.Host != "" {
		return req.URL.Hostname()
	}

	host := req.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}

	return strings.Trim(host, "[]")
}
