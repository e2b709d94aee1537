// Package models defines the message envelopes exchanged between the
// relay and the pages it controls.
package models

import "encoding/json"

// Message types. Every envelope carries one of these in its "type" field.
const (
	// Page to relay.
	TypeLoginCallback = "login-callback"
	TypeLogout        = "logout"
	TypePostRegister  = "post-register"
	TypeTokenResponse = "token-response"

	// Relay to page.
	TypeRequestToken = "request-token"
	TypeNavigate     = "navigate"
)

// LoginCallback delivers a credential after the page completed login.
type LoginCallback struct {
	Type       string `json:"type"`
	Token      string `json:"token"`
	RedirectTo string `json:"redirectTo"`
}

// Logout asks the relay to forget the credential.
type Logout struct {
	Type       string `json:"type"`
	RedirectTo string `json:"redirectTo"`
}

// RequestToken asks a page for a credential it may hold. Port identifies
// the reply.
type RequestToken struct {
	Type string `json:"type"`
	Port string `json:"port"`
}

// TokenResponse answers a RequestToken on the same port. Exactly one of
// Token or Error is meaningful; Error is kept raw because pages may send
// any JSON value.
type TokenResponse struct {
	Type  string          `json:"type"`
	Port  string          `json:"port"`
	Token string          `json:"token,omitempty"`
	Error json.RawMessage `json:"error,omitempty"`
}

// HasError reports whether the page reported an error.
func (r TokenResponse) HasError() bool {
	return len(r.Error) > 0 && string(r.Error) != "null"
}

// Navigate instructs a page to load URL.
type Navigate struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}
