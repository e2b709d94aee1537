package errors

import "errors"

// Credential errors.
var (
	ErrMalformedCredential = errors.New("malformed credential")
	ErrEmptyCredential     = errors.New("empty credential")
)

// Page channel errors.
var (
	ErrPageReported  = errors.New("page reported an error")
	ErrClientClosed  = errors.New("client connection closed")
	ErrUnknownClient = errors.New("unknown client type")
)
