package credential

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/authrelay/internal/errors"
	"github.com/tidwall/gjson"
)

// toURLAlphabet maps the standard base64 alphabet onto the URL-safe one so
// payloads written by either encoder decode the same way.
var toURLAlphabet = strings.NewReplacer("+", "-", "/", "_")

// maxExpiry caps exp values too large for time.Time. Such a token never
// expires.
var maxExpiry = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

// Expiry returns the expiration time embedded in a three-part token. The
// middle segment must be base64 JSON carrying a numeric "exp" in epoch
// seconds. Values outside [0, year 9999] are clamped to that range.
func Expiry(token string) (time.Time, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return time.Time{}, fmt.Errorf("%w: expected 3 segments, got %d", apperrors.ErrMalformedCredential, len(parts))
	}

	seg := toURLAlphabet.Replace(strings.TrimRight(parts[1], "="))

	payload, err := base64.RawURLEncoding.DecodeString(seg)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: decoding payload: %v", apperrors.ErrMalformedCredential, err)
	}

	if !gjson.ValidBytes(payload) {
		return time.Time{}, fmt.Errorf("%w: payload is not JSON", apperrors.ErrMalformedCredential)
	}

	exp := gjson.GetBytes(payload, "exp")
	if exp.Type != gjson.Number {
		return time.Time{}, fmt.Errorf("%w: missing numeric exp", apperrors.ErrMalformedCredential)
	}

	switch f := exp.Float(); {
	case f >= float64(maxExpiry.Unix()):
		return maxExpiry, nil
	case f <= 0:
		return time.Unix(0, 0), nil
	}

	return time.Unix(exp.Int(), 0), nil
}

// Expired reports whether token's exp lies strictly before now, compared
// in whole seconds.
func Expired(token string, now time.Time) (bool, error) {
	exp, err := Expiry(token)
	if err != nil {
		return false, err
	}

	return exp.Unix() < now.Unix(), nil
}
