// Package secret provides an opaque string type for OAuth tokens.
//
// A Secret never renders its value through fmt, %v/%s/%q/%#v, encoding/json
// or logrus fields. Code that must send the value over the wire calls Reveal.
package secret

import (
	"fmt"
	"log/slog"
)

const redacted = "[REDACTED]"

// Secret holds a sensitive value such as an access or refresh token.
type Secret string

// New wraps a raw value.
func New(v string) Secret { return Secret(v) }

// Reveal returns the raw value.
func (s Secret) Reveal() string { return string(s) }

// IsZero reports whether no value is present.
func (s Secret) IsZero() bool { return s == "" }

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

func (s Secret) GoString() string { return s.String() }

// Format covers every verb, including %x and %q, which would otherwise
// bypass String.
func (s Secret) Format(f fmt.State, verb rune) {
	_, _ = f.Write([]byte(s.String()))
}

func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

func (s Secret) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s Secret) LogValue() slog.Value {
	return slog.StringValue(s.String())
}

// Mask returns a short hint of the value for operator-facing output,
// exposing at most the last four characters of long values.
func (s Secret) Mask() string {
	if len(s) < 20 {
		return s.String()
	}
	return "..." + string(s[len(s)-4:])
}
