package token

import "time"

// SafetyMargin is how long before expiry a token stops being handed out
// as-is.
const SafetyMargin = 5 * time.Minute

// Status is the outcome of Classify.
type Status int

const (
	StatusValid Status = iota
	StatusExpiringSoon
	StatusExpired
	// StatusUnknownLifetime is usable but never refreshed proactively.
	StatusUnknownLifetime
)

func (s Status) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusExpiringSoon:
		return "expiring_soon"
	case StatusExpired:
		return "expired"
	case StatusUnknownLifetime:
		return "unknown_lifetime"
	default:
		return "unknown"
	}
}

// Usable reports whether the access token may be sent as-is.
func (s Status) Usable() bool {
	return s == StatusValid || s == StatusUnknownLifetime
}

// Classify decides whether cred's access token can be used at now.
func Classify(cred Credential, now time.Time) Status {
	if cred.ExpiresAt == nil {
		return StatusUnknownLifetime
	}
	expiresAt := *cred.ExpiresAt
	switch {
	case now.Before(expiresAt.Add(-SafetyMargin)):
		return StatusValid
	case now.Before(expiresAt):
		return StatusExpiringSoon
	default:
		return StatusExpired
	}
}
