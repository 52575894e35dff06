package auth

import (
	"fmt"
	"time"
)

type StatusKind string

const (
	StatusUnconfigured    StatusKind = "unconfigured"
	StatusUnauthenticated StatusKind = "unauthenticated"
	StatusAuthenticating  StatusKind = "authenticating"
	StatusAuthenticated   StatusKind = "authenticated"
	StatusRateLimited     StatusKind = "rate_limited"
	StatusFailed          StatusKind = "failed"
)

// Status is a snapshot of the token lifecycle. Only the fields for Kind are set.
type Status struct {
	Kind        StatusKind
	ExpiresAt   time.Time
	RetryAfter  time.Time
	Reason      string
	Deactivated bool
}

func (s Status) String() string {
	switch s.Kind {
	case StatusAuthenticated:
		return fmt.Sprintf("authenticated (expires %s)", s.ExpiresAt.UTC().Format(time.RFC3339))
	case StatusRateLimited:
		return fmt.Sprintf("rate limited (retry after %s)", s.RetryAfter.UTC().Format(time.RFC3339))
	case StatusFailed:
		if s.Deactivated {
			return "failed: device deactivated"
		}
		return "failed: " + s.Reason
	default:
		return string(s.Kind)
	}
}
