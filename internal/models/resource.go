package models

import "time"

// Resource is a live registry entry: a filesystem location reachable through
// an unguessable token for a limited number of downloads before a deadline.
type Resource struct {
	ID        uint64    `json:"id"`
	Location  string    `json:"location"`
	Name      string    `json:"name"`
	Remaining int       `json:"remaining"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
	Packaged  bool      `json:"packaged"`
}

// Status is the consumability of a resource at a given instant.
type Status int

const (
	StatusActive Status = iota
	StatusExpired
	StatusExhausted
	StatusPathInvalid
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusExpired:
		return "expired"
	case StatusExhausted:
		return "exhausted"
	case StatusPathInvalid:
		return "path-invalid"
	default:
		return "unknown"
	}
}

// Terminal reports whether a resource in this status must be dropped.
func (s Status) Terminal() bool {
	return s != StatusActive
}

// Evaluate classifies r at now. pathErr is the outcome of checking that the
// resource's location is still readable; it takes precedence over the
// deadline, which takes precedence over the remaining count.
func Evaluate(r *Resource, now time.Time, pathErr error) Status {
	switch {
	case pathErr != nil:
		return StatusPathInvalid
	case !now.Before(r.ExpiresAt):
		return StatusExpired
	case r.Remaining < 1:
		return StatusExhausted
	default:
		return StatusActive
	}
}
