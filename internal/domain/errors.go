package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrLockHeld      = errors.New("lock already held")
	ErrWSDisconnect  = errors.New("websocket disconnected")

	// ErrStaleData means an opportunity stopped being valid before submission.
	ErrStaleData = errors.New("stale data")
	// ErrTransientVenue covers timeouts, rate limits and 5xx-class failures.
	ErrTransientVenue = errors.New("transient venue error")
	// ErrDefinitiveRejection covers invalid orders and insufficient funds.
	ErrDefinitiveRejection = errors.New("definitive rejection")
	// ErrUnwindFailure leaves residual market exposure and needs an operator.
	ErrUnwindFailure = errors.New("unwind failure")
	ErrOutOfOrder    = errors.New("snapshot out of order")
	ErrInFlight      = errors.New("combination already in flight")
	ErrHalted        = errors.New("execution halted")
)

// VenueErrorKind classifies a failure reported by a venue adapter.
type VenueErrorKind string

const (
	VenueErrTimeout     VenueErrorKind = "timeout"
	VenueErrRateLimited VenueErrorKind = "rate_limited"
	VenueErrUnavailable VenueErrorKind = "unavailable"
	VenueErrRejected    VenueErrorKind = "rejected"
)

// Transient reports whether errors of this kind may be retried.
func (k VenueErrorKind) Transient() bool {
	return k != VenueErrRejected
}

// VenueError is returned by venue adapters. It unwraps to both the
// underlying cause and ErrTransientVenue or ErrDefinitiveRejection, so
// callers classify it with errors.Is.
type VenueError struct {
	Venue string
	Op    string
	Kind  VenueErrorKind
	Err   error
}

// NewVenueError builds a VenueError.
func NewVenueError(venue, op string, kind VenueErrorKind, err error) *VenueError {
	return &VenueError{Venue: venue, Op: op, Kind: kind, Err: err}
}

func (e *VenueError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("venue %s: %s: %s", e.Venue, e.Op, e.Kind)
	}
	return fmt.Sprintf("venue %s: %s: %s: %v", e.Venue, e.Op, e.Kind, e.Err)
}

func (e *VenueError) Unwrap() []error {
	class := ErrDefinitiveRejection
	if e.Kind.Transient() {
		class = ErrTransientVenue
	}
	if e.Err == nil {
		return []error{class}
	}
	return []error{e.Err, class}
}

// IsTransient reports whether err may be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientVenue)
}

// IsRateLimited reports whether err is a venue rate-limit response.
func IsRateLimited(err error) bool {
	var ve *VenueError
	return errors.As(err, &ve) && ve.Kind == VenueErrRateLimited
}
