package apperrors

import (
	"errors"
	"fmt"
)

// Error kinds. Every error surfaced by an adapter or engine component wraps
// exactly one of these, so callers branch with errors.Is.
var (
	ErrTransport         = errors.New("transport error")
	ErrRateLimit         = errors.New("rate limit exceeded")
	ErrAPI               = errors.New("api error")
	ErrCredentialMissing = errors.New("credential missing")
	ErrCredentialInvalid = errors.New("credential invalid")
	ErrSubscribeTimeout  = errors.New("subscribe timeout")
	ErrDataStale         = errors.New("data stale")
	ErrValidation        = errors.New("validation failed")
	ErrUncertain         = errors.New("outcome uncertain")
	ErrConflict          = errors.New("conflict")
)

// Venue-level order errors. These wrap ErrAPI when classified through Venue.
var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrOrderRejected     = errors.New("order rejected")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// VenueError carries the venue, operation and raw venue code alongside the
// kind sentinel it unwraps to.
type VenueError struct {
	Venue string
	Op    string
	Code  string
	Msg   string
	Kind  error
}

func (e *VenueError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s %s: %v (code=%s): %s", e.Venue, e.Op, e.Kind, e.Code, e.Msg)
	}
	return fmt.Sprintf("%s %s: %v: %s", e.Venue, e.Op, e.Kind, e.Msg)
}

func (e *VenueError) Unwrap() error { return e.Kind }

// Venue builds a VenueError. A nil kind defaults to ErrAPI.
func Venue(venue, op, code, msg string, kind error) *VenueError {
	if kind == nil {
		kind = ErrAPI
	}
	return &VenueError{Venue: venue, Op: op, Code: code, Msg: msg, Kind: kind}
}

// Transport wraps a transport-layer failure (dial, timeout, reset, 5xx).
func Transport(venue, op string, err error) *VenueError {
	return &VenueError{Venue: venue, Op: op, Msg: err.Error(), Kind: ErrTransport}
}

// Retryable reports whether the error is transient and safe to retry.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrRateLimit)
}

// Uncertain reports whether the outcome of the attempted operation is
// unknown and must be reconciled by query before retrying.
func Uncertain(err error) bool {
	return errors.Is(err, ErrUncertain)
}
