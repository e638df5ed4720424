package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrAuthRejected     = errors.New("auth rejected")
	ErrForbidden        = errors.New("forbidden")
	ErrNotHost          = errors.New("not host")
	ErrInvalidTarget    = errors.New("invalid target")
	ErrAlreadyQueued    = errors.New("already queued")
	ErrSpeakersFull     = errors.New("speakers at capacity")
	ErrBadPayload       = errors.New("bad payload")
	ErrNotInRoom        = errors.New("not in room")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrRelayUnavailable = errors.New("relay unavailable")
)

// RateLimitedError carries the back-off hint for a denied command.
type RateLimitedError struct {
	Class      string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited (%s), retry after %s", e.Class, e.RetryAfter)
}

// IsRejection reports whether err is a caller fault resolved without touching
// infrastructure. Such errors never leave the room partially mutated.
func IsRejection(err error) bool {
	var rl *RateLimitedError
	switch {
	case errors.As(err, &rl),
		errors.Is(err, ErrAuthRejected),
		errors.Is(err, ErrForbidden),
		errors.Is(err, ErrNotHost),
		errors.Is(err, ErrInvalidTarget),
		errors.Is(err, ErrAlreadyQueued),
		errors.Is(err, ErrSpeakersFull),
		errors.Is(err, ErrBadPayload),
		errors.Is(err, ErrNotInRoom):
		return true
	}
	return false
}

// Code maps an error to its wire code.
func Code(err error) string {
	var rl *RateLimitedError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &rl):
		return "rate_limited"
	case errors.Is(err, ErrAuthRejected):
		return "auth_rejected"
	case errors.Is(err, ErrNotHost):
		return "not_host"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrInvalidTarget):
		return "invalid_target"
	case errors.Is(err, ErrAlreadyQueued):
		return "already_queued"
	case errors.Is(err, ErrSpeakersFull):
		return "speakers_full"
	case errors.Is(err, ErrBadPayload):
		return "bad_payload"
	case errors.Is(err, ErrNotInRoom):
		return "not_in_room"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, ErrRelayUnavailable):
		return "relay_unavailable"
	default:
		return "internal"
	}
}
