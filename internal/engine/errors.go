package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrCancelled        = errors.New("engine: cancelled")
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrAlreadyRunning   = errors.New("engine already running")
	ErrNotRunning       = errors.New("engine not running")
	ErrUnknownChannel   = errors.New("channel not in rotation")

	// Permanent remote conditions. The governor never retries these.
	ErrChannelUnavailable = errors.New("channel unavailable")
	ErrNoDiscussion       = errors.New("channel has no discussion chat")
	ErrMembershipRequired = errors.New("membership required")
	ErrJoinUnsupported    = errors.New("join not supported by client")

	// Candidate rejections returned by Prepare.
	ErrAlreadyKnown    = errors.New("candidate already queued or processed")
	ErrCapReached      = errors.New("channel cap reached")
	ErrResolveFailed   = errors.New("candidate could not be resolved")
	ErrNoEligiblePosts = errors.New("no eligible posts")
)

// Permanent marks an error as non-retryable.
//
// Client implementations wrap "channel private/invalid" style failures so the
// governor returns them immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	var p permanentError
	if errors.As(err, &p) {
		return true
	}
	return errors.Is(err, ErrChannelUnavailable) ||
		errors.Is(err, ErrNoDiscussion) ||
		errors.Is(err, ErrMembershipRequired) ||
		errors.Is(err, ErrJoinUnsupported)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

// RateLimitError is the remote "slow down" signal carrying the wait the
// platform demands before the next attempt.
type RateLimitError struct {
	Wait time.Duration
	Err  error
}

func (e *RateLimitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("rate limited: retry after %s", e.Wait)
	}
	return fmt.Sprintf("rate limited (retry after %s): %v", e.Wait, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// RateLimit wraps err as a rate-limit signal.
func RateLimit(err error, wait time.Duration) error {
	if wait < 0 {
		wait = 0
	}
	return &RateLimitError{Wait: wait, Err: err}
}

// AsRateLimit extracts the required wait from a rate-limit signal.
func AsRateLimit(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.Wait, true
	}
	return 0, false
}

// IsRejection reports whether err is one of the Prepare rejection reasons.
func IsRejection(err error) bool {
	return errors.Is(err, ErrAlreadyKnown) ||
		errors.Is(err, ErrCapReached) ||
		errors.Is(err, ErrResolveFailed) ||
		errors.Is(err, ErrNoEligiblePosts)
}
