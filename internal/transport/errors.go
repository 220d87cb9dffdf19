package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrUnauthorized is matched by errors the endpoint returns when the credential was rejected.
	ErrUnauthorized = errors.New("credential rejected")
	// ErrCancelled wraps the caller's context error when a fetch is abandoned.
	ErrCancelled = errors.New("fetch cancelled")
)

// State is the classified connectivity outcome of a fetch or sync cycle.
type State int

const (
	StateConnected State = iota
	StateTimeout
	StateUnavailable
	StateAuthFailed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateTimeout:
		return "timeout"
	case StateUnavailable:
		return "unavailable"
	case StateAuthFailed:
		return "auth-failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Kind classifies a single failed attempt.
type Kind int

const (
	KindUnavailable Kind = iota
	KindTimeout
	KindAuth
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindTimeout:
		return "timeout"
	case KindAuth:
		return "auth"
	case KindCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Retryable reports whether another attempt may follow a failure of this kind.
func (k Kind) Retryable() bool {
	return k == KindTimeout || k == KindUnavailable
}

// Classify maps a failed attempt to its kind. The caller's context is
// consulted first so that its cancellation is never mistaken for an
// attempt timeout.
func Classify(callerCtx context.Context, err error) Kind {
	if callerCtx.Err() != nil {
		return KindCancelled
	}
	if errors.Is(err, ErrUnauthorized) {
		return KindAuth
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindUnavailable
}

// HTTPError is a non-2xx response from the endpoint.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

func (e *HTTPError) Is(target error) bool {
	if target != ErrUnauthorized {
		return false
	}
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// ConnectivityError is the terminal failure of a fetch after the retry policy
// gave up or an authorization failure short-circuited it.
type ConnectivityError struct {
	State    State
	Attempts int
	Message  string
	Err      error
}

func (e *ConnectivityError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s after %d attempt(s): %s", e.State, e.Attempts, e.Message)
	}
	return fmt.Sprintf("%s after %d attempt(s): %s: %v", e.State, e.Attempts, e.Message, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

func newConnectivityError(kind Kind, attempts int, err error) *ConnectivityError {
	switch kind {
	case KindAuth:
		return &ConnectivityError{
			State:    StateAuthFailed,
			Attempts: attempts,
			Message:  "X-dock rejected the credentials. Check username and password.",
			Err:      err,
		}
	case KindTimeout:
		return &ConnectivityError{
			State:    StateTimeout,
			Attempts: attempts,
			Message:  fmt.Sprintf("X-dock did not respond in time after %d attempt(s).", attempts),
			Err:      err,
		}
	default:
		return &ConnectivityError{
			State:    StateUnavailable,
			Attempts: attempts,
			Message:  fmt.Sprintf("X-dock is unavailable after %d attempt(s).", attempts),
			Err:      err,
		}
	}
}
