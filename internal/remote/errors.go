package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrConnectivity wraps transport failures: unreachable host, DNS, reset
// connections, timeouts.
var ErrConnectivity = errors.New("remote unreachable")

// Error is a response the backend rejected.
type Error struct {
	RPC        string
	StatusCode int
	Code       string
	Message    string
	Hint       string
	Details    string
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: http %d", e.RPC, e.StatusCode)
	if e.Code != "" {
		msg += " " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Hint != "" {
		msg += " (hint: " + e.Hint + ")"
	}
	return msg
}

// Transient reports whether the status is worth retrying.
func (e *Error) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode >= 500
}

// Kind is the error class used to decide between ignoring, queueing and
// aborting.
type Kind int

const (
	// KindLocal is any failure that is not the remote's: local store,
	// encoding, programming errors. It aborts the sync attempt.
	KindLocal Kind = iota
	// KindCancelled is an expected cancellation. Never logged, never queued.
	KindCancelled
	// KindConnectivity is a network-class failure. The mutation is queued.
	KindConnectivity
	// KindRejected is a backend validation failure.
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindCancelled:
		return "cancelled"
	case KindConnectivity:
		return "connectivity"
	case KindRejected:
		return "rejected"
	default:
		return "local"
	}
}

// Classify sorts err into one of the error kinds.
func Classify(err error) Kind {
	if err == nil {
		return KindLocal
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}

	var re *Error
	if errors.As(err, &re) {
		if re.Transient() {
			return KindConnectivity
		}
		return KindRejected
	}

	if errors.Is(err, ErrConnectivity) || errors.Is(err, context.DeadlineExceeded) {
		return KindConnectivity
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindConnectivity
	}
	return KindLocal
}

// ErrorType returns a short type name for diagnostics.
func ErrorType(err error) string {
	var re *Error
	if errors.As(err, &re) {
		return "RemoteError"
	}
	switch Classify(err) {
	case KindConnectivity:
		return "ConnectivityError"
	case KindCancelled:
		return "Cancelled"
	}
	for {
		inner := errors.Unwrap(err)
		if inner == nil {
			return fmt.Sprintf("%T", err)
		}
		err = inner
	}
}
