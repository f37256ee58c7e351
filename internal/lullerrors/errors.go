// Package lullerrors defines the fatal/non-fatal error taxonomy shared by the
// client and server halves of the measurement engine.
package lullerrors

import "errors"

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrConnectFailed          = errors.New("connect_failed")
	ErrPeerClosed             = errors.New("peer_closed")
	ErrIOError                = errors.New("io_error")
	ErrProtocolViolation      = errors.New("protocol_violation")
	ErrPeerVersionTooNew      = errors.New("peer_version_too_new")
	ErrTimeout                = errors.New("timeout")
	ErrServerOverloaded       = errors.New("server_overloaded")
	ErrLoadTerminationTimeout = errors.New("load_termination_timeout")
	ErrAborted                = errors.New("aborted")
)

// IsFatal reports whether err should cancel siblings and end the test.
// ServerOverloaded and LoadTerminationTimeout are recorded on the result but
// never fatal; Aborted is fatal only in the sense that it ends the test, but
// the result is preserved rather than discarded.
func IsFatal(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrServerOverloaded), errors.Is(err, ErrLoadTerminationTimeout):
		return false
	default:
		return true
	}
}

// MetricLabel maps a wrapped sentinel to a bounded-cardinality Prometheus
// label value, mirroring the classifier the teacher used for its own
// transport errors.
func MetricLabel(err error) string {
	switch {
	case errors.Is(err, ErrConnectFailed):
		return "connect_failed"
	case errors.Is(err, ErrPeerClosed):
		return "peer_closed"
	case errors.Is(err, ErrIOError):
		return "io_error"
	case errors.Is(err, ErrProtocolViolation):
		return "protocol_violation"
	case errors.Is(err, ErrPeerVersionTooNew):
		return "peer_version_too_new"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrServerOverloaded):
		return "server_overloaded"
	case errors.Is(err, ErrLoadTerminationTimeout):
		return "load_termination_timeout"
	case errors.Is(err, ErrAborted):
		return "aborted"
	default:
		return "other"
	}
}
