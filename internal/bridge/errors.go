package bridge

import (
	"errors"
	"fmt"

	"github.com/gaspardpetit/syncbridge/internal/chunk"
)

var (
	// ErrNotConnected is returned when no authenticated extension is connected.
	ErrNotConnected = errors.New("extension not connected")
	// ErrTimeout is wrapped by calls that received no result in time.
	ErrTimeout = errors.New("call timed out")
	// ErrConnectionLost is returned for calls whose connection closed or was
	// replaced before a result arrived.
	ErrConnectionLost = errors.New("connection lost")
	// ErrAuthFailed marks a rejected handshake. It is logged, never returned to
	// callers.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrBackpressure is returned when too many calls or uploads are in flight.
	ErrBackpressure = errors.New("too many requests in flight")
	// ErrEmptyPayload is returned for uploads without data.
	ErrEmptyPayload = errors.New("empty upload payload")
	// ErrNoToken is returned by Start when no shared secret is configured.
	// Handshakes are always rejected in that case.
	ErrNoToken = errors.New("bridge token is not configured")
	// ErrClosed is returned once the bridge has been closed.
	ErrClosed = errors.New("bridge closed")
)

// BindError reports that the listener could not be opened.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string { return fmt.Sprintf("bind %s: %v", e.Addr, e.Err) }

func (e *BindError) Unwrap() error { return e.Err }

// RemoteError carries a failure reported by the extension. Error returns the
// extension's message verbatim.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

// ChunkSequenceError is returned by UploadChunked when a chunk call fails.
type ChunkSequenceError = chunk.SequenceError

// outcomeLabel classifies a call error for metrics.
func outcomeLabel(err error) string {
	var re *RemoteError
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.As(err, &re):
		return "remote_error"
	case errors.Is(err, ErrConnectionLost):
		return "connection_lost"
	case errors.Is(err, ErrClosed):
		return "closed"
	case errors.Is(err, ErrNotConnected):
		return "not_connected"
	case errors.Is(err, ErrBackpressure):
		return "backpressure"
	default:
		return "error"
	}
}
