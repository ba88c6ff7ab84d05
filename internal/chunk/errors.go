package chunk

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownSession is returned for chunks or completions of a session that
	// does not exist or was discarded.
	ErrUnknownSession = errors.New("unknown chunk session")
	// ErrTooManySessions is returned when the assembler is at capacity.
	ErrTooManySessions = errors.New("too many chunk sessions")
	// ErrIncomplete is returned when completion is requested before every
	// chunk has arrived.
	ErrIncomplete = errors.New("chunk session incomplete")
)

// SequenceError reports an out-of-order, duplicate, malformed or aborted chunk.
// Err carries the underlying cause when the sequence was aborted by a failed
// chunk call.
type SequenceError struct {
	SessionID string
	Index     int
	Total     int
	Reason    string
	Err       error
}

func (e *SequenceError) Error() string {
	msg := fmt.Sprintf("chunk %d/%d of session %s", e.Index, e.Total, e.SessionID)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SequenceError) Unwrap() error { return e.Err }
