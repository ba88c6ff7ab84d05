package chunk

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gaspardpetit/syncbridge/internal/wire"
)

const (
	DefaultTTL         = 2 * time.Minute
	DefaultMaxSessions = 8
)

// Session is the receiver-side bookkeeping for one in-progress upload.
type Session struct {
	ID        string
	Total     int
	MimeType  string
	Tag       string
	CreatedAt time.Time

	parts [][]byte
	size  int
}

// Received returns the number of chunks accepted so far.
func (s *Session) Received() int { return len(s.parts) }

// Size returns the number of raw bytes accepted so far.
func (s *Session) Size() int { return s.size }

// Upload is a fully reassembled payload.
type Upload struct {
	SessionID string
	MimeType  string
	Tag       string
	Data      []byte
}

// Assembler reassembles chunk sessions on the receiving side. Chunks must
// arrive in index order exactly once; any violation discards the session.
type Assembler struct {
	ttl         time.Duration
	maxSessions int
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewAssembler constructs an Assembler. Non-positive arguments select the
// defaults.
func NewAssembler(ttl time.Duration, maxSessions int) *Assembler {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	return &Assembler{ttl: ttl, maxSessions: maxSessions, now: time.Now, sessions: map[string]*Session{}}
}

// Add accepts the next chunk of a session, creating the session on index 0.
func (a *Assembler) Add(p wire.ChunkParams) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	fail := func(reason string, err error) error {
		delete(a.sessions, p.SessionID)
		return &SequenceError{SessionID: p.SessionID, Index: p.Index, Total: p.Total, Reason: reason, Err: err}
	}
	if p.SessionID == "" {
		return &SequenceError{Index: p.Index, Total: p.Total, Reason: "missing session id"}
	}
	if p.Total <= 0 || p.Index < 0 || p.Index >= p.Total {
		return fail("index out of range", nil)
	}
	s, ok := a.sessions[p.SessionID]
	if !ok {
		if p.Index != 0 {
			return fail("session must start at index 0", nil)
		}
		a.sweepLocked(a.now())
		if len(a.sessions) >= a.maxSessions {
			return ErrTooManySessions
		}
		s = &Session{ID: p.SessionID, Total: p.Total, MimeType: p.MimeType, Tag: p.Tag, CreatedAt: a.now()}
		a.sessions[p.SessionID] = s
	}
	switch {
	case p.Total != s.Total:
		return fail(fmt.Sprintf("total changed from %d", s.Total), nil)
	case p.Index < len(s.parts):
		return fail("duplicate chunk", nil)
	case p.Index > len(s.parts):
		return fail(fmt.Sprintf("out of order, expected index %d", len(s.parts)), nil)
	}
	data, err := Decode(p.Data)
	if err != nil {
		return fail("invalid data", err)
	}
	s.parts = append(s.parts, data)
	s.size += len(data)
	return nil
}

// Complete reassembles a session once every chunk has been received. The
// session is removed whether or not completion succeeds.
func (a *Assembler) Complete(p wire.CompleteParams) (Upload, error) {
	a.mu.Lock()
	s, ok := a.sessions[p.SessionID]
	delete(a.sessions, p.SessionID)
	a.mu.Unlock()
	if !ok {
		return Upload{}, fmt.Errorf("%w: %s", ErrUnknownSession, p.SessionID)
	}
	if len(s.parts) != s.Total {
		return Upload{}, &SequenceError{SessionID: s.ID, Index: len(s.parts), Total: s.Total, Err: ErrIncomplete}
	}
	if p.Size > 0 && p.Size != s.size {
		return Upload{}, &SequenceError{SessionID: s.ID, Index: s.Total - 1, Total: s.Total, Reason: fmt.Sprintf("size mismatch: got %d bytes, expected %d", s.size, p.Size)}
	}
	up := Upload{SessionID: s.ID, MimeType: s.MimeType, Tag: s.Tag, Data: bytes.Join(s.parts, nil)}
	if p.MimeType != "" {
		up.MimeType = p.MimeType
	}
	if p.Tag != "" {
		up.Tag = p.Tag
	}
	return up, nil
}

// Discard drops a session without completing it.
func (a *Assembler) Discard(id string) {
	a.mu.Lock()
	delete(a.sessions, id)
	a.mu.Unlock()
}

// Len returns the number of live sessions.
func (a *Assembler) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

// Sweep discards sessions older than the TTL and returns how many were dropped.
func (a *Assembler) Sweep(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sweepLocked(now)
}

func (a *Assembler) sweepLocked(now time.Time) int {
	n := 0
	for id, s := range a.sessions {
		if now.Sub(s.CreatedAt) > a.ttl {
			delete(a.sessions, id)
			n++
		}
	}
	return n
}

// Run sweeps expired sessions periodically until ctx ends.
func (a *Assembler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = a.ttl / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.Sweep(a.now())
		case <-ctx.Done():
			return
		}
	}
}
