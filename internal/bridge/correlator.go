package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gaspardpetit/syncbridge/internal/logx"
	"github.com/gaspardpetit/syncbridge/internal/metrics"
	"github.com/gaspardpetit/syncbridge/internal/wire"
)

// Sender delivers a call frame on one connection.
type Sender interface {
	ID() string
	Send(ctx context.Context, f wire.Frame) error
}

type outcome struct {
	result json.RawMessage
	err    error
}

type pendingCall struct {
	id       wire.CallID
	method   string
	params   json.RawMessage
	connID   string
	created  time.Time
	deadline time.Time
	// done receives exactly one outcome, written by whoever removes the
	// call from the table.
	done chan outcome
}

// Correlator matches results to the calls that produced them.
type Correlator struct {
	maxPending int

	mu      sync.Mutex
	next    uint64
	pending map[wire.CallID]*pendingCall
}

// NewCorrelator returns a Correlator allowing at most maxPending outstanding
// calls. Zero or negative disables the bound.
func NewCorrelator(maxPending int) *Correlator {
	return &Correlator{maxPending: maxPending, pending: map[wire.CallID]*pendingCall{}}
}

// Issue sends method on s and blocks until the call settles: by a result, a
// timeout, a lost connection or the end of ctx.
func (c *Correlator) Issue(ctx context.Context, s Sender, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", method, err)
	}
	p, err := c.register(s.ID(), method, raw, timeout)
	if err != nil {
		metrics.RecordCall(method, outcomeLabel(err), 0)
		return nil, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// A full write queue must not hold the call past its own deadline.
	sendCtx, cancelSend := context.WithDeadline(ctx, p.deadline)
	err = s.Send(sendCtx, wire.Call(p.id, method, raw))
	cancelSend()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%s: not sent within %s: %w", method, timeout, ErrTimeout)
		} else {
			err = fmt.Errorf("send %s: %w", method, err)
		}
		c.settle(p.id, outcome{err: err})
	}

	var out outcome
	select {
	case out = <-p.done:
	case <-timer.C:
		c.settle(p.id, outcome{err: fmt.Errorf("%s: no result after %s: %w", method, timeout, ErrTimeout)})
		out = <-p.done
	case <-ctx.Done():
		c.settle(p.id, outcome{err: ctx.Err()})
		out = <-p.done
	}
	metrics.RecordCall(method, outcomeLabel(out.err), time.Since(p.created))
	return out.result, out.err
}

func (c *Correlator) register(connID, method string, params json.RawMessage, timeout time.Duration) (*pendingCall, error) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxPending > 0 && len(c.pending) >= c.maxPending {
		return nil, ErrBackpressure
	}
	c.next++
	p := &pendingCall{
		id:       wire.FormatID(c.next),
		method:   method,
		params:   params,
		connID:   connID,
		created:  now,
		deadline: now.Add(timeout),
		done:     make(chan outcome, 1),
	}
	c.pending[p.id] = p
	metrics.SetPendingCalls(len(c.pending))
	return p, nil
}

// settle removes id from the table and delivers o. It reports false when the
// call was already settled.
func (c *Correlator) settle(id wire.CallID, o outcome) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		metrics.SetPendingCalls(len(c.pending))
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	p.done <- o
	return true
}

// Settle delivers a result received on connection connID. Results for
// unknown ids, already settled calls, or calls issued on another connection
// are logged and dropped.
func (c *Correlator) Settle(connID string, id wire.CallID, result json.RawMessage, err error) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok && p.connID != connID {
		ok = false
	}
	if ok {
		delete(c.pending, id)
		metrics.SetPendingCalls(len(c.pending))
	}
	c.mu.Unlock()
	if !ok {
		metrics.RecordStaleResult()
		logx.Log.Debug().Str("component", "bridge.correlator").Str("conn_id", connID).Str("call_id", string(id)).Msg("dropping result for unknown call")
		return false
	}
	var re *RemoteError
	if errors.As(err, &re) && re.Method == "" {
		re.Method = p.method
	}
	p.done <- outcome{result: result, err: err}
	return true
}

// FailConnection settles every call sent on connID with err and returns how
// many were failed.
func (c *Correlator) FailConnection(connID string, err error) int {
	return c.failWhere(func(p *pendingCall) bool { return p.connID == connID }, err)
}

// FailAll settles every outstanding call with err.
func (c *Correlator) FailAll(err error) int {
	return c.failWhere(func(*pendingCall) bool { return true }, err)
}

func (c *Correlator) failWhere(match func(*pendingCall) bool, err error) int {
	c.mu.Lock()
	var failed []*pendingCall
	for id, p := range c.pending {
		if match(p) {
			delete(c.pending, id)
			failed = append(failed, p)
		}
	}
	metrics.SetPendingCalls(len(c.pending))
	c.mu.Unlock()
	for _, p := range failed {
		p.done <- outcome{err: fmt.Errorf("%s: %w", p.method, err)}
	}
	return len(failed)
}

// Len returns the number of outstanding calls.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// PendingInfo describes one outstanding call.
type PendingInfo struct {
	ID       string    `json:"id"`
	Method   string    `json:"method"`
	ConnID   string    `json:"conn_id"`
	Created  time.Time `json:"created"`
	Deadline time.Time `json:"deadline"`
}

// Pending lists outstanding calls.
func (c *Correlator) Pending() []PendingInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PendingInfo, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, PendingInfo{ID: string(p.id), Method: p.method, ConnID: p.connID, Created: p.created, Deadline: p.deadline})
	}
	return out
}

func marshalParams(params any) (json.RawMessage, error) {
	switch v := params.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(v) == 0 {
			return json.RawMessage(`{}`), nil
		}
		if !json.Valid(v) {
			return nil, errors.New("invalid JSON")
		}
		return v, nil
	default:
		return json.Marshal(v)
	}
}
