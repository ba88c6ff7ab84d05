// Package status tracks the daemon lifecycle and the extension connection so
// the control API, MCP tools and external dashboards see one consistent view.
package status

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gaspardpetit/syncbridge/internal/logx"
)

// PeerState describes the current extension connection.
type PeerState struct {
	Connected bool      `json:"connected"`
	ConnID    string    `json:"conn_id,omitempty"`
	Remote    string    `json:"remote,omitempty"`
	Since     time.Time `json:"since,omitempty"`
}

// State holds the daemon status, draining flag and peer view.
type State struct {
	Status   string    `json:"status"`
	Draining bool      `json:"draining"`
	Peer     PeerState `json:"peer"`
}

// Store defines how the state is persisted. Implementations may keep it in
// memory or in an external service such as Redis.
type Store interface {
	Load() (State, error)
	Store(State)
}

var (
	// active is the currently configured Store. It defaults to an in-memory
	// implementation but can be swapped for other strategies.
	active Store = NewMemoryStore()

	// draining is process local; the store only mirrors it.
	draining atomic.Bool

	// mu serializes read-modify-write cycles on the active store.
	mu sync.Mutex
)

// UseStore replaces the active Store.
func UseStore(s Store) {
	if s == nil {
		return
	}
	mu.Lock()
	active = s
	mu.Unlock()
}

type memoryStore struct {
	v atomic.Value
}

// NewMemoryStore returns a memory-backed Store initialized to "not_ready".
func NewMemoryStore() *memoryStore {
	ms := &memoryStore{}
	ms.v.Store(State{Status: "not_ready"})
	return ms
}

func (m *memoryStore) Load() (State, error) {
	st, _ := m.v.Load().(State)
	return st, nil
}

func (m *memoryStore) Store(s State) {
	m.v.Store(s)
}

func store() Store {
	mu.Lock()
	defer mu.Unlock()
	return active
}

// update applies fn to the stored state. A failed load skips the write so a
// transient store error never overwrites the last good state.
func update(fn func(*State)) {
	mu.Lock()
	defer mu.Unlock()
	st, err := active.Load()
	if err != nil {
		logx.Log.Warn().Err(err).Str("component", "status").Msg("state load failed; update skipped")
		return
	}
	fn(&st)
	if draining.Load() {
		st.Draining = true
		st.Status = "draining"
	}
	active.Store(st)
}

// Get returns the full state snapshot. When the store cannot be read the
// status is "unknown".
func Get() State {
	st, err := store().Load()
	if err != nil {
		st = State{Status: "unknown"}
	}
	if draining.Load() {
		st.Draining = true
		st.Status = "draining"
	}
	return st
}

// SetState updates the daemon status string. While draining the status stays
// "draining".
func SetState(status string) {
	update(func(st *State) { st.Status = status })
}

// GetState returns the current daemon status.
func GetState() string {
	return Get().Status
}

// StartDrain marks the daemon as draining.
func StartDrain() {
	draining.Store(true)
	update(func(*State) {})
}

// StopDrain clears the draining flag. Status is left for the caller to set.
func StopDrain() {
	draining.Store(false)
	update(func(st *State) { st.Draining = false })
}

// IsDraining reports whether the daemon is draining.
func IsDraining() bool {
	return draining.Load()
}

// SetPeer replaces the peer view.
func SetPeer(p PeerState) {
	update(func(st *State) { st.Peer = p })
}
