package session

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrDuplicateStream is returned when a stream SID is already registered.
var ErrDuplicateStream = errors.New("session: duplicate stream")

// Info describes a registered session.
type Info struct {
	StreamSID string    `json:"stream_sid"`
	CallSID   string    `json:"call_sid"`
	SessionID string    `json:"session_id"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type entry struct {
	session *Session
	info    Info
}

// Registry maps stream SIDs to live sessions. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds s under streamSID.
func (r *Registry) Register(streamSID, callSID string, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[streamSID]; exists {
		return ErrDuplicateStream
	}

	now := time.Now()
	info := Info{
		StreamSID: streamSID,
		CallSID:   callSID,
		State:     StateAwaitingAgent.String(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if s != nil {
		info.SessionID = s.ID()
		info.State = s.State().String()
	}
	r.entries[streamSID] = &entry{session: s, info: info}
	return nil
}

// Update records a state change for streamSID. Unknown keys are ignored.
func (r *Registry) Update(streamSID string, state State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[streamSID]; ok {
		e.info.State = state.String()
		e.info.UpdatedAt = time.Now()
	}
}

// Unregister removes streamSID. Removing an unknown key is a no-op.
func (r *Registry) Unregister(streamSID string) {
	r.mu.Lock()
	delete(r.entries, streamSID)
	r.mu.Unlock()
}

// Lookup returns the registration info for streamSID.
func (r *Registry) Lookup(streamSID string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[streamSID]
	if !ok {
		return Info{}, false
	}
	return e.info, true
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot returns the registered sessions ordered by creation time.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.info)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].StreamSID < out[j].StreamSID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// CloseAll asks every registered session to shut down. It does not wait.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.entries))
	for _, e := range r.entries {
		if e.session != nil {
			sessions = append(sessions, e.session)
		}
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		s.Close()
	}
}
