package bridge

import (
	"errors"
	"sync"
)

// ErrDuplicateStream reports a start event for a stream id that is already
// live; the original session is left untouched.
var ErrDuplicateStream = errors.New("stream id already registered")

// Registry is the process-wide map from stream id to its live session. All
// mutation happens under one lock because calls start and stop concurrently.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.streamSid]; ok {
		return ErrDuplicateStream
	}
	r.sessions[s.streamSid] = s
	return nil
}

func (r *Registry) Get(streamSid string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[streamSid]
	return s, ok
}

// Remove is idempotent; cleanup may race a second trigger for the same call.
func (r *Registry) Remove(streamSid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, streamSid)
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
