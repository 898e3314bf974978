package session

import "sync"

// Registry owns the single active session. Construction of a replacement is
// an explicit handoff: the previous session is stopped (tearing down its
// channel, timers and input state) before the next one starts.
type Registry struct {
	mu     sync.Mutex
	active *Session
}

// Swap installs next as the active session, stopping and returning the
// previous one. next may be nil to just stop.
func (r *Registry) Swap(next *Session) *Session {
	r.mu.Lock()
	prev := r.active
	r.active = next
	r.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}
	if next != nil {
		next.Start()
	}
	return prev
}

// Active returns the current session, or nil.
func (r *Registry) Active() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}
