package agent

import "sync"

// busySet tracks sessions with an active turn or state change.
type busySet struct {
	mu       sync.Mutex
	sessions map[string]struct{}
}

func newBusySet() *busySet {
	return &busySet{sessions: make(map[string]struct{})}
}

// TryAcquire marks sessionID busy. It reports false if it already was.
func (b *busySet) TryAcquire(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, busy := b.sessions[sessionID]; busy {
		return false
	}
	b.sessions[sessionID] = struct{}{}
	return true
}

func (b *busySet) Release(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, sessionID)
}

func (b *busySet) Busy(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, busy := b.sessions[sessionID]
	return busy
}
