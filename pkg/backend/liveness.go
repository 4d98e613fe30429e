package backend

import "sync/atomic"

// Liveness is the advisory belief that the backend is reachable. Readers may
// see a stale value; every proxied request still handles its own failures.
type Liveness struct {
	alive atomic.Bool
}

// NewLiveness creates a Liveness holding alive.
func NewLiveness(alive bool) *Liveness {
	l := &Liveness{}
	l.alive.Store(alive)
	return l
}

// IsAlive returns the backend's last known status.
func (l *Liveness) IsAlive() bool {
	return l.alive.Load()
}

// SetAlive records the backend's status and reports whether it changed.
func (l *Liveness) SetAlive(alive bool) bool {
	return l.alive.Swap(alive) != alive
}
