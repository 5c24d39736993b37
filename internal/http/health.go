package httpserver

import "sync"

// HealthState tracks readiness for the HTTP API. Liveness is always
// true while the process runs; readiness toggles once the wiring is
// complete and again during shutdown.
type HealthState struct {
	mu    sync.RWMutex
	ready bool
}

// NewHealthState constructs the tracker with readiness set to false so
// upstream systems can verify when the coordinator is ready for
// traffic.
func NewHealthState() *HealthState {
	return &HealthState{}
}

// SetReady flips the readiness flag.
func (h *HealthState) SetReady(value bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = value
}

// Ready exposes the current readiness flag.
func (h *HealthState) Ready() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}
