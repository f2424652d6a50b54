// Package lifecycle tracks process-level serving state.
package lifecycle

import "sync/atomic"

// Lifecycle is the draining flag shared by the readiness probe and stream
// admission. Once draining, readyz reports unavailable and new relays are
// refused while live ones finish out their grace period.
type Lifecycle struct {
	draining atomic.Bool
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}
