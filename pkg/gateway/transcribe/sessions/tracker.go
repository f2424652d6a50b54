package sessions

import (
	"context"
	"sync"
)

// Handle lets the tracker reach into a live relay during shutdown.
type Handle struct {
	Cancel func()
}

// Tracker enforces at most one live relay per session within this process and
// gives the server a way to cancel and await all relays while draining.
type Tracker struct {
	mu     sync.Mutex
	relays map[string]*trackedRelay
	wg     sync.WaitGroup
}

type trackedRelay struct {
	handle Handle
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{
		relays: make(map[string]*trackedRelay),
	}
}

// Acquire claims the session for a new relay. It refuses when a relay is
// already live for the session; the caller must reject the connection. On
// success, the returned release func must be called exactly once.
func (t *Tracker) Acquire(sessionID string, h Handle) (release func(), ok bool) {
	entry := &trackedRelay{handle: h}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.relays[sessionID]; exists {
		return nil, false
	}
	t.relays[sessionID] = entry
	t.wg.Add(1)

	return func() { t.release(sessionID, entry) }, true
}

func (t *Tracker) release(sessionID string, entry *trackedRelay) {
	entry.once.Do(func() {
		t.mu.Lock()
		if t.relays[sessionID] == entry {
			delete(t.relays, sessionID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.relays)
}

// CancelAll cancels every live relay. Used when a drain deadline expires.
func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}

	var cancels []func()
	t.mu.Lock()
	for _, entry := range t.relays {
		if entry == nil || entry.handle.Cancel == nil {
			continue
		}
		cancels = append(cancels, entry.handle.Cancel)
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every live relay has released, or ctx expires.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
