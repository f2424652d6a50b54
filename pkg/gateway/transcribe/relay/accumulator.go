package relay

import (
	"context"
	"strings"
	"sync"

	"github.com/clinicore/clinicore/pkg/store"
)

// Accumulator collects finalized transcript text for sessions. Durability
// comes from the transcript store; a per-process mirror serves reads without a
// round-trip while a relay is live. Only one relay mutates a given session at
// a time, so the mirror cannot diverge within a relay's lifetime.
type Accumulator struct {
	store store.TranscriptStore

	mu     sync.Mutex
	mirror map[string]string
}

func NewAccumulator(ts store.TranscriptStore) *Accumulator {
	return &Accumulator{
		store:  ts,
		mirror: make(map[string]string),
	}
}

// Prime loads the stored transcript into the mirror before a relay starts
// streaming, so a reconnecting client keeps accumulating onto earlier text.
func (a *Accumulator) Prime(ctx context.Context, sessionID string) error {
	stored, err := a.store.GetTranscript(ctx, sessionID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mirror[sessionID] = stored
	return nil
}

// Append adds finalized text for the session, space-joined onto what is
// already there. Empty text is a no-op.
func (a *Accumulator) Append(ctx context.Context, sessionID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	if err := a.store.AppendTranscript(ctx, sessionID, text); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if existing, ok := a.mirror[sessionID]; ok && existing != "" {
		a.mirror[sessionID] = existing + " " + text
	} else {
		a.mirror[sessionID] = text
	}
	return nil
}

// Get returns the accumulated transcript, preferring the in-process mirror.
func (a *Accumulator) Get(ctx context.Context, sessionID string) (string, error) {
	a.mu.Lock()
	cached, ok := a.mirror[sessionID]
	a.mu.Unlock()
	if ok {
		return cached, nil
	}
	return a.store.GetTranscript(ctx, sessionID)
}

// Forget drops the session's mirror entry once its relay is done.
func (a *Accumulator) Forget(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.mirror, sessionID)
}
