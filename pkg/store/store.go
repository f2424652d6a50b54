package store

import (
	"context"
	"errors"
	"time"
)

// SessionStatus is the lifecycle state of a consultation session. Sessions are
// created by the scheduling subsystem; the transcription relay only reads the
// status and moves it between ACTIVE, PAUSED, and ENDED.
type SessionStatus string

const (
	StatusCreated SessionStatus = "CREATED"
	StatusActive  SessionStatus = "ACTIVE"
	StatusPaused  SessionStatus = "PAUSED"
	StatusEnded   SessionStatus = "ENDED"
)

// Streamable reports whether a relay may attach to a session in this state.
func (s SessionStatus) Streamable() bool {
	return s == StatusActive || s == StatusPaused
}

// Session is a bounded consultation interval owned by a clinician.
type Session struct {
	ID          string
	ClinicianID string
	PatientID   string
	Status      SessionStatus
	CreatedAt   time.Time
}

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrTranscriptEmpty = errors.New("no transcript for session")
)

// SessionStore is the session repository consumed by the gateway.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (Session, error)
	UpdateSessionStatus(ctx context.Context, id string, status SessionStatus) error
}

// TranscriptStore persists finalized transcript text per session. Append is
// strictly additive: new text is space-joined onto whatever is already stored.
type TranscriptStore interface {
	AppendTranscript(ctx context.Context, sessionID, text string) error
	GetTranscript(ctx context.Context, sessionID string) (string, error)
}
