package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres implements SessionStore and TranscriptStore on a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) GetSession(ctx context.Context, id string) (Session, error) {
	const q = `
		SELECT id, clinician_id, patient_id, status, created_at
		FROM sessions
		WHERE id = $1`

	var s Session
	err := p.pool.QueryRow(ctx, q, id).Scan(&s.ID, &s.ClinicianID, &s.PatientID, &s.Status, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session %s: %w", id, err)
	}
	return s, nil
}

func (p *Postgres) UpdateSessionStatus(ctx context.Context, id string, status SessionStatus) error {
	const q = `UPDATE sessions SET status = $2, updated_at = now() WHERE id = $1`

	tag, err := p.pool.Exec(ctx, q, id, status)
	if err != nil {
		return fmt.Errorf("update session %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (p *Postgres) AppendTranscript(ctx context.Context, sessionID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	const q = `
		INSERT INTO transcripts (session_id, content, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (session_id) DO UPDATE SET
			content = CASE
				WHEN transcripts.content = '' THEN excluded.content
				ELSE transcripts.content || ' ' || excluded.content
			END,
			updated_at = now()`

	if _, err := p.pool.Exec(ctx, q, sessionID, text); err != nil {
		return fmt.Errorf("append transcript for session %s: %w", sessionID, err)
	}
	return nil
}

func (p *Postgres) GetTranscript(ctx context.Context, sessionID string) (string, error) {
	const q = `SELECT content FROM transcripts WHERE session_id = $1`

	var content string
	err := p.pool.QueryRow(ctx, q, sessionID).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get transcript for session %s: %w", sessionID, err)
	}
	return content, nil
}
