package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// SQLNoteStore persists transcripts and summaries to Postgres.
type SQLNoteStore struct {
	db *sqlx.DB
}

// Insert statements are package-level so the schema drift test can check
// their column lists against the notes migration.
const (
	insertTranscriptQuery = `
		INSERT INTO transcripts (id, meeting_id, source, content, segments, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`
	insertSummaryQuery = `
		INSERT INTO summaries (id, meeting_id, summary, key_points, action_items, model, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`
)

// NewSQLNoteStore returns a Postgres-backed NoteStore.
func NewSQLNoteStore(db *sqlx.DB) *SQLNoteStore {
	return &SQLNoteStore{db: db}
}

// SaveTranscript inserts a transcript row and returns its id. Segments are
// stored as JSONB; a nil slice is stored as an empty array.
func (s *SQLNoteStore) SaveTranscript(ctx context.Context, meetingID int64, source, text string, segments []Segment) (string, error) {
	if segments == nil {
		segments = []Segment{}
	}
	raw, err := json.Marshal(segments)
	if err != nil {
		return "", fmt.Errorf("marshal segments: %w", err)
	}

	id := uuid.New().String()
	if _, err := s.db.ExecContext(ctx, insertTranscriptQuery, id, meetingID, source, text, raw); err != nil {
		return "", fmt.Errorf("insert transcript: %w", err)
	}

	return id, nil
}

// SaveSummary inserts a summary row and returns its id.
func (s *SQLNoteStore) SaveSummary(ctx context.Context, meetingID int64, note *Note) (string, error) {
	keyPoints, err := json.Marshal(orEmpty(note.KeyPoints))
	if err != nil {
		return "", fmt.Errorf("marshal key points: %w", err)
	}
	actionItems, err := json.Marshal(orEmpty(note.ActionItems))
	if err != nil {
		return "", fmt.Errorf("marshal action items: %w", err)
	}

	id := uuid.New().String()
	if _, err := s.db.ExecContext(ctx, insertSummaryQuery, id, meetingID, note.Summary, keyPoints, actionItems, note.Model); err != nil {
		return "", fmt.Errorf("insert summary: %w", err)
	}

	return id, nil
}

func orEmpty(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
