package jobstore

import (
	"context"
	"fmt"
	"time"
)

// Filter narrows the job listing. Zero values mean "no filter".
type Filter struct {
	JobType  string
	Status   string
	PageSize int
	Cursor   *Cursor
}

// Cursor is a (created_at, id) keyset pagination position.
type Cursor struct {
	CreatedAt time.Time
	JobID     string
}

// List returns up to PageSize+1 jobs matching the filter, newest first. The
// extra row lets callers detect whether another page exists.
func (s *Store) List(ctx context.Context, filter Filter) ([]Job, error) {
	query := `SELECT` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.JobType != "" {
		query += fmt.Sprintf(" AND job_type = $%d", argIdx)
		args = append(args, filter.JobType)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	// Keyset order must match the cursor tuple for stable pages.
	query += " ORDER BY created_at DESC, id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var jobs []Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}
