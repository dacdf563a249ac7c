package store

import (
	"context"
	"fmt"

	"github.com/callsight/callsight/internal/domain"
)

// GetDisposition returns the stored summary for a call, or
// domain.ErrNotFound.
func (s *Store) GetDisposition(ctx context.Context, callID string) (*domain.Disposition, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT call_id, issue_summary, resolution, next_steps, suggested_categories, confidence, created_at
		FROM dispositions
		WHERE call_id = $1`

	d := &domain.Disposition{}
	err := s.conn(ctx).QueryRow(ctx, query, callID).Scan(
		&d.CallID, &d.IssueSummary, &d.Resolution, &d.NextSteps,
		&d.SuggestedCategories, &d.Confidence, &d.CreatedAt)
	if err != nil {
		return nil, wrapNotFound("get disposition", err)
	}
	return d, nil
}

// InsertDisposition stores the one-per-call summary. A concurrent duplicate
// loses the race silently; callers re-read for the canonical row.
func (s *Store) InsertDisposition(ctx context.Context, d *domain.Disposition) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO dispositions (call_id, issue_summary, resolution, next_steps, suggested_categories, confidence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (call_id) DO NOTHING`

	_, err := s.conn(ctx).Exec(ctx, query,
		d.CallID, d.IssueSummary, d.Resolution, d.NextSteps,
		d.SuggestedCategories, d.Confidence, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert disposition: %w", err)
	}
	return nil
}
