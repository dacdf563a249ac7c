package store

import (
	"context"
	"fmt"

	"github.com/callsight/callsight/internal/domain"
)

// InsertIntent appends a classification row; history is kept until dispose.
func (s *Store) InsertIntent(ctx context.Context, in *domain.Intent) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO intents (call_id, seq, label, confidence, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.conn(ctx).Exec(ctx, query, in.CallID, in.Seq, in.Label, in.Confidence, in.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert intent: %w", err)
	}
	return nil
}

// LatestIntent returns the most recent classification for a call.
func (s *Store) LatestIntent(ctx context.Context, callID string) (*domain.Intent, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT call_id, seq, label, confidence, created_at
		FROM intents
		WHERE call_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT 1`

	in := &domain.Intent{}
	err := s.conn(ctx).QueryRow(ctx, query, callID).Scan(
		&in.CallID, &in.Seq, &in.Label, &in.Confidence, &in.CreatedAt)
	if err != nil {
		return nil, wrapNotFound("latest intent", err)
	}
	return in, nil
}

// DeleteIntents clears a call's rows so a reused callId never surfaces stale
// suggestions.
func (s *Store) DeleteIntents(ctx context.Context, callID string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := s.conn(ctx).Exec(ctx, `DELETE FROM intents WHERE call_id = $1`, callID)
	if err != nil {
		return fmt.Errorf("delete intents: %w", err)
	}
	return nil
}
