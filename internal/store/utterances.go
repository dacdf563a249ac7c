package store

import (
	"context"
	"fmt"

	"github.com/callsight/callsight/internal/domain"
)

// UpsertUtterance inserts or updates the row keyed by (call_id, seq). The
// returned changed flag is false for a true duplicate (same text), which the
// caller uses to suppress duplicate SSE broadcasts.
func (s *Store) UpsertUtterance(ctx context.Context, u *domain.Utterance) (changed bool, err error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO utterances (call_id, seq, text, speaker, ts)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (call_id, seq) DO UPDATE SET
			text = EXCLUDED.text,
			speaker = EXCLUDED.speaker,
			ts = EXCLUDED.ts
		WHERE utterances.text IS DISTINCT FROM EXCLUDED.text`

	tag, err := s.conn(ctx).Exec(ctx, query, u.CallID, u.Seq, u.Text, u.Speaker, u.TS)
	if err != nil {
		return false, fmt.Errorf("upsert utterance: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MaxSeq returns the highest persisted seq for a call, 0 when none exist.
func (s *Store) MaxSeq(ctx context.Context, callID string) (uint64, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var max uint64
	query := `SELECT COALESCE(MAX(seq), 0) FROM utterances WHERE call_id = $1`
	if err := s.conn(ctx).QueryRow(ctx, query, callID).Scan(&max); err != nil {
		return 0, fmt.Errorf("max seq: %w", err)
	}
	return max, nil
}

// ListUtterances returns all rows for a call in seq order.
func (s *Store) ListUtterances(ctx context.Context, callID string) ([]domain.Utterance, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT call_id, seq, text, speaker, ts
		FROM utterances
		WHERE call_id = $1
		ORDER BY seq ASC`

	rows, err := s.conn(ctx).Query(ctx, query, callID)
	if err != nil {
		return nil, fmt.Errorf("list utterances: %w", err)
	}
	defer rows.Close()

	var out []domain.Utterance
	for rows.Next() {
		var u domain.Utterance
		if err := rows.Scan(&u.CallID, &u.Seq, &u.Text, &u.Speaker, &u.TS); err != nil {
			return nil, fmt.Errorf("scan utterance: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// DeleteUtterances removes a call's rows, used by dispose cleanup.
func (s *Store) DeleteUtterances(ctx context.Context, callID string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := s.conn(ctx).Exec(ctx, `DELETE FROM utterances WHERE call_id = $1`, callID)
	if err != nil {
		return fmt.Errorf("delete utterances: %w", err)
	}
	return nil
}
