package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/crashwatch/internal/game"
)

// Upsert inserts rec unless a row with the same ID exists.
// Uses ON CONFLICT(id) DO NOTHING for idempotency: replaying an identical
// record is a no-op and reports inserted=false. If the stored row has
// different content, the stored row is kept and a *game.ConflictError is
// returned.
func (s *Store) Upsert(ctx context.Context, rec game.Record) (bool, error) {
	if rec.IngestedAt.IsZero() {
		rec.IngestedAt = s.now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO games
		(id, hash, reported_outcome, calculated_outcome, verified, deviation,
		 floor_value, prepare_time, begin_time, end_time, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		rec.ID,
		rec.Hash,
		rec.ReportedOutcome,
		rec.CalculatedOutcome,
		boolToInt(rec.Verified),
		rec.Deviation,
		rec.FloorValue,
		toMillis(rec.PrepareTime),
		toMillis(rec.BeginTime),
		toMillis(rec.EndTime),
		toMillis(rec.IngestedAt),
	)
	if err != nil {
		return false, fmt.Errorf("upsert game %d: %w", rec.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("upsert game %d: rows affected: %w", rec.ID, err)
	}
	if n > 0 {
		return true, nil
	}

	stored, err := s.Get(ctx, rec.ID)
	if err != nil {
		return false, fmt.Errorf("upsert game %d: read existing: %w", rec.ID, err)
	}
	if !stored.SameContent(rec) {
		return false, &game.ConflictError{ID: rec.ID, Stored: stored, Incoming: rec}
	}
	return false, nil
}

// UpdateVerification rewrites the derived verification columns of an
// existing row. Upstream content is never touched.
func (s *Store) UpdateVerification(ctx context.Context, rec game.Record) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE games
		SET calculated_outcome = ?, verified = ?, deviation = ?, floor_value = ?
		WHERE id = ?
	`,
		rec.CalculatedOutcome,
		boolToInt(rec.Verified),
		rec.Deviation,
		rec.FloorValue,
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("update verification %d: %w", rec.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update verification %d: %w", rec.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("update verification %d: %w", rec.ID, game.ErrNotFound)
	}
	return nil
}

// IsNotFound reports whether err means the requested game does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, game.ErrNotFound)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
