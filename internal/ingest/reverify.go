package ingest

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/roach88/crashwatch/internal/events"
	"github.com/roach88/crashwatch/internal/game"
)

// DefaultReverifyBatch is how many IDs one reverify read covers.
const DefaultReverifyBatch = 1000

// ReverifyStore is the store surface a reverify sweep needs.
type ReverifyStore interface {
	MinID(ctx context.Context) (int64, error)
	MaxID(ctx context.Context) (int64, error)
	Range(ctx context.Context, from, to int64) ([]game.Record, error)
	UpdateVerification(ctx context.Context, rec game.Record) error
}

// Reverify recomputes the derived verification fields of every stored row
// under verifier, writing only rows whose result changed. This is the one
// sanctioned mutation of stored history and is meant for after a secret or
// tolerance change. One reverified event is published when anything changed.
func Reverify(ctx context.Context, store ReverifyStore, verifier Verifier, bus Publisher, batch int, logger *zap.Logger) (events.Reverified, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bus == nil {
		bus = nopPublisher{}
	}
	if batch < 1 {
		batch = DefaultReverifyBatch
	}

	var result events.Reverified
	lo, err := store.MinID(ctx)
	if err != nil {
		return result, fmt.Errorf("reverify: %w", err)
	}
	hi, err := store.MaxID(ctx)
	if err != nil {
		return result, fmt.Errorf("reverify: %w", err)
	}
	if hi == 0 {
		return result, nil
	}

	for from := lo; from <= hi; from += int64(batch) {
		to := min(from+int64(batch)-1, hi)
		recs, err := store.Range(ctx, from, to)
		if err != nil {
			return result, fmt.Errorf("reverify: %w", err)
		}
		for _, stored := range recs {
			result.Checked++
			next := stored
			if err := verifier.Apply(&next); err != nil {
				logger.Warn("stored record failed verification", zap.Int64("id", stored.ID), zap.Error(err))
				continue
			}
			if next.Verified == stored.Verified && math.Abs(next.CalculatedOutcome-stored.CalculatedOutcome) < 1e-9 {
				continue
			}
			if err := store.UpdateVerification(ctx, next); err != nil {
				return result, fmt.Errorf("reverify: %w", err)
			}
			result.Changed++
		}
	}

	logger.Info("reverify complete", zap.Int("checked", result.Checked), zap.Int("changed", result.Changed))
	if result.Changed > 0 {
		bus.Publish(ctx, events.Event{Type: events.TypeReverified, Payload: result})
	}
	return result, nil
}
