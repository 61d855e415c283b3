package ingest

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Watermark is the greatest ID the Poller has ingested. The Poller is its
// only writer; everything else reads.
type Watermark struct {
	v atomic.Int64
}

// NewWatermark creates a watermark at start.
func NewWatermark(start int64) *Watermark {
	w := &Watermark{}
	w.v.Store(start)
	return w
}

// SeedWatermark creates a watermark at the store's greatest ID.
func SeedWatermark(ctx context.Context, store GameStore) (*Watermark, error) {
	id, err := store.MaxID(ctx)
	if err != nil {
		return nil, fmt.Errorf("seed watermark: %w", err)
	}
	return NewWatermark(id), nil
}

// Load returns the current mark.
func (w *Watermark) Load() int64 {
	return w.v.Load()
}

// advance raises the mark to id. Lower values are ignored.
func (w *Watermark) advance(id int64) bool {
	for {
		cur := w.v.Load()
		if id <= cur {
			return false
		}
		if w.v.CompareAndSwap(cur, id) {
			return true
		}
	}
}
