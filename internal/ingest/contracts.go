package ingest

import (
	"context"

	"github.com/roach88/crashwatch/internal/events"
	"github.com/roach88/crashwatch/internal/game"
	"github.com/roach88/crashwatch/internal/upstream"
)

// Feed is the upstream history source.
type Feed interface {
	FetchPage(ctx context.Context, page, size int) (upstream.Page, error)
}

// GameStore is the persistence contract ingestion depends on.
type GameStore interface {
	Upsert(ctx context.Context, rec game.Record) (bool, error)
	MissingIDs(ctx context.Context, from, to int64) ([]int64, error)
	MaxID(ctx context.Context) (int64, error)
}

// Verifier fills a record's derived verification fields.
type Verifier interface {
	Apply(rec *game.Record) error
}

// Publisher receives ingestion events.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event)
}

// Health receives component status updates.
type Health interface {
	Serving(component string)
	Degraded(component string, err error)
	Blocked(component string, err error)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, events.Event) {}

type nopHealth struct{}

func (nopHealth) Serving(string) {}
func (nopHealth) Degraded(string, error) {}
func (nopHealth) Blocked(string, error) {}
