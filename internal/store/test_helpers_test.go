package store

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/crashwatch/internal/game"
)

var testEpoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// createTestStore creates a new temp-dir store for testing.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestRecord creates a record whose content is a pure function of id.
func createTestRecord(id int64, outcome float64) game.Record {
	begin := testEpoch.Add(time.Duration(id) * 10 * time.Second)
	return game.Record{
		ID:                id,
		Hash:              fmt.Sprintf("%064x", id),
		ReportedOutcome:   outcome,
		CalculatedOutcome: outcome,
		Verified:          true,
		FloorValue:        game.FloorOf(outcome),
		PrepareTime:       begin.Add(-5 * time.Second),
		BeginTime:         begin,
		EndTime:           begin.Add(8 * time.Second),
	}
}
