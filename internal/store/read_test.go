package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/crashwatch/internal/game"
)

func seed(t *testing.T, s *Store, outcomes map[int64]float64) {
	t.Helper()
	for id, outcome := range outcomes {
		if _, err := s.Upsert(context.Background(), createTestRecord(id, outcome)); err != nil {
			t.Fatalf("seed %d: %v", id, err)
		}
	}
}

func TestGet_NotFound(t *testing.T) {
	s := createTestStore(t)
	_, err := s.Get(context.Background(), 404)
	assert.ErrorIs(t, err, game.ErrNotFound)
}

func TestGet_RoundTripsRecord(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	want := createTestRecord(12, 4.56)

	_, err := s.Upsert(ctx, want)
	require.NoError(t, err)

	got, err := s.Get(ctx, 12)
	require.NoError(t, err)
	assert.True(t, want.SameContent(got))
	assert.Equal(t, int64(4), got.FloorValue)
	assert.True(t, got.Verified)
	assert.Equal(t, time.UTC, got.BeginTime.Location())
}

func TestGet_ReturnsConfiguredLocation(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)
	s := createTestStore(t, WithLocation(loc))
	ctx := context.Background()

	_, err := s.Upsert(ctx, createTestRecord(1, 1.0))
	require.NoError(t, err)

	got, err := s.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, loc, got.BeginTime.Location())
}

func TestList_NewestFirstWithTotal(t *testing.T) {
	s := createTestStore(t)
	seed(t, s, map[int64]float64{1: 1.0, 2: 2.0, 3: 3.0, 4: 4.0, 5: 5.0})

	page, total, err := s.List(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	require.Len(t, page, 2)
	assert.Equal(t, int64(4), page[0].ID)
	assert.Equal(t, int64(3), page[1].ID)
}

func TestList_EmptyIsNotNil(t *testing.T) {
	s := createTestStore(t)
	page, total, err := s.List(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.NotNil(t, page)
	assert.Empty(t, page)
	assert.Zero(t, total)
}

func TestMaxMinID(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	maxID, err := s.MaxID(ctx)
	require.NoError(t, err)
	assert.Zero(t, maxID)

	seed(t, s, map[int64]float64{10: 1.0, 30: 1.0, 20: 1.0})

	maxID, err = s.MaxID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(30), maxID)

	minID, err := s.MinID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), minID)
}

func TestMissingIDs(t *testing.T) {
	s := createTestStore(t)
	seed(t, s, map[int64]float64{1: 1.0, 2: 1.0, 5: 1.0, 8: 1.0})

	missing, err := s.MissingIDs(context.Background(), 1, 8)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4, 6, 7}, missing)
	assert.Equal(t, []game.Range{{From: 3, To: 4}, {From: 6, To: 7}}, game.CollapseRanges(missing))

	none, err := s.MissingIDs(context.Background(), 9, 8)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRange(t *testing.T) {
	s := createTestStore(t)
	seed(t, s, map[int64]float64{1: 1.0, 2: 2.0, 3: 3.0, 4: 4.0})

	recs, err := s.Range(context.Background(), 2, 3)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(2), recs[0].ID)
	assert.Equal(t, int64(3), recs[1].ID)
}

func TestLatest_Filters(t *testing.T) {
	s := createTestStore(t)
	seed(t, s, map[int64]float64{1: 1.5, 2: 10.2, 3: 2.7, 4: 15.0, 5: 2.1})
	ctx := context.Background()

	all, err := s.Latest(ctx, 3, game.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, int64(5), all[0].ID)

	minOutcome := 10.0
	high, err := s.Latest(ctx, 10, game.Filter{MinOutcome: &minOutcome})
	require.NoError(t, err)
	require.Len(t, high, 2)
	assert.Equal(t, int64(4), high[0].ID)
	assert.Equal(t, int64(2), high[1].ID)

	floor := int64(2)
	twos, err := s.Latest(ctx, 10, game.Filter{Floor: &floor})
	require.NoError(t, err)
	require.Len(t, twos, 2)
	assert.Equal(t, int64(5), twos[0].ID)
	assert.Equal(t, int64(3), twos[1].ID)
}

func TestBetween(t *testing.T) {
	s := createTestStore(t)
	seed(t, s, map[int64]float64{1: 1.0, 2: 1.0, 3: 1.0})

	// Record n ends at testEpoch + 10n s + 8 s.
	from := testEpoch.Add(20 * time.Second)
	to := testEpoch.Add(35 * time.Second)
	recs, err := s.Between(context.Background(), from, to)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(2), recs[0].ID)
}

func TestCountAbove(t *testing.T) {
	s := createTestStore(t)
	seed(t, s, map[int64]float64{1: 1.0, 2: 2.0, 5: 5.0, 9: 9.0})

	n, err := s.CountAbove(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.CountAbove(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}
