package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/crashwatch/internal/cache"
	"github.com/roach88/crashwatch/internal/events"
	"github.com/roach88/crashwatch/internal/game"
)

func createTestCache(t *testing.T) *cache.Manager {
	t.Helper()
	m := cache.New(cache.NewMemoryBackend(128), cache.NewMemoryVersion())
	require.NoError(t, m.Init(context.Background()))
	return m
}

// A cached result is served until an ingestion event bumps the version;
// the next query then sees the new record.
func TestQuery_InvalidatedByIngestion(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	seed(t, s, 1.5, 3.0, 2.0, 5.0, 1.2)
	src := &countingSource{Source: s}
	mgr := createTestCache(t)
	svc := New(src, mgr)

	bus := events.New()
	defer bus.Close()
	bus.Subscribe("cache", mgr.OnIngested, events.WithInline())

	first := query[LastGames](t, svc, OpLastGames, Params{"value": 2})
	assert.Equal(t, []int64{4, 3, 2}, ids(first.Games))
	assert.Equal(t, int32(1), src.latest.Load())

	fresh := recordAt(6, 7.0, endOf(6))
	inserted, err := s.Upsert(ctx, fresh)
	require.NoError(t, err)
	require.True(t, inserted)

	cached := query[LastGames](t, svc, OpLastGames, Params{"value": 2})
	assert.Equal(t, first, cached, "served from cache until invalidated")
	assert.Equal(t, int32(1), src.latest.Load())

	bus.Publish(ctx, events.Event{
		Type:    events.TypeNewRecord,
		Payload: events.NewRecords{Records: []game.Record{fresh}, Inserted: 1, HighWaterMark: 6},
	})

	after := query[LastGames](t, svc, OpLastGames, Params{"value": 2})
	assert.Equal(t, []int64{6, 4, 3, 2}, ids(after.Games))
	assert.Equal(t, int32(2), src.latest.Load())
}

// Equivalent parameter spellings share one cache entry.
func TestQuery_EquivalentParamsShareKey(t *testing.T) {
	s := createTestStore(t)
	seed(t, s, 1.5, 3.0, 2.0)
	src := &countingSource{Source: s}
	svc := New(src, createTestCache(t))

	fromQuery := ParamsFromQuery(map[string][]string{"value": {"2.0"}, "kind": {"min"}})
	fromJSON, err := ParamsFromJSON([]byte(`{"value": 2, "limit": 10}`))
	require.NoError(t, err)

	a, err := svc.Query(context.Background(), OpLastGames, fromQuery)
	require.NoError(t, err)
	b, err := svc.Query(context.Background(), OpLastGames, fromJSON)
	require.NoError(t, err)

	assert.JSONEq(t, string(a), string(b))
	assert.Equal(t, int32(1), src.latest.Load())
}

func TestQuery_BatchKeyIsOrderSensitive(t *testing.T) {
	s := createTestStore(t)
	seed(t, s, 1.5, 3.0)
	svc := New(s, createTestCache(t))

	a := query[MatchBatch](t, svc, OpLastMatchBatch, Params{"values": []any{1.5, 3.0}})
	b := query[MatchBatch](t, svc, OpLastMatchBatch, Params{"values": []any{3.0, 1.5}})
	assert.Equal(t, 1.5, a.Matches[0].Criterion.Value)
	assert.Equal(t, 3.0, b.Matches[0].Criterion.Value)
}

func TestQuery_OccurrencesBatchCached(t *testing.T) {
	s := createTestStore(t)
	seed(t, s, 1.5, 3.0, 2.0, 5.0)
	src := &countingSource{Source: s}
	svc := New(src, createTestCache(t))

	body := []byte(`{"values": [2, 3], "limit": 2}`)
	for i := 0; i < 3; i++ {
		p, err := ParamsFromJSON(body)
		require.NoError(t, err)
		got := query[OccurrencesBatch](t, svc, OpOccurrencesBatch, p)
		require.Len(t, got.Occurrences, 2)
		assert.Equal(t, 2, got.Occurrences[0].Count)
	}
	// One computation reads the current and the previous period.
	assert.Equal(t, int32(2), src.latest.Load())
}

func TestQuery_Errors(t *testing.T) {
	s := createTestStore(t)
	src := &countingSource{Source: s}
	svc := New(src, createTestCache(t))
	ctx := context.Background()

	_, err := svc.Query(ctx, "median", Params{})
	assert.True(t, errors.Is(err, ErrUnknownOperation))

	_, err = svc.Query(ctx, OpLastGames, Params{"kind": "min"})
	assert.True(t, game.IsValidation(err))

	_, err = svc.Query(ctx, OpSeriesWithoutMin, Params{"value": 2, "sort_by": "size"})
	assert.True(t, game.IsValidation(err))

	assert.Zero(t, src.latest.Load(), "invalid params never reach the store")
}

func TestQuery_EmptyStore(t *testing.T) {
	svc := New(createTestStore(t), createTestCache(t))

	data, err := svc.Query(context.Background(), OpDistribution, Params{})
	require.NoError(t, err)

	var d Distribution
	require.NoError(t, json.Unmarshal(data, &d))
	assert.Zero(t, d.TotalGames)
	assert.NotNil(t, d.Buckets)
}

func TestOperations(t *testing.T) {
	svc := New(createTestStore(t), nil)
	ops := svc.Operations()
	require.Len(t, ops, 11)

	tiers := map[string]cache.Tier{}
	for _, op := range ops {
		tiers[op.Name] = op.Tier
	}
	assert.Equal(t, cache.TierShort, tiers[OpLastMatch])
	assert.Equal(t, cache.TierLong, tiers[OpSeriesWithoutMin])
	assert.Equal(t, cache.TierShort, tiers[OpOccurrencesBatch])
	assert.Equal(t, cache.TierLong, tiers[OpIntervalsBatch])
	assert.Equal(t, OpDistribution, ops[0].Name)
}
