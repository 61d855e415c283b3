package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/crashwatch/internal/events"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreAnyFunction(lruCleanup))
}

// lruCleanup is the expiry goroutine every MemoryBackend class starts.
const lruCleanup = "github.com/hashicorp/golang-lru/v2/expirable.NewLRU[...].func1"

// failingBackend errors on every call.
type failingBackend struct{}

func (failingBackend) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("connection refused")
}

func (failingBackend) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("connection refused")
}

// failingVersion errors on every call.
type failingVersion struct{}

func (failingVersion) Init(context.Context) error             { return errors.New("down") }
func (failingVersion) Current(context.Context) (int64, error) { return 0, errors.New("down") }
func (failingVersion) Bump(context.Context) (int64, error)    { return 0, errors.New("down") }

// recordingBackend remembers every key written.
type recordingBackend struct {
	*MemoryBackend
	mu   sync.Mutex
	keys []string
}

func (r *recordingBackend) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	r.mu.Lock()
	r.keys = append(r.keys, key)
	r.mu.Unlock()
	return r.MemoryBackend.Set(ctx, key, val, ttl)
}

func counting(n *atomic.Int32, v any) ComputeFunc {
	return func(context.Context) (any, error) {
		n.Add(1)
		return v, nil
	}
}

// A hit skips compute; a version bump forces a recompute under a new key.
func TestGetOrCompute_VersionedInvalidation(t *testing.T) {
	ctx := context.Background()
	backend := &recordingBackend{MemoryBackend: NewMemoryBackend(0)}
	m := New(backend, NewMemoryVersion())

	params := map[string]any{"limit": 10, "min": 2}
	var calls atomic.Int32

	first, err := m.GetOrCompute(ctx, "last_games", params, counting(&calls, []int{1, 2}), TierShort)
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2]`, string(first))

	second, err := m.GetOrCompute(ctx, "last_games", params, counting(&calls, []int{9}), TierShort)
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2]`, string(second), "hit must return stored bytes")
	assert.Equal(t, int32(1), calls.Load())

	require.NoError(t, m.OnIngested(ctx, events.Event{
		Type:    events.TypeNewRecord,
		Payload: events.NewRecords{Inserted: 1},
	}))
	v, err := m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	third, err := m.GetOrCompute(ctx, "last_games", params, counting(&calls, []int{3}), TierShort)
	require.NoError(t, err)
	assert.JSONEq(t, `[3]`, string(third))
	assert.Equal(t, int32(2), calls.Load())

	require.Len(t, backend.keys, 2)
	assert.Equal(t, `crashwatch:cache:last_games:{"limit":10,"min":2}:v1`, backend.keys[0])
	assert.Equal(t, `crashwatch:cache:last_games:{"limit":10,"min":2}:v2`, backend.keys[1])
}

func TestOnIngested_SkipsEmptyEvents(t *testing.T) {
	ctx := context.Background()
	m := New(NewMemoryBackend(0), NewMemoryVersion())

	require.NoError(t, m.OnIngested(ctx, events.Event{Payload: events.NewRecords{Inserted: 0}}))
	require.NoError(t, m.OnIngested(ctx, events.Event{Payload: events.ReconciliationSummary{Filled: 0}}))

	v, err := m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	require.NoError(t, m.OnIngested(ctx, events.Event{Payload: events.ReconciliationSummary{Filled: 4}}))
	v, err = m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v, "one bump per pass, not per record")
}

func TestGetOrCompute_ParamOrderDoesNotMatter(t *testing.T) {
	ctx := context.Background()
	m := New(NewMemoryBackend(0), NewMemoryVersion())
	var calls atomic.Int32

	_, err := m.GetOrCompute(ctx, "op", json.RawMessage(`{"b":2,"a":1}`), counting(&calls, 1), TierLong)
	require.NoError(t, err)
	_, err = m.GetOrCompute(ctx, "op", map[string]any{"a": 1, "b": 2}, counting(&calls, 1), TierLong)
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
}

func TestGetOrCompute_BackendFailureFallsThrough(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32

	m := New(failingBackend{}, NewMemoryVersion())
	for i := 0; i < 2; i++ {
		got, err := m.GetOrCompute(ctx, "op", nil, counting(&calls, "x"), TierShort)
		require.NoError(t, err)
		assert.JSONEq(t, `"x"`, string(got))
	}
	assert.Equal(t, int32(2), calls.Load())

	down := New(NewMemoryBackend(0), failingVersion{})
	got, err := down.GetOrCompute(ctx, "op", nil, counting(&calls, "y"), TierShort)
	require.NoError(t, err)
	assert.JSONEq(t, `"y"`, string(got))

	require.NoError(t, down.OnIngested(ctx, events.Event{Payload: events.NewRecords{Inserted: 1}}))
	_, err = down.Invalidate(ctx)
	var cu *CacheUnavailableError
	require.ErrorAs(t, err, &cu)
	assert.Equal(t, "bump version", cu.Op)
}

func TestGetOrCompute_ComputeErrorPropagates(t *testing.T) {
	m := New(NewMemoryBackend(0), NewMemoryVersion())
	boom := errors.New("store down")

	_, err := m.GetOrCompute(context.Background(), "op", nil, func(context.Context) (any, error) {
		return nil, boom
	}, TierShort)
	assert.ErrorIs(t, err, boom)
}

// A bump during compute means the result is returned but not stored.
func TestGetOrCompute_DoesNotStoreAcrossVersions(t *testing.T) {
	ctx := context.Background()
	backend := &recordingBackend{MemoryBackend: NewMemoryBackend(0)}
	versions := NewMemoryVersion()
	m := New(backend, versions)

	got, err := m.GetOrCompute(ctx, "op", nil, func(ctx context.Context) (any, error) {
		_, _ = versions.Bump(ctx)
		return "stale", nil
	}, TierShort)
	require.NoError(t, err)
	assert.JSONEq(t, `"stale"`, string(got))
	assert.Empty(t, backend.keys)
}

func TestVersion_MonotonicUnderConcurrentBumps(t *testing.T) {
	ctx := context.Background()
	m := New(NewMemoryBackend(0), NewMemoryVersion())

	const workers, bumps = 8, 50
	seen := make(chan int64, workers*bumps)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < bumps; i++ {
				v, err := m.Invalidate(ctx)
				if err != nil {
					t.Error(err)
					return
				}
				seen <- v
			}
		}()
	}
	wg.Wait()
	close(seen)

	unique := map[int64]bool{}
	for v := range seen {
		assert.False(t, unique[v], "version %d returned twice", v)
		unique[v] = true
	}
	v, err := m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1+workers*bumps), v)
}

func TestNormalizeParams(t *testing.T) {
	flat, err := NormalizeParams(map[string]any{"min": 2.5, "limit": 10})
	require.NoError(t, err)
	assert.Equal(t, `{"limit":10,"min":2.5}`, flat)

	empty, err := NormalizeParams(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", empty)

	nested, err := NormalizeParams(json.RawMessage(`{"values":[2,3,5]}`))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(nested, "fp-"))
	assert.Len(t, nested, 3+64)

	long, err := NormalizeParams(map[string]any{"q": strings.Repeat("x", MaxInlineParams)})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(long, "fp-"))

	_, err = NormalizeParams(json.RawMessage(`{broken`))
	require.Error(t, err)
}

func TestMemoryBackend_TTLClasses(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(2)
	assert.Equal(t, []time.Duration{DefaultShortTTL, DefaultLongTTL}, b.TTLs())

	require.NoError(t, b.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, b.Set(ctx, "b", []byte("2"), time.Hour))

	val, ok, err := b.Get(ctx, "b")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("2"), val)
	assert.Equal(t, 2, b.Len())

	_, ok, err = b.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryBackend_ClassesFixedAtConstruction(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(0, time.Hour, 0, time.Minute, time.Minute)
	assert.Equal(t, []time.Duration{time.Minute, time.Hour}, b.TTLs())

	before := runtime.NumGoroutine()
	for i := 1; i <= 50; i++ {
		require.NoError(t, b.Set(ctx, fmt.Sprintf("k%d", i), []byte("v"), time.Duration(i)*time.Second))
	}
	assert.LessOrEqual(t, runtime.NumGoroutine(), before)
	assert.Equal(t, []time.Duration{time.Minute, time.Hour}, b.TTLs())
	assert.Equal(t, 50, b.Len())

	assert.Equal(t, time.Minute, b.classFor(time.Second).ttl)
	assert.Equal(t, time.Hour, b.classFor(2*time.Minute).ttl)
	assert.Equal(t, time.Hour, b.classFor(48*time.Hour).ttl)
}

func TestTierTTL(t *testing.T) {
	m := New(NewMemoryBackend(0), NewMemoryVersion(), WithTTL(TierLong, time.Hour))
	assert.Equal(t, time.Hour, m.ttlFor(TierLong))
	assert.Equal(t, DefaultShortTTL, m.ttlFor(TierShort))
	assert.Equal(t, DefaultShortTTL, m.ttlFor(Tier(99)))
	assert.Equal(t, "long", TierLong.String())
}
