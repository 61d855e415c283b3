package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/roach88/crashwatch/internal/game"
	"github.com/roach88/crashwatch/internal/upstream"
	"github.com/roach88/crashwatch/internal/verify"
)

// Epoch anchors generated record times.
var Epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// HashFor returns a deterministic 64-hex hash for id.
func HashFor(id int64) string {
	sum := sha256.Sum256([]byte("crashwatch-test-" + strconv.FormatInt(id, 10)))
	return hex.EncodeToString(sum[:])
}

// Record returns an upstream-shaped record for id whose reported outcome
// matches the formula under verify.DefaultSecret.
func Record(id int64) game.Record {
	hash := HashFor(id)
	outcome, err := verify.Compute(hash, verify.DefaultSecret)
	if err != nil {
		panic(fmt.Sprintf("testutil: compute %d: %v", id, err))
	}
	begin := Epoch.Add(time.Duration(id) * 10 * time.Second)
	return game.Record{
		ID:              id,
		Hash:            hash,
		ReportedOutcome: outcome,
		FloorValue:      game.FloorOf(outcome),
		PrepareTime:     begin.Add(-5 * time.Second),
		BeginTime:       begin,
		EndTime:         begin.Add(8 * time.Second),
	}
}

// Records returns Record(id) for every id in [from, to].
func Records(from, to int64) []game.Record {
	out := make([]game.Record, 0, to-from+1)
	for id := from; id <= to; id++ {
		out = append(out, Record(id))
	}
	return out
}

// FakeFeed serves an in-memory history with the feed's pagination: page 1
// holds the newest records, each page holds size records, newest first.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FakeFeed struct {
	mu        sync.Mutex
	history   map[int64]game.Record
	hidden    map[int64]bool
	failures  []error
	pageFails map[int]int
	pageErr   error
	calls     int
	pages     map[int]int
}

// NewFakeFeed creates a feed holding records.
func NewFakeFeed(records ...game.Record) *FakeFeed {
	f := &FakeFeed{
		history:   make(map[int64]game.Record),
		hidden:    make(map[int64]bool),
		pageFails: make(map[int]int),
		pages:     make(map[int]int),
	}
	f.Add(records...)
	return f
}

// Add publishes records.
func (f *FakeFeed) Add(records ...game.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range records {
		f.history[r.ID] = r
	}
}

// Hide withholds ids from every page until Reveal.
func (f *FakeFeed) Hide(ids ...int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.hidden[id] = true
	}
}

// Reveal undoes Hide.
func (f *FakeFeed) Reveal(ids ...int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.hidden, id)
	}
}

// FailNext queues errors returned, in order, by the next FetchPage calls.
func (f *FakeFeed) FailNext(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, errs...)
}

// FailPage makes the next n fetches of page fail with a transient error.
// A negative n fails the page forever.
func (f *FakeFeed) FailPage(page, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageFails[page] = n
}

// Calls returns the number of FetchPage calls.
func (f *FakeFeed) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// PageCalls returns how often page was requested.
func (f *FakeFeed) PageCalls(page int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pages[page]
}

// FetchPage implements the feed contract.
func (f *FakeFeed) FetchPage(ctx context.Context, page, size int) (upstream.Page, error) {
	if err := ctx.Err(); err != nil {
		return upstream.Page{}, &game.UpstreamError{Kind: game.UpstreamTransient, Page: page, Err: err}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.pages[page]++

	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return upstream.Page{}, err
	}
	if n, ok := f.pageFails[page]; ok && n != 0 {
		if n > 0 {
			f.pageFails[page] = n - 1
		}
		return upstream.Page{}, &game.UpstreamError{
			Kind:       game.UpstreamTransient,
			Page:       page,
			StatusCode: 503,
			Err:        fmt.Errorf("page %d unavailable", page),
		}
	}

	ids := make([]int64, 0, len(f.history))
	for id := range f.history {
		if !f.hidden[id] {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })

	out := upstream.Page{Number: page, Records: []game.Record{}}
	start := (page - 1) * size
	if start < 0 || start >= len(ids) {
		return out, nil
	}
	end := min(start+size, len(ids))
	for _, id := range ids[start:end] {
		out.Records = append(out.Records, f.history[id])
	}
	return out, nil
}
