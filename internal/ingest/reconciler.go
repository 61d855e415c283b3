package ingest

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/crashwatch/internal/events"
	"github.com/roach88/crashwatch/internal/game"
	"github.com/roach88/crashwatch/internal/upstream"
)

// Reconciler defaults.
const (
	DefaultConcurrency      = 4
	DefaultMaxAttempts      = 4
	DefaultPageRetryInitial = 500 * time.Millisecond
	DefaultPageRetryMax     = 10 * time.Second
	DefaultMaxPages         = 5000

	// driftPages covers records shifting across page boundaries while the
	// pass runs.
	driftPages = 1
)

// Report is the outcome of one reconciliation pass.
type Report struct {
	From          int64        `json:"from"`
	To            int64        `json:"to"`
	Filled        int          `json:"filled"`
	RemainingGaps []game.Range `json:"remainingGaps"`
	PagesFetched  int          `json:"pagesFetched"`
	PagesFailed   int          `json:"pagesFailed"`
	Skipped       int          `json:"skipped"`
	Conflicts     int          `json:"conflicts"`
}

// Missing returns the number of IDs still absent.
func (r Report) Missing() int64 {
	var n int64
	for _, g := range r.RemainingGaps {
		n += g.Len()
	}
	return n
}

// Reconciler backfills ID ranges from the feed.
type Reconciler struct {
	feed     Feed
	store    GameStore
	verifier Verifier
	mark     *Watermark

	bus    Publisher
	health Health
	logger *zap.Logger

	pageSize     int
	maxAttempts  uint
	retryInitial time.Duration
	retryMax     time.Duration
	maxPages     int
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithReconcilePageSize sets the page size used to map IDs to pages.
func WithReconcilePageSize(n int) ReconcilerOption {
	return func(r *Reconciler) {
		if n > 0 {
			r.pageSize = n
		}
	}
}

// WithPageRetry bounds per-page retries.
func WithPageRetry(maxAttempts uint, initial, maxInterval time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if maxAttempts > 0 {
			r.maxAttempts = maxAttempts
		}
		if initial > 0 {
			r.retryInitial = initial
		}
		if maxInterval > 0 {
			r.retryMax = maxInterval
		}
	}
}

// WithMaxPages caps the pages one pass may fetch.
func WithMaxPages(n int) ReconcilerOption {
	return func(r *Reconciler) {
		if n > 0 {
			r.maxPages = n
		}
	}
}

// WithReconcilePublisher sets where reconciliation_summary events go.
func WithReconcilePublisher(bus Publisher) ReconcilerOption {
	return func(r *Reconciler) {
		if bus != nil {
			r.bus = bus
		}
	}
}

// WithReconcileHealth sets the health sink.
func WithReconcileHealth(h Health) ReconcilerOption {
	return func(r *Reconciler) {
		if h != nil {
			r.health = h
		}
	}
}

// WithReconcileLogger sets the logger.
func WithReconcileLogger(l *zap.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewReconciler creates a Reconciler. mark is read, never written; it may be
// nil when CatchUp is not used.
func NewReconciler(feed Feed, store GameStore, verifier Verifier, mark *Watermark, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		feed:         feed,
		store:        store,
		verifier:     verifier,
		mark:         mark,
		bus:          nopPublisher{},
		health:       nopHealth{},
		logger:       zap.NewNop(),
		pageSize:     DefaultPageSize,
		maxAttempts:  DefaultMaxAttempts,
		retryInitial: DefaultPageRetryInitial,
		retryMax:     DefaultPageRetryMax,
		maxPages:     DefaultMaxPages,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// tally is shared by page workers.
type tally struct {
	filled    atomic.Int64
	fetched   atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
	conflicts atomic.Int64
}

// Reconcile fills [minID, maxID] from the feed using up to concurrency page
// workers and reports what is still missing. Page failures become gaps; the
// returned error is reserved for an invalid range, cancellation and store
// failures while computing gaps.
func (r *Reconciler) Reconcile(ctx context.Context, minID, maxID int64, concurrency int) (Report, error) {
	return r.reconcile(ctx, minID, maxID, concurrency, nil)
}

// CatchUp reconciles the newest pages*pageSize IDs up to the greater of the
// upstream's newest ID and the Watermark.
func (r *Reconciler) CatchUp(ctx context.Context, pages, concurrency int) (Report, error) {
	if pages < 1 {
		return Report{RemainingGaps: []game.Range{}}, nil
	}
	anchor, err := r.fetch(ctx, 1)
	if err != nil {
		return Report{RemainingGaps: []game.Range{}, PagesFailed: 1}, fmt.Errorf("catch up: %w", err)
	}

	to := newestID(anchor.Records)
	if r.mark != nil {
		to = max(to, r.mark.Load())
	}
	if to < 1 {
		r.logger.Info("catch-up skipped: no history upstream or locally")
		return Report{RemainingGaps: []game.Range{}, PagesFetched: 1}, nil
	}
	from := max(1, to-int64(pages*r.pageSize)+1)
	return r.reconcile(ctx, from, to, concurrency, &anchor)
}

func (r *Reconciler) reconcile(ctx context.Context, minID, maxID int64, concurrency int, anchor *upstream.Page) (Report, error) {
	if minID < 1 || maxID < minID {
		return Report{}, game.NewValidationError("range", "invalid range [%d, %d]", minID, maxID)
	}
	if concurrency < 1 {
		concurrency = 1
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "reconciler.pass", trace.WithAttributes(
		attribute.Int64("range.from", minID),
		attribute.Int64("range.to", maxID),
		attribute.Int("concurrency", concurrency),
	))
	defer span.End()

	started := time.Now()
	var t tally

	if anchor == nil {
		page, err := r.fetch(ctx, 1)
		if err != nil {
			t.failed.Add(1)
			r.logger.Warn("anchor page failed", zap.Error(err))
		} else {
			anchor = &page
		}
	}

	if anchor != nil {
		t.fetched.Add(1)
		r.ingest(ctx, anchor.Records, minID, maxID, &t)

		if newest := newestID(anchor.Records); newest >= minID {
			first, last := r.pageSpan(newest, minID, maxID)
			r.fetchPages(ctx, first, last, minID, maxID, concurrency, &t)
		}
	}

	report := Report{
		From:          minID,
		To:            maxID,
		Filled:        int(t.filled.Load()),
		PagesFetched:  int(t.fetched.Load()),
		PagesFailed:   int(t.failed.Load()),
		Skipped:       int(t.skipped.Load()),
		Conflicts:     int(t.conflicts.Load()),
		RemainingGaps: []game.Range{},
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	missing, err := r.store.MissingIDs(ctx, minID, maxID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "gap scan failed")
		return report, fmt.Errorf("reconcile: %w", err)
	}
	report.RemainingGaps = game.CollapseRanges(missing)

	span.SetAttributes(
		attribute.Int("records.filled", report.Filled),
		attribute.Int("pages.fetched", report.PagesFetched),
		attribute.Int("pages.failed", report.PagesFailed),
		attribute.Int("gaps", len(report.RemainingGaps)),
	)
	if report.PagesFailed > 0 {
		r.health.Degraded(ComponentReconciler, fmt.Errorf("%d pages failed", report.PagesFailed))
	} else {
		r.health.Serving(ComponentReconciler)
	}

	r.logger.Info("reconciliation pass complete",
		zap.Int64("from", minID),
		zap.Int64("to", maxID),
		zap.Int("filled", report.Filled),
		zap.Int("pages_fetched", report.PagesFetched),
		zap.Int("pages_failed", report.PagesFailed),
		zap.Int64("missing", report.Missing()),
		zap.Duration("elapsed", time.Since(started)),
	)

	r.bus.Publish(ctx, events.Event{
		Type: events.TypeReconciliationSummary,
		Payload: events.ReconciliationSummary{
			From:          report.From,
			To:            report.To,
			Filled:        report.Filled,
			RemainingGaps: report.RemainingGaps,
			PagesFetched:  report.PagesFetched,
			PagesFailed:   report.PagesFailed,
		},
	})
	return report, nil
}

// pageSpan maps [minID, maxID] onto feed pages given the newest upstream ID.
// Page 1 is the anchor and is never returned.
func (r *Reconciler) pageSpan(newest, minID, maxID int64) (int, int) {
	size := int64(r.pageSize)
	first := 1
	if maxID < newest {
		first = int((newest-maxID)/size) + 1
	}
	last := int((newest-minID)/size) + 1 + driftPages
	first = max(first, 2)
	if last-first+1 > r.maxPages {
		r.logger.Warn("reconcile range exceeds page cap; truncating",
			zap.Int("pages", last-first+1),
			zap.Int("max_pages", r.maxPages),
		)
		last = first + r.maxPages - 1
	}
	return first, last
}

func (r *Reconciler) fetchPages(ctx context.Context, first, last int, minID, maxID int64, concurrency int, t *tally) {
	var g errgroup.Group
	g.SetLimit(concurrency)
	for n := first; n <= last; n++ {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			page, err := r.fetch(ctx, n)
			if err != nil {
				t.failed.Add(1)
				r.logger.Warn("page failed after retries", zap.Int("page", n), zap.Error(err))
				return nil
			}
			t.fetched.Add(1)
			r.ingest(ctx, page.Records, minID, maxID, t)
			return nil
		})
	}
	_ = g.Wait()
}

// fetch retrieves one page with bounded exponential backoff.
func (r *Reconciler) fetch(ctx context.Context, n int) (upstream.Page, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "reconciler.page", trace.WithAttributes(attribute.Int("page", n)))
	defer span.End()

	policy := &backoff.ExponentialBackOff{
		InitialInterval:     r.retryInitial,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         r.retryMax,
	}
	page, err := backoff.Retry(ctx, func() (upstream.Page, error) {
		page, err := r.feed.FetchPage(ctx, n, r.pageSize)
		if err != nil && !game.IsTransient(err) && !game.IsBlocked(err) {
			return page, backoff.Permanent(err)
		}
		return page, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(r.maxAttempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			r.logger.Debug("retrying page", zap.Int("page", n), zap.Duration("wait", wait), zap.Error(err))
		}),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "page failed")
		return upstream.Page{}, err
	}
	span.SetAttributes(attribute.Int("records", len(page.Records)))
	return page, nil
}

// ingest verifies and upserts the in-range records of one page.
func (r *Reconciler) ingest(ctx context.Context, recs []game.Record, minID, maxID int64, t *tally) {
	for _, rec := range recs {
		if rec.ID < minID || rec.ID > maxID {
			continue
		}
		if err := r.verifier.Apply(&rec); err != nil {
			t.skipped.Add(1)
			r.logger.Warn("skipping unverifiable record", zap.Int64("id", rec.ID), zap.Error(err))
			continue
		}
		inserted, err := r.store.Upsert(ctx, rec)
		switch {
		case game.IsConflict(err):
			t.conflicts.Add(1)
			r.logger.Error("conflicting record; stored row kept", zap.Int64("id", rec.ID), zap.Error(err))
		case err != nil:
			r.logger.Warn("store failed; id left as gap", zap.Int64("id", rec.ID), zap.Error(err))
		case inserted:
			t.filled.Add(1)
		}
	}
}

func newestID(recs []game.Record) int64 {
	var newest int64
	for _, rec := range recs {
		newest = max(newest, rec.ID)
	}
	return newest
}
