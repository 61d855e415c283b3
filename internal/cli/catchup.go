package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/crashwatch/internal/app"
	"github.com/roach88/crashwatch/internal/events"
	"github.com/roach88/crashwatch/internal/game"
	"github.com/roach88/crashwatch/internal/ingest"
	"github.com/roach88/crashwatch/internal/verify"
)

// CatchupOptions holds flags for the catchup command.
type CatchupOptions struct {
	*RootOptions
	From        int64
	To          int64
	Pages       int
	Concurrency int
}

// NewCatchupCommand creates the catchup command.
func NewCatchupCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CatchupOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "catchup",
		Short: "Backfill missing games from the feed",
		Long: `Run one reconciliation pass and print what was filled and what is still
missing. With --from and --to the pass covers that ID range; otherwise it
covers the newest --pages pages of history.

Example:
  crashwatch catchup --pages 40
  crashwatch catchup --from 7001000 --to 7002000 --concurrency 8`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCatchup(commandContext(cmd), opts, cmd)
		},
	}

	cmd.Flags().Int64Var(&opts.From, "from", 0, "first game ID")
	cmd.Flags().Int64Var(&opts.To, "to", 0, "last game ID")
	cmd.Flags().IntVar(&opts.Pages, "pages", 0, "newest pages to cover when no range is given (overrides catchup.pages)")
	cmd.Flags().IntVar(&opts.Concurrency, "concurrency", 0, "page workers (overrides catchup.concurrency)")
	cmd.MarkFlagsRequiredTogether("from", "to")

	return cmd
}

func runCatchup(ctx context.Context, opts *CatchupOptions, cmd *cobra.Command) error {
	if opts.From < 0 || opts.To < opts.From {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid range %d-%d", opts.From, opts.To))
	}
	cfg := opts.Config
	concurrency := cfg.Catchup.Concurrency
	if opts.Concurrency > 0 {
		concurrency = opts.Concurrency
	}
	pages := cfg.Catchup.Pages
	if opts.Pages > 0 {
		pages = opts.Pages
	}

	st, err := opts.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	feed, err := opts.feed()
	if err != nil {
		return err
	}
	engine, err := verify.New(cfg.Verify.Secret, verify.WithTolerance(cfg.Verify.Tolerance))
	if err != nil {
		return WrapExitError(ExitConfigError, "verification secret", err)
	}
	mark, err := ingest.SeedWatermark(ctx, st)
	if err != nil {
		return WrapExitError(ExitFailure, "read high-water mark", err)
	}
	bus, closeBus, err := opts.invalidationBus(ctx)
	if err != nil {
		return err
	}
	defer closeBus()

	rec := ingest.NewReconciler(feed, st, engine, mark,
		ingest.WithReconcilePageSize(cfg.Poll.PageSize),
		ingest.WithPageRetry(cfg.Catchup.MaxAttempts, ingest.DefaultPageRetryInitial, ingest.DefaultPageRetryMax),
		ingest.WithReconcilePublisher(bus),
		ingest.WithReconcileLogger(opts.Logger.Named("reconciler")),
	)

	var report ingest.Report
	if opts.To > 0 {
		report, err = rec.Reconcile(ctx, opts.From, opts.To, concurrency)
	} else {
		report, err = rec.CatchUp(ctx, pages, concurrency)
	}
	if err != nil {
		return WrapExitError(ExitFailure, "catch-up failed", err)
	}

	return opts.formatter(cmd).Success(report, func(w io.Writer) {
		fmt.Fprintf(w, "%s %d-%d\n", label("Reconciled"), report.From, report.To)
		fmt.Fprintf(w, "  filled:  %s\n", good(report.Filled))
		fmt.Fprintf(w, "  pages:   %d fetched, %d failed\n", report.PagesFetched, report.PagesFailed)
		if report.Conflicts > 0 {
			fmt.Fprintf(w, "  conflicts: %s\n", warn(report.Conflicts))
		}
		writeGaps(w, report.RemainingGaps)
	})
}

// invalidationBus returns a bus whose ingestion events bump the shared cache
// version, so a running server stops serving stale analytics. Without Redis
// there is no shared cache and the bus has no subscribers.
func (o *RootOptions) invalidationBus(ctx context.Context) (*events.Bus, func(), error) {
	bus := events.New(events.WithLogger(o.Logger.Named("bus")))
	if o.Config.Cache.RedisURL == "" {
		return bus, bus.Close, nil
	}
	mgr, closeCache, err := app.OpenCache(ctx, o.Config, o.Logger)
	if err != nil {
		bus.Close()
		return nil, nil, WrapExitError(ExitFailure, "open cache", err)
	}
	bus.Subscribe("cache", mgr.OnIngested, events.WithInline())
	return bus, func() {
		bus.Close()
		if err := closeCache(); err != nil {
			o.Logger.Warn("close cache", zap.Error(err))
		}
	}, nil
}

func writeGaps(w io.Writer, gaps []game.Range) {
	if len(gaps) == 0 {
		fmt.Fprintf(w, "  gaps:    %s\n", good("none"))
		return
	}
	var missing int64
	for _, g := range gaps {
		missing += g.Len()
	}
	fmt.Fprintf(w, "  gaps:    %s in %d ranges\n", bad(fmt.Sprintf("%d missing", missing)), len(gaps))
	for _, g := range gaps {
		fmt.Fprintf(w, "    %s\n", g)
	}
}

// GapsOptions holds flags for the gaps command.
type GapsOptions struct {
	*RootOptions
	From int64
	To   int64
}

// GapsResult is the gaps command's payload.
type GapsResult struct {
	From    int64        `json:"from"`
	To      int64        `json:"to"`
	Missing int64        `json:"missing"`
	Gaps    []game.Range `json:"gaps"`
}

// NewGapsCommand creates the gaps command.
func NewGapsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GapsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "gaps",
		Short: "List missing game IDs in the store",
		Long: `List the ranges of game IDs absent from the store. Without --from and --to
the whole stored span is checked.

Example:
  crashwatch gaps
  crashwatch gaps --from 7001000 --to 7002000 --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGaps(commandContext(cmd), opts, cmd)
		},
	}

	cmd.Flags().Int64Var(&opts.From, "from", 0, "first game ID (default: lowest stored)")
	cmd.Flags().Int64Var(&opts.To, "to", 0, "last game ID (default: highest stored)")

	return cmd
}

func runGaps(ctx context.Context, opts *GapsOptions, cmd *cobra.Command) error {
	st, err := opts.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	from, to := opts.From, opts.To
	if from == 0 {
		if from, err = st.MinID(ctx); err != nil {
			return WrapExitError(ExitFailure, "read lowest id", err)
		}
	}
	if to == 0 {
		if to, err = st.MaxID(ctx); err != nil {
			return WrapExitError(ExitFailure, "read highest id", err)
		}
	}

	result := GapsResult{From: from, To: to, Gaps: []game.Range{}}
	if from > 0 && to >= from {
		ids, err := st.MissingIDs(ctx, from, to)
		if err != nil {
			return WrapExitError(ExitFailure, "find gaps", err)
		}
		result.Gaps = game.CollapseRanges(ids)
		result.Missing = int64(len(ids))
	}

	return opts.formatter(cmd).Success(result, func(w io.Writer) {
		fmt.Fprintf(w, "%s %d-%d\n", label("Checked"), result.From, result.To)
		writeGaps(w, result.Gaps)
	})
}
