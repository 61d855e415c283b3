package cli

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/crashwatch/internal/game"
)

// exportBatch is how many IDs one store read covers.
const exportBatch = 1000

// ExportHeader is the CSV header row.
var ExportHeader = []string{
	"id", "hash", "reported_outcome", "calculated_outcome", "verified",
	"deviation", "floor_value", "prepare_time", "begin_time", "end_time",
}

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	*RootOptions
	From   int64
	To     int64
	Output string
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write stored games as CSV",
		Long: `Write stored games in ascending ID order as CSV. Timestamps are RFC 3339 in
the configured time zone. Without --from and --to every stored game is
written.

Example:
  crashwatch export > games.csv
  crashwatch export --from 7001000 --to 7002000 -o slice.csv`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(commandContext(cmd), opts, cmd)
		},
	}

	cmd.Flags().Int64Var(&opts.From, "from", 0, "first game ID (default: lowest stored)")
	cmd.Flags().Int64Var(&opts.To, "to", 0, "last game ID (default: highest stored)")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file (default: stdout)")

	return cmd
}

func runExport(ctx context.Context, opts *ExportOptions, cmd *cobra.Command) error {
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
	if to < from {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid range %d-%d", from, to))
	}

	out := cmd.OutOrStdout()
	if opts.Output != "" {
		f, err := os.Create(opts.Output)
		if err != nil {
			return WrapExitError(ExitCommandError, "create output file", err)
		}
		defer f.Close()
		out = f
	}

	w := csv.NewWriter(out)
	if err := w.Write(ExportHeader); err != nil {
		return WrapExitError(ExitFailure, "write csv", err)
	}
	written := 0
	if from > 0 {
		for lo := from; lo <= to; lo += exportBatch {
			recs, err := st.Range(ctx, lo, min(lo+exportBatch-1, to))
			if err != nil {
				return WrapExitError(ExitFailure, "read games", err)
			}
			for _, rec := range recs {
				if err := w.Write(exportRow(rec)); err != nil {
					return WrapExitError(ExitFailure, "write csv", err)
				}
				written++
			}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return WrapExitError(ExitFailure, "write csv", err)
	}

	opts.formatter(cmd).VerboseLog("exported %d games (%d-%d)", written, from, to)
	return nil
}

func exportRow(rec game.Record) []string {
	return []string{
		strconv.FormatInt(rec.ID, 10),
		rec.Hash,
		strconv.FormatFloat(rec.ReportedOutcome, 'f', -1, 64),
		strconv.FormatFloat(rec.CalculatedOutcome, 'f', -1, 64),
		strconv.FormatBool(rec.Verified),
		strconv.FormatFloat(rec.Deviation, 'f', -1, 64),
		strconv.FormatInt(rec.FloorValue, 10),
		exportTime(rec.PrepareTime),
		exportTime(rec.BeginTime),
		exportTime(rec.EndTime),
	}
}

func exportTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}
