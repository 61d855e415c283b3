package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/crashwatch/internal/ingest"
	"github.com/roach88/crashwatch/internal/verify"
)

// VerifyOptions holds flags for the verify command.
type VerifyOptions struct {
	*RootOptions
	Reported float64
}

// VerifyOutput is the verify command's payload. The comparison fields are
// present only when --reported is given.
type VerifyOutput struct {
	Hash       string   `json:"hash"`
	Calculated float64  `json:"calculatedOutcome"`
	Reported   *float64 `json:"reportedOutcome,omitempty"`
	Verified   *bool    `json:"verified,omitempty"`
	Deviation  *float64 `json:"deviation,omitempty"`
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VerifyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "verify <hash>",
		Short: "Compute the outcome of a game hash",
		Long: `Compute the outcome a game hash yields under the configured secret and,
with --reported, check it against the outcome the feed announced.

Example:
  crashwatch verify 0x6f2c...e1
  crashwatch verify 6f2c...e1 --reported 2.35`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(opts, args[0], cmd)
		},
	}

	cmd.Flags().Float64Var(&opts.Reported, "reported", 0, "reported outcome to check")

	return cmd
}

func runVerify(opts *VerifyOptions, hash string, cmd *cobra.Command) error {
	cfg := opts.Config
	engine, err := verify.New(cfg.Verify.Secret, verify.WithTolerance(cfg.Verify.Tolerance))
	if err != nil {
		return WrapExitError(ExitConfigError, "verification secret", err)
	}
	res, err := engine.Verify(hash, opts.Reported)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid hash", err)
	}

	out := VerifyOutput{Hash: res.Hash, Calculated: res.Calculated}
	checked := cmd.Flags().Changed("reported")
	if checked {
		out.Reported = &res.Reported
		out.Verified = &res.Verified
		out.Deviation = &res.Deviation
	}

	if err := opts.formatter(cmd).Success(out, func(w io.Writer) {
		fmt.Fprintf(w, "%s %s\n", label("Hash"), res.Hash)
		fmt.Fprintf(w, "  calculated: %.2f\n", res.Calculated)
		if !checked {
			return
		}
		fmt.Fprintf(w, "  reported:   %.2f\n", res.Reported)
		if res.Verified {
			fmt.Fprintf(w, "  %s\n", good("VERIFIED"))
		} else {
			fmt.Fprintf(w, "  %s (deviation %.4f)\n", bad("MISMATCH"), res.Deviation)
		}
	}); err != nil {
		return err
	}
	if checked && !res.Verified {
		return NewExitError(ExitFailure, "outcome does not match hash")
	}
	return nil
}

// NewReverifyCommand creates the reverify command.
func NewReverifyCommand(rootOpts *RootOptions) *cobra.Command {
	var batch int

	cmd := &cobra.Command{
		Use:   "reverify",
		Short: "Recompute verification for every stored game",
		Long: `Recompute the calculated outcome and verified flag of every stored game
under the configured secret and tolerance. Run it after changing either. Only
the derived verification fields are rewritten; the cache version is bumped
when anything changed.

Example:
  crashwatch reverify
  crashwatch reverify --batch 5000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReverify(commandContext(cmd), rootOpts, batch, cmd)
		},
	}

	cmd.Flags().IntVar(&batch, "batch", ingest.DefaultReverifyBatch, "IDs read per store query")

	return cmd
}

func runReverify(ctx context.Context, opts *RootOptions, batch int, cmd *cobra.Command) error {
	cfg := opts.Config
	engine, err := verify.New(cfg.Verify.Secret, verify.WithTolerance(cfg.Verify.Tolerance))
	if err != nil {
		return WrapExitError(ExitConfigError, "verification secret", err)
	}
	st, err := opts.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	bus, closeBus, err := opts.invalidationBus(ctx)
	if err != nil {
		return err
	}
	defer closeBus()

	result, err := ingest.Reverify(ctx, st, engine, bus, batch, opts.Logger.Named("reverify"))
	if err != nil {
		return WrapExitError(ExitFailure, "reverify failed", err)
	}

	return opts.formatter(cmd).Success(result, func(w io.Writer) {
		fmt.Fprintf(w, "%s %d games\n", label("Reverified"), result.Checked)
		if result.Changed == 0 {
			fmt.Fprintf(w, "  changed: %s\n", good(0))
			return
		}
		fmt.Fprintf(w, "  changed: %s\n", warn(result.Changed))
	})
}
