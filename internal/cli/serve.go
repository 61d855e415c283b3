package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/crashwatch/internal/app"
	"github.com/roach88/crashwatch/internal/telemetry"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr      string
	NoCatchup bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Ingest the feed and serve the REST API and live stream",
		Long: `Start the monitor: open the store, catch up on recent history, poll the
feed for new rounds and serve the REST API, the /ws live stream and health.

Example:
  crashwatch serve --config crashwatch.yaml
  crashwatch serve --addr :9090 --no-catchup --verbose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(commandContext(cmd), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "HTTP listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&opts.NoCatchup, "no-catchup", false, "skip the startup catch-up pass")

	return cmd
}

func runServe(parent context.Context, opts *ServeOptions, cmd *cobra.Command) error {
	cfg := opts.Config
	if opts.Addr != "" {
		cfg.Server.Addr = opts.Addr
	}
	if opts.NoCatchup {
		cfg.Catchup.Enabled = false
	}
	logger := opts.Logger

	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Options{
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     Version,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return WrapExitError(ExitConfigError, "configure telemetry", err)
	}
	defer func() {
		flushCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("flush traces", zap.Error(err))
		}
	}()

	var appOpts []app.Option
	if opts.Feed != nil {
		appOpts = append(appOpts, app.WithFeed(opts.Feed))
	}
	rt, err := app.New(ctx, cfg, logger, appOpts...)
	if err != nil {
		return WrapExitError(ExitFailure, "start runtime", err)
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Error("error closing runtime", zap.Error(err))
		}
	}()

	announced := make(chan struct{})
	go func() {
		defer close(announced)
		select {
		case <-rt.Ready():
			fmt.Fprintf(cmd.OutOrStdout(), "crashwatch listening on %s\n", rt.APIAddr())
		case <-ctx.Done():
		}
	}()

	err = rt.Run(ctx)
	cancel()
	<-announced
	if err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "runtime error", err)
	}
	logger.Info("crashwatch stopped")
	return nil
}
