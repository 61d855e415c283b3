package cli

import (
	"context"
	"fmt"
	"slices"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/crashwatch/internal/app"
	"github.com/roach88/crashwatch/internal/clearance"
	"github.com/roach88/crashwatch/internal/config"
	"github.com/roach88/crashwatch/internal/ingest"
	"github.com/roach88/crashwatch/internal/logging"
)

// RootOptions holds global flags and the state every command shares once
// PersistentPreRunE has run.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
	Format     string // "json" | "text"

	Config config.Config
	Logger *zap.Logger

	// Feed overrides the upstream client (for testing).
	Feed ingest.Feed

	// Opener overrides the browser used by refresh-cookies (for testing).
	Opener clearance.Opener
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// Version is reported by --version and in telemetry.
var Version = "dev"

// NewRootCommand creates the root command for the crashwatch CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "crashwatch",
		Short:   "crashwatch - crash-game history monitor",
		Version: Version,
		Long: `crashwatch ingests a crash game's public round history, verifies every
outcome against the published provably-fair formula and serves the stored
history, analytics and a live stream of new rounds.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return opts.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.Logger != nil {
				_ = opts.Logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output and debug logging")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewCatchupCommand(opts))
	cmd.AddCommand(NewGapsCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewReverifyCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewRefreshCookiesCommand(opts))

	return cmd
}

// load reads the configuration and builds the logger.
func (o *RootOptions) load() error {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return WrapExitError(ExitConfigError, "load config", err)
	}
	level := cfg.Log.Level
	if o.Verbose {
		level = "debug"
	}
	logger, err := logging.New(level, cfg.Log.Format)
	if err != nil {
		return WrapExitError(ExitConfigError, "configure logging", err)
	}
	o.Config = cfg
	o.Logger = logger
	logger.Debug("configuration loaded", zap.Any("config", cfg.Redacted()))
	return nil
}

// formatter returns an OutputFormatter writing to the command's streams.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// openStore opens the configured store.
func (o *RootOptions) openStore(ctx context.Context) (app.Store, error) {
	s, err := app.OpenStore(ctx, o.Config, o.Logger)
	if err != nil {
		return nil, WrapExitError(ExitFailure, "open store", err)
	}
	return s, nil
}

// feed returns the test override or a client built from the configuration.
func (o *RootOptions) feed() (ingest.Feed, error) {
	if o.Feed != nil {
		return o.Feed, nil
	}
	client, _, err := app.NewFeed(o.Config, o.Logger)
	if err != nil {
		return nil, WrapExitError(ExitConfigError, "create feed client", err)
	}
	return client, nil
}

func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
