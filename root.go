package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/offshore-budgeting/ledgersync/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// skipConfigAnnotation marks commands that must run without a loadable
// config file, such as "config init" and "config set".
const skipConfigAnnotation = "skipConfig"

// CLIFlags holds the persistent flag values for one invocation.
type CLIFlags struct {
	ConfigPath string
	DataDir    string
	Sync       bool
	SyncSet    bool // --sync was given explicitly
	JSON       bool
	Verbose    bool
	Quiet      bool
}

// CLIContext is everything a subcommand needs from the root: parsed flags,
// the logger, and (unless the command skips it) the resolved config.
type CLIContext struct {
	Flags  CLIFlags
	Logger *slog.Logger
	Cfg    *config.Resolved
}

type cliContextKey struct{}

func withCLIContext(ctx context.Context, cc *CLIContext) context.Context {
	return context.WithValue(ctx, cliContextKey{}, cc)
}

// mustCLIContext returns the CLIContext stored by the root pre-run hook.
// A missing context is a programming error.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok || cc == nil {
		panic("ledgersync: CLIContext missing from command context")
	}

	return cc
}

// newRootCmd builds the root command with every subcommand registered.
func newRootCmd() *cobra.Command {
	var flags CLIFlags

	cmd := &cobra.Command{
		Use:   "ledgersync",
		Short: "Identity reconciliation for the budgeting ledger",
		Long: `ledgersync canonicalizes record identities, merges duplicate records,
and answers whether the ledger is ready to use.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			flags.SyncSet = cmd.Flags().Changed("sync")

			cc := &CLIContext{Flags: flags}

			if cmd.Annotations[skipConfigAnnotation] != "true" {
				resolved, err := loadConfig(flags)
				if err != nil {
					return err
				}

				cc.Cfg = resolved
			}

			cc.Logger = buildLogger(cc.Cfg, flags, os.Stderr)
			cmd.SetContext(withCLIContext(cmd.Context(), cc))

			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "config file path")
	pf.StringVar(&flags.DataDir, "data-dir", "", "directory holding the ledger and state files")
	pf.BoolVar(&flags.Sync, "sync", false, "override sync.enabled")
	pf.BoolVar(&flags.JSON, "json", false, "output in JSON format")
	pf.BoolVarP(&flags.Verbose, "verbose", "v", false, "enable debug logging")
	pf.BoolVarP(&flags.Quiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newMergeCmd())
	cmd.AddCommand(newProbeCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newTokenCmd())

	return cmd
}

// loadConfig resolves the effective configuration from the four-layer
// override chain.
func loadConfig(flags CLIFlags) (*config.Resolved, error) {
	env, err := config.ReadEnvOverrides()
	if err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	cli := config.CLIOverrides{
		ConfigPath: flags.ConfigPath,
		DataDir:    flags.DataDir,
	}

	if flags.SyncSet {
		sync := flags.Sync
		cli.SyncEnabled = &sync
	}

	resolved, err := config.Resolve(env, cli)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	return resolved, nil
}

// buildLogger creates the process logger. The config file sets the baseline
// level and format; --verbose and --quiet override the level. Format "auto"
// picks text on a terminal and JSON otherwise.
func buildLogger(cfg *config.Resolved, flags CLIFlags, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	format := "auto"

	if cfg != nil {
		switch cfg.Logging.Level {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}

		if cfg.Logging.Format != "" {
			format = cfg.Logging.Format
		}
	}

	if flags.Verbose {
		level = slog.LevelDebug
	}

	if flags.Quiet {
		level = slog.LevelError
	}

	if format == "auto" {
		format = "json"
		if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
			format = "text"
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	return slog.New(slog.NewTextHandler(w, opts))
}

// exitCode maps an error to the process exit status.
func exitCode(err error) int {
	switch {
	case errors.Is(err, errNotReady):
		return exitNotReady
	default:
		return 1
	}
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	if !errors.Is(err, errNotReady) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}

	os.Exit(exitCode(err))
}
