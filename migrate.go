package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/offshore-budgeting/ledgersync/internal/canon"
)

const defaultMigrateRetry = time.Minute

type migrateOpts struct {
	reason    string
	force     bool
	breakLock bool
	strict    bool
	watch     bool
	retry     time.Duration
}

func newMigrateCmd() *cobra.Command {
	opts := &migrateOpts{}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run the one-time identity canonicalization",
		Long: `Canonicalize record identities in every workspace: duplicate categories,
cards, budgets, and expense templates collapse onto one record whose
identity is derived from its content.

The run is skipped when this device or any other has already completed it,
or when another device holds the migration lock. A failed run leaves the
done flag unset and is retried next time. Without --strict a failure is
reported but does not change the exit status.

With --watch the command stays up until the migration is done, retrying
when the shared state file changes, on SIGHUP (which also reloads the
config), and every --retry interval.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrate(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.reason, "reason", "cli", "reason recorded in logs and the report")
	cmd.Flags().BoolVar(&opts.force, "force", false, "clear both done flags before running")
	cmd.Flags().BoolVar(&opts.breakLock, "break-lock", false, "clear the migration lock regardless of owner")
	cmd.Flags().BoolVar(&opts.strict, "strict", false, "exit non-zero when the migration fails")
	cmd.Flags().BoolVar(&opts.watch, "watch", false, "keep retrying until the migration is done")
	cmd.Flags().DurationVar(&opts.retry, "retry", defaultMigrateRetry, "retry interval in --watch mode")

	return cmd
}

func runMigrate(cmd *cobra.Command, opts *migrateOpts) error {
	cc := mustCLIContext(cmd.Context())
	logger := cc.Logger
	parent, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	ctx := shutdownContext(parent, logger)

	// Captured from the start: "config set" may signal any running migrate.
	sighup := sighupChannel(ctx)

	cleanup, err := acquireMigrateLock(&cc.Cfg.Store)
	if err != nil {
		return err
	}
	defer cleanup()

	svc, err := openServices(ctx, cc.Cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	if opts.breakLock {
		svc.lock.Break(ctx)
		cc.Statusf("Migration lock cleared\n")
	}

	if opts.force {
		svc.flags.Reset(ctx)
		cc.Statusf("Migration done flags cleared\n")
	}

	out := cmd.OutOrStdout()

	run := func(ctx context.Context, reason string) (*canon.Report, error) {
		coord, err := svc.coordinator()
		if err != nil {
			return nil, err
		}

		report, err := coord.RunIfNeeded(ctx, reason)
		if report != nil {
			if printErr := printMigrateReport(out, report, cc.Flags.JSON); printErr != nil {
				logger.Warn("printing report", slog.String("error", printErr.Error()))
			}
		}

		return report, err
	}

	if !opts.watch {
		_, err := run(ctx, opts.reason)
		if err != nil && opts.strict {
			return err
		}

		return nil
	}

	w := &migrateWatcher{
		run:     run,
		changes: watchSharedState(ctx, svc),
		sighup:  sighup,
		reload: func() error {
			resolved, err := loadConfig(cc.Flags)
			if err != nil {
				return err
			}

			svc.holder.Update(resolved)

			return nil
		},
		retry:  opts.retry,
		strict: opts.strict,
		logger: logger,
	}

	return w.loop(ctx, opts.reason)
}

// watchSharedState signals on the returned channel whenever another process
// rewrites the shared state file. Bursts coalesce into one signal.
func watchSharedState(ctx context.Context, svc *services) <-chan struct{} {
	ch := make(chan struct{}, 1)

	go func() {
		err := svc.shared.Watch(ctx, func() {
			select {
			case ch <- struct{}{}:
			default:
			}
		})
		if err != nil {
			svc.logger.Warn("shared state watch stopped", slog.String("error", err.Error()))
		}
	}()

	return ch
}

// migrateWatcher reruns the migration until an attempt completes or finds
// it already done.
type migrateWatcher struct {
	run     func(ctx context.Context, reason string) (*canon.Report, error)
	changes <-chan struct{}
	sighup  <-chan os.Signal
	reload  func() error
	retry   time.Duration
	strict  bool
	logger  *slog.Logger
}

// loop returns nil once the migration is done or ctx is canceled. In strict
// mode the first failed attempt ends the loop with its error.
func (w *migrateWatcher) loop(ctx context.Context, reason string) error {
	retry := w.retry
	if retry <= 0 {
		retry = defaultMigrateRetry
	}

	for attempt := 1; ; attempt++ {
		report, err := w.run(ctx, reason)
		if err != nil && w.strict {
			return err
		}

		if report != nil && (report.Outcome == canon.OutcomeCompleted || report.Outcome == canon.OutcomeDoneAlready) {
			return nil
		}

		w.logger.Info("migration not done, waiting to retry",
			slog.Int("attempt", attempt),
			slog.Duration("retry", retry),
		)

		timer := time.NewTimer(retry)

		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case <-w.changes:
			reason = "shared-state-changed"

		case <-w.sighup:
			reason = "sighup"

			if err := w.reload(); err != nil {
				w.logger.Warn("config reload failed, keeping previous config", slog.String("error", err.Error()))
			} else {
				w.logger.Info("config reloaded")
			}

		case <-timer.C:
			reason = "retry"
		}

		timer.Stop()
	}
}

type migrateJSON struct {
	Reason            string                     `json:"reason"`
	Outcome           canon.Outcome              `json:"outcome"`
	DurationMS        int64                      `json:"duration_ms"`
	Workspaces        int                        `json:"workspaces"`
	Kinds             map[string]canon.KindStats `json:"kinds,omitempty"`
	CardIDMap         map[string]string          `json:"card_id_map,omitempty"`
	SnapshotsRemapped int                        `json:"snapshots_remapped"`
}

func printMigrateReport(w io.Writer, r *canon.Report, asJSON bool) error {
	if asJSON {
		out := migrateJSON{
			Reason:            r.Reason,
			Outcome:           r.Outcome,
			DurationMS:        r.Duration.Milliseconds(),
			Workspaces:        r.Workspaces,
			SnapshotsRemapped: r.SnapshotsRemapped,
		}

		if len(r.Kinds) > 0 {
			out.Kinds = make(map[string]canon.KindStats, len(r.Kinds))
			for k, s := range r.Kinds {
				out.Kinds[k.String()] = *s
			}
		}

		if len(r.CardIDMap) > 0 {
			out.CardIDMap = make(map[string]string, len(r.CardIDMap))
			for old, cur := range r.CardIDMap {
				out.CardIDMap[old.String()] = cur.String()
			}
		}

		return printJSON(w, out)
	}

	fmt.Fprintf(w, "Identity migration %s (reason %s) in %s\n", r.Outcome, r.Reason, formatDuration(r.Duration))

	if r.Outcome == canon.OutcomeDoneAlready || r.Outcome == canon.OutcomeLockBusy {
		return nil
	}

	fmt.Fprintf(w, "Workspaces: %d\n", r.Workspaces)

	if len(r.Kinds) > 0 {
		rows := make([][]string, 0, len(r.Kinds))
		for _, k := range r.SortedKinds() {
			s := r.Kinds[k]
			rows = append(rows, []string{
				k.String(),
				strconv.Itoa(s.Groups),
				strconv.Itoa(s.Renamed),
				strconv.Itoa(s.Deleted),
				strconv.Itoa(s.Relinked),
			})
		}

		printTable(w, []string{"KIND", "GROUPS", "RENAMED", "DELETED", "RELINKED"}, rows)
	}

	if r.SnapshotsRemapped > 0 {
		fmt.Fprintf(w, "Card snapshots remapped: %d\n", r.SnapshotsRemapped)
	}

	return nil
}
