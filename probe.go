package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/offshore-budgeting/ledgersync/internal/readiness"
	"github.com/offshore-budgeting/ledgersync/internal/remote"
)

// errNotReady makes the process exit with exitNotReady without printing an
// error line; the probe already reported its answer.
var errNotReady = errors.New("not ready")

const exitNotReady = 3

// Probe checks selectable with --check.
const (
	checkReady  = "ready"
	checkLocal  = "local"
	checkRemote = "remote"
)

type probeOpts struct {
	check  string
	events bool
}

func newProbeCmd() *cobra.Command {
	opts := &probeOpts{}

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Report whether the ledger is ready to use",
		Long: `Answer whether this device has enough data to leave its loading state.

--check ready (the default) is true when sync is off, when the record
service has no data for this account, or when either local data appears or
the first import finishes, whichever happens first. --check local and
--check remote answer the two underlying questions on their own.

With --events the probe listens on remote.events_url for import progress.
Without it the import branch never resolves and readiness rests on the
local scan alone.

Exit status is 0 when the answer is yes and 3 when it is no.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runProbe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.check, "check", checkReady, "what to check: ready, local, or remote")
	cmd.Flags().BoolVar(&opts.events, "events", false, "subscribe to the import event stream")

	return cmd
}

func runProbe(cmd *cobra.Command, opts *probeOpts) error {
	cc := mustCLIContext(cmd.Context())
	logger := cc.Logger

	switch opts.check {
	case checkReady, checkLocal, checkRemote:
	default:
		return fmt.Errorf("unknown --check %q (want ready, local, or remote)", opts.check)
	}

	parent, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	ctx := shutdownContext(parent, logger)

	svc, err := openServices(ctx, cc.Cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	var monitor *readiness.Monitor
	if opts.events {
		monitor = startMonitor(ctx, svc, logger)
	}

	probe := svc.probe(monitor)
	cfg := svc.holder.Config()

	var ok bool

	switch opts.check {
	case checkLocal:
		ok = probe.HasAnyLocalData(ctx)
	case checkRemote:
		remoteTimeout, _, _, _ := cfg.Readiness.Budgets()
		ok = probe.HasAnyRemoteData(ctx, remoteTimeout)
	default:
		ok = probe.ProbeReadiness(ctx)
	}

	if err := printProbeResult(cmd.OutOrStdout(), opts.check, ok, cfg.Sync.Enabled, cc.Flags.JSON); err != nil {
		return err
	}

	if !ok {
		return errNotReady
	}

	return nil
}

// startMonitor subscribes to the event stream and feeds a Monitor until ctx
// ends. A failed subscription is logged; the returned monitor then never
// sees an import.
func startMonitor(ctx context.Context, svc *services, logger *slog.Logger) *readiness.Monitor {
	monitor := readiness.NewMonitor(logger)
	cfg := svc.holder.Config()

	if cfg.Remote.EventsURL == "" {
		logger.Warn("--events given but remote.events_url is not set")
		return monitor
	}

	events, err := remote.Subscribe(ctx, cfg.Remote.EventsURL, tokenSource(cfg, logger), logger)
	if err != nil {
		logger.Warn("event stream unavailable", slog.String("error", err.Error()))
		return monitor
	}

	go monitor.Run(ctx, events)

	return monitor
}

type probeJSON struct {
	Check       string `json:"check"`
	Result      bool   `json:"result"`
	SyncEnabled bool   `json:"sync_enabled"`
}

func printProbeResult(w io.Writer, check string, ok, syncEnabled, asJSON bool) error {
	if asJSON {
		return printJSON(w, probeJSON{Check: check, Result: ok, SyncEnabled: syncEnabled})
	}

	var answer string

	switch {
	case check == checkLocal && ok:
		answer = "local data present"
	case check == checkLocal:
		answer = "no local data"
	case check == checkRemote && ok:
		answer = "remote data present"
	case check == checkRemote:
		answer = "no remote data found"
	case ok:
		answer = "ready"
	default:
		answer = "not ready"
	}

	_, err := fmt.Fprintln(w, answer)

	return err
}
