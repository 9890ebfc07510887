package readiness

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/offshore-budgeting/ledgersync/internal/ledger"
)

// Default probe budgets.
const (
	DefaultRemoteTimeout     = 4 * time.Second
	DefaultImportTimeout     = 10 * time.Second
	DefaultLocalScanTimeout  = 8 * time.Second
	DefaultLocalPollInterval = 250 * time.Millisecond
)

// Counter counts local records. Satisfied by *ledger.Store.
type Counter interface {
	Count(ctx context.Context, kind ledger.Kind, ws uuid.UUID) (int, error)
}

// RemoteQuerier answers whether any record of a kind exists remotely.
// Satisfied by *remote.Client.
type RemoteQuerier interface {
	QueryExists(ctx context.Context, kind string) (bool, error)
}

// ProbeConfig wires a Probe. Zero durations take the defaults.
type ProbeConfig struct {
	Local Counter

	// Remote is nil when no record service is configured; the probe then
	// assumes there is no remote data.
	Remote RemoteQuerier

	// Monitor supplies import completion. Nil means the import branch of
	// the readiness race never resolves.
	Monitor *Monitor

	SyncEnabled func() bool

	RemoteTimeout     time.Duration
	ImportTimeout     time.Duration
	LocalScanTimeout  time.Duration
	LocalPollInterval time.Duration

	Logger *slog.Logger
}

// Probe answers readiness questions. All answers are best-effort: failures
// degrade to "not found" and never reach the caller.
type Probe struct {
	local       Counter
	remote      RemoteQuerier
	monitor     *Monitor
	syncEnabled func() bool

	remoteTimeout time.Duration
	importTimeout time.Duration
	scanTimeout   time.Duration
	pollInterval  time.Duration

	logger *slog.Logger
}

// NewProbe returns a Probe.
func NewProbe(cfg *ProbeConfig) *Probe {
	p := &Probe{
		local:         cfg.Local,
		remote:        cfg.Remote,
		monitor:       cfg.Monitor,
		syncEnabled:   cfg.SyncEnabled,
		remoteTimeout: orDefault(cfg.RemoteTimeout, DefaultRemoteTimeout),
		importTimeout: orDefault(cfg.ImportTimeout, DefaultImportTimeout),
		scanTimeout:   orDefault(cfg.LocalScanTimeout, DefaultLocalScanTimeout),
		pollInterval:  orDefault(cfg.LocalPollInterval, DefaultLocalPollInterval),
		logger:        cfg.Logger,
	}

	if p.logger == nil {
		p.logger = slog.Default()
	}

	if p.syncEnabled == nil {
		p.syncEnabled = func() bool { return false }
	}

	return p
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}

	return d
}

// HasAnyLocalData reports whether any data kind has at least one record.
// Count failures are skipped.
func (p *Probe) HasAnyLocalData(ctx context.Context) bool {
	for _, kind := range ledger.DataKinds() {
		n, err := p.local.Count(ctx, kind, ledger.AllWorkspaces)
		if err != nil {
			p.logger.Debug("local count failed",
				slog.String("kind", kind.String()),
				slog.String("error", err.Error()),
			)

			continue
		}

		if n > 0 {
			return true
		}
	}

	return false
}

// ScanForLocalData polls HasAnyLocalData every pollInterval until it is
// true, timeout elapses, or ctx is done.
func (p *Probe) ScanForLocalData(ctx context.Context, timeout, pollInterval time.Duration) bool {
	if p.HasAnyLocalData(ctx) {
		return true
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-ticker.C:
			if p.HasAnyLocalData(ctx) {
				return true
			}
		}
	}
}

// HasAnyRemoteData asks the record service about each data kind in turn
// and stops at the first hit. Per-kind failures are skipped. The whole
// probe is bounded by timeout.
func (p *Probe) HasAnyRemoteData(ctx context.Context, timeout time.Duration) bool {
	if p.remote == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for _, kind := range ledger.DataKinds() {
		if ctx.Err() != nil {
			p.logger.Debug("remote probe out of time")
			return false
		}

		found, err := p.remote.QueryExists(ctx, kind.String())
		if err != nil {
			p.logger.Debug("remote query failed",
				slog.String("kind", kind.String()),
				slog.String("error", err.Error()),
			)

			continue
		}

		if found {
			p.logger.Debug("remote data found", slog.String("kind", kind.String()))
			return true
		}
	}

	return false
}

// ProbeReadiness decides whether the device can leave its loading state.
// Without sync, or when the record service has nothing for this account,
// it is ready at once. Otherwise it waits until the initial import
// completes or local data appears, whichever comes first, within their
// respective budgets.
func (p *Probe) ProbeReadiness(ctx context.Context) bool {
	if !p.syncEnabled() {
		return true
	}

	if !p.HasAnyRemoteData(ctx, p.remoteTimeout) {
		p.logger.Info("no remote data, ready")
		return true
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	winners := make(chan string, 2)

	var g errgroup.Group

	g.Go(func() error {
		if p.monitor != nil && p.monitor.AwaitInitialImport(raceCtx, p.importTimeout) {
			winners <- "import"
			cancel()
		}

		return nil
	})

	g.Go(func() error {
		if p.ScanForLocalData(raceCtx, p.scanTimeout, p.pollInterval) {
			winners <- "local-data"
			cancel()
		}

		return nil
	})

	_ = g.Wait()
	close(winners)

	winner, ok := <-winners
	if !ok {
		p.logger.Info("readiness probe timed out")
		return false
	}

	p.logger.Info("ready", slog.String("signal", winner))

	return true
}
