package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"

	"github.com/offshore-budgeting/ledgersync/internal/canon"
	"github.com/offshore-budgeting/ledgersync/internal/config"
	"github.com/offshore-budgeting/ledgersync/internal/kv"
	"github.com/offshore-budgeting/ledgersync/internal/ledger"
	"github.com/offshore-budgeting/ledgersync/internal/lock"
	"github.com/offshore-budgeting/ledgersync/internal/merge"
	"github.com/offshore-budgeting/ledgersync/internal/readiness"
	"github.com/offshore-budgeting/ledgersync/internal/remote"
	"github.com/offshore-budgeting/ledgersync/internal/snapshot"
	"github.com/offshore-budgeting/ledgersync/internal/tokenfile"
)

const dataDirPerms = 0o700

// services are the stores and collaborators shared by the commands. They
// are opened once per invocation and closed by the caller.
type services struct {
	holder *config.Holder
	logger *slog.Logger

	ledger    *ledger.Store
	defaults  *kv.File // device-local flags and install id
	shared    *kv.File // replicated flags and migration lock
	widgets   *kv.File // widget snapshot cache
	flags     *canon.Flags
	lock      *lock.Advisory
	snapshots *snapshot.Store
}

// openServices opens the ledger and the key-value files named by the
// resolved config.
func openServices(ctx context.Context, cfg *config.Resolved, logger *slog.Logger) (*services, error) {
	st := cfg.Store

	for _, p := range []string{st.DatabasePath, st.DefaultsPath, st.SharedStatePath, st.WidgetCachePath} {
		if err := os.MkdirAll(filepath.Dir(p), dataDirPerms); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	defaults, err := kv.OpenFile(st.DefaultsPath, logger)
	if err != nil {
		return nil, fmt.Errorf("opening defaults: %w", err)
	}

	shared, err := kv.OpenFile(st.SharedStatePath, logger)
	if err != nil {
		return nil, fmt.Errorf("opening shared state: %w", err)
	}

	widgets, err := kv.OpenFile(st.WidgetCachePath, logger)
	if err != nil {
		return nil, fmt.Errorf("opening widget cache: %w", err)
	}

	store, err := ledger.Open(ctx, st.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	return &services{
		holder:    config.NewHolder(cfg),
		logger:    logger,
		ledger:    store,
		defaults:  defaults,
		shared:    shared,
		widgets:   widgets,
		flags:     canon.NewFlags(defaults, shared, logger),
		lock:      lock.New(shared, canon.LockKeys, cfg.Migration.LockTTLDuration(), logger),
		snapshots: snapshot.NewStore(widgets, logger),
	}, nil
}

// Close releases the ledger. Key-value files hold no open handles.
func (s *services) Close() error {
	return s.ledger.Close()
}

func (s *services) coordinator() (*canon.Coordinator, error) {
	return canon.NewCoordinator(&canon.CoordinatorConfig{
		Ledger:      s.ledger,
		Flags:       s.flags,
		Lock:        s.lock,
		Remapper:    s.snapshots,
		LoadTimeout: s.holder.Config().Store.LoadTimeoutDuration(),
		Logger:      s.logger,
	})
}

func (s *services) reconciler() *merge.Reconciler {
	cfg := s.holder.Config()

	return merge.NewReconciler(&merge.Config{
		Ledger:          s.ledger,
		SyncEnabled:     s.holder.SyncEnabled,
		ActiveWorkspace: cfg.Sync.ActiveWorkspaceID(),
		Logger:          s.logger,
	})
}

// probe builds a readiness probe. monitor may be nil.
func (s *services) probe(monitor *readiness.Monitor) *readiness.Probe {
	cfg := s.holder.Config()
	remoteTimeout, importTimeout, scanTimeout, poll := cfg.Readiness.Budgets()

	pc := &readiness.ProbeConfig{
		Local:             s.ledger,
		Monitor:           monitor,
		SyncEnabled:       s.holder.SyncEnabled,
		RemoteTimeout:     remoteTimeout,
		ImportTimeout:     importTimeout,
		LocalScanTimeout:  scanTimeout,
		LocalPollInterval: poll,
		Logger:            s.logger,
	}

	// A nil *remote.Client stored in the interface would not compare nil.
	if client := newRemoteClient(cfg, s.logger); client != nil {
		pc.Remote = client
	}

	return readiness.NewProbe(pc)
}

// newRemoteClient returns a record service client, or nil when no base URL
// is configured.
func newRemoteClient(cfg *config.Resolved, logger *slog.Logger) *remote.Client {
	if cfg.Remote.BaseURL == "" {
		return nil
	}

	return remote.NewClient(cfg.Remote.BaseURL, tokenSource(cfg, logger), cfg.Remote.QueryTimeoutDuration(), logger)
}

// tokenSource picks the bearer credential: an inline access token wins over
// a token file. Nil means requests go out unauthenticated.
func tokenSource(cfg *config.Resolved, logger *slog.Logger) oauth2.TokenSource {
	if cfg.Remote.AccessToken != "" {
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Remote.AccessToken, TokenType: "Bearer"})
	}

	if cfg.Remote.TokenFile == "" {
		return nil
	}

	if logger == nil {
		logger = slog.Default()
	}

	if _, _, err := tokenfile.Load(cfg.Remote.TokenFile); err != nil {
		if !errors.Is(err, tokenfile.ErrNoToken) {
			logger.Warn("token file unreadable, continuing without credentials",
				slog.String("path", cfg.Remote.TokenFile),
				slog.String("error", err.Error()),
			)
		}

		return nil
	}

	return tokenfile.Source(cfg.Remote.TokenFile, logger)
}
