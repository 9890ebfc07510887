package config

import "sync"

// Holder provides goroutine-safe access to the current *Resolved config.
// Long-running commands read through one Holder so a SIGHUP reload updates
// every consumer at once.
type Holder struct {
	mu  sync.RWMutex
	cfg *Resolved
}

// NewHolder returns a Holder with the initial config.
func NewHolder(cfg *Resolved) *Holder {
	return &Holder{cfg: cfg}
}

// Config returns the current config snapshot.
func (h *Holder) Config() *Resolved {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.cfg
}

// Update replaces the config.
func (h *Holder) Update(cfg *Resolved) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.cfg = cfg
}

// SyncEnabled reports sync.enabled of the current config. Suitable as a
// func() bool for services that consult the sync setting per call.
func (h *Holder) SyncEnabled() bool {
	return h.Config().Sync.Enabled
}
