package config

import "sync/atomic"

// Holder is the running worker's view of the config. Readers always get a
// complete snapshot; a reload swaps the pointer.
type Holder struct {
	cfg        atomic.Pointer[Config]
	generation atomic.Uint64
	path       string
}

// NewHolder creates a Holder at generation zero.
func NewHolder(cfg *Config, path string) *Holder {
	h := &Holder{path: path}
	h.cfg.Store(cfg)

	return h
}

// Config returns the current snapshot. Callers must not modify it.
func (h *Holder) Config() *Config {
	return h.cfg.Load()
}

// Path is the config file the holder was loaded from.
func (h *Holder) Path() string {
	return h.path
}

// Generation counts successful updates.
func (h *Holder) Generation() uint64 {
	return h.generation.Load()
}

// Update installs cfg and returns the settings that changed but only take
// effect after a restart.
func (h *Holder) Update(cfg *Config) []string {
	prev := h.cfg.Swap(cfg)
	h.generation.Add(1)

	return RestartRequired(prev, cfg)
}

// RestartRequired lists the keys that differ between old and cur and are
// read only at startup.
func RestartRequired(old, cur *Config) []string {
	if old == nil || cur == nil {
		return nil
	}

	checks := []struct {
		key     string
		changed bool
	}{
		{"queue.database", old.Queue.Database != cur.Queue.Database},
		{"worker.worker_id", old.Worker.WorkerID != cur.Worker.WorkerID},
		{"worker.max_concurrent_uploads", old.Worker.MaxConcurrentUploads != cur.Worker.MaxConcurrentUploads},
		{"transfers.staging_dir", old.Transfers.StagingDir != cur.Transfers.StagingDir},
		{"transfers.bandwidth_limit", old.Transfers.BandwidthLimit != cur.Transfers.BandwidthLimit},
		{"quota.daily_budget", old.Quota.DailyBudget != cur.Quota.DailyBudget},
		{"quota.per_owner", old.Quota.PerOwner != cur.Quota.PerOwner},
		{"auth.token_dir", old.Auth.TokenDir != cur.Auth.TokenDir},
		{"metrics.listen_addr", old.Metrics.ListenAddr != cur.Metrics.ListenAddr},
	}

	var keys []string

	for _, c := range checks {
		if c.changed {
			keys = append(keys, c.key)
		}
	}

	return keys
}
