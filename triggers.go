package synccore

import (
	"context"
	"log/slog"
	"time"
)

// TriggerManualSync runs a user-requested cycle under the manual timeout
// budget. It returns true when the cycle either published a new copy or
// legitimately had nothing to do; a lost election or any failure yields
// false so the caller can surface "sync did not happen".
func (m *Manager) TriggerManualSync(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.opts.ManualTimeout)
	defer cancel()

	result, err := m.Sync(ctx)
	if err != nil {
		m.logger.LogError(ctx, err, "manual sync failed")
		return false
	}
	return result.Synced || result.Skipped
}

// TriggerAutoSync runs a periodic cycle. Triggers arriving before the
// minimum interval has passed since the last auto attempt are dropped;
// failures are logged quietly because the next tick retries anyway.
func (m *Manager) TriggerAutoSync(ctx context.Context) bool {
	m.mu.Lock()
	since := time.Since(m.lastAutoSync)
	if since < m.opts.MinAutoSyncInterval {
		m.mu.Unlock()
		m.logger.Debug("auto sync debounced",
			slog.Duration("since_last", since),
			slog.Duration("min_interval", m.opts.MinAutoSyncInterval),
		)
		return false
	}
	m.lastAutoSync = time.Now()
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.opts.AutoTimeout)
	defer cancel()

	result, err := m.Sync(ctx)
	if err != nil {
		m.logger.Debug("auto sync failed", slog.String("error", err.Error()))
		return false
	}
	return result.Synced || result.Skipped
}

// TriggerShutdownSync flushes pending operations on process exit under a
// short budget. Failure is survivable: the journal is durable and the next
// start syncs it, so a warning is all the user sees.
func (m *Manager) TriggerShutdownSync(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.opts.ShutdownTimeout)
	defer cancel()

	result, err := m.Sync(ctx)
	if err != nil {
		m.logger.Warn("shutdown sync failed, pending operations will sync on next start",
			slog.String("error", err.Error()),
		)
		return false
	}
	if !result.Synced && !result.Skipped {
		m.logger.Warn("shutdown sync yielded to another instance")
		return false
	}
	return true
}
