package synccore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/focustrack/synccore/dbfile"
	syncErrors "github.com/focustrack/synccore/errors"
	"github.com/focustrack/synccore/logging"
)

// SyncState names the phase a sync cycle is in, for diagnostics only.
type SyncState string

const (
	StateIdle        SyncState = "idle"
	StateChecking    SyncState = "checking"
	StateElecting    SyncState = "electing"
	StateDownloading SyncState = "downloading"
	StateValidating  SyncState = "validating"
	StateMerging     SyncState = "merging"
	StateUploading   SyncState = "uploading"
	StateReleasing   SyncState = "releasing"
)

// remoteCandidateSuffix names the downloaded authoritative copy while it is
// being validated and merged, beside the local cache.
const remoteCandidateSuffix = ".remote"

// Options tunes a Manager. Zero values fall back to defaults.
type Options struct {
	// LocalDBPath is the local cache database this instance reads and
	// writes between syncs.
	LocalDBPath string

	// RequiredTables is the schema surface a downloaded copy must expose to
	// count as valid.
	RequiredTables []string

	// ElectionTimeout bounds how long a cycle waits to become leader.
	ElectionTimeout time.Duration

	// MarkerMaxAge is the cutoff for pruning markers left behind by
	// crashed instances.
	MarkerMaxAge time.Duration

	// MinAutoSyncInterval debounces periodic triggers.
	MinAutoSyncInterval time.Duration

	// ManualTimeout, AutoTimeout and ShutdownTimeout bound the whole cycle
	// for the respective trigger. Shutdown gets the tightest budget so
	// process exit is never held hostage by a slow medium.
	ManualTimeout   time.Duration
	AutoTimeout     time.Duration
	ShutdownTimeout time.Duration
}

func (o *Options) withDefaults() {
	if o.ElectionTimeout <= 0 {
		o.ElectionTimeout = 30 * time.Second
	}
	if o.MarkerMaxAge <= 0 {
		o.MarkerMaxAge = 30 * time.Minute
	}
	if o.MinAutoSyncInterval <= 0 {
		o.MinAutoSyncInterval = 5 * time.Minute
	}
	if o.ManualTimeout <= 0 {
		o.ManualTimeout = 2 * time.Minute
	}
	if o.AutoTimeout <= 0 {
		o.AutoTimeout = 5 * time.Minute
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 15 * time.Second
	}
}

// SyncResult reports one cycle's outcome.
type SyncResult struct {
	// Synced is true when a new authoritative copy was published and the
	// local cache replaced.
	Synced bool

	// Skipped is true when the cycle decided there was nothing to do.
	Skipped bool

	// LeaderElected is true when this instance held leadership during the
	// cycle. A lost election yields Synced=false, LeaderElected=false and
	// no error: another instance is publishing the same remote state.
	LeaderElected bool

	// OperationsMerged counts the journal entries replayed onto the
	// downloaded copy.
	OperationsMerged int

	// RemoteState is the validation verdict for the downloaded copy.
	RemoteState string

	// Coalesced is true when this caller piggybacked on a cycle that was
	// already in flight.
	Coalesced bool

	StartTime time.Time
	Duration  time.Duration
}

// Stats are cumulative per-Manager counters.
type Stats struct {
	LastSyncTime time.Time `json:"last_sync_time"`
	SyncCount    uint64    `json:"sync_count"`
	SkippedCount uint64    `json:"skipped_count"`
	ErrorCount   uint64    `json:"error_count"`
	LastError    string    `json:"last_error,omitempty"`
}

// Manager orchestrates one full synchronization cycle: decide whether a sync
// is needed, win the leader election, download and validate the
// authoritative copy, replay the local journal onto it, publish the result
// and only then update local state. All collaborators are injected
// interfaces; the Manager holds no knowledge of the storage medium.
type Manager struct {
	backend Backend
	journal OperationLog
	meta    MetadataStore
	merger  Merger
	opts    Options
	logger  *logging.Logger

	// group coalesces concurrent triggers onto one in-flight cycle.
	group singleflight.Group

	mu           sync.Mutex
	state        SyncState
	stats        Stats
	lastAutoSync time.Time
}

// NewManager wires a Manager from its collaborators.
func NewManager(backend Backend, journal OperationLog, meta MetadataStore, merger Merger, opts Options) *Manager {
	opts.withDefaults()
	return &Manager{
		backend: backend,
		journal: journal,
		meta:    meta,
		merger:  merger,
		opts:    opts,
		state:   StateIdle,
		logger:  logging.WithComponent(logging.Component("sync-manager")),
	}
}

// State returns the current cycle phase.
func (m *Manager) State() SyncState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stats returns a snapshot of the cumulative counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Status returns the backend's coordination snapshot.
func (m *Manager) Status(ctx context.Context) *BackendStatus {
	return m.backend.Status(ctx)
}

func (m *Manager) setState(s SyncState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// IsSyncNeeded reports whether a cycle would do useful work: local
// operations are pending, the authoritative copy changed since the last
// observation, or no observation exists yet. Each condition is evaluated
// independently. A backend failure during the check yields false; the next
// trigger re-evaluates, so transient outages never turn into retry storms.
func (m *Manager) IsSyncNeeded(ctx context.Context) bool {
	pending, err := m.journal.Count(ctx)
	if err != nil {
		m.logger.Warn("operation journal unreadable during sync check",
			slog.String("error", err.Error()),
		)
	} else if pending > 0 {
		m.logger.Debug("sync needed, local operations pending", slog.Int("pending", pending))
		return true
	}

	last, err := m.meta.Load()
	if err != nil {
		m.logger.Warn("sync metadata unreadable, treating as first sync",
			slog.String("error", err.Error()),
		)
		return true
	}
	if last == nil {
		m.logger.Debug("sync needed, no previous sync recorded")
		return true
	}

	changed, _, err := m.backend.HasDatabaseChanged(ctx, last)
	if err != nil {
		m.logger.Debug("backend unreachable during sync check, skipping",
			slog.String("error", err.Error()),
		)
		return false
	}
	if changed {
		m.logger.Debug("sync needed, authoritative copy changed")
	}
	return changed
}

// Sync runs one cycle, coalescing with any cycle already in flight: callers
// arriving while a cycle runs share its outcome instead of queueing another.
// Each caller waits under its own context, so a short-budget trigger is
// never held past its deadline by a longer cycle it merely joined.
func (m *Manager) Sync(ctx context.Context) (*SyncResult, error) {
	ch := m.group.DoChan("sync", func() (interface{}, error) {
		return m.runCycle(ctx)
	})

	select {
	case res := <-ch:
		result, _ := res.Val.(*SyncResult)
		if result == nil {
			result = &SyncResult{}
		}
		if res.Shared {
			shallow := *result
			shallow.Coalesced = true
			result = &shallow
		}
		return result, res.Err
	case <-ctx.Done():
		// The in-flight cycle keeps running; this caller stops waiting.
		return &SyncResult{}, ctx.Err()
	}
}

// runCycle is the state machine. Leadership, once acquired, is always
// released before returning, whatever the outcome.
func (m *Manager) runCycle(ctx context.Context) (*SyncResult, error) {
	result := &SyncResult{StartTime: time.Now()}
	defer func() {
		result.Duration = time.Since(result.StartTime)
		m.setState(StateIdle)
	}()

	m.setState(StateChecking)
	if !m.IsSyncNeeded(ctx) {
		m.logger.Debug("nothing to sync")
		result.Skipped = true
		m.recordSkip()
		return result, nil
	}

	if !m.backend.IsAvailable(ctx) {
		return result, m.fail(syncErrors.NewUnavailableError(syncErrors.OpSync, "sync-manager",
			fmt.Errorf("storage medium unreachable")))
	}

	m.setState(StateElecting)
	if err := m.backend.RegisterSyncIntent(ctx); err != nil {
		return result, m.fail(err)
	}
	defer func() {
		m.setState(StateReleasing)
		m.backend.ReleaseLeadership(ctx)
	}()

	won, err := m.backend.AttemptLeaderElection(ctx, m.opts.ElectionTimeout)
	if err != nil {
		return result, m.fail(err)
	}
	if !won {
		m.logger.Info("leader election lost, another instance is syncing")
		m.recordSkip()
		return result, nil
	}
	result.LeaderElected = true

	candidate := m.opts.LocalDBPath + remoteCandidateSuffix
	defer os.Remove(candidate)

	m.setState(StateDownloading)
	if err := m.backend.DownloadDatabase(ctx, candidate); err != nil {
		return result, m.fail(err)
	}

	m.setState(StateValidating)
	remoteState, verr := dbfile.Validate(ctx, candidate, m.opts.RequiredTables)
	result.RemoteState = remoteState.String()

	var publishPath string
	switch remoteState {
	case dbfile.StateValid:
		ops, err := m.journal.Pending(ctx)
		if err != nil {
			return result, m.fail(syncErrors.NewStorageError(syncErrors.OpLoad, "sync-manager", err))
		}

		m.setState(StateMerging)
		merged, err := m.merger.Merge(ctx, candidate, ops)
		if err != nil {
			return result, m.fail(err)
		}
		if merged != candidate {
			defer os.Remove(merged)
		}
		publishPath = merged
		result.OperationsMerged = len(ops)

	case dbfile.StateAbsent, dbfile.StateInvalid:
		// No usable authoritative copy: the local cache becomes
		// authoritative, discarding nothing local.
		if remoteState == dbfile.StateInvalid {
			m.logger.Warn("authoritative copy is corrupt, publishing local cache",
				slog.String("reason", errString(verr)),
			)
		} else {
			m.logger.Info("no authoritative copy yet, publishing local cache")
		}

		localState, lerr := dbfile.Validate(ctx, m.opts.LocalDBPath, m.opts.RequiredTables)
		if localState != dbfile.StateValid {
			return result, m.fail(syncErrors.NewCorruptRemoteError(
				fmt.Errorf("no valid database on either side: remote %s, local %s: %v",
					remoteState, localState, lerr)))
		}
		publishPath = m.opts.LocalDBPath
	}

	m.setState(StateUploading)
	if err := m.backend.UploadDatabase(ctx, publishPath); err != nil {
		// The journal stays intact so these operations reach the
		// authoritative copy on the next successful cycle.
		return result, m.fail(err)
	}

	// The upload is confirmed; only now does local state move forward.
	if publishPath != m.opts.LocalDBPath {
		if err := dbfile.Copy(publishPath, m.opts.LocalDBPath); err != nil {
			return result, m.fail(syncErrors.NewStorageError(syncErrors.OpSave, "sync-manager", err))
		}
	}

	if _, fresh, err := m.backend.HasDatabaseChanged(ctx, nil); err != nil {
		m.logger.Warn("could not observe published copy, next check will re-sync",
			slog.String("error", err.Error()),
		)
	} else if fresh != nil {
		if err := m.meta.Save(fresh); err != nil {
			m.logger.Warn("failed to persist sync metadata", slog.String("error", err.Error()))
		}
	}

	if err := m.journal.Clear(ctx); err != nil {
		// Replaying already-published operations is the safer failure
		// mode; log loudly and let the next cycle clear again.
		m.logger.LogError(ctx, err, "failed to clear operation journal after publish")
	}

	m.backend.CleanupStaleMarkers(ctx, m.opts.MarkerMaxAge)

	result.Synced = true
	m.recordSuccess()
	m.logger.Info("sync cycle complete",
		slog.Int("operations_merged", result.OperationsMerged),
		slog.String("remote_state", result.RemoteState),
		slog.Duration("duration", time.Since(result.StartTime)),
	)
	return result, nil
}

func (m *Manager) fail(err error) error {
	m.mu.Lock()
	m.stats.ErrorCount++
	m.stats.LastError = err.Error()
	m.mu.Unlock()
	m.logger.LogError(context.Background(), err, "sync cycle failed")
	return err
}

func (m *Manager) recordSuccess() {
	m.mu.Lock()
	m.stats.SyncCount++
	m.stats.LastSyncTime = time.Now()
	m.stats.LastError = ""
	m.mu.Unlock()
}

func (m *Manager) recordSkip() {
	m.mu.Lock()
	m.stats.SkippedCount++
	m.mu.Unlock()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
