package synccore_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/focustrack/synccore"
	"github.com/focustrack/synccore/merge"
	"github.com/focustrack/synccore/metadata"
	"github.com/focustrack/synccore/oplog"
)

var trackerTables = []string{"projects", "sprints"}

// createTrackerDB creates a database file exposing the required schema.
func createTrackerDB(t *testing.T, path string) {
	t.Helper()
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`
		CREATE TABLE projects (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL
		);
		CREATE TABLE sprints (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id INTEGER NOT NULL,
			description TEXT
		);
	`)
	require.NoError(t, err)
}

func dbBytes(t *testing.T, path string) []byte {
	t.Helper()
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	return content
}

func countRows(t *testing.T, path, table string) int {
	t.Helper()
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

type fixture struct {
	manager *synccore.Manager
	backend *synccore.MockBackend
	journal *oplog.Log
	meta    *metadata.Store
	local   string
}

func newFixture(t *testing.T, backend *synccore.MockBackend, opts synccore.Options) *fixture {
	t.Helper()
	dir := t.TempDir()
	local := filepath.Join(dir, "cache.db")
	createTrackerDB(t, local)

	journal, err := oplog.Open(oplog.JournalPath(local))
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	meta := metadata.NewStore(metadata.SidecarPath(local))

	opts.LocalDBPath = local
	opts.RequiredTables = trackerTables
	if opts.ElectionTimeout == 0 {
		opts.ElectionTimeout = time.Second
	}

	return &fixture{
		manager: synccore.NewManager(backend, journal, meta, merge.NewReplayer(), opts),
		backend: backend,
		journal: journal,
		meta:    meta,
		local:   local,
	}
}

// seedRemote seeds the mock with a valid authoritative copy and records its
// fingerprint.
func seedRemote(t *testing.T, backend *synccore.MockBackend) {
	t.Helper()
	remote := filepath.Join(t.TempDir(), "remote.db")
	createTrackerDB(t, remote)
	backend.RemoteContent = dbBytes(t, remote)
	backend.RemoteMeta = &metadata.Metadata{
		ModifiedTime: time.Now().Add(-time.Minute),
		Size:         int64(len(backend.RemoteContent)),
	}
}

func TestIsSyncNeeded(t *testing.T) {
	ctx := context.Background()

	t.Run("pending operations", func(t *testing.T) {
		f := newFixture(t, &synccore.MockBackend{}, synccore.Options{})
		f.journal.Track(synccore.OpInsert, "projects", map[string]interface{}{"name": "alpha"})
		assert.True(t, f.manager.IsSyncNeeded(ctx))
	})

	t.Run("no previous sync recorded", func(t *testing.T) {
		f := newFixture(t, &synccore.MockBackend{}, synccore.Options{})
		assert.True(t, f.manager.IsSyncNeeded(ctx))
	})

	t.Run("remote changed with zero pending operations", func(t *testing.T) {
		backend := &synccore.MockBackend{}
		seedRemote(t, backend)
		f := newFixture(t, backend, synccore.Options{})

		// Last observation differs from what the backend reports now.
		stale := &metadata.Metadata{ModifiedTime: time.Now().Add(-time.Hour), Size: 1}
		require.NoError(t, f.meta.Save(stale))

		assert.True(t, f.manager.IsSyncNeeded(ctx),
			"a changed authoritative copy alone must require a sync")
	})

	t.Run("nothing pending and remote unchanged", func(t *testing.T) {
		backend := &synccore.MockBackend{}
		seedRemote(t, backend)
		f := newFixture(t, backend, synccore.Options{})
		require.NoError(t, f.meta.Save(backend.RemoteMeta))

		assert.False(t, f.manager.IsSyncNeeded(ctx))
	})

	t.Run("backend failure yields no sync", func(t *testing.T) {
		backend := &synccore.MockBackend{ChangedErr: assert.AnError}
		f := newFixture(t, backend, synccore.Options{})
		require.NoError(t, f.meta.Save(&metadata.Metadata{Size: 1}))

		assert.False(t, f.manager.IsSyncNeeded(ctx))
	})
}

func TestSyncFullCycle(t *testing.T) {
	ctx := context.Background()
	backend := &synccore.MockBackend{ElectionWon: true}
	seedRemote(t, backend)
	f := newFixture(t, backend, synccore.Options{})

	for _, name := range []string{"alpha", "beta", "gamma", "delta", "epsilon"} {
		f.journal.Track(synccore.OpInsert, "projects", map[string]interface{}{"name": name})
	}

	result, err := f.manager.Sync(ctx)
	require.NoError(t, err)
	assert.True(t, result.Synced)
	assert.True(t, result.LeaderElected)
	assert.Equal(t, 5, result.OperationsMerged)
	assert.Equal(t, "valid", result.RemoteState)

	// The journal is cleared only after the publish succeeded.
	count, err := f.journal.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	// The local cache was replaced by the merged copy.
	assert.Equal(t, 5, countRows(t, f.local, "projects"))

	// The published copy carries the merged rows.
	require.Len(t, backend.Uploaded, 1)

	// Fresh metadata was persisted, so the next check is a no-op.
	saved, err := f.meta.Load()
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.False(t, f.manager.IsSyncNeeded(ctx))

	assert.False(t, backend.HoldingLeadership())
	assert.Equal(t, 1, backend.CleanupCalls)

	stats := f.manager.Stats()
	assert.Equal(t, uint64(1), stats.SyncCount)
	assert.False(t, stats.LastSyncTime.IsZero())
	assert.Empty(t, stats.LastError)
}

func TestSyncSkippedWhenNothingToDo(t *testing.T) {
	backend := &synccore.MockBackend{ElectionWon: true}
	seedRemote(t, backend)
	f := newFixture(t, backend, synccore.Options{})
	require.NoError(t, f.meta.Save(backend.RemoteMeta))

	result, err := f.manager.Sync(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.False(t, result.Synced)
	assert.Zero(t, backend.ElectionCalls, "no election when nothing needs syncing")
	assert.Equal(t, uint64(1), f.manager.Stats().SkippedCount)
}

func TestSyncElectionLost(t *testing.T) {
	ctx := context.Background()
	backend := &synccore.MockBackend{ElectionWon: false}
	seedRemote(t, backend)
	f := newFixture(t, backend, synccore.Options{})
	f.journal.Track(synccore.OpInsert, "projects", map[string]interface{}{"name": "alpha"})

	result, err := f.manager.Sync(ctx)
	require.NoError(t, err, "losing the election is not a failure")
	assert.False(t, result.Synced)
	assert.False(t, result.LeaderElected)

	// The journal survives so the next cycle can publish it.
	count, err := f.journal.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Intent markers are withdrawn even without leadership.
	assert.Equal(t, 1, backend.ReleaseCalls)
	assert.Zero(t, backend.UploadCalls)
}

func TestSyncCorruptRemotePublishesLocalCache(t *testing.T) {
	backend := &synccore.MockBackend{
		ElectionWon:   true,
		RemoteContent: []byte("this is not a database"),
	}
	f := newFixture(t, backend, synccore.Options{})

	result, err := f.manager.Sync(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Synced)
	assert.Equal(t, "invalid", result.RemoteState)
	assert.Zero(t, result.OperationsMerged)

	// The local cache became the authoritative copy untouched.
	require.Len(t, backend.Uploaded, 1)
	assert.Equal(t, dbBytes(t, f.local), backend.Uploaded[0])
}

func TestSyncAbsentRemotePublishesLocalCache(t *testing.T) {
	backend := &synccore.MockBackend{ElectionWon: true}
	f := newFixture(t, backend, synccore.Options{})

	result, err := f.manager.Sync(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Synced)
	assert.Equal(t, "absent", result.RemoteState)
	require.Len(t, backend.Uploaded, 1)
	assert.Equal(t, dbBytes(t, f.local), backend.Uploaded[0])
}

func TestSyncUploadFailureLeavesStateIntact(t *testing.T) {
	ctx := context.Background()
	backend := &synccore.MockBackend{ElectionWon: true, UploadErr: assert.AnError}
	seedRemote(t, backend)
	f := newFixture(t, backend, synccore.Options{})

	for i := 0; i < 3; i++ {
		f.journal.Track(synccore.OpInsert, "projects", map[string]interface{}{"name": "p"})
	}
	before := dbBytes(t, f.local)

	_, err := f.manager.Sync(ctx)
	require.Error(t, err)

	count, cerr := f.journal.Count(ctx)
	require.NoError(t, cerr)
	assert.Equal(t, 3, count, "a failed publish must not consume the journal")

	assert.Equal(t, before, dbBytes(t, f.local), "a failed publish must not touch the cache")
	assert.False(t, backend.HoldingLeadership(), "leadership is released on failure")

	stats := f.manager.Stats()
	assert.Equal(t, uint64(1), stats.ErrorCount)
	assert.NotEmpty(t, stats.LastError)
}

func TestSyncDownloadFailureReleasesLeadership(t *testing.T) {
	backend := &synccore.MockBackend{ElectionWon: true, DownloadErr: assert.AnError}
	f := newFixture(t, backend, synccore.Options{})

	_, err := f.manager.Sync(context.Background())
	require.Error(t, err)
	assert.False(t, backend.HoldingLeadership())
	assert.Zero(t, backend.UploadCalls)
}

func TestConcurrentTriggersCoalesce(t *testing.T) {
	backend := &synccore.MockBackend{
		ElectionWon:     true,
		ElectionBarrier: make(chan struct{}),
	}
	f := newFixture(t, backend, synccore.Options{})

	const callers = 4
	var wg sync.WaitGroup
	results := make([]*synccore.SyncResult, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.manager.Sync(context.Background())
		}(i)
	}

	// Let all callers pile onto the in-flight cycle before it proceeds.
	time.Sleep(100 * time.Millisecond)
	close(backend.ElectionBarrier)
	wg.Wait()

	coalesced := 0
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.True(t, results[i].Synced)
		if results[i].Coalesced {
			coalesced++
		}
	}
	assert.Equal(t, 1, backend.ElectionCalls, "concurrent triggers must share one cycle")
	assert.GreaterOrEqual(t, coalesced, callers-1)
}

func TestCoalescedCallerHonorsOwnDeadline(t *testing.T) {
	backend := &synccore.MockBackend{
		ElectionWon:     true,
		ElectionBarrier: make(chan struct{}),
	}
	f := newFixture(t, backend, synccore.Options{ShutdownTimeout: 100 * time.Millisecond})

	// A long-budget cycle is held in flight at the election.
	longCtx, cancelLong := context.WithCancel(context.Background())
	defer cancelLong()
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		f.manager.Sync(longCtx)
	}()
	time.Sleep(50 * time.Millisecond)

	// The shutdown trigger joins the cycle but must return within its own
	// budget, not the in-flight cycle's.
	start := time.Now()
	ok := f.manager.TriggerShutdownSync(context.Background())
	elapsed := time.Since(start)

	assert.False(t, ok, "an over-budget shutdown sync reports failure")
	assert.Less(t, elapsed, time.Second,
		"shutdown must not wait out the in-flight cycle's budget")

	close(backend.ElectionBarrier)
	<-firstDone
}

func TestTriggerManualSync(t *testing.T) {
	backend := &synccore.MockBackend{ElectionWon: true}
	f := newFixture(t, backend, synccore.Options{})
	assert.True(t, f.manager.TriggerManualSync(context.Background()))

	failing := &synccore.MockBackend{ElectionWon: true, UploadErr: assert.AnError}
	f2 := newFixture(t, failing, synccore.Options{})
	assert.False(t, f2.manager.TriggerManualSync(context.Background()))
}

func TestTriggerAutoSyncDebounce(t *testing.T) {
	backend := &synccore.MockBackend{ElectionWon: true}
	f := newFixture(t, backend, synccore.Options{MinAutoSyncInterval: time.Hour})

	assert.True(t, f.manager.TriggerAutoSync(context.Background()))
	assert.False(t, f.manager.TriggerAutoSync(context.Background()),
		"a second trigger inside the minimum interval is dropped")
}

func TestTriggerShutdownSync(t *testing.T) {
	backend := &synccore.MockBackend{ElectionWon: true}
	f := newFixture(t, backend, synccore.Options{})
	assert.True(t, f.manager.TriggerShutdownSync(context.Background()))

	lost := &synccore.MockBackend{ElectionWon: false}
	f2 := newFixture(t, lost, synccore.Options{})
	f2.journal.Track(synccore.OpInsert, "projects", map[string]interface{}{"name": "x"})
	assert.False(t, f2.manager.TriggerShutdownSync(context.Background()),
		"yielding to another instance reports failure at shutdown")
}
