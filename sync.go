// Package synccore implements multi-instance database synchronization over a
// shared storage medium. Independent, non-networked application instances
// converge on a single authoritative database copy by coordinating through
// marker files or objects: one instance wins a leader election, downloads the
// authoritative copy, replays its locally recorded operations onto it, and
// publishes the result. There is no server and no consensus protocol; mutual
// exclusion, change detection, conflict replay and crash recovery are all
// built from the backend's marker semantics.
package synccore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/focustrack/synccore/metadata"
)

// OperationType classifies a recorded local mutation.
type OperationType string

const (
	OpInsert OperationType = "insert"
	OpUpdate OperationType = "update"
	OpDelete OperationType = "delete"
)

// Operation is one recorded local mutation, created by a local write path
// immediately after its commit and cleared only after the batch it belongs to
// has been durably merged into an uploaded authoritative copy.
type Operation struct {
	// ID is the journal sequence number. Insertion order is causal order:
	// replay must preserve it.
	ID int64

	Type  OperationType
	Table string

	// RecordID addresses the mutated row.
	RecordID int64

	// Data is a structured snapshot of the new/changed row.
	Data json.RawMessage

	// OldData is the snapshot before the change, recorded for deletes.
	OldData json.RawMessage

	Timestamp time.Time
}

// OperationLog is the durable, ordered record of local mutations not yet
// reflected in the authoritative copy.
type OperationLog interface {
	// Track appends an entry. It never fails the caller's hot path: journal
	// errors are logged and swallowed.
	Track(opType OperationType, table string, data map[string]interface{})

	// TrackDelete appends a delete entry carrying the pre-deletion snapshot.
	TrackDelete(table string, oldData map[string]interface{})

	// Pending returns all recorded operations in insertion order.
	Pending(ctx context.Context) ([]Operation, error)

	// Clear empties the log atomically with respect to concurrent Track
	// calls from the same process.
	Clear(ctx context.Context) error

	// Count returns the number of pending operations.
	Count(ctx context.Context) (int, error)

	Close() error
}

// MetadataStore persists the fingerprint of the last-observed authoritative
// copy. Load returns (nil, nil) when nothing has been saved yet.
type MetadataStore interface {
	Save(m *metadata.Metadata) error
	Load() (*metadata.Metadata, error)
}

// Merger replays recorded operations onto a downloaded authoritative copy.
type Merger interface {
	// Merge returns the path of the merged database. With no operations it
	// returns basePath unchanged.
	Merge(ctx context.Context, basePath string, ops []Operation) (string, error)
}

// RemoteDBStatus describes the authoritative copy as last observed.
type RemoteDBStatus struct {
	Exists       bool      `json:"exists"`
	SizeBytes    int64     `json:"size_bytes,omitempty"`
	ModifiedTime time.Time `json:"modified_at,omitempty"`
	FileID       string    `json:"file_id,omitempty"`
	// Duplicates counts same-named authoritative objects, which can appear
	// in store backends without atomic rename.
	Duplicates int `json:"duplicate_count,omitempty"`
}

// BackendStatus is a diagnostics snapshot of the coordination state.
type BackendStatus struct {
	BackendType   string          `json:"backend_type"`
	Identity      string          `json:"instance_id"`
	IsLeader      bool            `json:"is_leader"`
	CurrentLeader string          `json:"current_leader,omitempty"`
	ActiveIntents int             `json:"active_intents"`
	RemoteDB      *RemoteDBStatus `json:"remote_db,omitempty"`
	Err           string          `json:"status_error,omitempty"`
}

// Backend is the abstraction over the shared medium (directory or cloud
// store) used for both data transfer and election markers. Implementations
// hold their own state and identity; no process-wide registries.
type Backend interface {
	// Identity returns this instance's coordination identity, embedded in
	// the marker names it creates.
	Identity() string

	// IsAvailable reports whether the shared medium can be reached.
	IsAvailable(ctx context.Context) bool

	// RegisterSyncIntent declares this instance's intent to sync by placing
	// an intent marker in the shared medium.
	RegisterSyncIntent(ctx context.Context) error

	// AttemptLeaderElection polls the shared medium at a short fixed
	// interval until either this identity claims the leader marker (true)
	// or the timeout elapses (false). An error means the medium itself
	// failed, not that the race was lost.
	AttemptLeaderElection(ctx context.Context, timeout time.Duration) (bool, error)

	// ReleaseLeadership removes this identity's leader and intent markers.
	// Idempotent; failures are logged, never returned.
	ReleaseLeadership(ctx context.Context)

	// DownloadDatabase fetches the authoritative copy into localPath. A
	// missing authoritative copy is a successful no-op (first-ever sync);
	// an error means a communication or storage failure.
	DownloadDatabase(ctx context.Context, localPath string) error

	// UploadDatabase publishes localPath as the new authoritative copy.
	UploadDatabase(ctx context.Context, localPath string) error

	// HasDatabaseChanged compares a freshly observed fingerprint of the
	// authoritative copy against last. It returns (true, fresh, nil) when
	// the copy is new, modified or resized, (false, fresh, nil) when
	// identical, and (true, nil, nil) when no authoritative copy exists or
	// last is nil.
	HasDatabaseChanged(ctx context.Context, last *metadata.Metadata) (bool, *metadata.Metadata, error)

	// CleanupStaleMarkers prunes orphaned coordination markers older than
	// maxAge, left behind by crashed instances. Best effort.
	CleanupStaleMarkers(ctx context.Context, maxAge time.Duration)

	// Status returns a diagnostics snapshot.
	Status(ctx context.Context) *BackendStatus
}

// NewIdentity generates a coordination identity unique to this process
// instance: "<pid>_<uuid8>_<timestamp>". The embedded timestamp keeps marker
// names self-describing for age-based pruning.
func NewIdentity() string {
	return fmt.Sprintf("%d_%s_%s",
		os.Getpid(),
		uuid.NewString()[:8],
		time.Now().Format("20060102_150405"),
	)
}
