package synccore

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/focustrack/synccore/metadata"
)

// MockBackend is a configurable in-memory Backend for tests. All state is
// per-instance; two mocks never observe each other.
type MockBackend struct {
	mu sync.Mutex

	// InstanceID defaults to a generated identity when empty.
	InstanceID string

	// Unavailable makes IsAvailable report false.
	Unavailable bool

	// ElectionWon is the election outcome; ElectionErr takes precedence.
	ElectionWon bool
	ElectionErr error

	// ElectionBarrier, when set, blocks AttemptLeaderElection until the
	// channel is closed. Lets tests hold a cycle in flight.
	ElectionBarrier chan struct{}

	IntentErr   error
	DownloadErr error
	UploadErr   error
	ChangedErr  error

	// RemoteContent is the authoritative copy's bytes; nil means no
	// authoritative copy exists yet.
	RemoteContent []byte

	// RemoteMeta is the fingerprint HasDatabaseChanged reports. Nil with
	// non-nil RemoteContent still counts as "no observation possible".
	RemoteMeta *metadata.Metadata

	// Uploaded collects the byte payloads passed to UploadDatabase.
	Uploaded [][]byte

	IntentCalls   int
	ElectionCalls int
	DownloadCalls int
	UploadCalls   int
	ReleaseCalls  int
	CleanupCalls  int

	holdingLeadership bool
}

var _ Backend = (*MockBackend)(nil)

func (b *MockBackend) Identity() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.InstanceID == "" {
		b.InstanceID = NewIdentity()
	}
	return b.InstanceID
}

func (b *MockBackend) IsAvailable(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.Unavailable
}

func (b *MockBackend) RegisterSyncIntent(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.IntentCalls++
	return b.IntentErr
}

func (b *MockBackend) AttemptLeaderElection(ctx context.Context, timeout time.Duration) (bool, error) {
	b.mu.Lock()
	barrier := b.ElectionBarrier
	b.mu.Unlock()
	if barrier != nil {
		select {
		case <-barrier:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.ElectionCalls++
	if b.ElectionErr != nil {
		return false, b.ElectionErr
	}
	b.holdingLeadership = b.ElectionWon
	return b.ElectionWon, nil
}

func (b *MockBackend) ReleaseLeadership(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ReleaseCalls++
	b.holdingLeadership = false
}

// HoldingLeadership reports whether an election was won and not yet
// released, for asserting the release-always invariant.
func (b *MockBackend) HoldingLeadership() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.holdingLeadership
}

func (b *MockBackend) DownloadDatabase(ctx context.Context, localPath string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.DownloadCalls++
	if b.DownloadErr != nil {
		return b.DownloadErr
	}
	if b.RemoteContent == nil {
		return nil
	}
	return os.WriteFile(localPath, b.RemoteContent, 0o644)
}

func (b *MockBackend) UploadDatabase(ctx context.Context, localPath string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.UploadCalls++
	if b.UploadErr != nil {
		return b.UploadErr
	}
	content, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	b.Uploaded = append(b.Uploaded, content)
	b.RemoteContent = content
	b.RemoteMeta = &metadata.Metadata{
		ModifiedTime: time.Now(),
		Size:         int64(len(content)),
	}
	return nil
}

func (b *MockBackend) HasDatabaseChanged(ctx context.Context, last *metadata.Metadata) (bool, *metadata.Metadata, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ChangedErr != nil {
		return false, nil, b.ChangedErr
	}
	if b.RemoteMeta == nil {
		return true, nil, nil
	}
	if last == nil || !b.RemoteMeta.Equal(last) {
		return true, b.RemoteMeta, nil
	}
	return false, b.RemoteMeta, nil
}

func (b *MockBackend) CleanupStaleMarkers(ctx context.Context, maxAge time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CleanupCalls++
}

func (b *MockBackend) Status(ctx context.Context) *BackendStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	status := &BackendStatus{
		BackendType: "mock",
		Identity:    b.InstanceID,
		IsLeader:    b.holdingLeadership,
	}
	if b.RemoteContent != nil {
		status.RemoteDB = &RemoteDBStatus{Exists: true, SizeBytes: int64(len(b.RemoteContent))}
	} else {
		status.RemoteDB = &RemoteDBStatus{Exists: false}
	}
	return status
}
