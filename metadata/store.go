// Package metadata persists the fingerprint of the last-observed authoritative
// database copy, used for cheap remote change detection between sync cycles.
package metadata

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	stdSync "sync"
	"time"

	syncErrors "github.com/focustrack/synccore/errors"
	"github.com/focustrack/synccore/logging"
)

// FileName is the conventional sidecar file name, stored next to the local
// cache database.
const FileName = "last_sync_metadata.json"

// Metadata describes the last remote state this instance observed.
type Metadata struct {
	// ModifiedTime is the remote copy's modification timestamp.
	ModifiedTime time.Time `json:"modified_time"`

	// Size is the remote copy's byte size.
	Size int64 `json:"size"`

	// Fingerprint is a content checksum or remote file id, when the backend
	// provides one. Empty for backends that only expose (mtime, size).
	Fingerprint string `json:"fingerprint,omitempty"`
}

// Equal reports whether two observations describe the same remote state.
func (m *Metadata) Equal(other *Metadata) bool {
	if m == nil || other == nil {
		return m == other
	}
	return m.ModifiedTime.Equal(other.ModifiedTime) &&
		m.Size == other.Size &&
		m.Fingerprint == other.Fingerprint
}

// Store reads and writes sync metadata at a fixed path. Safe for concurrent
// use within one process; cross-process safety is not needed because the
// sidecar lives next to the instance's private cache file.
type Store struct {
	path   string
	mu     stdSync.Mutex
	logger *logging.Logger
}

// NewStore creates a store persisting at path. Use SidecarPath to derive the
// conventional location from a cache database path.
func NewStore(path string) *Store {
	return &Store{
		path:   path,
		logger: logging.WithComponent(logging.Component("metadata")),
	}
}

// SidecarPath returns the conventional metadata path for a local cache
// database file: a sibling last_sync_metadata.json.
func SidecarPath(cacheDBPath string) string {
	return filepath.Join(filepath.Dir(cacheDBPath), FileName)
}

// Save persists metadata, creating missing parent directories. The write is
// atomic (temp file + rename) so a crash never leaves a truncated file.
func (s *Store) Save(m *Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpSave, "metadata", err)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpSave, "metadata", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpSave, "metadata", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return syncErrors.NewStorageError(syncErrors.OpSave, "metadata", err)
	}

	s.logger.Debug("saved sync metadata",
		slog.String("path", s.path),
		slog.Time("modified_time", m.ModifiedTime),
		slog.Int64("size", m.Size),
	)
	return nil
}

// Load returns the persisted metadata, or nil when none has ever been saved.
// Malformed content is treated as absent rather than an error: the caller
// then performs a full first-sync, which is the conservative outcome.
func (s *Store) Load() (*Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, syncErrors.NewStorageError(syncErrors.OpLoad, "metadata", err)
	}

	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		s.logger.Warn("sync metadata unreadable, treating as first sync",
			slog.String("path", s.path),
			slog.String("error", err.Error()),
		)
		return nil, nil
	}

	return &m, nil
}

// Path returns the file path this store persists to.
func (s *Store) Path() string {
	return s.path
}
