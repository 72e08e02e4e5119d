// Package dirstore implements the coordination backend over a shared
// directory (network drive or local path shared by several instances).
// Election relies on atomic marker-file creation inside a coordination
// subdirectory; the authoritative database fingerprint is the shared file's
// (mtime, size) pair.
package dirstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/focustrack/synccore"
	"github.com/focustrack/synccore/dbfile"
	syncErrors "github.com/focustrack/synccore/errors"
	"github.com/focustrack/synccore/logging"
	"github.com/focustrack/synccore/metadata"
)

const (
	// CoordinationDirName holds the election markers, beside the shared DB.
	CoordinationDirName = ".sync-coordination"

	leaderPrefix = "leader_"
	intentPrefix = "intent_"
	markerSuffix = ".json"

	// pollInterval paces the election loop. Sub-second per the concurrency
	// contract: blocked callers must notice a released leadership quickly.
	pollInterval = 250 * time.Millisecond

	// backupMaxAge bounds how long timestamped copies of the previous
	// shared database are kept.
	backupMaxAge = 24 * time.Hour
)

// marker is the JSON body of an intent or leader file.
type marker struct {
	InstanceID string    `json:"instance_id"`
	Operation  string    `json:"operation"`
	Timestamp  time.Time `json:"timestamp"`
	PID        int       `json:"pid"`
}

// Store is a shared-directory coordination backend. Each instance creates its
// own Store; all cross-instance state lives in the filesystem.
type Store struct {
	sharedDBPath string
	coordDir     string
	identity     string
	logger       *logging.Logger

	// mu guards isLeader; Status may be polled while a cycle runs.
	mu       sync.Mutex
	isLeader bool
}

var _ synccore.Backend = (*Store)(nil)

// New creates a backend coordinating through the directory containing
// sharedDBPath. Missing parent directories are created.
func New(sharedDBPath string) (*Store, error) {
	abs, err := filepath.Abs(sharedDBPath)
	if err != nil {
		return nil, err
	}

	coordDir := filepath.Join(filepath.Dir(abs), CoordinationDirName)
	if err := os.MkdirAll(coordDir, 0o755); err != nil {
		return nil, syncErrors.NewUnavailableError(syncErrors.OpSync, "dirstore", err)
	}

	s := &Store{
		sharedDBPath: abs,
		coordDir:     coordDir,
		identity:     synccore.NewIdentity(),
		logger:       logging.WithComponent(logging.Component("dirstore")),
	}

	s.logger.Debug("shared-directory backend initialized",
		slog.String("shared_db", s.sharedDBPath),
		slog.String("coordination_dir", s.coordDir),
		slog.String("instance_id", s.identity),
	)
	return s, nil
}

func (s *Store) Identity() string { return s.identity }

// IsAvailable verifies the coordination directory is reachable and writable.
func (s *Store) IsAvailable(ctx context.Context) bool {
	if err := os.MkdirAll(s.coordDir, 0o755); err != nil {
		s.logger.Debug("coordination directory unavailable", slog.String("error", err.Error()))
		return false
	}

	probe := filepath.Join(s.coordDir, "probe_"+s.identity)
	if err := os.WriteFile(probe, []byte("probe"), 0o644); err != nil {
		s.logger.Debug("coordination directory not writable", slog.String("error", err.Error()))
		return false
	}
	os.Remove(probe)
	return true
}

func (s *Store) intentPath() string {
	return filepath.Join(s.coordDir, intentPrefix+s.identity+markerSuffix)
}

func (s *Store) leaderPath() string {
	return filepath.Join(s.coordDir, leaderPrefix+s.identity+markerSuffix)
}

// RegisterSyncIntent atomically publishes this instance's intent marker.
func (s *Store) RegisterSyncIntent(ctx context.Context) error {
	body, err := json.MarshalIndent(marker{
		InstanceID: s.identity,
		Operation:  "database_sync",
		Timestamp:  time.Now(),
		PID:        os.Getpid(),
	}, "", "  ")
	if err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpSync, "dirstore")
	}

	tmp := s.intentPath() + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return syncErrors.NewUnavailableError(syncErrors.OpSync, "dirstore", err)
	}
	if err := os.Rename(tmp, s.intentPath()); err != nil {
		os.Remove(tmp)
		return syncErrors.NewUnavailableError(syncErrors.OpSync, "dirstore", err)
	}

	s.logger.Debug("registered sync intent")
	return nil
}

// AttemptLeaderElection polls until this identity claims leadership or the
// timeout elapses. The deadline is monotonic; ctx cancellation aborts early.
func (s *Store) AttemptLeaderElection(ctx context.Context, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		won, err := s.tryClaim()
		if err != nil {
			return false, err
		}
		if won {
			s.setLeader(true)
			s.logger.Info("became sync leader", slog.String("instance_id", s.identity))
			return true, nil
		}

		if time.Now().After(deadline) {
			s.logger.Debug("leader election timeout", slog.Duration("timeout", timeout))
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// tryClaim makes one election attempt. The claim itself is an atomic
// O_EXCL file creation; the re-listing afterwards resolves the window
// between checking for competitors and creating our own marker: if several
// instances claimed simultaneously, the earliest marker wins and the rest
// withdraw.
func (s *Store) tryClaim() (bool, error) {
	leaders, err := s.listMarkers(leaderPrefix)
	if err != nil {
		return false, syncErrors.NewUnavailableError(syncErrors.OpElect, "dirstore", err)
	}
	if len(leaders) > 0 {
		return false, nil
	}

	body, err := json.MarshalIndent(marker{
		InstanceID: s.identity,
		Operation:  "database_sync",
		Timestamp:  time.Now(),
		PID:        os.Getpid(),
	}, "", "  ")
	if err != nil {
		return false, err
	}

	f, err := os.OpenFile(s.leaderPath(), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, syncErrors.NewUnavailableError(syncErrors.OpElect, "dirstore", err)
	}
	_, werr := f.Write(body)
	cerr := f.Close()
	if werr != nil || cerr != nil {
		os.Remove(s.leaderPath())
		return false, syncErrors.NewUnavailableError(syncErrors.OpElect, "dirstore", fmt.Errorf("write leader marker: %v %v", werr, cerr))
	}

	winner, err := s.electionWinner()
	if err != nil {
		os.Remove(s.leaderPath())
		return false, syncErrors.NewUnavailableError(syncErrors.OpElect, "dirstore", err)
	}
	if winner != s.identity {
		os.Remove(s.leaderPath())
		s.logger.Debug("lost election race", slog.String("winner", winner))
		return false, nil
	}
	return true, nil
}

// electionWinner returns the identity of the earliest leader marker,
// breaking modification-time ties by name so every instance agrees.
func (s *Store) electionWinner() (string, error) {
	leaders, err := s.listMarkers(leaderPrefix)
	if err != nil {
		return "", err
	}
	if len(leaders) == 0 {
		return "", fmt.Errorf("no leader markers present after claim")
	}

	sort.Slice(leaders, func(i, j int) bool {
		mi, mj := leaders[i].modTime, leaders[j].modTime
		if mi.Equal(mj) {
			return leaders[i].name < leaders[j].name
		}
		return mi.Before(mj)
	})

	return identityFromMarker(leaders[0].name, leaderPrefix), nil
}

// ReleaseLeadership removes this identity's leader and intent markers.
// Idempotent; failures are logged, never returned, so a cycle can always
// finish unwinding.
func (s *Store) ReleaseLeadership(ctx context.Context) {
	for _, path := range []string{s.intentPath(), s.leaderPath()} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove coordination marker",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		}
	}
	if s.setLeader(false) {
		s.logger.Info("released sync leadership")
	}
}

// setLeader swaps the leadership flag and returns the previous value.
func (s *Store) setLeader(v bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.isLeader
	s.isLeader = v
	return prev
}

func (s *Store) leading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isLeader
}

// DownloadDatabase copies the shared database into localPath. A missing
// shared copy is the first-ever sync and succeeds as a no-op.
func (s *Store) DownloadDatabase(ctx context.Context, localPath string) error {
	info, err := os.Stat(s.sharedDBPath)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Debug("no shared database found, nothing to download")
			return nil
		}
		return syncErrors.NewTransferError(syncErrors.OpDownload, "dirstore", err)
	}

	if err := dbfile.Copy(s.sharedDBPath, localPath); err != nil {
		return syncErrors.NewTransferError(syncErrors.OpDownload, "dirstore", err)
	}

	local, err := os.Stat(localPath)
	if err != nil || local.Size() != info.Size() {
		return syncErrors.NewTransferError(syncErrors.OpDownload, "dirstore",
			fmt.Errorf("size mismatch after download: %s", localPath))
	}

	s.logger.Info("database downloaded", slog.Int64("size_bytes", info.Size()))
	return nil
}

// UploadDatabase publishes localPath as the shared database. The previous
// shared copy is kept as a timestamped backup, and the new copy lands via
// temp file + rename so readers never observe a partial write.
func (s *Store) UploadDatabase(ctx context.Context, localPath string) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return syncErrors.NewTransferError(syncErrors.OpUpload, "dirstore", err)
	}

	if _, err := os.Stat(s.sharedDBPath); err == nil {
		backup := fmt.Sprintf("%s.backup_%d", s.sharedDBPath, time.Now().Unix())
		if err := dbfile.Copy(s.sharedDBPath, backup); err != nil {
			s.logger.Warn("failed to back up previous shared database",
				slog.String("error", err.Error()),
			)
		}
	}

	tmp := fmt.Sprintf("%s.upload-%s", s.sharedDBPath, s.identity)
	if err := dbfile.Copy(localPath, tmp); err != nil {
		return syncErrors.NewTransferError(syncErrors.OpUpload, "dirstore", err)
	}
	if err := os.Rename(tmp, s.sharedDBPath); err != nil {
		os.Remove(tmp)
		return syncErrors.NewTransferError(syncErrors.OpUpload, "dirstore", err)
	}

	s.logger.Info("database uploaded", slog.Int64("size_bytes", info.Size()))
	return nil
}

// HasDatabaseChanged compares the shared file's (mtime, size) fingerprint
// against the last observation.
func (s *Store) HasDatabaseChanged(ctx context.Context, last *metadata.Metadata) (bool, *metadata.Metadata, error) {
	info, err := os.Stat(s.sharedDBPath)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil, nil
		}
		return false, nil, syncErrors.NewUnavailableError(syncErrors.OpSync, "dirstore", err)
	}

	current := &metadata.Metadata{
		ModifiedTime: info.ModTime(),
		Size:         info.Size(),
	}

	if last == nil {
		return true, current, nil
	}
	if !current.Equal(last) {
		s.logger.Debug("shared database changed",
			slog.Time("modified_time", current.ModifiedTime),
			slog.Int64("size", current.Size),
		)
		return true, current, nil
	}
	return false, current, nil
}

// CleanupStaleMarkers prunes coordination markers left by crashed instances
// and expired database backups. Best effort; every failure is logged and
// skipped.
func (s *Store) CleanupStaleMarkers(ctx context.Context, maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)

	for _, prefix := range []string{intentPrefix, leaderPrefix} {
		markers, err := s.listMarkers(prefix)
		if err != nil {
			s.logger.Warn("marker listing failed during cleanup", slog.String("error", err.Error()))
			continue
		}
		for _, m := range markers {
			if identityFromMarker(m.name, prefix) == s.identity {
				continue
			}
			if m.modTime.Before(cutoff) {
				if err := os.Remove(filepath.Join(s.coordDir, m.name)); err != nil && !os.IsNotExist(err) {
					s.logger.Warn("failed to remove stale marker",
						slog.String("marker", m.name),
						slog.String("error", err.Error()),
					)
					continue
				}
				s.logger.Debug("removed stale marker", slog.String("marker", m.name))
			}
		}
	}

	s.pruneBackups()
}

func (s *Store) pruneBackups() {
	pattern := s.sharedDBPath + ".backup_*"
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-backupMaxAge)
	for _, backup := range matches {
		info, err := os.Stat(backup)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(backup); err == nil {
				s.logger.Debug("removed expired backup", slog.String("backup", filepath.Base(backup)))
			}
		}
	}
}

// Status reports the coordination snapshot for diagnostics.
func (s *Store) Status(ctx context.Context) *synccore.BackendStatus {
	status := &synccore.BackendStatus{
		BackendType: "shared_directory",
		Identity:    s.identity,
		IsLeader:    s.leading(),
	}

	if leaders, err := s.listMarkers(leaderPrefix); err == nil && len(leaders) > 0 {
		status.CurrentLeader = identityFromMarker(leaders[0].name, leaderPrefix)
	} else if err != nil {
		status.Err = err.Error()
	}

	if intents, err := s.listMarkers(intentPrefix); err == nil {
		status.ActiveIntents = len(intents)
	}

	if info, err := os.Stat(s.sharedDBPath); err == nil {
		status.RemoteDB = &synccore.RemoteDBStatus{
			Exists:       true,
			SizeBytes:    info.Size(),
			ModifiedTime: info.ModTime(),
		}
	} else {
		status.RemoteDB = &synccore.RemoteDBStatus{Exists: false}
	}

	return status
}

type markerFile struct {
	name    string
	modTime time.Time
}

func (s *Store) listMarkers(prefix string) ([]markerFile, error) {
	entries, err := os.ReadDir(s.coordDir)
	if err != nil {
		return nil, err
	}

	var markers []markerFile
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, markerSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		markers = append(markers, markerFile{name: name, modTime: info.ModTime()})
	}
	return markers, nil
}

func identityFromMarker(name, prefix string) string {
	return strings.TrimSuffix(strings.TrimPrefix(name, prefix), markerSuffix)
}
