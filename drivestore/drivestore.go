// Package drivestore implements the coordination backend over a Google Drive
// folder. Election markers and the authoritative database are plain objects;
// because the store offers no atomic create, racing leaders can publish
// duplicate same-named databases, which downloads resolve by recency and
// best-effort pruning.
package drivestore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"github.com/focustrack/synccore"
	"github.com/focustrack/synccore/dbfile"
	syncErrors "github.com/focustrack/synccore/errors"
	"github.com/focustrack/synccore/logging"
	"github.com/focustrack/synccore/metadata"
)

const (
	leaderPrefix = "leader_"
	intentPrefix = "intent_"
	markerSuffix = ".json"

	// tempUploadMarker names partial upload artifacts: "<db>.upload-<id>".
	tempUploadMarker = ".upload-"

	folderMimeType = "application/vnd.google-apps.folder"

	// pollInterval paces the election loop.
	pollInterval = 500 * time.Millisecond

	// staleLeaderAge is how old a leader marker must be before a competing
	// instance may preempt it. A healthy cycle finishes well within this.
	staleLeaderAge = 5 * time.Minute
)

// Store is a Google Drive coordination backend scoped to one folder.
type Store struct {
	service    *drive.Service
	folderName string
	folderID   string
	dbName     string
	identity   string
	logger     *logging.Logger

	// mu guards isLeader; Status may be polled while a cycle runs.
	mu       sync.Mutex
	isLeader bool
}

var _ synccore.Backend = (*Store)(nil)

// New builds a backend for the named database object inside folderName.
// Client options typically carry credentials (option.WithCredentialsFile);
// tests inject option.WithEndpoint against a fake server.
func New(ctx context.Context, dbName, folderName string, opts ...option.ClientOption) (*Store, error) {
	service, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, syncErrors.NewUnavailableError(syncErrors.OpSync, "drivestore", err)
	}

	s := &Store{
		service:    service,
		folderName: folderName,
		dbName:     dbName,
		identity:   synccore.NewIdentity(),
		logger:     logging.WithComponent(logging.Component("drivestore")),
	}

	s.logger.Debug("cloud-store backend initialized",
		slog.String("folder", folderName),
		slog.String("database", dbName),
		slog.String("instance_id", s.identity),
	)
	return s, nil
}

func (s *Store) Identity() string { return s.identity }

// IsAvailable authenticates and resolves (or creates) the coordination folder.
func (s *Store) IsAvailable(ctx context.Context) bool {
	if err := s.ensureFolder(ctx); err != nil {
		s.logger.Debug("cloud store unavailable", slog.String("error", err.Error()))
		return false
	}
	return true
}

func (s *Store) ensureFolder(ctx context.Context) error {
	if s.folderID != "" {
		return nil
	}

	query := fmt.Sprintf("name = '%s' and mimeType = '%s' and trashed = false",
		escapeQuery(s.folderName), folderMimeType)
	result, err := s.service.Files.List().
		Context(ctx).
		Q(query).
		Fields("files(id)").
		PageSize(1).
		Do()
	if err != nil {
		return err
	}
	if len(result.Files) > 0 {
		s.folderID = result.Files[0].Id
		return nil
	}

	created, err := s.service.Files.Create(&drive.File{
		Name:     s.folderName,
		MimeType: folderMimeType,
	}).Context(ctx).Fields("id").Do()
	if err != nil {
		return err
	}
	s.folderID = created.Id
	s.logger.Info("created coordination folder", slog.String("folder", s.folderName))
	return nil
}

func (s *Store) intentName() string { return intentPrefix + s.identity + markerSuffix }
func (s *Store) leaderName() string { return leaderPrefix + s.identity + markerSuffix }

// RegisterSyncIntent publishes this instance's intent marker object.
func (s *Store) RegisterSyncIntent(ctx context.Context) error {
	if err := s.ensureFolder(ctx); err != nil {
		return syncErrors.NewUnavailableError(syncErrors.OpSync, "drivestore", err)
	}

	body := fmt.Sprintf(`{"instance_id":%q,"operation":"database_sync","timestamp":%q,"pid":%d}`,
		s.identity, time.Now().Format(time.RFC3339), os.Getpid())

	if err := s.createObject(ctx, s.intentName(), strings.NewReader(body)); err != nil {
		return syncErrors.NewUnavailableError(syncErrors.OpSync, "drivestore", err)
	}
	s.logger.Debug("registered sync intent")
	return nil
}

// AttemptLeaderElection polls the marker listing until this identity wins or
// the timeout elapses. Because object creation is not exclusive, a claim is
// confirmed by re-listing after a grace interval: the earliest created marker
// wins and losers withdraw their own. Leader markers older than the stale
// age are preempted.
func (s *Store) AttemptLeaderElection(ctx context.Context, timeout time.Duration) (bool, error) {
	if err := s.ensureFolder(ctx); err != nil {
		return false, syncErrors.NewUnavailableError(syncErrors.OpElect, "drivestore", err)
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		won, err := s.tryClaim(ctx)
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

func (s *Store) tryClaim(ctx context.Context) (bool, error) {
	leaders, err := s.listByPrefix(ctx, leaderPrefix)
	if err != nil {
		return false, syncErrors.NewUnavailableError(syncErrors.OpElect, "drivestore", err)
	}

	// Preempt markers from crashed leaders.
	live := leaders[:0]
	for _, f := range leaders {
		if objectAge(f) > staleLeaderAge {
			s.logger.Warn("removing stale leader marker", slog.String("marker", f.Name))
			s.deleteObject(ctx, f)
			continue
		}
		live = append(live, f)
	}
	if len(live) > 0 {
		return false, nil
	}

	body := fmt.Sprintf(`{"instance_id":%q,"elected_at":%q,"pid":%d}`,
		s.identity, time.Now().Format(time.RFC3339), os.Getpid())
	if err := s.createObject(ctx, s.leaderName(), strings.NewReader(body)); err != nil {
		return false, syncErrors.NewUnavailableError(syncErrors.OpElect, "drivestore", err)
	}

	// Grace interval so simultaneous claimants become visible.
	select {
	case <-ctx.Done():
		s.removeOwnMarker(ctx, s.leaderName())
		return false, ctx.Err()
	case <-time.After(pollInterval):
	}

	current, err := s.listByPrefix(ctx, leaderPrefix)
	if err != nil {
		s.removeOwnMarker(ctx, s.leaderName())
		return false, syncErrors.NewUnavailableError(syncErrors.OpElect, "drivestore", err)
	}
	if len(current) == 0 {
		return false, nil
	}

	sort.Slice(current, func(i, j int) bool {
		if current[i].CreatedTime == current[j].CreatedTime {
			return current[i].Name < current[j].Name
		}
		return current[i].CreatedTime < current[j].CreatedTime
	})

	if current[0].Name != s.leaderName() {
		s.removeOwnMarker(ctx, s.leaderName())
		s.logger.Debug("lost election race", slog.String("winner", current[0].Name))
		return false, nil
	}
	return true, nil
}

// ReleaseLeadership removes this identity's markers. Idempotent; failures
// are logged, never returned.
func (s *Store) ReleaseLeadership(ctx context.Context) {
	s.removeOwnMarker(ctx, s.intentName())
	s.removeOwnMarker(ctx, s.leaderName())
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

func (s *Store) removeOwnMarker(ctx context.Context, name string) {
	files, err := s.listByName(ctx, name)
	if err != nil {
		s.logger.Warn("marker listing failed during release",
			slog.String("marker", name),
			slog.String("error", err.Error()),
		)
		return
	}
	for _, f := range files {
		s.deleteObject(ctx, f)
	}
}

// DownloadDatabase fetches the authoritative copy into localPath. When racing
// writers have produced several same-named objects, the most recently
// modified one is authoritative; the rest are pruned best-effort and a
// pruning failure never blocks the download.
func (s *Store) DownloadDatabase(ctx context.Context, localPath string) error {
	if err := s.ensureFolder(ctx); err != nil {
		return syncErrors.NewTransferError(syncErrors.OpDownload, "drivestore", err)
	}

	files, err := s.listByName(ctx, s.dbName)
	if err != nil {
		return syncErrors.NewTransferError(syncErrors.OpDownload, "drivestore", err)
	}
	if len(files) == 0 {
		s.logger.Debug("no remote database found, nothing to download")
		return nil
	}

	selected := s.selectAuthoritative(ctx, files)

	resp, err := s.service.Files.Get(selected.Id).Context(ctx).Download()
	if err != nil {
		return syncErrors.NewTransferError(syncErrors.OpDownload, "drivestore", err)
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return syncErrors.NewTransferError(syncErrors.OpDownload, "drivestore", err)
	}
	out, err := os.Create(localPath)
	if err != nil {
		return syncErrors.NewTransferError(syncErrors.OpDownload, "drivestore", err)
	}
	n, err := io.Copy(out, resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(localPath)
		return syncErrors.NewTransferError(syncErrors.OpDownload, "drivestore", err)
	}

	// The store reports the object's checksum in listings; a mismatch means
	// the transfer was truncated or the object changed mid-download.
	if selected.Md5Checksum != "" {
		sum, err := dbfile.MD5(localPath)
		if err != nil {
			os.Remove(localPath)
			return syncErrors.NewTransferError(syncErrors.OpDownload, "drivestore", err)
		}
		if sum != selected.Md5Checksum {
			os.Remove(localPath)
			return syncErrors.NewTransferError(syncErrors.OpDownload, "drivestore",
				fmt.Errorf("checksum mismatch after download: got %s, expected %s", sum, selected.Md5Checksum))
		}
	}

	s.logger.Info("database downloaded",
		slog.String("file_id", selected.Id),
		slog.Int64("size_bytes", n),
	)
	return nil
}

// selectAuthoritative picks the newest of several same-named database
// objects and best-effort deletes the losers.
func (s *Store) selectAuthoritative(ctx context.Context, files []*drive.File) *drive.File {
	if len(files) == 1 {
		return files[0]
	}

	s.logger.Warn("duplicate authoritative databases found",
		slog.Int("count", len(files)),
	)

	sort.Slice(files, func(i, j int) bool {
		return files[i].ModifiedTime > files[j].ModifiedTime
	})
	selected := files[0]

	for _, duplicate := range files[1:] {
		s.deleteObject(ctx, duplicate)
	}

	s.logger.Info("selected most recent database copy",
		slog.String("file_id", selected.Id),
		slog.String("modified_time", selected.ModifiedTime),
	)
	return selected
}

// UploadDatabase publishes localPath as the authoritative object. Orphaned
// temp artifacts from previously failed uploads are deleted first.
func (s *Store) UploadDatabase(ctx context.Context, localPath string) error {
	if err := s.ensureFolder(ctx); err != nil {
		return syncErrors.NewTransferError(syncErrors.OpUpload, "drivestore", err)
	}

	info, err := os.Stat(localPath)
	if err != nil {
		return syncErrors.NewTransferError(syncErrors.OpUpload, "drivestore", err)
	}

	orphans, err := s.listByPrefix(ctx, s.dbName+tempUploadMarker)
	if err == nil && len(orphans) > 0 {
		s.logger.Warn("cleaning up abandoned upload artifacts", slog.Int("count", len(orphans)))
		for _, orphan := range orphans {
			s.deleteObject(ctx, orphan)
		}
	}

	f, err := os.Open(localPath)
	if err != nil {
		return syncErrors.NewTransferError(syncErrors.OpUpload, "drivestore", err)
	}
	defer f.Close()

	existing, err := s.listByName(ctx, s.dbName)
	if err != nil {
		return syncErrors.NewTransferError(syncErrors.OpUpload, "drivestore", err)
	}

	if len(existing) > 0 {
		_, err = s.service.Files.Update(existing[0].Id, &drive.File{}).
			Context(ctx).
			Media(f).
			Fields("id,md5Checksum").
			Do()
	} else {
		_, err = s.service.Files.Create(&drive.File{
			Name:    s.dbName,
			Parents: []string{s.folderID},
		}).
			Context(ctx).
			Media(f).
			Fields("id,md5Checksum").
			Do()
	}
	if err != nil {
		return syncErrors.NewTransferError(syncErrors.OpUpload, "drivestore", err)
	}

	s.logger.Info("database uploaded", slog.Int64("size_bytes", info.Size()))
	return nil
}

// HasDatabaseChanged compares the remote object's (modifiedTime, size,
// md5Checksum) fingerprint against the last observation.
func (s *Store) HasDatabaseChanged(ctx context.Context, last *metadata.Metadata) (bool, *metadata.Metadata, error) {
	if err := s.ensureFolder(ctx); err != nil {
		return false, nil, syncErrors.NewUnavailableError(syncErrors.OpSync, "drivestore", err)
	}

	files, err := s.listByName(ctx, s.dbName)
	if err != nil {
		return false, nil, syncErrors.NewUnavailableError(syncErrors.OpSync, "drivestore", err)
	}
	if len(files) == 0 {
		return true, nil, nil
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].ModifiedTime > files[j].ModifiedTime
	})
	newest := files[0]

	current := &metadata.Metadata{
		ModifiedTime: parseTime(newest.ModifiedTime),
		Size:         newest.Size,
		Fingerprint:  fingerprintOf(newest),
	}

	if last == nil {
		return true, current, nil
	}
	if !current.Equal(last) {
		s.logger.Debug("remote database changed",
			slog.Time("modified_time", current.ModifiedTime),
			slog.Int64("size", current.Size),
		)
		return true, current, nil
	}
	return false, current, nil
}

// CleanupStaleMarkers prunes coordination markers and temp upload artifacts
// older than maxAge. Best effort.
func (s *Store) CleanupStaleMarkers(ctx context.Context, maxAge time.Duration) {
	if err := s.ensureFolder(ctx); err != nil {
		s.logger.Warn("cleanup skipped, cloud store unavailable", slog.String("error", err.Error()))
		return
	}

	for _, prefix := range []string{intentPrefix, leaderPrefix, s.dbName + tempUploadMarker} {
		files, err := s.listByPrefix(ctx, prefix)
		if err != nil {
			s.logger.Warn("listing failed during cleanup",
				slog.String("prefix", prefix),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, f := range files {
			if f.Name == s.intentName() || f.Name == s.leaderName() {
				continue
			}
			if objectAge(f) > maxAge {
				s.deleteObject(ctx, f)
				s.logger.Debug("removed stale object", slog.String("name", f.Name))
			}
		}
	}
}

// Status reports the coordination snapshot for diagnostics.
func (s *Store) Status(ctx context.Context) *synccore.BackendStatus {
	status := &synccore.BackendStatus{
		BackendType: "cloud_store",
		Identity:    s.identity,
		IsLeader:    s.leading(),
	}

	if err := s.ensureFolder(ctx); err != nil {
		status.Err = err.Error()
		return status
	}

	if leaders, err := s.listByPrefix(ctx, leaderPrefix); err == nil && len(leaders) > 0 {
		status.CurrentLeader = markerIdentity(leaders[0].Name, leaderPrefix)
	}
	if intents, err := s.listByPrefix(ctx, intentPrefix); err == nil {
		status.ActiveIntents = len(intents)
	}

	files, err := s.listByName(ctx, s.dbName)
	switch {
	case err != nil:
		status.Err = err.Error()
	case len(files) == 0:
		status.RemoteDB = &synccore.RemoteDBStatus{Exists: false}
	default:
		sort.Slice(files, func(i, j int) bool {
			return files[i].ModifiedTime > files[j].ModifiedTime
		})
		status.RemoteDB = &synccore.RemoteDBStatus{
			Exists:       true,
			SizeBytes:    files[0].Size,
			ModifiedTime: parseTime(files[0].ModifiedTime),
			FileID:       files[0].Id,
			Duplicates:   len(files),
		}
	}

	return status
}

const listFields = "files(id,name,size,mimeType,modifiedTime,createdTime,md5Checksum)"

func (s *Store) listByName(ctx context.Context, name string) ([]*drive.File, error) {
	query := fmt.Sprintf("'%s' in parents and name = '%s' and trashed = false",
		s.folderID, escapeQuery(name))
	result, err := s.service.Files.List().
		Context(ctx).
		Q(query).
		Fields(listFields).
		Do()
	if err != nil {
		return nil, err
	}
	return result.Files, nil
}

// listByPrefix lists folder objects whose name starts with prefix. The Drive
// query language only offers substring matching, so the prefix is enforced
// client-side.
func (s *Store) listByPrefix(ctx context.Context, prefix string) ([]*drive.File, error) {
	query := fmt.Sprintf("'%s' in parents and name contains '%s' and trashed = false",
		s.folderID, escapeQuery(prefix))
	result, err := s.service.Files.List().
		Context(ctx).
		Q(query).
		Fields(listFields).
		Do()
	if err != nil {
		return nil, err
	}

	matched := result.Files[:0]
	for _, f := range result.Files {
		if strings.HasPrefix(f.Name, prefix) {
			matched = append(matched, f)
		}
	}
	return matched, nil
}

func (s *Store) createObject(ctx context.Context, name string, body io.Reader) error {
	_, err := s.service.Files.Create(&drive.File{
		Name:    name,
		Parents: []string{s.folderID},
	}).
		Context(ctx).
		Media(body).
		Fields("id").
		Do()
	return err
}

// deleteObject removes an object, logging failures without propagating them:
// duplicate and marker pruning is best effort by design of the recency
// policy.
func (s *Store) deleteObject(ctx context.Context, f *drive.File) {
	if err := s.service.Files.Delete(f.Id).Context(ctx).Do(); err != nil {
		s.logger.Warn("failed to delete object",
			slog.String("name", f.Name),
			slog.String("file_id", f.Id),
			slog.String("error", err.Error()),
		)
	}
}

func objectAge(f *drive.File) time.Duration {
	created := parseTime(f.CreatedTime)
	if created.IsZero() {
		return 0
	}
	return time.Since(created)
}

func parseTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

func fingerprintOf(f *drive.File) string {
	if f.Md5Checksum != "" {
		return f.Md5Checksum
	}
	return f.Id
}

func markerIdentity(name, prefix string) string {
	return strings.TrimSuffix(strings.TrimPrefix(name, prefix), markerSuffix)
}

func escapeQuery(s string) string {
	q := strings.ReplaceAll(s, "\\", "\\\\")
	return strings.ReplaceAll(q, "'", "\\'")
}
