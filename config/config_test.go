package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sharedDirYAML = `
backend:
  type: shared_directory
  shared_directory:
    path: /mnt/shared/tracker.db
local_db_path: /home/user/.focustrack/tracker.db
required_tables:
  - projects
  - sprints
sync:
  election_timeout: 45s
  min_auto_sync_interval: 10m
logging:
  level: debug
  format: text
`

const cloudStoreYAML = `
backend:
  type: cloud_store
  cloud_store:
    credentials_file: /home/user/.focustrack/service-account.json
    folder_name: FocusTrack
    database_name: tracker.db
local_db_path: /home/user/.focustrack/tracker.db
`

func TestParseSharedDirectory(t *testing.T) {
	cfg, err := Parse([]byte(sharedDirYAML))
	require.NoError(t, err)

	assert.Equal(t, BackendSharedDirectory, cfg.Backend.Type)
	assert.Equal(t, "/mnt/shared/tracker.db", cfg.Backend.SharedDirectory.Path)
	assert.Equal(t, []string{"projects", "sprints"}, cfg.RequiredTables)

	opts := cfg.ManagerOptions()
	assert.Equal(t, "/home/user/.focustrack/tracker.db", opts.LocalDBPath)
	assert.Equal(t, 45*time.Second, opts.ElectionTimeout)
	assert.Equal(t, 10*time.Minute, opts.MinAutoSyncInterval)
	assert.Zero(t, opts.ManualTimeout, "unset budgets stay zero for manager defaults")
}

func TestParseCloudStore(t *testing.T) {
	cfg, err := Parse([]byte(cloudStoreYAML))
	require.NoError(t, err)

	assert.Equal(t, BackendCloudStore, cfg.Backend.Type)
	assert.Equal(t, "FocusTrack", cfg.Backend.CloudStore.FolderName)
	assert.Equal(t, "tracker.db", cfg.Backend.CloudStore.DatabaseName)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sharedDirYAML), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendSharedDirectory, cfg.Backend.Type)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing local path",
			yaml: "backend:\n  type: shared_directory\n  shared_directory:\n    path: /mnt/shared/t.db\n",
			want: "local_db_path",
		},
		{
			name: "missing backend type",
			yaml: "local_db_path: /tmp/t.db\n",
			want: "backend.type",
		},
		{
			name: "unknown backend type",
			yaml: "local_db_path: /tmp/t.db\nbackend:\n  type: carrier_pigeon\n",
			want: "unknown backend.type",
		},
		{
			name: "shared directory without path",
			yaml: "local_db_path: /tmp/t.db\nbackend:\n  type: shared_directory\n",
			want: "shared_directory.path",
		},
		{
			name: "cloud store without folder",
			yaml: "local_db_path: /tmp/t.db\nbackend:\n  type: cloud_store\n  cloud_store:\n    database_name: t.db\n",
			want: "folder_name",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestInvalidDuration(t *testing.T) {
	_, err := Parse([]byte("local_db_path: /tmp/t.db\nbackend:\n  type: shared_directory\n  shared_directory:\n    path: /mnt/t.db\nsync:\n  election_timeout: soon\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestCreateBackendSharedDirectory(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Parse([]byte("local_db_path: " + filepath.Join(dir, "cache.db") +
		"\nbackend:\n  type: shared_directory\n  shared_directory:\n    path: " +
		filepath.Join(dir, "shared.db") + "\n"))
	require.NoError(t, err)

	backend, err := cfg.CreateBackend(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "shared_directory", backend.Status(context.Background()).BackendType)
}
