package metadata

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "nested", FileName))

	saved := &Metadata{
		ModifiedTime: time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC),
		Size:         8192,
		Fingerprint:  "d41d8cd98f00b204e9800998ecf8427e",
	}
	require.NoError(t, store.Save(saved))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.True(t, saved.Equal(loaded))
}

func TestLoadAbsentReturnsNil(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), FileName))

	loaded, err := store.Load()
	assert.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestLoadCorruptedReturnsNil(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	loaded, err := NewStore(path).Load()
	assert.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestSaveOverwrites(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), FileName))

	require.NoError(t, store.Save(&Metadata{Size: 1}))
	require.NoError(t, store.Save(&Metadata{Size: 2, Fingerprint: "abc"}))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, int64(2), loaded.Size)
	assert.Equal(t, "abc", loaded.Fingerprint)
}

func TestEqual(t *testing.T) {
	ts := time.Now()
	a := &Metadata{ModifiedTime: ts, Size: 10, Fingerprint: "x"}
	b := &Metadata{ModifiedTime: ts, Size: 10, Fingerprint: "x"}
	c := &Metadata{ModifiedTime: ts, Size: 11, Fingerprint: "x"}

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(nil))

	var absent *Metadata
	assert.True(t, absent.Equal(nil))
}

func TestSidecarPath(t *testing.T) {
	assert.Equal(t, filepath.Join("/data", "cache", FileName), SidecarPath(filepath.Join("/data", "cache", "tracker.db")))
}
