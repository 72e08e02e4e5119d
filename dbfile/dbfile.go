// Package dbfile holds helpers for working with SQLite database files as
// opaque artifacts: schema validation, copying and fingerprinting.
package dbfile

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// State is the tri-state outcome of validating a database file. Callers
// branch on it explicitly instead of catching errors for expected conditions.
type State int

const (
	// StateAbsent means the file does not exist (first-ever sync, or the
	// authoritative copy has never been published).
	StateAbsent State = iota

	// StateInvalid means the file exists but is not a database exposing the
	// required tables (corrupted or foreign content).
	StateInvalid

	// StateValid means the file opens and exposes every required table.
	StateValid
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateInvalid:
		return "invalid"
	case StateValid:
		return "valid"
	default:
		return "unknown"
	}
}

// Validate checks that path is a readable SQLite database exposing every
// table in requiredTables. The returned error carries the reason only when
// the state is StateInvalid.
func Validate(ctx context.Context, path string, requiredTables []string) (State, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return StateAbsent, nil
		}
		return StateInvalid, err
	}
	if info.Size() == 0 {
		return StateInvalid, fmt.Errorf("database file is empty: %s", path)
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return StateInvalid, err
	}
	defer db.Close()

	// sql.Open is lazy: without this probe a non-database file would pass
	// whenever requiredTables is empty.
	var objects int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master`).Scan(&objects); err != nil {
		return StateInvalid, fmt.Errorf("not a database: %w", err)
	}

	for _, table := range requiredTables {
		var name string
		err := db.QueryRowContext(ctx,
			`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table,
		).Scan(&name)
		if err == sql.ErrNoRows {
			return StateInvalid, fmt.Errorf("required table missing: %s", table)
		}
		if err != nil {
			return StateInvalid, fmt.Errorf("schema check failed: %w", err)
		}
	}

	return StateValid, nil
}

// Copy duplicates src to dst, creating missing parent directories and
// preserving the source modification time so (mtime, size) fingerprints
// survive the copy.
func Copy(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}

// MD5 computes the hex MD5 checksum of a file, matching the checksum the
// cloud store reports for uploaded objects.
func MD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
