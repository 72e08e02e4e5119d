// Package oplog provides the SQLite-backed operation journal: the durable,
// ordered record of local mutations made since the last successful sync.
package oplog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	stdSync "sync"
	"time"

	"github.com/focustrack/synccore"
	syncErrors "github.com/focustrack/synccore/errors"
	"github.com/focustrack/synccore/logging"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

// JournalSuffix is appended to the local cache path to derive the journal
// file location.
const JournalSuffix = ".oplog"

var ErrLogClosed = errors.New("operation log is closed")

// Log is a file-backed operation journal. A crash between "local write
// committed" and "synced" must not lose the pending change, so every entry is
// committed to its own SQLite file before Track returns.
type Log struct {
	db     *sql.DB
	mu     stdSync.RWMutex
	closed bool
	logger *logging.Logger
}

// Compile-time check that Log satisfies the core interface.
var _ synccore.OperationLog = (*Log)(nil)

// Open creates or reopens the journal at path.
func Open(path string) (*Log, error) {
	if path == "" {
		return nil, errors.New("journal path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpLoad, "oplog", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpLoad, "oplog", err)
	}

	// The journal has exactly one writer: this process.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, syncErrors.NewStorageError(syncErrors.OpLoad, "oplog", err)
	}

	l := &Log{
		db:     db,
		logger: logging.WithComponent(logging.Component("oplog")),
	}
	if err := l.setupSchema(); err != nil {
		db.Close()
		return nil, syncErrors.NewStorageError(syncErrors.OpLoad, "oplog", err)
	}

	l.logger.Debug("operation journal opened", slog.String("path", path))
	return l, nil
}

// JournalPath derives the conventional journal location from a local cache
// database path.
func JournalPath(cacheDBPath string) string {
	return cacheDBPath + JournalSuffix
}

func (l *Log) setupSchema() error {
	query := `
    CREATE TABLE IF NOT EXISTS operations (
        seq         INTEGER PRIMARY KEY AUTOINCREMENT,
        op_type     TEXT NOT NULL,
        table_name  TEXT NOT NULL,
        record_id   INTEGER NOT NULL,
        record_data TEXT,
        old_data    TEXT,
        created_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP
    );
    CREATE INDEX IF NOT EXISTS idx_operations_table ON operations (table_name);
    `
	_, err := l.db.Exec(query)
	return err
}

// Track appends an entry for an insert or update. It never propagates an
// error to the caller's hot path: a journal failure is logged and swallowed
// so business logic keeps working.
func (l *Log) Track(opType synccore.OperationType, table string, data map[string]interface{}) {
	if err := l.append(opType, table, data, nil); err != nil {
		l.logger.LogError(context.Background(), err, "failed to track operation",
			slog.String("op_type", string(opType)),
			slog.String("table", table),
		)
	}
}

// TrackDelete appends a delete entry carrying the pre-deletion snapshot.
func (l *Log) TrackDelete(table string, oldData map[string]interface{}) {
	if err := l.append(synccore.OpDelete, table, oldData, oldData); err != nil {
		l.logger.LogError(context.Background(), err, "failed to track delete",
			slog.String("table", table),
		)
	}
}

func (l *Log) append(opType synccore.OperationType, table string, data, oldData map[string]interface{}) error {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return syncErrors.NewStorageError(syncErrors.OpTrack, "oplog", ErrLogClosed)
	}
	l.mu.RUnlock()

	recordID := extractRecordID(data)

	dataJSON, err := json.Marshal(data)
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpTrack, "oplog", err)
	}

	var oldJSON []byte
	if oldData != nil {
		if oldJSON, err = json.Marshal(oldData); err != nil {
			return syncErrors.NewStorageError(syncErrors.OpTrack, "oplog", err)
		}
	}

	query := `INSERT INTO operations (op_type, table_name, record_id, record_data, old_data) VALUES (?, ?, ?, ?, ?)`
	if _, err := l.db.Exec(query, string(opType), table, recordID, string(dataJSON), nullableString(oldJSON)); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpTrack, "oplog", err)
	}

	l.logger.Debug("tracked operation",
		slog.String("op_type", string(opType)),
		slog.String("table", table),
		slog.Int64("record_id", recordID),
	)
	return nil
}

// Pending returns all recorded operations in insertion order.
func (l *Log) Pending(ctx context.Context) ([]synccore.Operation, error) {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return nil, ErrLogClosed
	}
	l.mu.RUnlock()

	query := `SELECT seq, op_type, table_name, record_id, record_data, old_data, created_at FROM operations ORDER BY seq ASC`
	rows, err := l.db.QueryContext(ctx, query)
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpLoad, "oplog", err)
	}
	defer rows.Close()

	var ops []synccore.Operation
	for rows.Next() {
		var op synccore.Operation
		var opType string
		var data, old sql.NullString
		var createdAt time.Time

		if err := rows.Scan(&op.ID, &opType, &op.Table, &op.RecordID, &data, &old, &createdAt); err != nil {
			return nil, syncErrors.NewStorageError(syncErrors.OpLoad, "oplog", err)
		}

		op.Type = synccore.OperationType(opType)
		op.Timestamp = createdAt
		if data.Valid {
			op.Data = json.RawMessage(data.String)
		}
		if old.Valid {
			op.OldData = json.RawMessage(old.String)
		}
		ops = append(ops, op)
	}

	if err := rows.Err(); err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpLoad, "oplog", err)
	}

	return ops, nil
}

// Count returns the number of pending operations.
func (l *Log) Count(ctx context.Context) (int, error) {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return 0, ErrLogClosed
	}
	l.mu.RUnlock()

	var n int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM operations`).Scan(&n); err != nil {
		return 0, syncErrors.NewStorageError(syncErrors.OpLoad, "oplog", err)
	}
	return n, nil
}

// Clear empties the journal. Called only after the pending batch has been
// durably merged into an uploaded authoritative copy.
func (l *Log) Clear(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLogClosed
	}

	res, err := l.db.ExecContext(ctx, `DELETE FROM operations`)
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpClear, "oplog", err)
	}

	if n, err := res.RowsAffected(); err == nil && n > 0 {
		l.logger.Info("cleared synced operations", slog.Int64("count", n))
	}
	return nil
}

// Close closes the journal file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.db.Close()
}

func extractRecordID(data map[string]interface{}) int64 {
	switch id := data["id"].(type) {
	case int64:
		return id
	case int:
		return int64(id)
	case float64:
		return int64(id)
	default:
		return 0
	}
}

func nullableString(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return string(b)
}
