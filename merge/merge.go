// Package merge replays recorded local operations onto a freshly downloaded
// authoritative database copy. Replay is last-writer-wins in recorded order:
// local operations represent work performed after the last successful sync,
// so they take precedence over the downloaded state for the rows they touch.
// No semantic conflict detection is attempted.
package merge

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/focustrack/synccore"
	"github.com/focustrack/synccore/dbfile"
	syncErrors "github.com/focustrack/synccore/errors"
	"github.com/focustrack/synccore/logging"

	_ "github.com/mattn/go-sqlite3"
)

// MergedSuffix is appended to the base path to name the merge working copy.
const MergedSuffix = ".merged"

// Replayer applies operation batches to database files.
type Replayer struct {
	logger *logging.Logger
}

var _ synccore.Merger = (*Replayer)(nil)

func NewReplayer() *Replayer {
	return &Replayer{
		logger: logging.WithComponent(logging.Component("merge")),
	}
}

// Merge replays ops onto a working copy of basePath and returns the merged
// file's path. With no operations it returns basePath unchanged: the
// downloaded authoritative copy already reflects reality.
func (r *Replayer) Merge(ctx context.Context, basePath string, ops []synccore.Operation) (string, error) {
	if len(ops) == 0 {
		r.logger.Debug("no operations to apply, keeping downloaded copy",
			slog.String("base", basePath),
		)
		return basePath, nil
	}

	workPath := basePath + MergedSuffix
	if err := dbfile.Copy(basePath, workPath); err != nil {
		return "", syncErrors.WrapOpComponent(err, syncErrors.OpMerge, "merge")
	}

	db, err := sql.Open("sqlite3", workPath)
	if err != nil {
		return "", syncErrors.WrapOpComponent(err, syncErrors.OpMerge, "merge")
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return "", syncErrors.WrapOpComponent(err, syncErrors.OpMerge, "merge")
	}

	for _, op := range ops {
		if err := r.apply(ctx, tx, op); err != nil {
			tx.Rollback()
			return "", syncErrors.WrapOpComponent(
				fmt.Errorf("operation %d (%s on %s[%d]): %w", op.ID, op.Type, op.Table, op.RecordID, err),
				syncErrors.OpMerge, "merge")
		}
	}

	if err := tx.Commit(); err != nil {
		return "", syncErrors.WrapOpComponent(err, syncErrors.OpMerge, "merge")
	}

	r.logger.Info("applied local operations to downloaded database",
		slog.Int("count", len(ops)),
		slog.String("merged", workPath),
	)
	return workPath, nil
}

func (r *Replayer) apply(ctx context.Context, tx *sql.Tx, op synccore.Operation) error {
	switch op.Type {
	case synccore.OpInsert:
		return r.applyInsert(ctx, tx, op)
	case synccore.OpUpdate:
		return r.applyUpdate(ctx, tx, op)
	case synccore.OpDelete:
		return r.applyDelete(ctx, tx, op)
	default:
		return fmt.Errorf("unknown operation type: %s", op.Type)
	}
}

// applyInsert creates the row, always letting the database assign a fresh id.
// Stripping the local id prevents collisions between ids assigned
// independently on different instances.
func (r *Replayer) applyInsert(ctx context.Context, tx *sql.Tx, op synccore.Operation) error {
	row, err := decodeRow(op.Data)
	if err != nil {
		return err
	}
	delete(row, "id")
	if len(row) == 0 {
		return fmt.Errorf("insert snapshot has no columns")
	}

	cols := sortedColumns(row)
	placeholders := make([]string, len(cols))
	args := make([]interface{}, len(cols))
	for i, col := range cols {
		placeholders[i] = "?"
		args[i] = row[col]
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		op.Table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	_, err = tx.ExecContext(ctx, query, args...)
	return err
}

// applyUpdate overwrites the addressed row's fields. A row that does not
// exist remotely is skipped: it was created and deleted entirely between
// syncs, or deleted by the previous leader.
func (r *Replayer) applyUpdate(ctx context.Context, tx *sql.Tx, op synccore.Operation) error {
	row, err := decodeRow(op.Data)
	if err != nil {
		return err
	}
	delete(row, "id")
	if len(row) == 0 {
		return nil
	}

	var exists int64
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT id FROM %s WHERE id = ?", op.Table), op.RecordID,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		r.logger.Debug("update target missing remotely, skipping",
			slog.String("table", op.Table),
			slog.Int64("record_id", op.RecordID),
		)
		return nil
	}
	if err != nil {
		return err
	}

	cols := sortedColumns(row)
	sets := make([]string, len(cols))
	args := make([]interface{}, 0, len(cols)+1)
	for i, col := range cols {
		sets[i] = col + " = ?"
		args = append(args, row[col])
	}
	args = append(args, op.RecordID)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", op.Table, strings.Join(sets, ", "))
	_, err = tx.ExecContext(ctx, query, args...)
	return err
}

func (r *Replayer) applyDelete(ctx context.Context, tx *sql.Tx, op synccore.Operation) error {
	_, err := tx.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE id = ?", op.Table), op.RecordID)
	return err
}

func decodeRow(data json.RawMessage) (map[string]interface{}, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("operation carries no row snapshot")
	}
	var row map[string]interface{}
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("decode row snapshot: %w", err)
	}
	return row, nil
}

func sortedColumns(row map[string]interface{}) []string {
	cols := make([]string, 0, len(row))
	for col := range row {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}
