// sqlexport.go implements the SQL export side of the persistence façade
// (spec.md §6): a denormalized, queryable mirror of the task ledger, kept in
// its own database file, written through UpsertTask (no pipeline stage calls
// it) and read back per crate by the report command through TasksForCrate,
// grounded on original_source/criner/src/export/to_sql/task.rs's schema and
// on AKJUS-bsc-erigon's direct use of modernc.org/sqlite as a pure-Go,
// CGO-free driver.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/Sumatoshi-tech/crateminer/internal/errkind"
	"github.com/Sumatoshi-tech/crateminer/internal/model"
)

// SQLExport is a connection to the sqlite mirror of the task ledger.
type SQLExport struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	crate_name TEXT NOT NULL,
	crate_version TEXT NOT NULL,
	process TEXT NOT NULL,
	version TEXT NOT NULL,
	stored_at TEXT NOT NULL,
	state TEXT NOT NULL,
	PRIMARY KEY (crate_name, crate_version, process, version)
);

CREATE TABLE IF NOT EXISTS task_errors (
	crate_name TEXT NOT NULL,
	crate_version TEXT NOT NULL,
	process TEXT NOT NULL,
	version TEXT NOT NULL,
	attempt INTEGER NOT NULL,
	error TEXT NOT NULL,
	PRIMARY KEY (crate_name, crate_version, process, version, attempt)
);

CREATE INDEX IF NOT EXISTS tasks_crate_idx ON tasks (crate_name, crate_version);
`

// OpenSQLExport opens (creating and migrating if absent) the sqlite file at
// filepath.Join(dataDir, "export.db").
func OpenSQLExport(dataDir string) (*SQLExport, error) {
	dsn := filepath.Join(dataDir, "export.db")

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errkind.New(errkind.Persistence, fmt.Errorf("open sqlite export: %w", err))
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()

		return nil, errkind.New(errkind.Persistence, fmt.Errorf("migrate sqlite export: %w", err))
	}

	return &SQLExport{db: db}, nil
}

// Close closes the underlying connection.
func (e *SQLExport) Close() error {
	return e.db.Close()
}

// UpsertTask writes (or replaces) one task's row and its error rows. A task
// contributes error rows only while InProgress (promoted from a prior
// failure) or AttemptsWithFailure, mirroring to_sql/task.rs: a Complete or
// NotStarted task has none.
func (e *SQLExport) UpsertTask(ctx context.Context, crateName, crateVersion string, t model.Task) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return errkind.New(errkind.Persistence, err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`REPLACE INTO tasks (crate_name, crate_version, process, version, stored_at, state)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		crateName, crateVersion, t.Process, t.Version, t.StoredAt.UTC().Format("2006-01-02T15:04:05.999999999Z"), t.State.Phase.String())
	if err != nil {
		return errkind.New(errkind.Persistence, fmt.Errorf("upsert task row: %w", err))
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM task_errors WHERE crate_name = ? AND crate_version = ? AND process = ? AND version = ?`,
		crateName, crateVersion, t.Process, t.Version)
	if err != nil {
		return errkind.New(errkind.Persistence, fmt.Errorf("clear task errors: %w", err))
	}

	if t.State.Phase == model.InProgress || t.State.Phase == model.AttemptsWithFailure {
		for i, msg := range t.State.Errors {
			_, err = tx.ExecContext(ctx,
				`REPLACE INTO task_errors (crate_name, crate_version, process, version, attempt, error)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				crateName, crateVersion, t.Process, t.Version, i, msg)
			if err != nil {
				return errkind.New(errkind.Persistence, fmt.Errorf("upsert task error row: %w", err))
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return errkind.New(errkind.Persistence, err)
	}

	return nil
}

// TaskRow is one denormalized row read back from the export for reporting.
type TaskRow struct {
	CrateName    string
	CrateVersion string
	Process      string
	Version      string
	StoredAt     string
	State        string
	Errors       []string
}

// TasksForCrate returns every task row recorded for crateName, ordered by
// crate_version, process, version.
func (e *SQLExport) TasksForCrate(ctx context.Context, crateName string) ([]TaskRow, error) {
	rows, err := e.db.QueryContext(ctx,
		`SELECT crate_name, crate_version, process, version, stored_at, state
		 FROM tasks WHERE crate_name = ? ORDER BY crate_version, process, version`, crateName)
	if err != nil {
		return nil, errkind.New(errkind.Persistence, err)
	}
	defer rows.Close()

	var out []TaskRow

	for rows.Next() {
		var r TaskRow
		if err := rows.Scan(&r.CrateName, &r.CrateVersion, &r.Process, &r.Version, &r.StoredAt, &r.State); err != nil {
			return nil, errkind.New(errkind.Persistence, err)
		}

		errs, err := e.errorsFor(ctx, r)
		if err != nil {
			return nil, err
		}

		r.Errors = errs
		out = append(out, r)
	}

	if err := rows.Err(); err != nil {
		return nil, errkind.New(errkind.Persistence, err)
	}

	return out, nil
}

func (e *SQLExport) errorsFor(ctx context.Context, r TaskRow) ([]string, error) {
	rows, err := e.db.QueryContext(ctx,
		`SELECT error FROM task_errors
		 WHERE crate_name = ? AND crate_version = ? AND process = ? AND version = ?
		 ORDER BY attempt`, r.CrateName, r.CrateVersion, r.Process, r.Version)
	if err != nil {
		return nil, errkind.New(errkind.Persistence, err)
	}
	defer rows.Close()

	var errs []string

	for rows.Next() {
		var msg string
		if err := rows.Scan(&msg); err != nil {
			return nil, errkind.New(errkind.Persistence, err)
		}

		errs = append(errs, msg)
	}

	return errs, rows.Err()
}
