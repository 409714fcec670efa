package core

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed record of finished runs.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

// SaveRun writes the run's op order and per-host results in one transaction.
func (s *Store) SaveRun(ctx context.Context, st *State) error {
	order, err := json.Marshal(st.OpOrder())
	if err != nil {
		return fmt.Errorf("encode op order: %w", err)
	}
	started, finished := st.Times()
	failed := map[string]bool{}
	for _, name := range st.FailedHosts() {
		failed[name] = true
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, finished_at, parallel, op_order) VALUES (?, ?, ?, ?, ?)`,
		st.RunID(), started.UTC().Format(time.RFC3339Nano), finished.UTC().Format(time.RFC3339Nano),
		st.Config().Parallel, string(order),
	); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	results := st.AllResults()
	for _, name := range st.Inventory().Names() {
		r := results[name]
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO host_results (run_id, host, ops, success_ops, error_ops, commands, failed) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			st.RunID(), name, r.Ops, r.SuccessOps, r.ErrorOps, r.Commands, failed[name],
		); err != nil {
			return fmt.Errorf("insert results for %s: %w", name, err)
		}
	}
	return tx.Commit()
}

// LoadResults returns the per-host results stored for runID.
func (s *Store) LoadResults(ctx context.Context, runID string) (map[string]HostResults, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT host, ops, success_ops, error_ops, commands FROM host_results WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()
	out := map[string]HostResults{}
	for rows.Next() {
		var host string
		var r HostResults
		if err := rows.Scan(&host, &r.Ops, &r.SuccessOps, &r.ErrorOps, &r.Commands); err != nil {
			return nil, fmt.Errorf("scan results: %w", err)
		}
		out[host] = r
	}
	return out, rows.Err()
}

// LoadOpOrder returns the operation hashes stored for runID.
func (s *Store) LoadOpOrder(ctx context.Context, runID string) ([]string, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT op_order FROM runs WHERE id = ?`, runID).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("query run %s: %w", runID, err)
	}
	var order []string
	if err := json.Unmarshal([]byte(raw), &order); err != nil {
		return nil, fmt.Errorf("decode op order: %w", err)
	}
	return order, nil
}
