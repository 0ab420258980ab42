package stores

import (
	"bytes"
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/txtx/txtx/pkg/engine"
	"github.com/txtx/txtx/pkg/types"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens its own database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Ensure foreign keys are enabled (connection-level setting)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Open creates, initializes and migrates a store in one call.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// SaveRun inserts or updates a run record
func (s *SQLiteStore) SaveRun(ctx context.Context, run *engine.Run) error {
	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return fmt.Errorf("failed to encode run summary: %w", err)
	}
	var runErr *string
	if run.Error != "" {
		runErr = &run.Error
	}

	query := `
		INSERT INTO runs (id, runbook_key, status, environment, started_at, completed_at, duration_ns, summary, error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			environment = excluded.environment,
			completed_at = excluded.completed_at,
			duration_ns = excluded.duration_ns,
			summary = excluded.summary,
			error = excluded.error,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		run.ID,
		run.RunbookKey,
		run.Status,
		run.Environment,
		run.StartedAt,
		run.CompletedAt,
		int64(run.Duration),
		string(summary),
		runErr,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

const runColumns = `id, runbook_key, status, environment, started_at, completed_at, duration_ns, summary, error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*engine.Run, error) {
	run := &engine.Run{}
	var (
		duration int64
		summary  string
		runErr   sql.NullString
	)
	if err := row.Scan(
		&run.ID,
		&run.RunbookKey,
		&run.Status,
		&run.Environment,
		&run.StartedAt,
		&run.CompletedAt,
		&duration,
		&summary,
		&runErr,
	); err != nil {
		return nil, err
	}
	run.Duration = time.Duration(duration)
	run.Error = runErr.String
	if summary != "" && summary != "null" {
		if err := json.Unmarshal([]byte(summary), &run.Summary); err != nil {
			return nil, fmt.Errorf("failed to decode run summary: %w", err)
		}
	}
	return run, nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*engine.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists runs, newest first. An empty runbookKey lists every
// runbook.
func (s *SQLiteStore) ListRuns(ctx context.Context, runbookKey string, limit, offset int) ([]*engine.Run, error) {
	query := `
		SELECT ` + runColumns + `
		FROM runs
		WHERE (? = '' OR runbook_key = ?)
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, runbookKey, runbookKey, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*engine.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// DeleteRun deletes a run with its snapshot and events
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}

	return nil
}

// SaveResult stores the outputs of a construct under a runbook key. A
// later save for the same construct replaces the earlier one.
func (s *SQLiteStore) SaveResult(ctx context.Context, key string, did types.ConstructDid, result *types.CommandExecutionResult) error {
	outputs, err := json.Marshal(result.Outputs)
	if err != nil {
		return fmt.Errorf("failed to encode result of %s: %w", did.Short(), err)
	}

	query := `
		INSERT INTO construct_results (runbook_key, construct_did, outputs, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(runbook_key, construct_did) DO UPDATE SET
			outputs = excluded.outputs,
			updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, key, did, string(outputs), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}
	return nil
}

// LoadResults returns every result stored under a runbook key.
func (s *SQLiteStore) LoadResults(ctx context.Context, key string) (map[types.ConstructDid]*types.CommandExecutionResult, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT construct_did, outputs FROM construct_results WHERE runbook_key = ?`, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load results: %w", err)
	}
	defer rows.Close()

	results := make(map[types.ConstructDid]*types.CommandExecutionResult)
	for rows.Next() {
		var (
			did     types.ConstructDid
			outputs string
		)
		if err := rows.Scan(&did, &outputs); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		r := types.NewCommandExecutionResult()
		if err := decodeJSON(outputs, &r.Outputs); err != nil {
			return nil, fmt.Errorf("failed to decode result of %s: %w", did.Short(), err)
		}
		r.Outputs = types.Normalize(r.Outputs).(map[string]interface{})
		results[did] = r
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating results: %w", err)
	}
	return results, nil
}

// SaveSignerState stores the state of a signer under a runbook key.
func (s *SQLiteStore) SaveSignerState(ctx context.Context, key string, did types.ConstructDid, state *types.ValueStore) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode signer state of %s: %w", did.Short(), err)
	}

	query := `
		INSERT INTO signer_states (runbook_key, signer_did, state, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(runbook_key, signer_did) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, key, did, string(data), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save signer state: %w", err)
	}
	return nil
}

// LoadSignerStates returns every signer state stored under a runbook key.
func (s *SQLiteStore) LoadSignerStates(ctx context.Context, key string) (map[types.ConstructDid]*types.ValueStore, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT signer_did, state FROM signer_states WHERE runbook_key = ?`, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load signer states: %w", err)
	}
	defer rows.Close()

	states := make(map[types.ConstructDid]*types.ValueStore)
	for rows.Next() {
		var (
			did  types.ConstructDid
			data string
		)
		if err := rows.Scan(&did, &data); err != nil {
			return nil, fmt.Errorf("failed to scan signer state: %w", err)
		}
		state := types.NewValueStore("")
		if err := decodeJSON(data, state); err != nil {
			return nil, fmt.Errorf("failed to decode signer state of %s: %w", did.Short(), err)
		}
		state.Values = types.Normalize(state.Values).(map[string]interface{})
		for scope, slot := range state.Scoped {
			state.Scoped[scope] = types.Normalize(slot).(map[string]interface{})
		}
		states[did] = state
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating signer states: %w", err)
	}
	return states, nil
}

// ResetRunbook forgets the results and signer states of a runbook key.
func (s *SQLiteStore) ResetRunbook(ctx context.Context, key string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM construct_results WHERE runbook_key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete results: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM signer_states WHERE runbook_key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete signer states: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reset: %w", err)
	}
	return nil
}

// SaveSnapshot stores the snapshot of a run.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, runID string, snapshot *engine.Snapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	query := `
		INSERT INTO snapshots (run_id, snapshot, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET snapshot = excluded.snapshot
	`
	if _, err := s.db.ExecContext(ctx, query, runID, string(data), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// GetSnapshot retrieves the snapshot of a run.
func (s *SQLiteStore) GetSnapshot(ctx context.Context, runID string) (*engine.Snapshot, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM snapshots WHERE run_id = ?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot of run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	snapshot := &engine.Snapshot{}
	if err := decodeJSON(data, snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return snapshot, nil
}

// AppendEvent appends an event to the event log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO events (run_id, construct_did, level, kind, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	result, err := s.db.ExecContext(ctx, query,
		event.RunID,
		event.ConstructDid,
		event.Level,
		event.Kind,
		event.Message,
		event.Details,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// GetEvents returns events in insertion order.
func (s *SQLiteStore) GetEvents(ctx context.Context, filter EventFilter) ([]*Event, error) {
	query := `
		SELECT id, run_id, construct_did, level, kind, message, details, timestamp
		FROM events
		WHERE (? IS NULL OR run_id = ?)
		  AND (? IS NULL OR level = ?)
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, query, filter.RunID, filter.RunID, filter.Level, filter.Level, limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		var did sql.NullString
		err := rows.Scan(
			&event.ID,
			&event.RunID,
			&did,
			&event.Level,
			&event.Kind,
			&event.Message,
			&event.Details,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if did.Valid {
			d := types.ConstructDid(did.String)
			event.ConstructDid = &d
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// HealthCheck verifies the database connection
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// decodeJSON keeps integers as json.Number so that Normalize restores
// them as int64.
func decodeJSON(data string, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.UseNumber()
	return dec.Decode(v)
}

var _ Store = (*SQLiteStore)(nil)
