// Package store implements the durable job store, the single source
// of truth for job records, log lines, and metric history.
//
// Two database/sql drivers are supported: modernc.org/sqlite for an
// engine-local file (the default) and lib/pq for a shared Postgres.
// All record mutations go through an optimistic version check so
// concurrent writers for the same job (callback gateway vs. backend
// monitor) serialize cleanly without a global lock.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"trainengine/internal/apperrors"
	"trainengine/internal/job"
)

// applyAttempts bounds the reload-and-retry loop in Apply.
const applyAttempts = 5

// Store is a SQL-backed job store.
type Store struct {
	db       *sql.DB
	postgres bool
}

// Open connects to the store and ensures the schema exists.
// driver is "sqlite" or "postgres"; dsn is a file path or a
// connection string respectively.
func Open(driver, dsn string) (*Store, error) {
	var name string
	switch driver {
	case "sqlite", "":
		name = "sqlite"
	case "postgres":
		name = "postgres"
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}

	db, err := sql.Open(name, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", name, err)
	}
	if name == "sqlite" {
		// sqlite allows one writer; funneling through one connection
		// avoids SQLITE_BUSY instead of surfacing it to callers.
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, postgres: name == "postgres"}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	schema := schemaSQLite
	if s.postgres {
		schema = schemaPostgres
	}
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind converts ?-style placeholders to $n for Postgres.
func (s *Store) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Create inserts the initial record for a job.
// Returns a conflict error if the job ID already exists.
func (s *Store) Create(ctx context.Context, rec *job.Record) error {
	d := rec.Descriptor
	configJSON, err := json.Marshal(d.Config)
	if err != nil {
		return apperrors.Internal("store.create", err)
	}
	commandJSON, err := json.Marshal(d.Command)
	if err != nil {
		return apperrors.Internal("store.create", err)
	}

	query := s.rebind(`
		INSERT INTO jobs (
			id, session_id, backend, framework, model_name, dataset_uri,
			config_json, command_json, image, callback_url, timeout_seconds,
			gpus, cpu_cores, memory_mb,
			status, version, run_id, backend_handle,
			epoch, step, metrics_json, ckpt_best, ckpt_last, error_json,
			created_at, updated_at, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)

	_, err = s.db.ExecContext(ctx, query,
		d.ID, d.SessionID, string(d.Backend), d.Framework, d.ModelName, d.DatasetURI,
		string(configJSON), string(commandJSON), d.Image, d.CallbackURL, d.TimeoutSeconds,
		d.Resources.GPUs, d.Resources.CPUCores, d.Resources.MemoryMB,
		string(rec.Status), rec.Version, rec.RunID, rec.Handle,
		rec.Progress.Epoch, rec.Progress.Step, "{}", rec.Checkpoints.Best, rec.Checkpoints.Last, nil,
		rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(), nil, nil,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return apperrors.Conflict("job", d.ID, fmt.Sprintf("job %s already exists", d.ID))
		}
		return apperrors.Internal("store.create", err)
	}
	return nil
}

// Get retrieves a record by job ID.
func (s *Store) Get(ctx context.Context, id string) (*job.Record, error) {
	query := s.rebind(`
		SELECT id, session_id, backend, framework, model_name, dataset_uri,
			config_json, command_json, image, callback_url, timeout_seconds,
			gpus, cpu_cores, memory_mb,
			status, version, run_id, backend_handle,
			epoch, step, metrics_json, ckpt_best, ckpt_last, error_json,
			created_at, updated_at, started_at, completed_at
		FROM jobs WHERE id = ?
	`)
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("job", id)
	}
	if err != nil {
		return nil, apperrors.Internal("store.get", err)
	}
	return rec, nil
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	SessionID string
	Status    job.Status
	Limit     int
}

// List returns records matching the filter, newest first.
func (s *Store) List(ctx context.Context, f ListFilter) ([]*job.Record, error) {
	query := `
		SELECT id, session_id, backend, framework, model_name, dataset_uri,
			config_json, command_json, image, callback_url, timeout_seconds,
			gpus, cpu_cores, memory_mb,
			status, version, run_id, backend_handle,
			epoch, step, metrics_json, ckpt_best, ckpt_last, error_json,
			created_at, updated_at, started_at, completed_at
		FROM jobs WHERE 1=1`
	var args []any
	if f.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, f.SessionID)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	query += " ORDER BY created_at DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, apperrors.Internal("store.list", err)
	}
	defer rows.Close()

	var recs []*job.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, apperrors.Internal("store.list", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Update persists a mutated record guarded by its pre-mutation
// version. rec.Version must hold the version the caller loaded; on
// success the row's version is incremented and rec.Version updated.
// Returns a stale error if another writer got there first.
func (s *Store) Update(ctx context.Context, rec *job.Record) error {
	metricsJSON, err := json.Marshal(rec.Progress.Metrics)
	if err != nil {
		return apperrors.Internal("store.update", err)
	}
	var errorJSON any
	if rec.Error != nil {
		data, err := json.Marshal(rec.Error)
		if err != nil {
			return apperrors.Internal("store.update", err)
		}
		errorJSON = string(data)
	}

	now := time.Now().UTC()
	query := s.rebind(`
		UPDATE jobs SET
			status = ?, version = version + 1, run_id = ?, backend_handle = ?,
			epoch = ?, step = ?, metrics_json = ?, ckpt_best = ?, ckpt_last = ?,
			error_json = ?, updated_at = ?, started_at = ?, completed_at = ?
		WHERE id = ? AND version = ?
	`)
	res, err := s.db.ExecContext(ctx, query,
		string(rec.Status), rec.RunID, rec.Handle,
		rec.Progress.Epoch, rec.Progress.Step, string(metricsJSON),
		rec.Checkpoints.Best, rec.Checkpoints.Last,
		errorJSON, now.UnixNano(), nullNano(rec.StartedAt), nullNano(rec.CompletedAt),
		rec.Descriptor.ID, rec.Version,
	)
	if err != nil {
		return apperrors.Internal("store.update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.Internal("store.update", err)
	}
	if n == 0 {
		// Either the row is gone or the version moved.
		if _, getErr := s.Get(ctx, rec.Descriptor.ID); getErr != nil {
			return getErr
		}
		return apperrors.Stale("job", rec.Descriptor.ID)
	}
	rec.Version++
	rec.UpdatedAt = now
	return nil
}

// Apply loads the record, runs mutate, and persists the result with
// the version guard, retrying on concurrent modification. mutate may
// return an error to abort without writing; returning
// apperrors.ErrTerminal-class errors is the usual way to refuse an
// update against a terminal record.
func (s *Store) Apply(ctx context.Context, id string, mutate func(*job.Record) error) (*job.Record, error) {
	var lastErr error
	for attempt := 0; attempt < applyAttempts; attempt++ {
		rec, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := mutate(rec); err != nil {
			return nil, err
		}
		if err := s.Update(ctx, rec); err != nil {
			if errors.Is(err, apperrors.ErrStale) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return rec, nil
	}
	return nil, lastErr
}

func nullNano(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*job.Record, error) {
	var (
		rec         job.Record
		backend     string
		status      string
		configJSON  string
		commandJSON string
		metricsJSON string
		errorJSON   sql.NullString
		createdAt   int64
		updatedAt   int64
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
	)
	d := &rec.Descriptor
	err := row.Scan(
		&d.ID, &d.SessionID, &backend, &d.Framework, &d.ModelName, &d.DatasetURI,
		&configJSON, &commandJSON, &d.Image, &d.CallbackURL, &d.TimeoutSeconds,
		&d.Resources.GPUs, &d.Resources.CPUCores, &d.Resources.MemoryMB,
		&status, &rec.Version, &rec.RunID, &rec.Handle,
		&rec.Progress.Epoch, &rec.Progress.Step, &metricsJSON,
		&rec.Checkpoints.Best, &rec.Checkpoints.Last, &errorJSON,
		&createdAt, &updatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Backend = job.BackendKind(backend)
	rec.Status = job.Status(status)
	if configJSON != "" && configJSON != "null" {
		if err := json.Unmarshal([]byte(configJSON), &d.Config); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}
	if commandJSON != "" && commandJSON != "null" {
		if err := json.Unmarshal([]byte(commandJSON), &d.Command); err != nil {
			return nil, fmt.Errorf("decode command: %w", err)
		}
	}
	if metricsJSON != "" && metricsJSON != "{}" && metricsJSON != "null" {
		if err := json.Unmarshal([]byte(metricsJSON), &rec.Progress.Metrics); err != nil {
			return nil, fmt.Errorf("decode metrics: %w", err)
		}
	}
	if errorJSON.Valid && errorJSON.String != "" {
		rec.Error = &job.Failure{}
		if err := json.Unmarshal([]byte(errorJSON.String), rec.Error); err != nil {
			return nil, fmt.Errorf("decode error field: %w", err)
		}
	}
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if startedAt.Valid {
		t := time.Unix(0, startedAt.Int64).UTC()
		rec.StartedAt = &t
	}
	if completedAt.Valid {
		t := time.Unix(0, completedAt.Int64).UTC()
		rec.CompletedAt = &t
	}
	return &rec, nil
}

func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || // sqlite
		strings.Contains(msg, "duplicate key") // postgres
}
