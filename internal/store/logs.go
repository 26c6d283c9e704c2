package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"trainengine/internal/apperrors"
	"trainengine/internal/job"
)

// AppendLogs durably appends a batch of output lines for a job.
// Lines get consecutive per-job sequence numbers in arrival order.
// One collector writes per job, so the MAX(seq) read inside the
// transaction is race-free.
func (s *Store) AppendLogs(ctx context.Context, jobID, stream string, lines []string) error {
	if len(lines) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Internal("store.appendLogs", err)
	}
	defer tx.Rollback()

	var next int64
	row := tx.QueryRowContext(ctx, s.rebind(`SELECT COALESCE(MAX(seq), 0) FROM job_logs WHERE job_id = ?`), jobID)
	if err := row.Scan(&next); err != nil {
		return apperrors.Internal("store.appendLogs", err)
	}

	stmt, err := tx.PrepareContext(ctx, s.rebind(`
		INSERT INTO job_logs (job_id, seq, stream, line, created_at) VALUES (?, ?, ?, ?, ?)
	`))
	if err != nil {
		return apperrors.Internal("store.appendLogs", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().UnixNano()
	for _, line := range lines {
		next++
		if _, err := stmt.ExecContext(ctx, jobID, next, stream, line, now); err != nil {
			return apperrors.Internal("store.appendLogs", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Internal("store.appendLogs", err)
	}
	return nil
}

// Logs returns up to tail lines for a job in sequence order, oldest
// of the tail first.
func (s *Store) Logs(ctx context.Context, jobID string, tail int) ([]job.LogLine, error) {
	if tail <= 0 {
		tail = 100
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT seq, stream, line, created_at FROM job_logs
		WHERE job_id = ? ORDER BY seq DESC LIMIT ?
	`), jobID, tail)
	if err != nil {
		return nil, apperrors.Internal("store.logs", err)
	}
	defer rows.Close()

	var lines []job.LogLine
	for rows.Next() {
		var l job.LogLine
		var created int64
		if err := rows.Scan(&l.Seq, &l.Stream, &l.Line, &created); err != nil {
			return nil, apperrors.Internal("store.logs", err)
		}
		l.CreatedAt = time.Unix(0, created).UTC()
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("store.logs", err)
	}

	// Reverse into chronological order.
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines, nil
}

// AppendMetrics records one row of metric history for a job.
func (s *Store) AppendMetrics(ctx context.Context, jobID string, epoch, step int, metrics map[string]float64) error {
	data, err := json.Marshal(metrics)
	if err != nil {
		return apperrors.Internal("store.appendMetrics", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO job_metrics (job_id, epoch, step, metrics_json, created_at) VALUES (?, ?, ?, ?, ?)
	`), jobID, epoch, step, string(data), time.Now().UTC().UnixNano())
	if err != nil {
		return apperrors.Internal("store.appendMetrics", err)
	}
	return nil
}

// MetricHistory returns up to limit metric points for a job in
// recording order.
func (s *Store) MetricHistory(ctx context.Context, jobID string, limit int) ([]job.MetricPoint, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT epoch, step, metrics_json, created_at FROM job_metrics
		WHERE job_id = ? ORDER BY id ASC LIMIT ?
	`), jobID, limit)
	if err != nil {
		return nil, apperrors.Internal("store.metricHistory", err)
	}
	defer rows.Close()

	var points []job.MetricPoint
	for rows.Next() {
		var p job.MetricPoint
		var data sql.NullString
		var created int64
		if err := rows.Scan(&p.Epoch, &p.Step, &data, &created); err != nil {
			return nil, apperrors.Internal("store.metricHistory", err)
		}
		if data.Valid && data.String != "" && data.String != "{}" {
			if err := json.Unmarshal([]byte(data.String), &p.Metrics); err != nil {
				return nil, apperrors.Internal("store.metricHistory", err)
			}
		}
		p.CreatedAt = time.Unix(0, created).UTC()
		points = append(points, p)
	}
	return points, rows.Err()
}
