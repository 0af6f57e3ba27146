// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/mediacurator/curator/internal/errdef"
	"github.com/mediacurator/curator/internal/metrics"
)

// SQLStore is the authoritative queue backend on the shared SQLite handle.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates the queue tables on db if needed.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS job_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 5,
		payload TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'processing')),
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		last_error TEXT,
		created_at TEXT NOT NULL,
		started_at TEXT,
		not_before TEXT,
		manual INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS job_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id INTEGER NOT NULL,
		type TEXT NOT NULL,
		outcome TEXT NOT NULL CHECK(outcome IN ('succeeded', 'failed')),
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at TEXT NOT NULL,
		finished_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_job_queue_claim ON job_queue(status, priority, created_at);
	CREATE INDEX IF NOT EXISTS idx_job_history_cleanup ON job_history(outcome, finished_at);
	`)
	if err != nil {
		return errdef.Wrap(errdef.CodeStorage, err, "queue migrate")
	}
	return nil
}

const jobCols = `id, type, priority, payload, status, retry_count, max_retries,
	COALESCE(last_error, ''), created_at, started_at, not_before, manual`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var j Job
	var payload string
	var started, notBefore sql.NullString
	var created string
	err := row.Scan(&j.ID, &j.Type, &j.Priority, &payload, &j.Status,
		&j.RetryCount, &j.MaxRetries, &j.LastError, &created, &started, &notBefore, &j.Manual)
	if err != nil {
		return nil, err
	}
	j.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	if started.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, started.String); err == nil {
			j.StartedAt = &ts
		}
	}
	if notBefore.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, notBefore.String); err == nil {
			j.NotBefore = &ts
		}
	}
	j.Payload = map[string]any{}
	_ = json.Unmarshal([]byte(payload), &j.Payload)
	return &j, nil
}

// Enqueue inserts a pending job.
func (s *SQLStore) Enqueue(ctx context.Context, job *Job) (int64, error) {
	if !KnownType(job.Type) {
		return 0, errdef.New(errdef.CodeValidation, "unknown job type %q", job.Type)
	}
	if job.Priority == 0 {
		job.Priority = PriorityNormal
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = 3
	}
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return 0, errdef.Wrap(errdef.CodeValidation, err, "payload marshal")
	}
	if job.Payload == nil {
		payload = []byte("{}")
	}
	res, err := s.db.ExecContext(ctx, `
	INSERT INTO job_queue (type, priority, payload, status, max_retries, created_at, manual)
	VALUES (?, ?, ?, 'pending', ?, ?, ?)`,
		job.Type, job.Priority, string(payload), job.MaxRetries,
		time.Now().UTC().Format(time.RFC3339Nano), job.Manual)
	if err != nil {
		return 0, errdef.Wrap(errdef.CodeStorage, err, "enqueue")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errdef.Wrap(errdef.CodeStorage, err, "enqueue id")
	}
	job.ID = id
	return id, nil
}

// PickNext claims the next pending job with a single UPDATE ... RETURNING
// so concurrent workers always receive distinct jobs.
func (s *SQLStore) PickNext(ctx context.Context) (*Job, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	row := s.db.QueryRowContext(ctx, `
	UPDATE job_queue SET status = 'processing', started_at = ?
	WHERE id = (
		SELECT id FROM job_queue
		WHERE status = 'pending' AND (not_before IS NULL OR not_before <= ?)
		ORDER BY priority ASC, created_at ASC, id ASC LIMIT 1
	) AND status = 'pending'
	RETURNING `+jobCols,
		now, now)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		// Two claimants can race on the same candidate row under SQLite's
		// write serialization; the loser sees a busy error and simply polls
		// again.
		if strings.Contains(err.Error(), "database is locked") ||
			strings.Contains(err.Error(), "SQLITE_BUSY") {
			return nil, nil
		}
		return nil, errdef.Wrap(errdef.CodeStorage, err, "pick next")
	}
	return j, nil
}

// Complete archives the job with outcome succeeded and removes it.
func (s *SQLStore) Complete(ctx context.Context, id int64) error {
	return s.archive(ctx, id, OutcomeSucceeded, "")
}

// Fail requeues a retryable failure with budget left, otherwise archives it
// with outcome failed. The error string is recorded either way.
func (s *SQLStore) Fail(ctx context.Context, id int64, jobErr error) (bool, error) {
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}

	if errdef.Retryable(jobErr) {
		res, err := s.db.ExecContext(ctx, `
		UPDATE job_queue SET status = 'pending', started_at = NULL,
			retry_count = retry_count + 1, last_error = ?
		WHERE id = ? AND status = 'processing' AND retry_count < max_retries`,
			msg, id)
		if err != nil {
			return false, errdef.Wrap(errdef.CodeStorage, err, "fail requeue")
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			return true, nil
		}
	}
	return false, s.archive(ctx, id, OutcomeFailed, msg)
}

// Release returns a claimed job to pending without touching its retry
// budget; used when a tripped per-type breaker refuses the work. A positive
// delay hides the job until the suppression window passes.
func (s *SQLStore) Release(ctx context.Context, id int64, delay time.Duration) error {
	var notBefore any
	if delay > 0 {
		notBefore = time.Now().UTC().Add(delay).Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx, `
	UPDATE job_queue SET status = 'pending', started_at = NULL, not_before = ?
	WHERE id = ? AND status = 'processing'`, notBefore, id)
	if err != nil {
		return errdef.Wrap(errdef.CodeStorage, err, "release")
	}
	return nil
}

func (s *SQLStore) archive(ctx context.Context, id int64, outcome, lastErr string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errdef.Wrap(errdef.CodeStorage, err, "archive begin")
	}
	defer func() { _ = tx.Rollback() }()

	var jobType, created string
	var retries int
	var prevErr sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT type, retry_count, last_error, created_at FROM job_queue WHERE id = ?`, id).
		Scan(&jobType, &retries, &prevErr, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return errdef.New(errdef.CodeNotFound, "job %d", id)
	}
	if err != nil {
		return errdef.Wrap(errdef.CodeStorage, err, "archive lookup")
	}
	if lastErr == "" {
		lastErr = prevErr.String
	}

	if _, err := tx.ExecContext(ctx, `
	INSERT INTO job_history (job_id, type, outcome, retry_count, last_error, created_at, finished_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, jobType, outcome, retries, lastErr, created,
		time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return errdef.Wrap(errdef.CodeStorage, err, "archive insert")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM job_queue WHERE id = ?`, id); err != nil {
		return errdef.Wrap(errdef.CodeStorage, err, "archive delete")
	}
	if err := tx.Commit(); err != nil {
		return errdef.Wrap(errdef.CodeStorage, err, "archive commit")
	}
	metrics.JobsTotal.WithLabelValues(jobType, outcome).Inc()
	return nil
}

// ResetStalledJobs returns every processing row to pending. Called once at
// startup, before any worker claims.
func (s *SQLStore) ResetStalledJobs(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
	UPDATE job_queue SET status = 'pending', started_at = NULL
	WHERE status = 'processing'`)
	if err != nil {
		return 0, errdef.Wrap(errdef.CodeStorage, err, "reset stalled")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errdef.Wrap(errdef.CodeStorage, err, "reset stalled count")
	}
	return int(n), nil
}

// CleanupHistory removes terminal records older than their class cutoff.
func (s *SQLStore) CleanupHistory(ctx context.Context, policy RetentionPolicy) (int, error) {
	now := time.Now().UTC()
	total := 0
	for outcome, days := range map[string]int{
		OutcomeSucceeded: policy.CompletedDays,
		OutcomeFailed:    policy.FailedDays,
	} {
		if days <= 0 {
			continue
		}
		cutoff := now.AddDate(0, 0, -days).Format(time.RFC3339Nano)
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM job_history WHERE outcome = ? AND finished_at < ?`, outcome, cutoff)
		if err != nil {
			return total, errdef.Wrap(errdef.CodeStorage, err, "history cleanup")
		}
		if n, err := res.RowsAffected(); err == nil {
			total += int(n)
		}
	}
	return total, nil
}

// Stats summarizes the active queue.
func (s *SQLStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	var oldest sql.NullString
	err := s.db.QueryRowContext(ctx, `
	SELECT
		COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'processing' THEN 1 ELSE 0 END), 0),
		MIN(CASE WHEN status = 'pending' THEN created_at END)
	FROM job_queue`).Scan(&st.Pending, &st.Processing, &oldest)
	if err != nil {
		return Stats{}, errdef.Wrap(errdef.CodeStorage, err, "queue stats")
	}
	st.TotalActive = st.Pending + st.Processing
	if oldest.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, oldest.String); err == nil {
			st.OldestPendingAgeSeconds = time.Since(ts).Seconds()
		}
	}
	return st, nil
}

// List returns active jobs matching the filter, claim order first.
func (s *SQLStore) List(ctx context.Context, filter ListFilter) ([]*Job, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	q := `SELECT ` + jobCols + ` FROM job_queue WHERE 1=1`
	args := []any{}
	if filter.Status != "" {
		q += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.Type != "" {
		q += ` AND type = ?`
		args = append(args, filter.Type)
	}
	q += ` ORDER BY priority ASC, created_at ASC, id ASC LIMIT ?`
	args = append(args, filter.Limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errdef.Wrap(errdef.CodeStorage, err, "queue list")
	}
	defer func() { _ = rows.Close() }()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errdef.Wrap(errdef.CodeStorage, err, "queue list scan")
		}
		out = append(out, j)
	}
	return out, errWrap(rows.Err(), "queue list rows")
}

// History returns the most recent terminal records.
func (s *SQLStore) History(ctx context.Context, limit int) ([]*HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, job_id, type, outcome, retry_count, COALESCE(last_error, ''), created_at, finished_at
	FROM job_history ORDER BY finished_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errdef.Wrap(errdef.CodeStorage, err, "history list")
	}
	defer func() { _ = rows.Close() }()

	var out []*HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		var created, finished string
		if err := rows.Scan(&h.ID, &h.JobID, &h.Type, &h.Outcome, &h.RetryCount,
			&h.LastError, &created, &finished); err != nil {
			return nil, errdef.Wrap(errdef.CodeStorage, err, "history scan")
		}
		h.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		h.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		out = append(out, &h)
	}
	return out, errWrap(rows.Err(), "history rows")
}

func errWrap(err error, op string) error {
	if err == nil {
		return nil
	}
	return errdef.Wrap(errdef.CodeStorage, err, "%s", op)
}
