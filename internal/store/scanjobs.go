// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"time"
)

// CreateScanJob inserts a running scan_jobs row.
func (s *Store) CreateScanJob(ctx context.Context, id string, libraryID int64, totalDirs int) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO scan_jobs (id, library_id, status, total_dirs, started_at)
	VALUES (?, ?, 'running', ?, ?)`,
		id, libraryID, totalDirs, time.Now().UTC().Format(time.RFC3339))
	return translateErr(err, "scan job create")
}

// GetScanJob loads a scan job, (nil, nil) when absent.
func (s *Store) GetScanJob(ctx context.Context, id string) (*ScanJob, error) {
	var sj ScanJob
	var lastErr, finished sql.NullString
	var started string
	err := s.db.QueryRowContext(ctx, `
	SELECT id, library_id, status, total_dirs, processed_dirs,
		discovered, updated, queued, errored, last_error, started_at, finished_at
	FROM scan_jobs WHERE id = ?`, id).
		Scan(&sj.ID, &sj.LibraryID, &sj.Status, &sj.TotalDirs, &sj.ProcessedDirs,
			&sj.Discovered, &sj.Updated, &sj.Queued, &sj.Errored, &lastErr, &started, &finished)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, translateErr(err, "scan job get")
	}
	sj.LastError = lastErr.String
	sj.StartedAt, _ = time.Parse(time.RFC3339, started)
	if finished.Valid {
		if ts, err := time.Parse(time.RFC3339, finished.String); err == nil {
			sj.FinishedAt = &ts
		}
	}
	return &sj, nil
}

// ScanProgress is one atomic progress delta applied to a scan job.
type ScanProgress struct {
	Processed  int
	Discovered int
	Updated    int
	Queued     int
	Errored    int
	LastError  string
}

// BumpScanJob applies a progress delta with a single UPDATE so parallel
// directory-scan workers never lose counts.
func (s *Store) BumpScanJob(ctx context.Context, id string, d ScanProgress) error {
	_, err := s.db.ExecContext(ctx, `
	UPDATE scan_jobs SET
		processed_dirs = processed_dirs + ?,
		discovered = discovered + ?,
		updated = updated + ?,
		queued = queued + ?,
		errored = errored + ?,
		last_error = CASE WHEN ? != '' THEN ? ELSE last_error END
	WHERE id = ?`,
		d.Processed, d.Discovered, d.Updated, d.Queued, d.Errored,
		d.LastError, d.LastError, id)
	return translateErr(err, "scan job bump")
}

// FinishScanJob transitions a scan job to a terminal status. A cancelled
// job is never overwritten by a late completion.
func (s *Store) FinishScanJob(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx, `
	UPDATE scan_jobs SET status = ?, finished_at = ?
	WHERE id = ? AND status = 'running'`,
		status, time.Now().UTC().Format(time.RFC3339), id)
	return translateErr(err, "scan job finish")
}

// CancelScanJob marks a running scan cancelled; returns true if the row
// transitioned.
func (s *Store) CancelScanJob(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
	UPDATE scan_jobs SET status = 'cancelled', finished_at = ?
	WHERE id = ? AND status = 'running'`,
		time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return false, translateErr(err, "scan job cancel")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, translateErr(err, "scan job cancel")
	}
	return n > 0, nil
}
