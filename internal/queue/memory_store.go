// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mediacurator/curator/internal/errdef"
	"github.com/mediacurator/curator/internal/metrics"
)

// MemoryStore is a non-durable Store used in tests and embedded setups.
// The SQLite backend remains authoritative.
type MemoryStore struct {
	mu      sync.Mutex
	nextID  int64
	jobs    map[int64]*Job
	history []*HistoryEntry
}

// NewMemoryStore returns an empty in-memory queue.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[int64]*Job)}
}

func (m *MemoryStore) Enqueue(_ context.Context, job *Job) (int64, error) {
	if !KnownType(job.Type) {
		return 0, errdef.New(errdef.CodeValidation, "unknown job type %q", job.Type)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	j := *job
	j.ID = m.nextID
	if j.Priority == 0 {
		j.Priority = PriorityNormal
	}
	if j.MaxRetries == 0 {
		j.MaxRetries = 3
	}
	j.Status = StatusPending
	j.CreatedAt = time.Now().UTC()
	m.jobs[j.ID] = &j
	job.ID = j.ID
	return j.ID, nil
}

func (m *MemoryStore) PickNext(_ context.Context) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var best *Job
	for _, j := range m.jobs {
		if j.Status != StatusPending {
			continue
		}
		if j.NotBefore != nil && j.NotBefore.After(now) {
			continue
		}
		if best == nil || less(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}
	best.Status = StatusProcessing
	started := now
	best.StartedAt = &started
	cp := *best
	return &cp, nil
}

func less(a, b *Job) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (m *MemoryStore) Complete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.archiveLocked(id, OutcomeSucceeded, "")
}

func (m *MemoryStore) Fail(_ context.Context, id int64, jobErr error) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return false, errdef.New(errdef.CodeNotFound, "job %d", id)
	}
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}
	if errdef.Retryable(jobErr) && j.RetryCount < j.MaxRetries {
		j.RetryCount++
		j.LastError = msg
		j.Status = StatusPending
		j.StartedAt = nil
		return true, nil
	}
	return false, m.archiveLocked(id, OutcomeFailed, msg)
}

func (m *MemoryStore) Release(_ context.Context, id int64, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok && j.Status == StatusProcessing {
		j.Status = StatusPending
		j.StartedAt = nil
		j.NotBefore = nil
		if delay > 0 {
			nb := time.Now().UTC().Add(delay)
			j.NotBefore = &nb
		}
	}
	return nil
}

func (m *MemoryStore) archiveLocked(id int64, outcome, lastErr string) error {
	j, ok := m.jobs[id]
	if !ok {
		return errdef.New(errdef.CodeNotFound, "job %d", id)
	}
	if lastErr == "" {
		lastErr = j.LastError
	}
	m.history = append(m.history, &HistoryEntry{
		ID: int64(len(m.history) + 1), JobID: id, Type: j.Type,
		Outcome: outcome, RetryCount: j.RetryCount, LastError: lastErr,
		CreatedAt: j.CreatedAt, FinishedAt: time.Now().UTC(),
	})
	delete(m.jobs, id)
	metrics.JobsTotal.WithLabelValues(string(j.Type), outcome).Inc()
	return nil
}

func (m *MemoryStore) ResetStalledJobs(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, j := range m.jobs {
		if j.Status == StatusProcessing {
			j.Status = StatusPending
			j.StartedAt = nil
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CleanupHistory(_ context.Context, policy RetentionPolicy) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	keep := m.history[:0]
	removed := 0
	for _, h := range m.history {
		days := policy.CompletedDays
		if h.Outcome == OutcomeFailed {
			days = policy.FailedDays
		}
		if days > 0 && h.FinishedAt.Before(now.AddDate(0, 0, -days)) {
			removed++
			continue
		}
		keep = append(keep, h)
	}
	m.history = keep
	return removed, nil
}

func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var st Stats
	var oldest time.Time
	for _, j := range m.jobs {
		switch j.Status {
		case StatusPending:
			st.Pending++
			if oldest.IsZero() || j.CreatedAt.Before(oldest) {
				oldest = j.CreatedAt
			}
		case StatusProcessing:
			st.Processing++
		}
	}
	st.TotalActive = st.Pending + st.Processing
	if !oldest.IsZero() {
		st.OldestPendingAgeSeconds = time.Since(oldest).Seconds()
	}
	return st, nil
}

func (m *MemoryStore) List(_ context.Context, filter ListFilter) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	var out []*Job
	for _, j := range m.jobs {
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if filter.Type != "" && j.Type != filter.Type {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return less(out[i], out[k]) })
	if len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) History(_ context.Context, limit int) ([]*HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	out := make([]*HistoryEntry, 0, len(m.history))
	for i := len(m.history) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *m.history[i]
		out = append(out, &cp)
	}
	return out, nil
}
