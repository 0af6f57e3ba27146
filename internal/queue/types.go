// SPDX-License-Identifier: MIT

// Package queue implements the durable priority job queue and its worker
// pool. Jobs live in SQLite, are claimed atomically, retried with a counter
// and archived to history on terminal outcomes; a crash leaves rows that
// stall recovery returns to pending on the next start.
package queue

import (
	"context"
	"strings"
	"time"
)

// Type enumerates the job types. The set is closed except for the
// notify- prefix reserved for outbound notifications.
type Type string

const (
	TypeScanLibrary             Type = "scan-library"
	TypeDirectoryScan           Type = "directory-scan"
	TypeCacheAsset              Type = "cache-asset"
	TypeEnrichMetadata          Type = "enrich-metadata"
	TypeFetchProviderAssets     Type = "fetch-provider-assets"
	TypeSelectAssets            Type = "select-assets"
	TypePublish                 Type = "publish"
	TypeWebhookReceived         Type = "webhook-received"
	TypeScheduledFileScan       Type = "scheduled-file-scan"
	TypeScheduledProviderUpdate Type = "scheduled-provider-update"
	TypeScheduledCleanup        Type = "scheduled-cleanup"
	TypeBulkEnrich              Type = "bulk-enrich"
)

var knownTypes = map[Type]struct{}{
	TypeScanLibrary: {}, TypeDirectoryScan: {}, TypeCacheAsset: {},
	TypeEnrichMetadata: {}, TypeFetchProviderAssets: {}, TypeSelectAssets: {},
	TypePublish: {}, TypeWebhookReceived: {}, TypeScheduledFileScan: {},
	TypeScheduledProviderUpdate: {}, TypeScheduledCleanup: {}, TypeBulkEnrich: {},
}

// KnownType reports whether t is a valid job type.
func KnownType(t Type) bool {
	if _, ok := knownTypes[t]; ok {
		return true
	}
	return strings.HasPrefix(string(t), "notify-")
}

// Priorities. Lower number runs first.
const (
	PriorityCritical = 1
	PriorityHigh     = 3
	PriorityNormal   = 5
	PriorityLow      = 8
)

// Job statuses in the active table. Terminal outcomes live in history.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
)

// History outcomes.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
)

// PayloadParentJobID is the payload key carrying the enqueueing job's id
// for chained workflows.
const PayloadParentJobID = "parent_job_id"

// Job is one unit of work. NotBefore delays visibility to claimants; a
// released job carries the suppression window of its type's breaker.
type Job struct {
	ID         int64
	Type       Type
	Priority   int
	Payload    map[string]any
	Status     string
	RetryCount int
	MaxRetries int
	LastError  string
	CreatedAt  time.Time
	StartedAt  *time.Time
	NotBefore  *time.Time
	Manual     bool
}

// HistoryEntry is a terminal job archived out of the active table.
type HistoryEntry struct {
	ID         int64
	JobID      int64
	Type       Type
	Outcome    string
	RetryCount int
	LastError  string
	CreatedAt  time.Time
	FinishedAt time.Time
}

// Stats summarizes the active queue.
type Stats struct {
	Pending                 int
	Processing              int
	TotalActive             int
	OldestPendingAgeSeconds float64
}

// ListFilter narrows List results. Zero values mean no filter; Limit
// defaults to 100.
type ListFilter struct {
	Status string
	Type   Type
	Limit  int
}

// RetentionPolicy bounds job history by outcome class.
type RetentionPolicy struct {
	CompletedDays int
	FailedDays    int
}

// Store is the durable queue backend.
type Store interface {
	// Enqueue inserts a pending job and returns its id.
	Enqueue(ctx context.Context, job *Job) (int64, error)
	// PickNext atomically claims the highest-priority oldest visible
	// pending job, (nil, nil) when none is due. Concurrent calls never
	// return the same job.
	PickNext(ctx context.Context) (*Job, error)
	// Complete archives a processing job to history with outcome succeeded.
	Complete(ctx context.Context, id int64) error
	// Fail either requeues the job for retry (retryable error, budget left)
	// or archives it with outcome failed. Returns true when requeued.
	Fail(ctx context.Context, id int64, jobErr error) (bool, error)
	// Release returns a claimed job to pending without consuming a retry,
	// hiding it from claimants for delay so a suppressed type cannot block
	// the queue head.
	Release(ctx context.Context, id int64, delay time.Duration) error
	// ResetStalledJobs returns all processing rows to pending; called once
	// at process start before workers run.
	ResetStalledJobs(ctx context.Context) (int, error)
	// CleanupHistory removes terminal records older than their class cutoff.
	CleanupHistory(ctx context.Context, policy RetentionPolicy) (int, error)
	Stats(ctx context.Context) (Stats, error)
	List(ctx context.Context, filter ListFilter) ([]*Job, error)
	History(ctx context.Context, limit int) ([]*HistoryEntry, error)
}

// Enqueuer is the narrow capability handed to job handlers so chained
// workflows cannot reach the rest of the service.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *Job) (int64, error)
}

// Handler executes one job type. The context carries the per-type timeout
// and the job correlation fields for logging; handlers check ctx between
// units of work.
type Handler func(ctx context.Context, job *Job) error
