// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediacurator/curator/internal/errdef"
	"github.com/mediacurator/curator/internal/store"
)

func newSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "curator.db"), 5)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	qs, err := NewSQLStore(s.DB())
	require.NoError(t, err)
	return qs
}

// Both backends must satisfy the same contract.
func backends(t *testing.T) map[string]Store {
	return map[string]Store{
		"sqlite": newSQLStore(t),
		"memory": NewMemoryStore(),
	}
}

func TestPickNextAtomicUnderContention(t *testing.T) {
	qs := newSQLStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := qs.Enqueue(ctx, &Job{Type: TypeEnrichMetadata})
		require.NoError(t, err)
	}

	// 10 claimants race over 5 jobs: each job claimed exactly once. A
	// claimant that loses the row race retries until the queue is empty.
	var mu sync.Mutex
	claimed := map[int64]bool{}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := qs.PickNext(ctx)
				if err != nil {
					t.Error(err)
					return
				}
				if job == nil {
					// Re-check once in case a competing claim is in flight.
					time.Sleep(10 * time.Millisecond)
					if job, err = qs.PickNext(ctx); err != nil || job == nil {
						return
					}
				}
				mu.Lock()
				if claimed[job.ID] {
					t.Errorf("job %d claimed twice", job.ID)
				}
				claimed[job.ID] = true
				mu.Unlock()
				require.NotNil(t, job.StartedAt)
				assert.Equal(t, StatusProcessing, job.Status)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, 5)
	st, err := qs.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Pending)
	assert.Equal(t, 5, st.Processing)
}

func TestPickNextPriorityOrder(t *testing.T) {
	for name, qs := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, p := range []int{PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical} {
				_, err := qs.Enqueue(ctx, &Job{Type: TypeEnrichMetadata, Priority: p})
				require.NoError(t, err)
			}

			var got []int
			for {
				job, err := qs.PickNext(ctx)
				require.NoError(t, err)
				if job == nil {
					break
				}
				got = append(got, job.Priority)
			}
			assert.Equal(t, []int{1, 3, 5, 8}, got)
		})
	}
}

func TestPickNextFIFOWithinPriority(t *testing.T) {
	qs := newSQLStore(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 3; i++ {
		id, err := qs.Enqueue(ctx, &Job{Type: TypeDirectoryScan})
		require.NoError(t, err)
		ids = append(ids, id)
		time.Sleep(2 * time.Millisecond)
	}

	for _, want := range ids {
		job, err := qs.PickNext(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, want, job.ID)
	}
}

func TestFailRetriesThenArchives(t *testing.T) {
	for name, qs := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id, err := qs.Enqueue(ctx, &Job{Type: TypeEnrichMetadata, MaxRetries: 2})
			require.NoError(t, err)

			netErr := errdef.New(errdef.CodeNetwork, "connection reset")

			for attempt := 1; attempt <= 2; attempt++ {
				job, err := qs.PickNext(ctx)
				require.NoError(t, err)
				require.NotNil(t, job)
				retried, err := qs.Fail(ctx, id, netErr)
				require.NoError(t, err)
				assert.True(t, retried, "attempt %d", attempt)
			}

			// Budget exhausted: third failure is terminal.
			job, err := qs.PickNext(ctx)
			require.NoError(t, err)
			require.NotNil(t, job)
			assert.Equal(t, 2, job.RetryCount)
			retried, err := qs.Fail(ctx, id, netErr)
			require.NoError(t, err)
			assert.False(t, retried)

			hist, err := qs.History(ctx, 10)
			require.NoError(t, err)
			require.Len(t, hist, 1)
			assert.Equal(t, OutcomeFailed, hist[0].Outcome)
			assert.Equal(t, 2, hist[0].RetryCount)
			assert.Contains(t, hist[0].LastError, "connection reset")
		})
	}
}

func TestFailNonRetryableIsTerminal(t *testing.T) {
	qs := newSQLStore(t)
	ctx := context.Background()

	id, err := qs.Enqueue(ctx, &Job{Type: TypeEnrichMetadata, MaxRetries: 3})
	require.NoError(t, err)
	_, err = qs.PickNext(ctx)
	require.NoError(t, err)

	retried, err := qs.Fail(ctx, id, errdef.New(errdef.CodeValidation, "bad payload"))
	require.NoError(t, err)
	assert.False(t, retried)

	hist, err := qs.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, OutcomeFailed, hist[0].Outcome)
	assert.Equal(t, 0, hist[0].RetryCount)
}

func TestCompleteArchivesSucceeded(t *testing.T) {
	qs := newSQLStore(t)
	ctx := context.Background()

	id, err := qs.Enqueue(ctx, &Job{Type: TypeDirectoryScan})
	require.NoError(t, err)
	_, err = qs.PickNext(ctx)
	require.NoError(t, err)
	require.NoError(t, qs.Complete(ctx, id))

	st, err := qs.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.TotalActive)

	hist, err := qs.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, OutcomeSucceeded, hist[0].Outcome)
	assert.Equal(t, id, hist[0].JobID)
}

func TestResetStalledJobs(t *testing.T) {
	for name, qs := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 3; i++ {
				_, err := qs.Enqueue(ctx, &Job{Type: TypeEnrichMetadata})
				require.NoError(t, err)
			}
			_, err := qs.PickNext(ctx)
			require.NoError(t, err)
			_, err = qs.PickNext(ctx)
			require.NoError(t, err)

			n, err := qs.ResetStalledJobs(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			st, err := qs.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, 3, st.Pending)
			assert.Equal(t, 0, st.Processing)

			jobs, err := qs.List(ctx, ListFilter{Status: StatusPending})
			require.NoError(t, err)
			for _, j := range jobs {
				assert.Nil(t, j.StartedAt)
			}
		})
	}
}

func TestReleaseKeepsRetryBudget(t *testing.T) {
	qs := newSQLStore(t)
	ctx := context.Background()

	id, err := qs.Enqueue(ctx, &Job{Type: TypeEnrichMetadata})
	require.NoError(t, err)
	_, err = qs.PickNext(ctx)
	require.NoError(t, err)

	require.NoError(t, qs.Release(ctx, id, 0))

	job, err := qs.PickNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, 0, job.RetryCount)
}

func TestReleaseWithDelayHidesJob(t *testing.T) {
	qs := newSQLStore(t)
	ctx := context.Background()

	slow, err := qs.Enqueue(ctx, &Job{Type: TypeEnrichMetadata, Priority: PriorityHigh})
	require.NoError(t, err)
	other, err := qs.Enqueue(ctx, &Job{Type: TypeDirectoryScan, Priority: PriorityNormal})
	require.NoError(t, err)

	j, err := qs.PickNext(ctx)
	require.NoError(t, err)
	require.Equal(t, slow, j.ID)
	require.NoError(t, qs.Release(ctx, slow, time.Minute))

	// The hidden high-priority job no longer blocks the queue head.
	j, err = qs.PickNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, other, j.ID)

	j, err = qs.PickNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, j)
}

func TestCleanupHistoryByOutcomeClass(t *testing.T) {
	qs := newSQLStore(t)
	ctx := context.Background()

	mk := func(outcome string, age time.Duration) {
		id, err := qs.Enqueue(ctx, &Job{Type: TypeDirectoryScan})
		require.NoError(t, err)
		_, err = qs.PickNext(ctx)
		require.NoError(t, err)
		if outcome == OutcomeSucceeded {
			require.NoError(t, qs.Complete(ctx, id))
		} else {
			_, err = qs.Fail(ctx, id, errdef.New(errdef.CodeValidation, "x"))
			require.NoError(t, err)
		}
		_, err = qs.db.ExecContext(ctx,
			`UPDATE job_history SET finished_at = ? WHERE job_id = ?`,
			time.Now().UTC().Add(-age).Format(time.RFC3339Nano), id)
		require.NoError(t, err)
	}

	mk(OutcomeSucceeded, 10*24*time.Hour) // past completed cutoff
	mk(OutcomeSucceeded, time.Hour)       // fresh
	mk(OutcomeFailed, 10*24*time.Hour)    // within failed cutoff
	mk(OutcomeFailed, 40*24*time.Hour)    // past failed cutoff

	removed, err := qs.CleanupHistory(ctx, RetentionPolicy{CompletedDays: 7, FailedDays: 30})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	hist, err := qs.History(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, hist, 2)
}

func TestListFiltersAndExcludesHistory(t *testing.T) {
	qs := newSQLStore(t)
	ctx := context.Background()

	_, err := qs.Enqueue(ctx, &Job{Type: TypeEnrichMetadata})
	require.NoError(t, err)
	id2, err := qs.Enqueue(ctx, &Job{Type: TypeDirectoryScan})
	require.NoError(t, err)
	done, err := qs.Enqueue(ctx, &Job{Type: TypeDirectoryScan})
	require.NoError(t, err)

	// Claim and complete one; it must vanish from active listings.
	for {
		j, err := qs.PickNext(ctx)
		require.NoError(t, err)
		require.NotNil(t, j)
		if j.ID == done {
			require.NoError(t, qs.Complete(ctx, done))
			break
		}
		require.NoError(t, qs.Release(ctx, j.ID, 0))
	}

	jobs, err := qs.List(ctx, ListFilter{Type: TypeDirectoryScan})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, id2, jobs[0].ID)

	jobs, err = qs.List(ctx, ListFilter{Status: StatusPending})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestEnqueueRejectsUnknownType(t *testing.T) {
	qs := newSQLStore(t)
	_, err := qs.Enqueue(context.Background(), &Job{Type: "reticulate-splines"})
	assert.True(t, errdef.IsCode(err, errdef.CodeValidation))

	// The notify- prefix is the one open corner of the set.
	_, err = qs.Enqueue(context.Background(), &Job{Type: "notify-webhook"})
	assert.NoError(t, err)
}

func TestPayloadRoundTrip(t *testing.T) {
	qs := newSQLStore(t)
	ctx := context.Background()

	_, err := qs.Enqueue(ctx, &Job{
		Type:    TypeEnrichMetadata,
		Payload: map[string]any{"entity_type": "movie", "entity_id": float64(42), "requireComplete": true},
	})
	require.NoError(t, err)

	job, err := qs.PickNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "movie", job.Payload["entity_type"])
	assert.Equal(t, float64(42), job.Payload["entity_id"])
	assert.Equal(t, true, job.Payload["requireComplete"])
}
