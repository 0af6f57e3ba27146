// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mediacurator/curator/internal/bus"
	"github.com/mediacurator/curator/internal/config"
	"github.com/mediacurator/curator/internal/errdef"
	"github.com/mediacurator/curator/internal/log"
	"github.com/mediacurator/curator/internal/metrics"
	"github.com/mediacurator/curator/internal/resilience"
)

// JobStateEvent is published on the job.state topic at every transition.
type JobStateEvent struct {
	JobID   int64
	Type    Type
	State   string // claimed | succeeded | retried | failed | released
	Attempt int
	Error   string
}

// Service runs the worker pool over a Store.
type Service struct {
	store Store
	bus   bus.Bus

	workers      int
	pollInterval time.Duration
	jobTimeout   time.Duration
	breakerMax   int
	breakerReset time.Duration
	drainTimeout time.Duration

	mu       sync.Mutex
	handlers map[Type]Handler
	timeouts map[Type]time.Duration
	breakers map[Type]*resilience.CircuitBreaker

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService wires a worker pool from the performance config.
func NewService(store Store, b bus.Bus, perf config.Performance) *Service {
	workers := perf.Workers
	if workers <= 0 {
		workers = 5
	}
	poll := perf.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	jobTimeout := perf.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = 5 * time.Minute
	}
	return &Service{
		store:        store,
		bus:          b,
		workers:      workers,
		pollInterval: poll,
		jobTimeout:   jobTimeout,
		breakerMax:   perf.MaxConsecutiveFailures,
		breakerReset: perf.CircuitResetDelay,
		drainTimeout: perf.ShutdownDrainTimeout,
		handlers:     make(map[Type]Handler),
		timeouts:     make(map[Type]time.Duration),
		breakers:     make(map[Type]*resilience.CircuitBreaker),
	}
}

// RegisterHandler binds a handler to a job type, optionally overriding the
// default per-type timeout. Registration happens before Start.
func (s *Service) RegisterHandler(t Type, h Handler, timeout ...time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[t] = h
	if len(timeout) > 0 && timeout[0] > 0 {
		s.timeouts[t] = timeout[0]
	}
}

// Enqueue implements Enqueuer for handlers that chain further work.
func (s *Service) Enqueue(ctx context.Context, job *Job) (int64, error) {
	if parent := log.JobIDFromContext(ctx); parent > 0 {
		// Chained jobs record their parent for tracing; stored in payload
		// only, the claim path ignores it.
		if job.Payload == nil {
			job.Payload = map[string]any{}
		}
		job.Payload[PayloadParentJobID] = parent
	}
	return s.store.Enqueue(ctx, job)
}

// Start recovers stalled jobs and launches the worker pool. It returns
// immediately; Stop drains.
func (s *Service) Start(ctx context.Context) error {
	recovered, err := s.store.ResetStalledJobs(ctx)
	if err != nil {
		return err
	}
	logger := log.WithComponent("queue")
	if recovered > 0 {
		logger.Warn().Int("recovered", recovered).Msg("stalled jobs returned to pending")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(runCtx, i)
	}
	s.wg.Add(1)
	go s.statsLoop(runCtx)

	logger.Info().Int("workers", s.workers).Dur("poll_interval", s.pollInterval).Msg("worker pool started")
	return nil
}

// Stop cancels the workers and waits for in-flight jobs up to the drain
// timeout. Jobs still running after that are recovered on next start.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	drain := s.drainTimeout
	if drain <= 0 {
		drain = 30 * time.Second
	}
	select {
	case <-done:
	case <-time.After(drain):
		logger := log.WithComponent("queue")
		logger.Warn().Msg("drain timeout exceeded, abandoning in-flight jobs")
	}
}

func (s *Service) worker(ctx context.Context, id int) {
	defer s.wg.Done()
	logger := log.WithComponent("queue").With().Int("worker", id).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := s.store.PickNext(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("claim failed")
			s.sleep(ctx, s.pollInterval)
			continue
		}
		if job == nil {
			s.sleep(ctx, s.pollInterval)
			continue
		}
		s.run(ctx, job)
	}
}

func (s *Service) run(ctx context.Context, job *Job) {
	jctx := log.ContextWithJob(ctx, job.ID, string(job.Type))
	logger := log.FromContext(jctx)
	s.publish(JobStateEvent{JobID: job.ID, Type: job.Type, State: "claimed", Attempt: job.RetryCount})

	handler := s.handlerFor(job.Type)
	if handler == nil {
		err := errdef.New(errdef.CodeJobNoHandler, "no handler registered for %s", job.Type)
		logger.Error().Err(err).Msg("job failed terminally")
		if _, ferr := s.store.Fail(jctx, job.ID, err); ferr != nil {
			logger.Error().Err(ferr).Msg("fail transition failed")
		}
		s.publish(JobStateEvent{JobID: job.ID, Type: job.Type, State: "failed", Error: err.Error()})
		return
	}

	breaker := s.breakerFor(job.Type)
	err := breaker.Execute(func() error {
		return s.invoke(jctx, handler, job)
	})

	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		// The type is suppressed: hand the job back, hidden for the reset
		// window so it cannot block the queue head.
		if rerr := s.store.Release(jctx, job.ID, s.breakerReset); rerr != nil {
			logger.Error().Err(rerr).Msg("release failed")
		}
		s.publish(JobStateEvent{JobID: job.ID, Type: job.Type, State: "released"})
	case err != nil:
		retried, ferr := s.store.Fail(jctx, job.ID, err)
		if ferr != nil {
			logger.Error().Err(ferr).Msg("fail transition failed")
			return
		}
		if retried {
			metrics.JobRetriesTotal.WithLabelValues(string(job.Type)).Inc()
			logger.Warn().Err(err).Int("attempt", job.RetryCount+1).Msg("job retried")
			s.publish(JobStateEvent{JobID: job.ID, Type: job.Type, State: "retried",
				Attempt: job.RetryCount + 1, Error: err.Error()})
		} else {
			logger.Error().Err(err).Msg("job failed terminally")
			s.publish(JobStateEvent{JobID: job.ID, Type: job.Type, State: "failed", Error: err.Error()})
		}
	default:
		if cerr := s.store.Complete(jctx, job.ID); cerr != nil {
			logger.Error().Err(cerr).Msg("complete transition failed")
			return
		}
		logger.Debug().Msg("job succeeded")
		s.publish(JobStateEvent{JobID: job.ID, Type: job.Type, State: "succeeded"})
	}
}

// invoke runs the handler under the per-type timeout. A deadline hit fails
// the attempt as JOB_TIMEOUT (retryable); a shutdown cancel waits for the
// handler to observe its context.
func (s *Service) invoke(ctx context.Context, handler Handler, job *Job) error {
	timeout := s.timeoutFor(job.Type)
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- handler(hctx, job) }()

	var err error
	select {
	case err = <-done:
	case <-hctx.Done():
		if errors.Is(hctx.Err(), context.DeadlineExceeded) {
			err = errdef.Wrap(errdef.CodeJobTimeout, hctx.Err(), "%s exceeded %s", job.Type, timeout)
		} else {
			err = <-done
		}
	}
	metrics.JobDuration.WithLabelValues(string(job.Type)).Observe(time.Since(start).Seconds())
	return err
}

func (s *Service) handlerFor(t Type) Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers[t]
}

func (s *Service) timeoutFor(t Type) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.timeouts[t]; ok {
		return d
	}
	return s.jobTimeout
}

func (s *Service) breakerFor(t Type) *resilience.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[t]; ok {
		return cb
	}
	reset := s.breakerReset
	if reset <= 0 {
		reset = time.Minute
	}
	cb := resilience.NewCircuitBreaker("job:"+string(t), s.breakerMax, reset)
	s.breakers[t] = cb
	return cb
}

func (s *Service) publish(ev JobStateEvent) {
	if s.bus != nil {
		s.bus.Publish(bus.TopicJobState, ev)
	}
}

func (s *Service) statsLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(5 * s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st, err := s.store.Stats(ctx)
			if err != nil {
				continue
			}
			metrics.QueueDepth.WithLabelValues(StatusPending).Set(float64(st.Pending))
			metrics.QueueDepth.WithLabelValues(StatusProcessing).Set(float64(st.Processing))
		}
	}
}

func (s *Service) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
