package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rat-data/remote-build-queue/internal/buildevent"
	"github.com/rat-data/remote-build-queue/internal/domain"
	"github.com/rat-data/remote-build-queue/internal/eventstream"
	"github.com/rat-data/remote-build-queue/internal/rbqpg"
)

// DispatchTarget is the dispatch-side view of a worker: enough for the
// scheduler to test eligibility and hand off a job without importing the
// worker package. Importing it would make a cycle, since a worker needs
// its own domain.Machine, which the scheduler already owns and passes
// in when building the target list — see the owner-less-cycle note this
// interface exists to avoid.
type DispatchTarget interface {
	Machine() domain.Machine
	Idle() bool
	TryAssign(job domain.Job) bool
}

// Scheduler owns the queue process's priority-ordered worker list and
// the global events stream. It is the single owner of both; workers
// never hold a reference back to it.
type Scheduler struct {
	params  rbqpg.ConnParams
	pool    *pgxpool.Pool
	workers []DispatchTarget
	log     *slog.Logger
}

// New builds a scheduler over dispatch targets the caller has already
// constructed in priority order (fleet.SortByPriority determines that
// order; cmd/queue builds one worker per machine in the sorted list).
// pool backs every query dispatch issues outside the LISTEN session
// itself (get_job, no-machine-available); params is only needed to open
// that dedicated LISTEN connection.
func New(params rbqpg.ConnParams, pool *pgxpool.Pool, workers []DispatchTarget, log *slog.Logger) *Scheduler {
	return &Scheduler{params: params, pool: pool, workers: workers, log: log}
}

// Run is the queue process's listener-plus-dispatcher loop: it tails the
// global events channel and dispatches start events to idle workers
// until the stream ends or a fatal protocol error is observed. Worker
// supervisor goroutines and the fatal watcher are cmd/queue's
// responsibility, since they only need the DispatchTargets already
// passed to New.
func (s *Scheduler) Run(ctx context.Context) error {
	stream, err := eventstream.Listen(ctx, s.params, "events")
	if err != nil {
		return fmt.Errorf("listening on events: %w", err)
	}
	defer stream.Close(ctx)

	for {
		evt, err, ok := stream.Next(ctx)
		if !ok {
			if err == nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("events stream ended: %w", err)
		}
		if err != nil {
			var wrongChannel *eventstream.WrongChannelError
			var noMessages *eventstream.NoMessagesError
			var jsonDecode *eventstream.JsonDecodeError
			var parsingEvent *eventstream.ParsingEventError
			if errors.As(err, &wrongChannel) || errors.As(err, &noMessages) ||
				errors.As(err, &jsonDecode) || errors.As(err, &parsingEvent) {
				s.log.Warn("transient events stream error", "err", err)
				continue
			}
			// A bare wrapped error here means polling the socket itself
			// failed, which is fatal to the queue.
			return fmt.Errorf("fatal events stream error: %w", err)
		}

		start, isStart := evt.(buildevent.Start)
		if !isStart {
			// Per-job chatter observed at global scope: accept, cancel,
			// no-machine-available and add-inputs-and-outputs all pass
			// through the events channel too, but only start triggers
			// matching here.
			continue
		}
		if err := s.dispatch(ctx, start.Job); err != nil {
			return err
		}
	}
}

// dispatch implements the matching algorithm for one start event: reread
// the job for authority (the start payload is trusted input but not the
// final word — a cancel could have landed since), scan idle workers in
// priority order, and either assign the first eligible one or record
// no-machine-available. Both queries run against the pool: neither holds
// a LISTEN session, so there is no reason to tie up a dedicated conn.
func (s *Scheduler) dispatch(ctx context.Context, jobID uuid.UUID) error {
	job, err := rbqpg.GetJob(ctx, s.pool, jobID)
	if err != nil {
		return fmt.Errorf("dispatching job %s: %w", jobID, err)
	}

	if w, ok := selectWorker(s.workers, job); ok {
		s.log.Info("dispatched job", "job", jobID, "machine", w.Machine().StoreURI)
		return nil
	}

	s.log.Debug("no machine available", "job", jobID)
	if err := rbqpg.InsertNoMachineAvailable(ctx, s.pool, jobID); err != nil {
		return fmt.Errorf("recording no-machine-available for job %s: %w", jobID, err)
	}
	return nil
}

// selectWorker scans workers in priority order — the order callers
// already sorted them into via SortByPriority — and assigns job to the
// first idle, eligible one. It is the pure half of the matching
// algorithm, kept separate from dispatch so it can be tested without a
// database connection.
func selectWorker(workers []DispatchTarget, job domain.Job) (DispatchTarget, bool) {
	for _, w := range workers {
		if !w.Idle() {
			continue
		}
		if !CanBuild(w.Machine(), job) {
			continue
		}
		if w.TryAssign(job) {
			return w, true
		}
	}
	return nil, false
}
