package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rat-data/remote-build-queue/internal/buildevent"
	"github.com/rat-data/remote-build-queue/internal/domain"
	"github.com/rat-data/remote-build-queue/internal/eventstream"
	"github.com/rat-data/remote-build-queue/internal/rbqpg"
)

// Worker pairs one fleet Machine with a dedicated LISTEN connection per
// job (other queries go through the shared pool), its own remote store
// handle, and a single-slot inbox. It lives for the
// queue process's lifetime: Run loops forever, and the first error it
// hits is fatal to the whole process rather than something the worker
// recovers from.
type Worker struct {
	machine domain.Machine

	params rbqpg.ConnParams
	pool   *pgxpool.Pool
	store  RemoteStore
	local  LocalStore
	log    *slog.Logger

	inbox chan domain.Job

	mu   sync.Mutex
	busy bool
}

// New constructs a worker. Its inbox starts empty and it reports Idle
// immediately; the remote store is connected only once Run starts, and a
// job assigned before then waits in the inbox until it does. pool backs
// accept_job and every other query this worker issues outside its
// per-job LISTEN session; params is only used to open that session.
func New(machine domain.Machine, params rbqpg.ConnParams, pool *pgxpool.Pool, store RemoteStore, local LocalStore, log *slog.Logger) *Worker {
	return &Worker{
		machine: machine,
		params:  params,
		pool:    pool,
		store:   store,
		local:   local,
		log:     log,
		inbox:   make(chan domain.Job, 1),
	}
}

// Machine returns the fleet record this worker drives, satisfying
// fleet.DispatchTarget.
func (w *Worker) Machine() domain.Machine { return w.machine }

// Idle reports whether the worker was not busy at the moment of the call:
// busy is set by TryAssign and cleared only after the assigned job has
// been handled, not when Run takes the job out of the inbox. The scheduler uses this to build its eligible-worker scan; the
// result can go stale immediately after, which is fine — TryAssign is
// the operation that actually has to be race-free, since the dispatcher
// is the only goroutine that ever sets busy to true.
func (w *Worker) Idle() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.busy
}

// TryAssign hands job to the worker if it is currently idle, atomically
// marking it busy. It returns false if the worker was already busy,
// which should not happen given a single dispatcher goroutine but is
// guarded against regardless.
func (w *Worker) TryAssign(job domain.Job) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.busy {
		return false
	}
	w.busy = true
	w.inbox <- job
	return true
}

func (w *Worker) clear() {
	w.mu.Lock()
	w.busy = false
	w.mu.Unlock()
}

// Run drives the worker's loop: connect to its remote store once, then
// repeatedly wait for a job, build it, and go idle again. It returns
// when ctx is done, or when a step fails after pushing that failure onto
// wakeup; the caller is expected to treat the failure as fatal to the
// whole process.
func (w *Worker) Run(ctx context.Context, wakeup chan<- domain.FatalError) {
	if err := w.store.Connect(ctx); err != nil {
		wakeup <- domain.FatalError{Machine: w.machine, Err: fmt.Errorf("connecting to store: %w", err)}
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-w.inbox:
			if err := w.handle(ctx, job); err != nil {
				wakeup <- domain.FatalError{Machine: w.machine, Err: err}
				return
			}
			w.clear()
		}
	}
}

// handle runs one job end to end: accept it, wait for the closure
// announcement, copy it, and build. Any dequeue error before
// add-inputs-and-outputs is seen terminates the worker, per the runtime
// contract — there is no partial-progress state worth keeping.
func (w *Worker) handle(ctx context.Context, job domain.Job) error {
	stream, err := eventstream.Listen(ctx, w.params, job.ID.String())
	if err != nil {
		return fmt.Errorf("listening for job %s: %w", job.ID, err)
	}
	defer stream.Close(ctx)

	if err := rbqpg.AcceptJob(ctx, w.pool, job.ID, w.machine.StoreURI); err != nil {
		return fmt.Errorf("accepting job %s: %w", job.ID, err)
	}

	inputsOutputs, err := w.awaitInputsAndOutputs(ctx, job, stream)
	if err != nil {
		return err
	}

	w.log.Debug("copying closure", "job", job.ID, "machine", w.machine.StoreURI, "inputs", len(inputsOutputs.Inputs))
	if err := w.store.CopyClosure(ctx, w.local, inputsOutputs.Inputs); err != nil {
		return fmt.Errorf("copying closure for job %s: %w", job.ID, err)
	}

	if err := w.store.BuildDerivation(ctx, job.Drv, inputsOutputs.WantedOutputs); err != nil {
		return fmt.Errorf("building job %s: %w", job.ID, err)
	}
	w.log.Info("built job", "job", job.ID, "machine", w.machine.StoreURI)
	return nil
}

// awaitInputsAndOutputs consumes the per-job stream, which this worker
// joined before accepting, until the add-inputs-and-outputs event
// arrives. Listening before accept_job guarantees that event cannot be
// missed by the race this ordering is meant to close.
func (w *Worker) awaitInputsAndOutputs(ctx context.Context, job domain.Job, stream *eventstream.Stream) (buildevent.AddInputsAndOutputs, error) {
	for {
		evt, err, ok := stream.Next(ctx)
		if !ok {
			return buildevent.AddInputsAndOutputs{}, fmt.Errorf("event stream ended awaiting inputs for job %s: %w", job.ID, err)
		}
		if err != nil {
			w.log.Warn("transient event stream error", "job", job.ID, "err", err)
			continue
		}
		if io, isIO := evt.(buildevent.AddInputsAndOutputs); isIO {
			return io, nil
		}
	}
}
