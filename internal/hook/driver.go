package hook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rat-data/remote-build-queue/internal/buildevent"
	"github.com/rat-data/remote-build-queue/internal/eventstream"
	"github.com/rat-data/remote-build-queue/internal/rbqpg"
)

// setting is one (key, val) pair off the settings preamble. The core
// does not consult them; they are read only so the framing stays
// aligned with whatever the driver sends next.
type setting struct{ key, val string }

func readSettings(r io.Reader) ([]setting, error) {
	var out []setting
	for {
		keyLen, err := ReadUint64(r)
		if err != nil {
			return nil, fmt.Errorf("reading setting key length: %w", err)
		}
		if keyLen == 0 {
			return out, nil
		}
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, fmt.Errorf("reading setting key: %w", err)
		}
		val, err := ReadString(r)
		if err != nil {
			return nil, fmt.Errorf("reading setting value: %w", err)
		}
		out = append(out, setting{key: string(key), val: val})
	}
}

// Run drives one hook invocation end to end: it reads the driver's
// request from in, enqueues the job, waits for the queue side to decide
// its fate, and writes the verdict to out. It returns the process exit
// code the enqueue binary should use.
//
// canceled is set by the caller's signal handler; Run polls it at each
// iteration of the await-verdict loop and publishes cancel exactly once,
// from ordinary control flow rather than from signal context — see
// publishCancelIfRequested.
func Run(ctx context.Context, in io.Reader, out io.Writer, params rbqpg.ConnParams, canceled *atomic.Bool, log *slog.Logger) int {
	if _, err := readSettings(in); err != nil {
		log.Error("reading settings", "err", err)
		return 1
	}

	tryToken, err := ReadString(in)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0
		}
		log.Error("reading try token", "err", err)
		return 1
	}
	if tryToken != "try" {
		return 0
	}

	amWilling, err := ReadUint64(in)
	if err != nil {
		log.Error("reading am_willing", "err", err)
		return 1
	}
	system, err := ReadString(in)
	if err != nil {
		log.Error("reading needed_system", "err", err)
		return 1
	}
	drv, err := ReadString(in)
	if err != nil {
		log.Error("reading drv_path", "err", err)
		return 1
	}
	requiredFeatures, err := ReadStringSet(in)
	if err != nil {
		log.Error("reading required_features", "err", err)
		return 1
	}
	log.Debug("considering", "drv", drv, "am_willing", amWilling, "system", system, "required_features", requiredFeatures)

	conn, err := rbqpg.Connect(ctx, params)
	if err != nil {
		log.Error("connecting", "err", err)
		return 1
	}
	defer conn.Close(ctx)

	job, err := rbqpg.EnqueueJob(ctx, conn, drv, system, requiredFeatures)
	if err != nil {
		log.Error("enqueueing job", "err", err)
		return 1
	}
	log.Info("enqueued job", "job", job, "drv", drv)

	stream, err := eventstream.Listen(ctx, params, job.String())
	if err != nil {
		log.Error("listening for job events", "job", job, "err", err)
		return 1
	}
	defer stream.Close(ctx)

	if err := stream.Seed(ctx, job); err != nil {
		log.Error("replaying job events", "job", job, "err", err)
		return 1
	}

awaitVerdict:
	for {
		publishCancelIfRequested(ctx, conn, job, canceled, log)

		evt, err, ok := stream.Next(ctx)
		if !ok {
			log.Error("event stream ended awaiting verdict", "job", job, "err", err)
			return 1
		}
		if err != nil {
			log.Warn("transient event stream error", "job", job, "err", err)
			continue
		}

		switch e := evt.(type) {
		case buildevent.NoMachineAvailable:
			if werr := WriteLine(out, "# decline-permanently"); werr != nil {
				log.Error("writing decline", "err", werr)
				return 1
			}
			return 0
		case buildevent.Accept:
			if werr := WriteLine(out, "# accept"); werr != nil {
				log.Error("writing accept", "err", werr)
				return 1
			}
			if werr := WriteLine(out, e.URI); werr != nil {
				log.Error("writing accepted uri", "err", werr)
				return 1
			}
			break awaitVerdict
		default:
			continue
		}
	}

	inputs, err := ReadStringSet(in)
	if err != nil {
		log.Error("reading inputs", "job", job, "err", err)
		return 1
	}
	wantedOutputs, err := ReadStringSet(in)
	if err != nil {
		log.Error("reading wanted_outputs", "job", job, "err", err)
		return 1
	}
	if err := rbqpg.AddInputsAndOutputs(ctx, conn, job, inputs, wantedOutputs); err != nil {
		log.Error("publishing inputs and outputs", "job", job, "err", err)
		return 1
	}

	for {
		publishCancelIfRequested(ctx, conn, job, canceled, log)

		evt, err, ok := stream.Next(ctx)
		if !ok {
			log.Info("event stream ended after dispatch", "job", job, "err", err)
			return 0
		}
		if err != nil {
			log.Warn("transient event stream error", "job", job, "err", err)
			continue
		}
		if fail, isFail := evt.(buildevent.Fail); isFail {
			log.Info("job failed", "job", job, "msg", fail.Msg)
			return 1
		}
	}
}

// publishCancelIfRequested is the only place the canceled flag set by a
// signal handler is consulted, so cancel_job is always called from
// ordinary control flow at a loop boundary, never from signal context.
func publishCancelIfRequested(ctx context.Context, conn *pgx.Conn, job uuid.UUID, canceled *atomic.Bool, log *slog.Logger) {
	if !canceled.CompareAndSwap(true, false) {
		return
	}
	if err := rbqpg.CancelJob(ctx, conn, job); err != nil {
		log.Warn("publishing cancel", "job", job, "err", err)
	}
}
