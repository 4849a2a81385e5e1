// Package eventstream turns a per-job or global Postgres LISTEN channel
// into a pull-based stream of buildevent.Event values: Listen opens the
// channel, Seed replays whatever already happened before the caller
// started listening, and Next delivers events (or recoverable stream
// errors) one at a time in the order Postgres committed them.
//
// The three-step handoff — LISTEN, then replay via get_events, then pull
// live notifications — closes the race window between "the caller learns
// a job exists" and "the caller starts listening for its events": any
// event committed after LISTEN but read back by the replay query would
// otherwise be delivered twice (once from replay, once as a live
// notification), so Stream deduplicates by (job, name, ts) across the
// two sources.
package eventstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rat-data/remote-build-queue/internal/buildevent"
	"github.com/rat-data/remote-build-queue/internal/rbqpg"
)

// rawNotification is the channel/payload pair a poll function delivers,
// decoupled from pgx's notification type so the polling step can be
// swapped for a fake in tests.
type rawNotification struct {
	Channel string
	Payload string
}

// pollFunc blocks for at least one notification, draining whatever else
// is already queued, the same contract rbqpg.AwaitNotification has.
type pollFunc func(ctx context.Context) ([]rawNotification, error)

// replayFunc fetches a job's already-recorded events in commit order.
type replayFunc func(ctx context.Context, job uuid.UUID) ([]rbqpg.EventRow, error)

// WrongChannelError reports a notification delivered on a channel other
// than the one this Stream listens on. It should not happen — pgx only
// delivers notifications for channels this connection issued LISTEN on —
// but is kept as a distinct, non-fatal error rather than a panic, mirroring
// the original client's defensive channel check.
type WrongChannelError struct{ Channel string }

func (e *WrongChannelError) Error() string {
	return fmt.Sprintf("got message on unexpected channel: %s", e.Channel)
}

// NoMessagesError reports that a round of notifications arrived but every
// one of them was a duplicate already delivered during replay. It is not
// fatal: the caller should call Next again.
type NoMessagesError struct{}

func (e *NoMessagesError) Error() string {
	return "unexpectedly got no new messages even though poll was ready"
}

// JsonDecodeError reports that a notification's payload was not valid
// JSON. Like WrongChannelError, this is a malformed single message, not a
// connection problem — the caller should call Next again.
type JsonDecodeError struct{ Err error }

func (e *JsonDecodeError) Error() string { return e.Err.Error() }
func (e *JsonDecodeError) Unwrap() error { return e.Err }

// ParsingEventError reports that a notification's payload decoded as
// JSON but didn't describe a well-formed event — an unknown name, a bad
// timestamp, or a malformed field. Non-fatal for the same reason
// JsonDecodeError is.
type ParsingEventError struct{ Err error }

func (e *ParsingEventError) Error() string { return fmt.Sprintf("error parsing event: %s", e.Err) }
func (e *ParsingEventError) Unwrap() error { return e.Err }

type item struct {
	evt buildevent.Event
	err error
}

type fieldsKey struct {
	ts   time.Time
	name buildevent.Name
	job  uuid.UUID
}

func keyOf(e buildevent.Event) fieldsKey {
	f := buildevent.CommonFields(e)
	return fieldsKey{ts: f.TS, name: f.Name, job: f.Job}
}

// Stream is a single LISTEN session plus the pending queue of events it
// has pulled off the wire but not yet handed to the caller. The poll,
// replay, and close steps are held as functions rather than a concrete
// connection so the dedup and ordering logic can be exercised against a
// fake notification source in tests.
type Stream struct {
	channel string
	poll    pollFunc
	replay  replayFunc
	closeFn func(ctx context.Context) error
	queue   []item
	seen    map[fieldsKey]struct{}
}

func newStream(channel string, poll pollFunc, replay replayFunc, closeFn func(ctx context.Context) error) *Stream {
	return &Stream{
		channel: channel,
		poll:    poll,
		replay:  replay,
		closeFn: closeFn,
		seen:    make(map[fieldsKey]struct{}),
	}
}

// Listen opens a dedicated connection and issues LISTEN on channel. Call
// Seed once afterward to replay history before pulling live events with
// Next.
func Listen(ctx context.Context, params rbqpg.ConnParams, channel string) (*Stream, error) {
	conn, err := rbqpg.Connect(ctx, params)
	if err != nil {
		return nil, err
	}
	if err := rbqpg.Listen(ctx, conn, channel); err != nil {
		conn.Close(ctx)
		return nil, err
	}

	poll := func(ctx context.Context) ([]rawNotification, error) {
		notifications, err := rbqpg.AwaitNotification(ctx, conn)
		if err != nil {
			return nil, err
		}
		out := make([]rawNotification, len(notifications))
		for i, n := range notifications {
			out[i] = rawNotification{Channel: n.Channel, Payload: n.Payload}
		}
		return out, nil
	}
	replay := func(ctx context.Context, job uuid.UUID) ([]rbqpg.EventRow, error) {
		return rbqpg.GetEvents(ctx, conn, job)
	}

	return newStream(channel, poll, replay, conn.Close), nil
}

// Seed replays every event already recorded for job and enqueues it
// ahead of anything Next has not yet pulled off the wire. Call it once,
// immediately after Listen, before the first call to Next.
func (s *Stream) Seed(ctx context.Context, job uuid.UUID) error {
	rows, err := s.replay(ctx, job)
	if err != nil {
		return err
	}

	replayed := make([]item, 0, len(rows))
	for _, r := range rows {
		evt, err := buildevent.FromRow(r.TS, r.Name, r.Job, r.Payload)
		if err != nil {
			replayed = append(replayed, item{err: err})
			continue
		}
		s.seen[keyOf(evt)] = struct{}{}
		replayed = append(replayed, item{evt: evt})
	}

	s.queue = append(replayed, s.queue...)
	return nil
}

// Next blocks until an event or a recoverable stream error is available,
// or the stream ends. ok is false only when the connection itself has
// failed or ctx was canceled; callers should keep calling Next whenever
// ok is true, even if err is non-nil.
func (s *Stream) Next(ctx context.Context) (buildevent.Event, error, bool) {
	for len(s.queue) == 0 {
		if err := s.fill(ctx); err != nil {
			return nil, err, false
		}
	}
	it := s.queue[0]
	s.queue = s.queue[1:]
	return it.evt, it.err, true
}

func (s *Stream) fill(ctx context.Context) error {
	notifications, err := s.poll(ctx)
	if err != nil {
		return fmt.Errorf("polling postgres socket: %w", err)
	}

	var fresh []item
	for _, n := range notifications {
		if n.Channel != s.channel {
			fresh = append(fresh, item{err: &WrongChannelError{Channel: n.Channel}})
			continue
		}

		evt, err := buildevent.ParsePayload([]byte(n.Payload))
		if err != nil {
			var envelopeErr *buildevent.EnvelopeDecodeError
			if errors.As(err, &envelopeErr) {
				fresh = append(fresh, item{err: &JsonDecodeError{Err: err}})
			} else {
				fresh = append(fresh, item{err: &ParsingEventError{Err: err}})
			}
			continue
		}

		key := keyOf(evt)
		if _, dup := s.seen[key]; dup {
			continue
		}
		s.seen[key] = struct{}{}
		fresh = append(fresh, item{evt: evt})
	}

	if len(fresh) == 0 {
		fresh = append(fresh, item{err: &NoMessagesError{}})
	}

	s.queue = append(s.queue, fresh...)
	return nil
}

// Close ends the LISTEN session.
func (s *Stream) Close(ctx context.Context) error {
	return s.closeFn(ctx)
}
