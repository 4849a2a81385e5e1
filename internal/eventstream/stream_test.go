package eventstream

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rat-data/remote-build-queue/internal/buildevent"
	"github.com/rat-data/remote-build-queue/internal/rbqpg"
)

func notifyPayload(t *testing.T, ts time.Time, name buildevent.Name, job uuid.UUID, payload any) string {
	t.Helper()
	p, err := json.Marshal(payload)
	require.NoError(t, err)
	raw, err := json.Marshal(struct {
		TS      string          `json:"ts"`
		Name    string          `json:"name"`
		Job     string          `json:"job"`
		Payload json.RawMessage `json:"payload"`
	}{ts.Format(time.RFC3339Nano), string(name), job.String(), p})
	require.NoError(t, err)
	return string(raw)
}

func TestStream_SeedThenNext_DeliversReplayedEventsFirst(t *testing.T) {
	job := uuid.New()
	ts := time.Now().UTC()

	calls := 0
	poll := func(ctx context.Context) ([]rawNotification, error) {
		calls++
		return nil, context.Canceled
	}
	replay := func(ctx context.Context, j uuid.UUID) ([]rbqpg.EventRow, error) {
		tsStr := ts.Format(time.RFC3339Nano)
		name := string(buildevent.NameStart)
		jobStr := j.String()
		payload := `{"drv":"x","system":"builtin","system_features":[]}`
		return []rbqpg.EventRow{{TS: &tsStr, Name: &name, Job: &jobStr, Payload: &payload}}, nil
	}
	s := newStream("events", poll, replay, func(context.Context) error { return nil })

	require.NoError(t, s.Seed(context.Background(), job))

	evt, err, ok := s.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	start, isStart := evt.(buildevent.Start)
	require.True(t, isStart)
	assert.Equal(t, "x", start.Drv)

	_, _, ok = s.Next(context.Background())
	assert.False(t, ok, "fill should have been called once the replay queue drained")
	assert.Equal(t, 1, calls)
}

func TestStream_Fill_DedupesAgainstReplayedEvent(t *testing.T) {
	job := uuid.New()
	ts := time.Now().UTC()

	replay := func(ctx context.Context, j uuid.UUID) ([]rbqpg.EventRow, error) {
		tsStr := ts.Format(time.RFC3339Nano)
		name := string(buildevent.NameCancel)
		jobStr := j.String()
		payload := `{}`
		return []rbqpg.EventRow{{TS: &tsStr, Name: &name, Job: &jobStr, Payload: &payload}}, nil
	}

	liveDelivered := false
	poll := func(ctx context.Context) ([]rawNotification, error) {
		if liveDelivered {
			return nil, context.Canceled
		}
		liveDelivered = true
		dup := notifyPayload(t, ts, buildevent.NameCancel, job, struct{}{})
		fresh := notifyPayload(t, ts.Add(time.Second), buildevent.NameFail, job, struct {
			Msg string `json:"msg"`
		}{"boom"})
		return []rawNotification{
			{Channel: "events", Payload: dup},
			{Channel: "events", Payload: fresh},
		}, nil
	}

	s := newStream("events", poll, replay, func(context.Context) error { return nil })
	require.NoError(t, s.Seed(context.Background(), job))

	// First Next drains the replayed cancel.
	evt, err, ok := s.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	_, isCancel := evt.(buildevent.Cancel)
	assert.True(t, isCancel)

	// Second Next triggers fill, which must skip the duplicate cancel and
	// deliver only the fresh fail event.
	evt, err, ok = s.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	fail, isFail := evt.(buildevent.Fail)
	require.True(t, isFail)
	assert.Equal(t, "boom", fail.Msg)
}

func TestStream_Fill_WrongChannelIsNonFatal(t *testing.T) {
	job := uuid.New()
	calls := 0
	poll := func(ctx context.Context) ([]rawNotification, error) {
		calls++
		if calls == 1 {
			return []rawNotification{{Channel: "other", Payload: "{}"}}, nil
		}
		return nil, context.Canceled
	}
	replay := func(ctx context.Context, j uuid.UUID) ([]rbqpg.EventRow, error) { return nil, nil }

	s := newStream("events", poll, replay, func(context.Context) error { return nil })
	require.NoError(t, s.Seed(context.Background(), job))

	_, err, ok := s.Next(context.Background())
	require.True(t, ok)
	var wrongChannel *WrongChannelError
	assert.ErrorAs(t, err, &wrongChannel)

	_, _, ok = s.Next(context.Background())
	assert.False(t, ok)
}

func TestStream_Seed_PropagatesFromRowError(t *testing.T) {
	replay := func(ctx context.Context, j uuid.UUID) ([]rbqpg.EventRow, error) {
		return []rbqpg.EventRow{{TS: nil, Name: nil, Job: nil, Payload: nil}}, nil
	}
	s := newStream("events", nil, replay, func(context.Context) error { return nil })
	require.NoError(t, s.Seed(context.Background(), uuid.New()))

	_, err, ok := s.Next(context.Background())
	require.True(t, ok)
	var rowErr *buildevent.FromRowError
	assert.ErrorAs(t, err, &rowErr)
}
