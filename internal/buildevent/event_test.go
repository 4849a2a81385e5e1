package buildevent

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strptr(s string) *string { return &s }

func TestFromRow_NullColumns(t *testing.T) {
	ts := "2026-01-01T00:00:00Z"
	name := "start"
	job := uuid.New().String()
	payload := `{"drv":"x","system":"builtin","system_features":[]}`

	_, err := FromRow(nil, &name, &job, &payload)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ts was null")

	_, err = FromRow(&ts, nil, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name was null")
	assert.Contains(t, err.Error(), "job was null")
	assert.Contains(t, err.Error(), "payload was null")
}

func TestFromRow_MalformedPayload(t *testing.T) {
	ts := "2026-01-01T00:00:00Z"
	name := "start"
	job := uuid.New().String()
	payload := "{not json"

	_, err := FromRow(&ts, &name, &job, &payload)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "{not json")
}

func TestParse_UnknownName(t *testing.T) {
	_, err := Parse(time.Now(), Name("bogus"), uuid.New(), []byte(`{}`))
	require.Error(t, err)
	assert.Equal(t, "unexpected event name: bogus", err.Error())
}

func TestParse_AllVariants_RoundTrip(t *testing.T) {
	job := uuid.New()
	ts := time.Now().UTC().Truncate(time.Millisecond)

	cases := []Event{
		Start{Fields: Fields{TS: ts, Name: NameStart, Job: job}, Drv: "/nix/store/aaa-foo.drv", System: "x86_64-linux", RequiredFeatures: []string{"big-parallel"}},
		Cancel{Fields: Fields{TS: ts, Name: NameCancel, Job: job}},
		NoMachineAvailable{Fields: Fields{TS: ts, Name: NameNoMachineAvailable, Job: job}},
		Accept{Fields: Fields{TS: ts, Name: NameAccept, Job: job}, URI: "ssh://host"},
		AddInputsAndOutputs{Fields: Fields{TS: ts, Name: NameAddInputsAndOutputs, Job: job}, Inputs: []string{"/nix/store/a"}, WantedOutputs: []string{"out"}},
		Fail{Fields: Fields{TS: ts, Name: NameFail, Job: job}, Msg: "boom"},
	}

	for _, want := range cases {
		name, payload, err := Serialize(want)
		require.NoError(t, err)

		got, err := Parse(ts, name, job, payload)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestLess_OrdersByTimestampAscending(t *testing.T) {
	job := uuid.New()
	early := Cancel{Fields: Fields{TS: time.Unix(0, 0), Name: NameCancel, Job: job}}
	late := Cancel{Fields: Fields{TS: time.Unix(1, 0), Name: NameCancel, Job: job}}

	assert.True(t, Less(early, late))
	assert.False(t, Less(late, early))
	assert.False(t, Less(early, early))
}

func TestParsePayload_NotificationEnvelope(t *testing.T) {
	job := uuid.New()
	raw := []byte(`{"ts":"2026-01-01T00:00:00.123Z","name":"accept","job":"` + job.String() + `","payload":{"uri":"ssh://host"}}`)

	evt, err := ParsePayload(raw)
	require.NoError(t, err)

	accept, ok := evt.(Accept)
	require.True(t, ok)
	assert.Equal(t, "ssh://host", accept.URI)
	assert.Equal(t, job, accept.Job)
}

func TestParsePayload_BadJSON(t *testing.T) {
	_, err := ParsePayload([]byte("{not json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "{not json")
}
