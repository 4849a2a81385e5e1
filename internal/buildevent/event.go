// Package buildevent implements the six-variant event codec described by
// the coordination protocol: parsing a Postgres row or notification
// payload into a tagged event, and the ascending-timestamp ordering
// predicate that makes replay and live delivery agree on one total order
// per job.
package buildevent

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Name is one of the six event tags.
type Name string

const (
	NameStart               Name = "start"
	NameCancel              Name = "cancel"
	NameNoMachineAvailable  Name = "no-machine-available"
	NameAccept              Name = "accept"
	NameAddInputsAndOutputs Name = "add-inputs-and-outputs"
	NameFail                Name = "fail"
)

// Fields is the part of an event common to all six variants.
type Fields struct {
	TS   time.Time
	Name Name
	Job  uuid.UUID
}

// Event is the sum type of the six event variants. Each concrete type
// embeds Fields and carries its own payload.
type Event interface {
	fields() Fields
}

// CommonFields returns the Fields embedded in any Event.
func CommonFields(e Event) Fields { return e.fields() }

// Start carries the job's immutable description.
type Start struct {
	Fields
	Drv              string
	System           string
	RequiredFeatures []string
}

func (e Start) fields() Fields { return e.Fields }

// Cancel carries no payload.
type Cancel struct{ Fields }

func (e Cancel) fields() Fields { return e.Fields }

// NoMachineAvailable carries no payload.
type NoMachineAvailable struct{ Fields }

func (e NoMachineAvailable) fields() Fields { return e.Fields }

// Accept names the machine that accepted the job.
type Accept struct {
	Fields
	URI string
}

func (e Accept) fields() Fields { return e.Fields }

// AddInputsAndOutputs announces the closure the worker must copy and the
// outputs the driver wants.
type AddInputsAndOutputs struct {
	Fields
	Inputs        []string
	WantedOutputs []string
}

func (e AddInputsAndOutputs) fields() Fields { return e.Fields }

// Fail carries the build failure message.
type Fail struct {
	Fields
	Msg string
}

func (e Fail) fields() Fields { return e.Fields }

// rawFields is the wire shape of a notification payload or replayed row:
// {ts, name, job, payload}.
type rawFields struct {
	TS      string          `json:"ts"`
	Name    string          `json:"name"`
	Job     string          `json:"job"`
	Payload json.RawMessage `json:"payload"`
}

// EnvelopeDecodeError reports that a notification's extra field was not
// valid JSON at all — the envelope itself failed to decode, as opposed
// to decoding fine but naming an event ParsePayload can't make sense of.
// Callers distinguish the two so a single malformed notification doesn't
// have to be treated the same as a corrupt connection.
type EnvelopeDecodeError struct {
	Orig string
	Err  error
}

func (e *EnvelopeDecodeError) Error() string {
	return fmt.Sprintf("failed decoding event: %s. got %s", e.Err, e.Orig)
}

func (e *EnvelopeDecodeError) Unwrap() error { return e.Err }

// ParsePayload decodes a notification's JSON extra field (the full
// {ts,name,job,payload} envelope) into a tagged Event.
func ParsePayload(raw []byte) (Event, error) {
	var rf rawFields
	if err := json.Unmarshal(raw, &rf); err != nil {
		return nil, &EnvelopeDecodeError{Orig: string(raw), Err: err}
	}
	ts, err := time.Parse(time.RFC3339Nano, rf.TS)
	if err != nil {
		return nil, fmt.Errorf("parsing '%s': bad ts %q: %w", rf.Name, rf.TS, err)
	}
	job, err := uuid.Parse(rf.Job)
	if err != nil {
		return nil, fmt.Errorf("parsing '%s': bad job %q: %w", rf.Name, rf.Job, err)
	}
	return Parse(ts, Name(rf.Name), job, rf.Payload)
}

// Parse dispatches on name to build the matching Event variant from its
// JSON payload.
func Parse(ts time.Time, name Name, job uuid.UUID, payload json.RawMessage) (Event, error) {
	f := Fields{TS: ts, Name: name, Job: job}

	switch name {
	case NameStart:
		var p struct {
			Drv            string   `json:"drv"`
			System         string   `json:"system"`
			SystemFeatures []string `json:"system_features"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, parseErr(name, err, payload)
		}
		return Start{Fields: f, Drv: p.Drv, System: p.System, RequiredFeatures: p.SystemFeatures}, nil

	case NameCancel:
		return Cancel{Fields: f}, nil

	case NameNoMachineAvailable:
		return NoMachineAvailable{Fields: f}, nil

	case NameAccept:
		var p struct {
			URI string `json:"uri"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, parseErr(name, err, payload)
		}
		return Accept{Fields: f, URI: p.URI}, nil

	case NameAddInputsAndOutputs:
		var p struct {
			Inputs        []string `json:"inputs"`
			WantedOutputs []string `json:"wanted_outputs"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, parseErr(name, err, payload)
		}
		return AddInputsAndOutputs{Fields: f, Inputs: p.Inputs, WantedOutputs: p.WantedOutputs}, nil

	case NameFail:
		var p struct {
			Msg string `json:"msg"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, parseErr(name, err, payload)
		}
		return Fail{Fields: f, Msg: p.Msg}, nil

	default:
		return nil, fmt.Errorf("unexpected event name: %s", name)
	}
}

func parseErr(name Name, err error, payload json.RawMessage) error {
	return fmt.Errorf("parsing '%s': %s. got %s", name, err, payload)
}

// FromRowError reports which of a replayed row's four columns were null,
// or a payload JSON decode failure. It implements error.
type FromRowError struct {
	msg string
}

func (e *FromRowError) Error() string { return e.msg }

// FromRow parses the four columns of a get_events() row into an Event.
// nil pointers mean SQL NULL; FromRowError distinguishes null columns
// from a malformed payload, per the codec contract.
func FromRow(ts, name, job, payload *string) (Event, error) {
	var nullCols []string
	if ts == nil {
		nullCols = append(nullCols, "ts")
	}
	if name == nil {
		nullCols = append(nullCols, "name")
	}
	if job == nil {
		nullCols = append(nullCols, "job")
	}
	if payload == nil {
		nullCols = append(nullCols, "payload")
	}
	if len(nullCols) > 0 {
		return nil, &FromRowError{msg: strings.Join(nullCols, " was null, ") + " was null"}
	}

	parsedTS, err := time.Parse(time.RFC3339Nano, *ts)
	if err != nil {
		return nil, &FromRowError{msg: fmt.Sprintf("parsing payload: bad ts %q: %s. got %s", *ts, err, *payload)}
	}
	parsedJob, err := uuid.Parse(*job)
	if err != nil {
		return nil, &FromRowError{msg: fmt.Sprintf("parsing payload: bad job %q: %s. got %s", *job, err, *payload)}
	}

	var raw json.RawMessage
	if err := json.Unmarshal([]byte(*payload), &raw); err != nil {
		return nil, &FromRowError{msg: fmt.Sprintf("parsing payload: %s. got %s", err, *payload)}
	}

	event, err := Parse(parsedTS, Name(*name), parsedJob, raw)
	if err != nil {
		return nil, &FromRowError{msg: err.Error()}
	}
	return event, nil
}

// Serialize encodes an Event's payload back into the canonical JSON shape
// the stored procedures and notifications use.
func Serialize(e Event) (name Name, payload []byte, err error) {
	switch ev := e.(type) {
	case Start:
		name = NameStart
		payload, err = json.Marshal(struct {
			Drv            string   `json:"drv"`
			System         string   `json:"system"`
			SystemFeatures []string `json:"system_features"`
		}{ev.Drv, ev.System, orEmpty(ev.RequiredFeatures)})
	case Cancel:
		name = NameCancel
		payload = []byte(`{}`)
	case NoMachineAvailable:
		name = NameNoMachineAvailable
		payload = []byte(`{}`)
	case Accept:
		name = NameAccept
		payload, err = json.Marshal(struct {
			URI string `json:"uri"`
		}{ev.URI})
	case AddInputsAndOutputs:
		name = NameAddInputsAndOutputs
		payload, err = json.Marshal(struct {
			Inputs        []string `json:"inputs"`
			WantedOutputs []string `json:"wanted_outputs"`
		}{orEmpty(ev.Inputs), orEmpty(ev.WantedOutputs)})
	case Fail:
		name = NameFail
		payload, err = json.Marshal(struct {
			Msg string `json:"msg"`
		}{ev.Msg})
	default:
		err = fmt.Errorf("serializing unknown event type %T", e)
	}
	return name, payload, err
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Less is the ascending-ts ordering predicate used by replay sort and by
// the per-channel monotonicity property.
func Less(a, b Event) bool {
	return CommonFields(a).TS.Before(CommonFields(b).TS)
}
