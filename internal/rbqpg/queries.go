package rbqpg

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rat-data/remote-build-queue/internal/domain"
)

// Querier is satisfied by both *pgx.Conn and *pgxpool.Pool. Every query
// below takes one rather than a concrete connection type, so call sites
// that hold a LISTEN session pass their dedicated conn while everyone
// else passes the shared pool.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// EscapeUUID renders u wrapped in braces, {…}, a text form Postgres
// accepts as a uuid literal. The query helpers below bind uuid.UUID values
// directly as typed query args instead, and per-job LISTEN channel names
// use the bare u.String().
func EscapeUUID(u uuid.UUID) string { return "{" + u.String() + "}" }

// ToSQLArray renders a Postgres array literal, e.g. {a,b,c}, with no
// quoting of the elements. Stored procedure calls pass []string args
// directly as typed parameters rather than this literal text form.
func ToSQLArray(items []string) string {
	return "{" + strings.Join(items, ",") + "}"
}

// EnqueueJob calls the enqueue_job stored procedure and returns the job
// id it assigns.
func EnqueueJob(ctx context.Context, conn Querier, drv, system string, requiredFeatures []string) (uuid.UUID, error) {
	var id uuid.UUID
	err := conn.QueryRow(ctx,
		"select enqueue_job($1, $2, $3::text[])",
		drv, system, requiredFeatures,
	).Scan(&id)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("enqueueing job: %w", err)
	}
	return id, nil
}

// CancelJob calls the cancel_job stored procedure.
func CancelJob(ctx context.Context, conn Querier, job uuid.UUID) error {
	if _, err := conn.Exec(ctx, "select cancel_job($1)", job); err != nil {
		return fmt.Errorf("canceling job %s: %w", job, err)
	}
	return nil
}

// AddInputsAndOutputs calls the add_inputs_and_outputs stored procedure.
func AddInputsAndOutputs(ctx context.Context, conn Querier, job uuid.UUID, inputs, wantedOutputs []string) error {
	_, err := conn.Exec(ctx,
		"select add_inputs_and_outputs($1, $2::text[], $3::text[])",
		job, inputs, wantedOutputs,
	)
	if err != nil {
		return fmt.Errorf("adding inputs and outputs for job %s: %w", job, err)
	}
	return nil
}

// AcceptJob calls the accept_job stored procedure, recording which
// machine's store a job was dispatched to.
func AcceptJob(ctx context.Context, conn Querier, job uuid.UUID, storeURI string) error {
	if _, err := conn.Exec(ctx, "select accept_job($1, $2)", job, storeURI); err != nil {
		return fmt.Errorf("accepting job %s: %w", job, err)
	}
	return nil
}

// InsertNoMachineAvailable inserts a no-machine-available event directly,
// the one event the scheduler appends without going through a stored
// procedure, since it carries no payload of its own to validate.
func InsertNoMachineAvailable(ctx context.Context, conn Querier, job uuid.UUID) error {
	_, err := conn.Exec(ctx,
		"insert into events (name, job) values ('no-machine-available', $1)",
		job,
	)
	if err != nil {
		return fmt.Errorf("inserting no-machine-available for job %s: %w", job, err)
	}
	return nil
}

// GetJob re-reads a job's immutable description. The scheduler calls
// this before dispatch rather than trusting the start event it cached,
// since get_job is the one authority a canceled job can no longer answer.
func GetJob(ctx context.Context, conn Querier, job uuid.UUID) (domain.Job, error) {
	var drv, system string
	var features []string
	err := conn.QueryRow(ctx, "select * from rows from (get_job($1))", job).
		Scan(&drv, &system, &features)
	if err != nil {
		return domain.Job{}, fmt.Errorf("getting job %s: %w", job, err)
	}
	return domain.Job{ID: job, Drv: drv, System: system, RequiredFeatures: features}, nil
}

// EventRow is the four-column shape get_events() returns, handed to
// buildevent.FromRow by the eventstream package. Columns are nullable:
// a null column is a schema violation FromRow reports as FromRowError
// rather than panicking on a nil dereference.
type EventRow struct {
	TS, Name, Job, Payload *string
}

// GetEvents replays every event already recorded for job, in the order
// get_events() returns them (which the schema guarantees is ascending by
// timestamp). This is the half of the replay-then-listen handoff that
// covers everything that happened before the caller started listening.
func GetEvents(ctx context.Context, conn Querier, job uuid.UUID) ([]EventRow, error) {
	rows, err := conn.Query(ctx, "select * from rows from (get_events($1))", job)
	if err != nil {
		return nil, fmt.Errorf("getting events for job %s: %w", job, err)
	}
	defer rows.Close()

	var results []EventRow
	for rows.Next() {
		var r EventRow
		if err := rows.Scan(&r.TS, &r.Name, &r.Job, &r.Payload); err != nil {
			return nil, fmt.Errorf("scanning event row for job %s: %w", job, err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading events for job %s: %w", job, err)
	}
	return results, nil
}
