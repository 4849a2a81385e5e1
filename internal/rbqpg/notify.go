package rbqpg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PollingError wraps a failure to wait on the connection's socket. It
// corresponds to the original client's poll(2)-based PollingError
// variants, which pgx's WaitForNotification collapses into one Go error;
// the distinct poll(2) failure modes (POLLERR/POLLHUP/POLLNVAL, a failed
// poll(2) call, a closed connection) aren't independently observable
// through pgx's API, so one wrapper type covers all of them here.
type PollingError struct{ err error }

func (e *PollingError) Error() string { return "polling postgres socket: " + e.err.Error() }
func (e *PollingError) Unwrap() error { return e.err }

// Listen issues LISTEN on the given channel over conn. channel is quoted
// with EscapeIdentifier before interpolation, since LISTEN can't be
// parameterized.
func Listen(ctx context.Context, conn *pgx.Conn, channel string) error {
	stmt := "listen " + EscapeIdentifier(channel)
	if _, err := conn.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("listening on %s: %w", channel, err)
	}
	return nil
}

// AwaitNotification blocks until at least one notification arrives on
// conn, then drains every additional notification already queued before
// returning — the Go analogue of poll(2) followed by a PQnotifies drain
// loop, since pgx delivers one notification per WaitForNotification call
// rather than a batch.
//
// ctx cancellation surfaces as ctx.Err(), distinct from a genuine
// connection failure, which is returned wrapped in *PollingError.
func AwaitNotification(ctx context.Context, conn *pgx.Conn) ([]*pgconn.Notification, error) {
	first, err := conn.WaitForNotification(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &PollingError{err: err}
	}

	notifications := []*pgconn.Notification{first}

	for {
		drainCtx, cancel := context.WithTimeout(ctx, time.Millisecond)
		extra, err := conn.WaitForNotification(drainCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				break
			}
			break
		}
		notifications = append(notifications, extra)
	}

	return notifications, nil
}
