// Package rbqlog enriches the structured logging both executables use
// with the one piece of context nearly every log line in this system
// wants: the job a line is about.
package rbqlog

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

type jobIDKey struct{}

// WithJobID returns a context carrying job for ContextHandler to pick up
// automatically, so call sites deep inside the event stream or the
// worker loop don't need to thread job through every log call by hand.
func WithJobID(ctx context.Context, job uuid.UUID) context.Context {
	return context.WithValue(ctx, jobIDKey{}, job)
}

// JobIDFromContext extracts the job set by WithJobID, if any.
func JobIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(jobIDKey{}).(uuid.UUID)
	return id, ok
}

// ContextHandler is an slog.Handler that adds job_id to every record when
// the context carries one, the way request_id is threaded through an
// HTTP handler chain.
type ContextHandler struct {
	inner slog.Handler
}

func NewContextHandler(inner slog.Handler) *ContextHandler {
	return &ContextHandler{inner: inner}
}

func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *ContextHandler) Handle(ctx context.Context, record slog.Record) error {
	if job, ok := JobIDFromContext(ctx); ok {
		record.AddAttrs(slog.String("job_id", job.String()))
	}
	return h.inner.Handle(ctx, record)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{inner: h.inner.WithGroup(name)}
}
