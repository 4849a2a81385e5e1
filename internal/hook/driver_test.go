package hook

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rat-data/remote-build-queue/internal/rbqpg"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestReadSettings_StopsAtZeroKeyLength(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteString(&buf, "stalled"))

	// rewrite: a settings preamble is key-len, key-bytes, val-string,
	// repeated, terminated by a zero key length.
	buf.Reset()
	require.NoError(t, WriteUint64(&buf, uint64(len("keep-going"))))
	buf.WriteString("keep-going")
	require.NoError(t, WriteString(&buf, "true"))
	require.NoError(t, WriteUint64(&buf, 0))

	got, err := readSettings(&buf)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "keep-going", got[0].key)
	assert.Equal(t, "true", got[0].val)
}

func TestRun_EmptyInput_FailsReadingSettings(t *testing.T) {
	var out bytes.Buffer
	var canceled atomic.Bool

	code := Run(context.Background(), bytes.NewReader(nil), &out, rbqpg.ConnParams{}, &canceled, discardLogger())

	assert.Equal(t, 1, code, "reading settings off an empty stream is an error, not a clean decline")
	assert.Empty(t, out.String())
}

func TestRun_NonTryToken_DeclinesWithoutTouchingDatabase(t *testing.T) {
	var in bytes.Buffer
	require.NoError(t, WriteUint64(&in, 0)) // no settings
	require.NoError(t, WriteString(&in, "not-try"))

	var out bytes.Buffer
	var canceled atomic.Bool

	code := Run(context.Background(), &in, &out, rbqpg.ConnParams{}, &canceled, discardLogger())

	assert.Equal(t, 0, code)
	assert.Empty(t, out.String())
}
