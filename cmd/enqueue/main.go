// enqueue is the build-hook driver: given one framed request on stdin,
// it records a job in Postgres, waits for the queue side to decide its
// fate, and speaks the verdict back on stderr.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"

	"github.com/rat-data/remote-build-queue/internal/hook"
	"github.com/rat-data/remote-build-queue/internal/rbqlog"
	"github.com/rat-data/remote-build-queue/internal/rbqpg"
)

// verbosity maps the hook's numeric verbosity argument onto a slog
// level: 0 is the driver's default build verbosity, each increment
// below it drops a level, mirroring how the original CLI's -v/-q flags
// accumulate into a single signed count.
func verbosity(n int) slog.Level {
	switch {
	case n <= -2:
		return slog.LevelError
	case n == -1:
		return slog.LevelWarn
	case n == 0:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

func main() {
	if len(os.Args) != 6 {
		fmt.Fprintf(os.Stderr, "usage: %s <user> <host> <port> <database> <verbosity>\n", os.Args[0])
		os.Exit(1)
	}

	verb, err := strconv.Atoi(os.Args[5])
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad verbosity %q: %s\n", os.Args[5], err)
		os.Exit(1)
	}

	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: verbosity(verb)})
	logger := slog.New(rbqlog.NewContextHandler(baseHandler))

	params := rbqpg.ConnParams{
		User:   os.Args[1],
		Host:   os.Args[2],
		Port:   os.Args[3],
		DBName: os.Args[4],
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// canceled is set by the interrupt notification below and consumed
	// only at loop boundaries inside hook.Run, never from signal context
	// itself — see hook.Run and its publishCancelIfRequested helper.
	var canceled atomic.Bool
	go func() {
		<-ctx.Done()
		canceled.Store(true)
	}()

	// The verdict goes to stderr, matching the original driver's std::cerr
	// and the build hook protocol's FD assignment — stdout is not part of
	// this handshake.
	code := hook.Run(context.Background(), os.Stdin, os.Stderr, params, &canceled, logger)
	os.Exit(code)
}
