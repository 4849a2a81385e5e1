// queue tails the shared events channel and dispatches jobs across a
// statically configured fleet of remote build machines.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/rat-data/remote-build-queue/internal/domain"
	"github.com/rat-data/remote-build-queue/internal/fleet"
	"github.com/rat-data/remote-build-queue/internal/rbqlog"
	"github.com/rat-data/remote-build-queue/internal/rbqpg"
	"github.com/rat-data/remote-build-queue/internal/worker"
)

func main() {
	baseHandler := slog.NewJSONHandler(os.Stdout, nil)
	logger := slog.New(rbqlog.NewContextHandler(baseHandler))
	slog.SetDefault(logger)

	params, err := connParamsFromEnv()
	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}

	fleetPath := os.Getenv("RBQ_FLEET_CONFIG")
	if fleetPath == "" {
		fleetPath = "fleet.yaml"
	}
	machines, err := fleet.LoadMachines(fleetPath)
	if err != nil {
		slog.Error("loading fleet config", "path", fleetPath, "err", err)
		os.Exit(1)
	}
	machines = fleet.SortByPriority(machines)
	slog.Debug("machine priorities loaded")
	for _, m := range machines {
		slog.Debug("machine", "store_uri", m.StoreURI, "system_types", m.SystemTypes)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := rbqpg.Pool(ctx, params)
	if err != nil {
		slog.Error("connecting to postgres", "err", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := rbqpg.HealthCheck(ctx, pool); err != nil {
		slog.Error("postgres health check failed", "err", err)
		os.Exit(1)
	}

	localStore := worker.DirLocalStore{Root: os.Getenv("RBQ_LOCAL_STORE")}

	workers := make([]*worker.Worker, 0, len(machines))
	targets := make([]fleet.DispatchTarget, 0, len(machines))
	for _, m := range machines {
		w := worker.New(m, params, pool, worker.NewSSHStore(m), localStore, logger)
		workers = append(workers, w)
		targets = append(targets, w)
	}

	scheduler := fleet.New(params, pool, targets, logger)

	wakeup := make(chan domain.FatalError, len(workers))
	for _, w := range workers {
		go w.Run(ctx, wakeup)
	}

	schedulerErrCh := make(chan error, 1)
	go func() {
		schedulerErrCh <- scheduler.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	case err := <-schedulerErrCh:
		if err != nil {
			slog.Error("dispatcher failed", "err", err)
			os.Exit(1)
		}
		slog.Info("events stream ended, shutting down")
	case fatal := <-wakeup:
		slog.Error("worker failed, shutting down queue", "machine", fatal.Machine.StoreURI, "err", fatal.Err)
		cancel()
		os.Exit(1)
	}
}

func connParamsFromEnv() (rbqpg.ConnParams, error) {
	var missing []string
	get := func(name string) string {
		v := os.Getenv(name)
		if v == "" {
			missing = append(missing, name)
		}
		return v
	}

	params := rbqpg.ConnParams{
		User:   get("PG_USER"),
		Host:   get("PG_HOST"),
		Port:   get("PG_PORT"),
		DBName: get("PG_DBNAME"),
	}
	if len(missing) > 0 {
		return rbqpg.ConnParams{}, fmt.Errorf("missing required environment variable(s): %v", missing)
	}
	return params, nil
}
