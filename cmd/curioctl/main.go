// Package main is curioctl, the operator CLI. It talks to the job tables
// directly, so it works while the server is down.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/curio/internal/config"
	"github.com/kiranshivaraju/curio/internal/jobs"
	"github.com/kiranshivaraju/curio/internal/queue"
	"github.com/kiranshivaraju/curio/internal/store"
	"github.com/kiranshivaraju/curio/pkg/models"
)

// Operator is what the commands need from the job system. *jobs.System
// satisfies it.
type Operator interface {
	Enqueue(ctx context.Context, payload models.JobPayload, opts ...queue.Option) (*models.JobRecord, bool, error)
	Job(ctx context.Context, id uuid.UUID) (*models.JobRecord, error)
	Sweep(ctx context.Context) (requeued, purged int, err error)
}

// opener builds the Operator for one command run and returns its cleanup.
type opener func(ctx context.Context) (Operator, *config.Config, func(), error)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(openSystem, os.Stdout)
	if err := root.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// openSystem connects to Postgres and builds a job system that only enqueues
// and inspects; its workers are never started.
func openSystem(ctx context.Context) (Operator, *config.Config, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect database: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	system, err := jobs.NewSystem(jobs.Deps{
		Store:   store.NewPostgresStore(pool),
		Backend: store.NewJobStore(pool),
		Logger:  logger,
	}, cfg.Jobs)
	if err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	return system, cfg, pool.Close, nil
}
