package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/curio/internal/queue"
	"github.com/kiranshivaraju/curio/pkg/models"
)

const (
	TaskDailyCollections  = "daily-collections"
	TaskCollectionCleanup = "collection-cleanup"
	TaskReminderPoll      = "reminder-poll"

	triggeredBy = "scheduler"
)

// Enqueuer accepts jobs. *jobs.System satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload models.JobPayload, opts ...queue.Option) (*models.JobRecord, bool, error)
}

// ReminderSource lists reminders that are due. store.Store satisfies it.
type ReminderSource interface {
	ListDueReminders(ctx context.Context, now time.Time, limit int) ([]*models.ReminderSchedule, error)
}

// Cleaner deletes expired collections. *curator.Curator satisfies it.
type Cleaner interface {
	Cleanup(ctx context.Context, now time.Time) (int, error)
}

// StandardConfig parameterizes the standard task set.
type StandardConfig struct {
	Surfaces              []string
	DailyAt               string
	Location              *time.Location
	CollectionsCount      int
	ProductsPerCollection int
	CleanupInterval       time.Duration
	ReminderPollInterval  time.Duration
	ReminderBatch         int
}

// StandardTasks returns the daily collection run (with a catch-up firing on
// start), the expired-collection cleanup and the reminder poll.
func StandardTasks(cfg StandardConfig, enq Enqueuer, reminders ReminderSource, cleaner Cleaner, logger *slog.Logger) ([]Task, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")

	dailyCadence, err := Daily(cfg.DailyAt, cfg.Location)
	if err != nil {
		return nil, err
	}

	return []Task{
		{
			Name:       TaskDailyCollections,
			Cadence:    dailyCadence,
			RunOnStart: true,
			Run: func(ctx context.Context, at time.Time) error {
				_, err := EnqueueDailyCollections(ctx, enq, cfg, at)
				return err
			},
		},
		{
			Name:    TaskCollectionCleanup,
			Cadence: Every(cfg.CleanupInterval),
			Run: func(ctx context.Context, at time.Time) error {
				_, err := cleaner.Cleanup(ctx, at)
				return err
			},
		},
		{
			Name:    TaskReminderPoll,
			Cadence: Every(cfg.ReminderPollInterval),
			Run: func(ctx context.Context, at time.Time) error {
				n, err := PollReminders(ctx, reminders, enq, at, cfg.ReminderBatch)
				if n > 0 {
					logger.Info("reminders dispatched", "count", n)
				}
				return err
			},
		},
	}, nil
}

// EnqueueDailyCollections enqueues one generation job per surface for the
// calendar date of at in the configured location. It reports how many jobs
// were newly created.
func EnqueueDailyCollections(ctx context.Context, enq Enqueuer, cfg StandardConfig, at time.Time) (int, error) {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	date := at.In(loc).Format(time.DateOnly)

	created := 0
	var errs []error
	for _, surface := range cfg.Surfaces {
		_, ok, err := enq.Enqueue(ctx, models.CollectionGenerationPayload{
			Meta:                  models.NewMeta(triggeredBy),
			Surface:               surface,
			TargetDate:            date,
			CollectionsCount:      cfg.CollectionsCount,
			ProductsPerCollection: cfg.ProductsPerCollection,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("surface %s: %w", surface, err))
			continue
		}
		if ok {
			created++
		}
	}
	return created, errors.Join(errs...)
}

// PollReminders enqueues a dispatch job for each due reminder. Concurrent
// polls are safe: the job key is per schedule, so each reminder gets at most
// one active dispatch. It reports how many jobs were newly created.
func PollReminders(ctx context.Context, src ReminderSource, enq Enqueuer, now time.Time, batch int) (int, error) {
	if batch <= 0 {
		batch = 100
	}
	due, err := src.ListDueReminders(ctx, now, batch)
	if err != nil {
		return 0, fmt.Errorf("listing due reminders: %w", err)
	}

	created := 0
	var errs []error
	for _, r := range due {
		_, ok, err := enq.Enqueue(ctx, models.ReminderDispatchPayload{
			Meta:       models.NewMeta(triggeredBy),
			ScheduleID: r.ID,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("reminder %s: %w", r.ID, err))
			continue
		}
		if ok {
			created++
		}
	}
	return created, errors.Join(errs...)
}
