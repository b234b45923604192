package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/curio/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the data access interface for catalog mirrors, curated
// collections and reminders. Job records live behind JobStore.
type Store interface {
	Ping(ctx context.Context) error

	GetProduct(ctx context.Context, id uuid.UUID) (*models.Product, error)
	UpsertProduct(ctx context.Context, p *models.Product) error
	SetProductContentHash(ctx context.Context, id uuid.UUID, hash string) error
	SaveProductEnrichment(ctx context.Context, id uuid.UUID, e *models.ProductEnrichment, version int) error
	ListPoolCandidates(ctx context.Context, filter models.PoolFilter) ([]*models.Product, error)

	GetProfile(ctx context.Context, id uuid.UUID) (*models.Profile, error)
	SetProfileContentHash(ctx context.Context, id uuid.UUID, hash string) error

	CollectionsExist(ctx context.Context, surface string, validFrom time.Time) (bool, error)
	CreateCollection(ctx context.Context, c *models.PersistedCollection) error
	ListActiveCollections(ctx context.Context, surface string, at time.Time) ([]*models.PersistedCollection, error)
	DeleteExpiredCollections(ctx context.Context, now time.Time) (int, error)

	CreateReminder(ctx context.Context, r *models.ReminderSchedule) error
	GetReminder(ctx context.Context, id uuid.UUID) (*models.ReminderSchedule, error)
	ListDueReminders(ctx context.Context, now time.Time, limit int) ([]*models.ReminderSchedule, error)
	UpdateReminderStatus(ctx context.Context, id uuid.UUID, status string, opts ...ReminderUpdateOption) error
}

type reminderUpdateParams struct {
	LastError *string
	SentAt    *time.Time
}

type ReminderUpdateOption func(*reminderUpdateParams)

func WithLastError(msg string) ReminderUpdateOption {
	return func(p *reminderUpdateParams) {
		p.LastError = &msg
	}
}

func WithSentAt(t time.Time) ReminderUpdateOption {
	return func(p *reminderUpdateParams) {
		p.SentAt = &t
	}
}

// DefaultPoolLimit caps candidate pools when the filter sets no limit.
const DefaultPoolLimit = 1000
