package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/curio/internal/config"
	"github.com/kiranshivaraju/curio/internal/queue"
	"github.com/kiranshivaraju/curio/internal/store"
	"github.com/kiranshivaraju/curio/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool + cleanup.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("curio_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	err = store.RunMigrations(connStr, migrationsDir())
	require.NoError(t, err)

	pool, err := store.Connect(ctx, config.DatabaseConfig{URL: connStr, MaxOpenConns: 4, MaxIdleConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

func TestConnect_TagsSessions(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)

	var name string
	require.NoError(t, pool.QueryRow(context.Background(), `SHOW application_name`).Scan(&name))
	assert.Equal(t, "curio", name)
	assert.Equal(t, int32(4), pool.Config().MaxConns)
}

func TestConnect_InvalidURL(t *testing.T) {
	_, err := store.Connect(context.Background(), config.DatabaseConfig{URL: "not a url://"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse database URL")
}

func publishedProduct(title string, price int64, publishedAt time.Time) *models.Product {
	return &models.Product{
		ID:          uuid.New(),
		Title:       title,
		Description: title + " description",
		Brand:       "acme",
		Category:    "home",
		Tags:        []string{"gift"},
		PriceCents:  price,
		Status:      models.ProductStatusPublished,
		Visible:     true,
		PublishedAt: &publishedAt,
	}
}

// --- Product Tests ---

func TestProduct_UpsertAndGet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	p := publishedProduct("Ceramic mug", 2500, now)
	require.NoError(t, s.UpsertProduct(ctx, p))
	require.NoError(t, s.SetProductContentHash(ctx, p.ID, "hash-1"))

	p.Title = "Ceramic mug, blue"
	require.NoError(t, s.UpsertProduct(ctx, p))

	got, err := s.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ceramic mug, blue", got.Title)
	assert.Equal(t, []string{"gift"}, got.Tags)
	require.NotNil(t, got.ContentHash)
	assert.Equal(t, "hash-1", *got.ContentHash, "upsert must not reset the content hash")
	assert.Nil(t, got.Enrichment)
}

func TestProduct_GetNotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	_, err := s.GetProduct(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestProduct_SaveEnrichment(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	p := publishedProduct("Linen apron", 4200, time.Now().UTC())
	require.NoError(t, s.UpsertProduct(ctx, p))

	e := &models.ProductEnrichment{
		Summary:   "A sturdy apron",
		Occasions: []string{"housewarming"},
		Recipient: []string{"cook"},
		Keywords:  []string{"kitchen", "linen"},
	}
	require.NoError(t, s.SaveProductEnrichment(ctx, p.ID, e, 2))

	got, err := s.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Enrichment)
	assert.Equal(t, *e, *got.Enrichment)
	assert.Equal(t, 2, got.EnrichmentVersion)

	assert.ErrorIs(t, s.SaveProductEnrichment(ctx, uuid.New(), e, 1), store.ErrNotFound)
}

func TestListPoolCandidates_Filters(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	cheap := publishedProduct("cheap", 500, now.Add(-2*time.Hour))
	mid := publishedProduct("mid", 3000, now.Add(-time.Hour))
	pricey := publishedProduct("pricey", 90000, now)
	hidden := publishedProduct("hidden", 3000, now)
	hidden.Visible = false
	draft := publishedProduct("draft", 3000, now)
	draft.Status = models.ProductStatusDraft
	excluded := publishedProduct("excluded", 3000, now)

	for _, p := range []*models.Product{cheap, mid, pricey, hidden, draft, excluded} {
		require.NoError(t, s.UpsertProduct(ctx, p))
	}

	all, err := s.ListPoolCandidates(ctx, models.PoolFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	minPrice, maxPrice := int64(1000), int64(50000)
	got, err := s.ListPoolCandidates(ctx, models.PoolFilter{
		MinPriceCents: &minPrice,
		MaxPriceCents: &maxPrice,
		ExcludeIDs:    []uuid.UUID{excluded.ID},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, mid.ID, got[0].ID)

	limited, err := s.ListPoolCandidates(ctx, models.PoolFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, pricey.ID, limited[0].ID, "newest published first")

	none, err := s.ListPoolCandidates(ctx, models.PoolFilter{Brands: []string{"other"}})
	require.NoError(t, err)
	assert.Empty(t, none)
}

// --- Collection Tests ---

func newCollection(surface, key string, from time.Time, productIDs ...uuid.UUID) *models.PersistedCollection {
	c := &models.PersistedCollection{
		ID:        uuid.New(),
		Key:       key,
		Surface:   surface,
		Title:     "Cozy nights in",
		Vibe:      "warm",
		Cover:     models.CoverImage{URL: "https://img.example/1.jpg", Attribution: "Photo by A"},
		ValidFrom: from,
		ValidTo:   from.Add(72 * time.Hour),
		Generation: models.GenerationProvenance{
			Provider: "mock", Model: "mock-model", RunID: "run-1", TokensIn: 10, TokensOut: 20,
		},
		CreatedAt: from,
	}
	for i, id := range productIDs {
		c.Items = append(c.Items, models.CollectionItem{ProductID: id, Rank: i})
	}
	return c
}

func TestCollection_CreateAndListActive(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	c := newCollection("home", "home-2026-03-01-cozy", from, ids...)
	require.NoError(t, s.CreateCollection(ctx, c))

	exists, err := s.CollectionsExist(ctx, "home", from)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = s.CollectionsExist(ctx, "home", from.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.False(t, exists)

	active, err := s.ListActiveCollections(ctx, "home", from.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, c.Key, active[0].Key)
	assert.Equal(t, "Photo by A", active[0].Cover.Attribution)
	assert.Equal(t, "run-1", active[0].Generation.RunID)
	require.Len(t, active[0].Items, 3)
	for i, item := range active[0].Items {
		assert.Equal(t, ids[i], item.ProductID)
		assert.Equal(t, i, item.Rank)
	}

	later, err := s.ListActiveCollections(ctx, "home", from.Add(73*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, later)
}

func TestCollection_ZeroCreatedAtDefaultsToNow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	from := time.Now().UTC().Truncate(24 * time.Hour)

	c := newCollection("home", "home-created-at", from, uuid.New())
	c.CreatedAt = time.Time{}
	require.NoError(t, s.CreateCollection(ctx, c))
	assert.WithinDuration(t, time.Now(), c.CreatedAt, time.Minute)

	active, err := s.ListActiveCollections(ctx, "home", from.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.WithinDuration(t, time.Now(), active[0].CreatedAt, time.Minute)
}

func TestCollection_DuplicateKeyWritesNothing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.CreateCollection(ctx, newCollection("home", "dup-key", from, uuid.New())))

	second := newCollection("home", "dup-key", from, uuid.New(), uuid.New())
	err := s.CreateCollection(ctx, second)
	assert.ErrorIs(t, err, store.ErrDuplicateKey)

	var items int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM collection_items WHERE collection_id = $1`, second.ID).Scan(&items))
	assert.Zero(t, items)
}

func TestCollection_DeleteExpired(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	expired := newCollection("home", "expired", now.Add(-96*time.Hour), uuid.New())
	current := newCollection("home", "current", now.Add(-time.Hour), uuid.New())
	require.NoError(t, s.CreateCollection(ctx, expired))
	require.NoError(t, s.CreateCollection(ctx, current))

	n, err := s.DeleteExpiredCollections(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	active, err := s.ListActiveCollections(ctx, "home", now)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "current", active[0].Key)

	var items int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM collection_items WHERE collection_id = $1`, expired.ID).Scan(&items))
	assert.Zero(t, items)
}

// --- Reminder Tests ---

func TestReminder_ListDue(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	due := &models.ReminderSchedule{ID: uuid.New(), ScheduledFor: now.Add(-2 * time.Minute),
		Channel: "email", Recipient: "a@example.com", CreatedAt: now, UpdatedAt: now}
	future := &models.ReminderSchedule{ID: uuid.New(), ScheduledFor: now.Add(time.Hour),
		Channel: "email", Recipient: "b@example.com", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateReminder(ctx, due))
	require.NoError(t, s.CreateReminder(ctx, future))

	got, err := s.ListDueReminders(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, due.ID, got[0].ID)
	assert.Equal(t, models.ReminderQueued, got[0].Status)

	sentAt := now
	require.NoError(t, s.UpdateReminderStatus(ctx, due.ID, models.ReminderSent, store.WithSentAt(sentAt)))

	got, err = s.ListDueReminders(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	r, err := s.GetReminder(ctx, due.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReminderSent, r.Status)
	assert.Equal(t, 1, r.Attempts)
	require.NotNil(t, r.SentAt)
}

func TestReminder_InvalidTransition(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	now := time.Now().UTC()

	r := &models.ReminderSchedule{ID: uuid.New(), ScheduledFor: now, Channel: "sms",
		Recipient: "+15550100", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateReminder(ctx, r))
	require.NoError(t, s.UpdateReminderStatus(ctx, r.ID, models.ReminderFailed, store.WithLastError("timeout")))
	require.NoError(t, s.UpdateReminderStatus(ctx, r.ID, models.ReminderSent, store.WithSentAt(now)))

	err := s.UpdateReminderStatus(ctx, r.ID, models.ReminderFailed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid reminder status transition")

	assert.ErrorIs(t, s.UpdateReminderStatus(ctx, uuid.New(), models.ReminderSent), store.ErrNotFound)
}

// --- Job Tests ---

func newQueue(pool *pgxpool.Pool) *queue.Queue {
	return queue.New(queue.Config{Kind: models.KindProductEmbedding}, store.NewJobStore(pool), nil, nil)
}

func TestJobStore_IdempotentEnqueue(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	q := newQueue(pool)
	ctx := context.Background()
	payload := models.ProductEmbeddingPayload{Meta: models.NewMeta("test"), ProductID: uuid.New()}

	first, created, err := q.Enqueue(ctx, payload)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := q.Enqueue(ctx, payload)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	claimed, err := q.Claim(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, q.Complete(ctx, claimed, models.Succeeded(nil)))

	third, created, err := q.Enqueue(ctx, payload)
	require.NoError(t, err)
	assert.True(t, created, "a finished job no longer blocks its key")
	assert.NotEqual(t, first.ID, third.ID)
}

func TestJobStore_ConcurrentEnqueueCreatesOne(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	q := newQueue(pool)
	ctx := context.Background()
	payload := models.ProductEmbeddingPayload{Meta: models.NewMeta("test"), ProductID: uuid.New()}

	var wg sync.WaitGroup
	var mu sync.Mutex
	createdCount := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := q.Enqueue(ctx, payload)
			assert.NoError(t, err)
			if created {
				mu.Lock()
				createdCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, createdCount)
}

func TestJobStore_ClaimOrderAndRetry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	q := newQueue(pool)
	ctx := context.Background()

	low, _, err := q.Enqueue(ctx, models.ProductEmbeddingPayload{Meta: models.NewMeta("test"), ProductID: uuid.New()},
		queue.WithPriority(5))
	require.NoError(t, err)
	high, _, err := q.Enqueue(ctx, models.ProductEmbeddingPayload{Meta: models.NewMeta("test"), ProductID: uuid.New()},
		queue.WithPriority(1), queue.WithBackoff(models.Backoff{Type: models.BackoffFixed, Delay: time.Hour}))
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, high.ID, claimed.ID)
	assert.Equal(t, 1, claimed.Attempts)

	require.NoError(t, q.Fail(ctx, claimed, assert.AnError))

	got, err := q.Get(ctx, high.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.True(t, got.RunAt.After(time.Now().Add(50*time.Minute)))
	require.NotNil(t, got.LastError)

	next, err := q.Claim(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, low.ID, next.ID, "delayed retry must not be claimable yet")

	idle, err := q.Claim(ctx, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, idle)
}

func TestJobStore_RequeueExpiredAndPurge(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	q := queue.New(queue.Config{
		Kind:      models.KindProductEmbedding,
		Retention: queue.Retention{CompletedAge: time.Hour, CompletedCount: 1, FailedAge: time.Hour, FailedCount: 10},
	}, store.NewJobStore(pool), nil, nil)
	ctx := context.Background()

	job, _, err := q.Enqueue(ctx, models.ProductEmbeddingPayload{Meta: models.NewMeta("test"), ProductID: uuid.New()})
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, -time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	n, err := q.RequeueExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)

	for i := 0; i < 2; i++ {
		_, _, err := q.Enqueue(ctx, models.ProductEmbeddingPayload{Meta: models.NewMeta("test"), ProductID: uuid.New()})
		require.NoError(t, err)
	}
	for {
		c, err := q.Claim(ctx, time.Minute)
		require.NoError(t, err)
		if c == nil {
			break
		}
		require.NoError(t, q.Complete(ctx, c, models.Succeeded(nil)))
	}

	purged, err := q.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, purged, "only the newest completed job is kept")
}

func TestJobStore_StaleAckIsFenced(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	q := newQueue(pool)
	ctx := context.Background()
	payload := models.ProductEmbeddingPayload{Meta: models.NewMeta("test"), ProductID: uuid.New()}

	_, _, err := q.Enqueue(ctx, payload)
	require.NoError(t, err)
	stale, err := q.Claim(ctx, -time.Second)
	require.NoError(t, err)
	require.NotNil(t, stale)
	_, err = q.RequeueExpired(ctx)
	require.NoError(t, err)

	current, err := q.Claim(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, current)
	require.NoError(t, q.Extend(ctx, current, time.Hour))
	assert.ErrorIs(t, q.Extend(ctx, stale, time.Hour), queue.ErrLeaseLost)
	require.NoError(t, q.Complete(ctx, current, models.Succeeded(nil)))

	next, created, err := q.Enqueue(ctx, payload)
	require.NoError(t, err)
	require.True(t, created)

	assert.ErrorIs(t, q.Fail(ctx, stale, errors.New("late transient error")), queue.ErrLeaseLost)

	done, err := q.Get(ctx, current.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, done.Status)
	pending, err := q.Get(ctx, next.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, pending.Status)

	ghost := &models.JobRecord{ID: uuid.New(), Attempts: 1}
	assert.ErrorIs(t, q.Complete(ctx, ghost, models.Succeeded(nil)), queue.ErrNotFound)
}

func TestJobStore_GetNotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	js := store.NewJobStore(pool)

	_, err := js.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, queue.ErrNotFound)
}

// --- Embedding Tests ---

func TestEmbeddingStore_UpsertAndFetch(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	es := store.NewEmbeddingStore(pool)
	ctx := context.Background()

	a, b := uuid.New(), uuid.New()
	require.NoError(t, es.Upsert(ctx, "products", []models.Point{
		{ID: a, Vector: []float32{1, 0, 0}},
		{ID: b, Vector: []float32{0, 1, 0}},
	}))
	require.NoError(t, es.Upsert(ctx, "products", []models.Point{{ID: a, Vector: []float32{0, 0, 1}}}))

	got, err := es.Fetch(ctx, "products", []uuid.UUID{a, uuid.New()})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []float32{0, 0, 1}, got[0].Vector)

	other, err := es.Fetch(ctx, "profiles", []uuid.UUID{a, b})
	require.NoError(t, err)
	assert.Empty(t, other)
}

// --- Ping Test ---

func TestPing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	err := s.Ping(context.Background())
	assert.NoError(t, err)
}
