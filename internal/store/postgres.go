package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/curio/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Products ---

const productColumns = `id, title, description, brand, category, tags, price_cents, status, visible, image_url,
	content_hash, enrichment, enrichment_version, published_at, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanProduct(row scanner) (*models.Product, error) {
	var p models.Product
	var enrichment []byte
	if err := row.Scan(&p.ID, &p.Title, &p.Description, &p.Brand, &p.Category, &p.Tags, &p.PriceCents,
		&p.Status, &p.Visible, &p.ImageURL, &p.ContentHash, &enrichment, &p.EnrichmentVersion,
		&p.PublishedAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if len(enrichment) > 0 {
		var e models.ProductEnrichment
		if err := json.Unmarshal(enrichment, &e); err != nil {
			return nil, fmt.Errorf("decode enrichment: %w", err)
		}
		p.Enrichment = &e
	}
	return &p, nil
}

func (s *PostgresStore) GetProduct(ctx context.Context, id uuid.UUID) (*models.Product, error) {
	p, err := scanProduct(s.pool.QueryRow(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	return p, nil
}

// UpsertProduct writes catalog fields. The content hash and enrichment are
// owned by the jobs and are left untouched on update.
func (s *PostgresStore) UpsertProduct(ctx context.Context, p *models.Product) error {
	tags := p.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO products (id, title, description, brand, category, tags, price_cents, status, visible, image_url, published_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
		 ON CONFLICT (id) DO UPDATE SET
		   title = EXCLUDED.title,
		   description = EXCLUDED.description,
		   brand = EXCLUDED.brand,
		   category = EXCLUDED.category,
		   tags = EXCLUDED.tags,
		   price_cents = EXCLUDED.price_cents,
		   status = EXCLUDED.status,
		   visible = EXCLUDED.visible,
		   image_url = EXCLUDED.image_url,
		   published_at = EXCLUDED.published_at,
		   updated_at = NOW()`,
		p.ID, p.Title, p.Description, p.Brand, p.Category, tags, p.PriceCents, p.Status, p.Visible,
		p.ImageURL, p.PublishedAt)
	if err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetProductContentHash(ctx context.Context, id uuid.UUID, hash string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE products SET content_hash = $2, updated_at = NOW() WHERE id = $1`, id, hash)
	if err != nil {
		return fmt.Errorf("set product content hash: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SaveProductEnrichment(ctx context.Context, id uuid.UUID, e *models.ProductEnrichment, version int) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode enrichment: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE products SET enrichment = $2, enrichment_version = $3, updated_at = NOW() WHERE id = $1`,
		id, data, version)
	if err != nil {
		return fmt.Errorf("save product enrichment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPoolCandidates returns published, visible products matching filter,
// most recently published first.
func (s *PostgresStore) ListPoolCandidates(ctx context.Context, filter models.PoolFilter) ([]*models.Product, error) {
	conditions := []string{"status = $1", "visible"}
	args := []any{models.ProductStatusPublished}
	argIdx := 2

	if filter.MinPriceCents != nil {
		conditions = append(conditions, fmt.Sprintf("price_cents >= $%d", argIdx))
		args = append(args, *filter.MinPriceCents)
		argIdx++
	}
	if filter.MaxPriceCents != nil {
		conditions = append(conditions, fmt.Sprintf("price_cents <= $%d", argIdx))
		args = append(args, *filter.MaxPriceCents)
		argIdx++
	}
	if len(filter.Brands) > 0 {
		conditions = append(conditions, fmt.Sprintf("brand = ANY($%d)", argIdx))
		args = append(args, filter.Brands)
		argIdx++
	}
	if len(filter.Categories) > 0 {
		conditions = append(conditions, fmt.Sprintf("category = ANY($%d)", argIdx))
		args = append(args, filter.Categories)
		argIdx++
	}
	if len(filter.ExcludeIDs) > 0 {
		conditions = append(conditions, fmt.Sprintf("NOT (id = ANY($%d))", argIdx))
		args = append(args, filter.ExcludeIDs)
		argIdx++
	}

	limit := filter.Limit
	if limit <= 0 || limit > DefaultPoolLimit {
		limit = DefaultPoolLimit
	}

	query := fmt.Sprintf(
		`SELECT %s FROM products WHERE %s ORDER BY published_at DESC NULLS LAST, id LIMIT $%d`,
		productColumns, strings.Join(conditions, " AND "), argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pool candidates: %w", err)
	}
	defer rows.Close()

	var products []*models.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// --- Profiles ---

func (s *PostgresStore) GetProfile(ctx context.Context, id uuid.UUID) (*models.Profile, error) {
	var p models.Profile
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, interests, notes, content_hash, updated_at FROM profiles WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.Interests, &p.Notes, &p.ContentHash, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) SetProfileContentHash(ctx context.Context, id uuid.UUID, hash string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE profiles SET content_hash = $2, updated_at = NOW() WHERE id = $1`, id, hash)
	if err != nil {
		return fmt.Errorf("set profile content hash: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Collections ---

func (s *PostgresStore) CollectionsExist(ctx context.Context, surface string, validFrom time.Time) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM collections WHERE surface = $1 AND valid_from = $2)`,
		surface, validFrom,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check collections: %w", err)
	}
	return exists, nil
}

// CreateCollection inserts the collection and its items in one transaction.
// A key that already exists yields ErrDuplicateKey and writes nothing. A
// zero CreatedAt is set to the current time.
func (s *PostgresStore) CreateCollection(ctx context.Context, c *models.PersistedCollection) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	generation, err := json.Marshal(c.Generation)
	if err != nil {
		return fmt.Errorf("encode generation: %w", err)
	}

	err = RunInTransaction(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO collections (id, key, surface, title, subtitle, description, vibe, cover_url, cover_attribution, valid_from, valid_to, generation, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			c.ID, c.Key, c.Surface, c.Title, c.Subtitle, c.Description, c.Vibe,
			c.Cover.URL, c.Cover.Attribution, c.ValidFrom, c.ValidTo, generation, c.CreatedAt); err != nil {
			return err
		}

		rows := make([][]any, len(c.Items))
		for i, item := range c.Items {
			rows[i] = []any{c.ID, item.ProductID, item.Rank}
		}
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"collection_items"},
			[]string{"collection_id", "product_id", "rank"},
			pgx.CopyFromRows(rows))
		return err
	})
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create collection: %w", err)
	}
	return nil
}

// ListActiveCollections returns the collections of surface whose window
// contains at, with items in rank order.
func (s *PostgresStore) ListActiveCollections(ctx context.Context, surface string, at time.Time) ([]*models.PersistedCollection, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, key, surface, title, subtitle, description, vibe, cover_url, cover_attribution, valid_from, valid_to, generation, created_at
		 FROM collections WHERE surface = $1 AND valid_from <= $2 AND valid_to > $2 ORDER BY key`,
		surface, at)
	if err != nil {
		return nil, fmt.Errorf("list active collections: %w", err)
	}
	defer rows.Close()

	var collections []*models.PersistedCollection
	byID := make(map[uuid.UUID]*models.PersistedCollection)
	for rows.Next() {
		var c models.PersistedCollection
		var generation []byte
		if err := rows.Scan(&c.ID, &c.Key, &c.Surface, &c.Title, &c.Subtitle, &c.Description, &c.Vibe,
			&c.Cover.URL, &c.Cover.Attribution, &c.ValidFrom, &c.ValidTo, &generation, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan collection: %w", err)
		}
		if len(generation) > 0 {
			if err := json.Unmarshal(generation, &c.Generation); err != nil {
				return nil, fmt.Errorf("decode generation: %w", err)
			}
		}
		collections = append(collections, &c)
		byID[c.ID] = &c
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(collections) == 0 {
		return collections, nil
	}

	ids := make([]uuid.UUID, 0, len(collections))
	for _, c := range collections {
		ids = append(ids, c.ID)
	}
	itemRows, err := s.pool.Query(ctx,
		`SELECT collection_id, product_id, rank FROM collection_items
		 WHERE collection_id = ANY($1) ORDER BY collection_id, rank`, ids)
	if err != nil {
		return nil, fmt.Errorf("list collection items: %w", err)
	}
	defer itemRows.Close()

	for itemRows.Next() {
		var collectionID uuid.UUID
		var item models.CollectionItem
		if err := itemRows.Scan(&collectionID, &item.ProductID, &item.Rank); err != nil {
			return nil, fmt.Errorf("scan collection item: %w", err)
		}
		if c, ok := byID[collectionID]; ok {
			c.Items = append(c.Items, item)
		}
	}
	return collections, itemRows.Err()
}

// DeleteExpiredCollections removes collections whose validity ended before
// now. Items go with them through the cascade.
func (s *PostgresStore) DeleteExpiredCollections(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM collections WHERE valid_to < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired collections: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// --- Reminders ---

const reminderColumns = `id, status, scheduled_for, channel, recipient, payload, attempts, last_error, sent_at, created_at, updated_at`

func scanReminder(row scanner) (*models.ReminderSchedule, error) {
	var r models.ReminderSchedule
	var payload []byte
	if err := row.Scan(&r.ID, &r.Status, &r.ScheduledFor, &r.Channel, &r.Recipient, &payload,
		&r.Attempts, &r.LastError, &r.SentAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Payload = payload
	return &r, nil
}

func (s *PostgresStore) CreateReminder(ctx context.Context, r *models.ReminderSchedule) error {
	payload := []byte(r.Payload)
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}
	status := r.Status
	if status == "" {
		status = models.ReminderQueued
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO reminder_schedules (id, status, scheduled_for, channel, recipient, payload, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, status, r.ScheduledFor, r.Channel, r.Recipient, payload, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create reminder: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetReminder(ctx context.Context, id uuid.UUID) (*models.ReminderSchedule, error) {
	r, err := scanReminder(s.pool.QueryRow(ctx,
		`SELECT `+reminderColumns+` FROM reminder_schedules WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reminder: %w", err)
	}
	return r, nil
}

// ListDueReminders returns queued reminders scheduled at or before now,
// oldest first.
func (s *PostgresStore) ListDueReminders(ctx context.Context, now time.Time, limit int) ([]*models.ReminderSchedule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+reminderColumns+` FROM reminder_schedules
		 WHERE status = $1 AND scheduled_for <= $2 ORDER BY scheduled_for LIMIT $3`,
		models.ReminderQueued, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due reminders: %w", err)
	}
	defer rows.Close()

	var reminders []*models.ReminderSchedule
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		reminders = append(reminders, r)
	}
	return reminders, rows.Err()
}

var validReminderTransitions = map[string][]string{
	models.ReminderQueued: {models.ReminderSent, models.ReminderFailed},
	models.ReminderFailed: {models.ReminderSent, models.ReminderFailed},
}

func (s *PostgresStore) UpdateReminderStatus(ctx context.Context, id uuid.UUID, status string, opts ...ReminderUpdateOption) error {
	params := &reminderUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	var currentStatus string
	err := s.pool.QueryRow(ctx, `SELECT status FROM reminder_schedules WHERE id = $1`, id).Scan(&currentStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get reminder status: %w", err)
	}

	if !transitionAllowed(currentStatus, status) {
		return fmt.Errorf("invalid reminder status transition: %s -> %s", currentStatus, status)
	}

	query := `UPDATE reminder_schedules SET status = $2, attempts = attempts + 1, updated_at = NOW()`
	args := []any{id, status}
	argIdx := 3

	if params.LastError != nil {
		query += fmt.Sprintf(", last_error = $%d", argIdx)
		args = append(args, *params.LastError)
		argIdx++
	}
	if params.SentAt != nil {
		query += fmt.Sprintf(", sent_at = $%d", argIdx)
		args = append(args, *params.SentAt)
		argIdx++
	}

	// Guard against a concurrent writer having moved the row meanwhile.
	query += fmt.Sprintf(" WHERE id = $1 AND status = $%d", argIdx)
	args = append(args, currentStatus)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update reminder status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update reminder status: %s changed concurrently", id)
	}
	return nil
}

func transitionAllowed(from, to string) bool {
	for _, a := range validReminderTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
