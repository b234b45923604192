package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// JobKind names a job type. Each kind has its own queue and its value is the
// prefix of every idempotency key issued for that kind.
type JobKind string

const (
	KindProductEmbedding   JobKind = "product-embedding"
	KindProductEnrichment  JobKind = "product-enrichment"
	KindProfileEmbedding   JobKind = "profile-embedding"
	KindCuratedCollections JobKind = "curated-collections"
	KindReminderDispatch   JobKind = "reminder-dispatch"
)

// AllKinds lists every job kind in a stable order.
func AllKinds() []JobKind {
	return []JobKind{
		KindProductEmbedding,
		KindProductEnrichment,
		KindProfileEmbedding,
		KindCuratedCollections,
		KindReminderDispatch,
	}
}

const (
	BackoffExponential = "exponential"
	BackoffFixed       = "fixed"
)

// Backoff is the retry delay policy of a job.
type Backoff struct {
	Type  string        `json:"type"`
	Delay time.Duration `json:"delay"`
}

// JobRecord is one enqueued unit of work. At most one pending or running
// record exists per (Queue, IdempotencyKey).
type JobRecord struct {
	ID             uuid.UUID       `db:"id"              json:"id"`
	Queue          string          `db:"queue"           json:"queue"`
	IdempotencyKey string          `db:"idempotency_key" json:"idempotency_key"`
	Kind           JobKind         `db:"kind"            json:"kind"`
	Payload        json.RawMessage `db:"payload"         json:"payload"`
	Status         string          `db:"status"          json:"status"`
	Attempts       int             `db:"attempts"        json:"attempts"`
	MaxAttempts    int             `db:"max_attempts"    json:"max_attempts"`
	Backoff        Backoff         `db:"backoff"         json:"backoff"`
	Priority       int             `db:"priority"        json:"priority"`
	RunAt          time.Time       `db:"run_at"          json:"run_at"`
	LockedUntil    *time.Time      `db:"locked_until"    json:"locked_until,omitempty"`
	LastError      *string         `db:"last_error"      json:"last_error,omitempty"`
	Result         *JobResult      `db:"result"          json:"result,omitempty"`
	StartedAt      *time.Time      `db:"started_at"      json:"started_at,omitempty"`
	FinishedAt     *time.Time      `db:"finished_at"     json:"finished_at,omitempty"`
	CreatedAt      time.Time       `db:"created_at"      json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"      json:"updated_at"`
}

// Active reports whether the record still blocks its idempotency key.
func (j *JobRecord) Active() bool {
	return j.Status == JobStatusPending || j.Status == JobStatusRunning
}

// Skip reasons reported by handlers. A skipped result is a success.
const (
	SkipUnchangedHash    = "unchanged-hash"
	SkipEntityNotFound   = "entity-not-found"
	SkipAlreadySent      = "already-sent"
	SkipAlreadyEnriched  = "already-enriched"
	SkipAlreadyGenerated = "already-generated"
	SkipNotEligible      = "not-eligible"
)

// JobResult is what a handler reports for a finished job.
type JobResult struct {
	Success    bool           `json:"success"`
	Skipped    bool           `json:"skipped,omitempty"`
	SkipReason string         `json:"skip_reason,omitempty"`
	Duration   time.Duration  `json:"duration"`
	Output     map[string]any `json:"output,omitempty"`
}

// Skipped builds a successful result that did no work.
func Skipped(reason string) *JobResult {
	return &JobResult{Success: true, Skipped: true, SkipReason: reason}
}

// Succeeded builds a successful result carrying kind-specific output.
func Succeeded(output map[string]any) *JobResult {
	return &JobResult{Success: true, Output: output}
}
