package queue

import (
	"errors"
	"time"

	"github.com/kiranshivaraju/curio/pkg/models"
)

const (
	DefaultMaxAttempts = 3
	// maxBackoffExponent caps exponential growth at base·2^10.
	maxBackoffExponent = 10
)

var DefaultBackoff = models.Backoff{Type: models.BackoffExponential, Delay: 5 * time.Second}

// Options are per-job delivery settings.
type Options struct {
	IdempotencyKey string
	Priority       int
	Delay          time.Duration
	MaxAttempts    int
	Backoff        models.Backoff
}

type Option func(*Options)

// WithIdempotencyKey overrides the key derived from the payload.
func WithIdempotencyKey(key string) Option {
	return func(o *Options) {
		o.IdempotencyKey = key
	}
}

// WithPriority sets the dequeue priority. Lower runs first.
func WithPriority(p int) Option {
	return func(o *Options) {
		o.Priority = p
	}
}

func WithDelay(d time.Duration) Option {
	return func(o *Options) {
		o.Delay = d
	}
}

func WithMaxAttempts(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxAttempts = n
		}
	}
}

func WithBackoff(b models.Backoff) Option {
	return func(o *Options) {
		o.Backoff = b
	}
}

// NextDelay returns the wait before retry n, counting from 0.
func NextDelay(b models.Backoff, n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if b.Type == models.BackoffFixed {
		return b.Delay
	}
	if n > maxBackoffExponent {
		n = maxBackoffExponent
	}
	return b.Delay * time.Duration(1<<n)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The job fails on this attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
