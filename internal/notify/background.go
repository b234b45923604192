package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const defaultPublishTimeout = 10 * time.Second

// Background publishes fire-and-forget. Each publish runs on its own
// goroutine with a context detached from the caller; failures are reported
// on Errors instead of to the caller.
type Background struct {
	pub     Publisher
	timeout time.Duration
	errs    chan error
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewBackground(pub Publisher, timeout time.Duration) *Background {
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	return &Background{pub: pub, timeout: timeout, errs: make(chan error, 64)}
}

// Go publishes v on subject in the background. Calls after Close are dropped.
func (b *Background) Go(subject string, v any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		defer cancel()
		if err := b.pub.Publish(ctx, subject, v); err != nil {
			select {
			case b.errs <- fmt.Errorf("background publish %s: %w", subject, err):
			default:
			}
		}
	}()
}

// Errors delivers publish failures. Failures are dropped when nobody reads
// and the buffer is full.
func (b *Background) Errors() <-chan error { return b.errs }

// Watch logs errors until Close.
func (b *Background) Watch(logger *slog.Logger) {
	go func() {
		for err := range b.errs {
			logger.Warn("event publish failed", "component", "notify", "error", err)
		}
	}()
}

// Close waits for in-flight publishes and closes the error channel.
func (b *Background) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.wg.Wait()
	close(b.errs)
}
