// Package notify publishes domain events and reminder notifications over
// NATS JetStream.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Subjects carried by the catalog stream.
const (
	SubjectProductsChanged      = "products.changed"
	SubjectCollectionsPublished = "collections.published"
	notificationsPrefix         = "notifications."
)

// StreamSubjects are the subject filters the stream is created with.
var StreamSubjects = []string{"products.>", "collections.>", "notifications.>"}

// NotificationSubject is the subject a reminder for channel is delivered on.
func NotificationSubject(channel string) string {
	return notificationsPrefix + channel
}

// Publisher sends a JSON-encoded message on a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// NATSPublisher publishes to JetStream and waits for the stream ack.
type NATSPublisher struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
	logger *slog.Logger
}

// Connect dials NATS and creates or updates the named stream.
func Connect(ctx context.Context, url, streamName string, logger *slog.Logger) (*NATSPublisher, error) {
	logger = logger.With("component", "notify", "stream", streamName)

	conn, err := nats.Connect(url, nats.Name("curio"))
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating jetstream context: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: StreamSubjects,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating stream %s: %w", streamName, err)
	}

	logger.Info("connected to nats", "url", conn.ConnectedUrlRedacted())
	return &NATSPublisher{conn: conn, js: js, stream: stream, logger: logger}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s message: %w", subject, err)
	}
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publishing %s: %w", subject, err)
	}
	return nil
}

// Stream exposes the stream for consumers sharing the connection.
func (p *NATSPublisher) Stream() jetstream.Stream { return p.stream }

func (p *NATSPublisher) Ping(context.Context) error {
	if !p.conn.IsConnected() {
		return fmt.Errorf("nats connection %s", p.conn.Status())
	}
	return nil
}

// Close drains the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}

// MemoryPublisher records published messages. Used in tests and when NATS is
// not configured.
type MemoryPublisher struct {
	mu       sync.Mutex
	messages []Message
	// Err, when set, is returned from every Publish.
	Err error
}

// Message is one recorded publication.
type Message struct {
	Subject string
	Data    []byte
}

func (p *MemoryPublisher) Publish(_ context.Context, subject string, v any) error {
	if p.Err != nil {
		return p.Err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s message: %w", subject, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, Message{Subject: subject, Data: data})
	return nil
}

// Messages returns a copy of everything published so far.
func (p *MemoryPublisher) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.messages...)
}

var (
	_ Publisher = (*NATSPublisher)(nil)
	_ Publisher = (*MemoryPublisher)(nil)
)
