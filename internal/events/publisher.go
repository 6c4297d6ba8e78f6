package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/lmsbank/pkg/ledger"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultPublishTimeout = 2 * time.Second
	defaultQueueSize      = 256
)

// ErrMalformedMessage marks a stream entry that does not decode into a Message.
var ErrMalformedMessage = errors.New("malformed event message")

// Publisher appends ledger events to a Redis stream. It satisfies ledger.EventSink.
// Notify hands events to a single background writer through a bounded queue;
// Close drains that queue.
type Publisher struct {
	client    redis.Cmdable
	stream    string
	maxLen    int64
	timeout   time.Duration
	queueSize int
	logger    *zap.Logger

	mu      sync.RWMutex
	queue   chan ledger.Event
	closed  bool
	start   sync.Once
	drained chan struct{}
}

// PublisherOption tunes a Publisher.
type PublisherOption func(*Publisher)

// WithMaxLen caps the stream length approximately.
func WithMaxLen(maxLen int64) PublisherOption {
	return func(publisher *Publisher) {
		publisher.maxLen = maxLen
	}
}

// WithPublishTimeout bounds each XADD issued from Notify.
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(publisher *Publisher) {
		if timeout > 0 {
			publisher.timeout = timeout
		}
	}
}

// WithQueueSize sets how many events Notify may buffer before it drops new ones.
func WithQueueSize(size int) PublisherOption {
	return func(publisher *Publisher) {
		if size > 0 {
			publisher.queueSize = size
		}
	}
}

// NewPublisher builds a Publisher. An empty stream selects DefaultStream.
func NewPublisher(client redis.Cmdable, stream string, logger *zap.Logger, options ...PublisherOption) *Publisher {
	if stream == "" {
		stream = DefaultStream
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	publisher := &Publisher{
		client:    client,
		stream:    stream,
		timeout:   defaultPublishTimeout,
		queueSize: defaultQueueSize,
		logger:    logger,
		drained:   make(chan struct{}),
	}
	for _, option := range options {
		option(publisher)
	}
	publisher.queue = make(chan ledger.Event, publisher.queueSize)
	return publisher
}

// Publish appends one event and returns the stream entry id.
func (publisher *Publisher) Publish(ctx context.Context, event ledger.Event) (string, error) {
	payload, err := encodeMessage(NewMessage(event))
	if err != nil {
		return "", err
	}
	id, err := publisher.client.XAdd(ctx, publisher.addArgs(payload)).Result()
	if err != nil {
		return "", fmt.Errorf("publish %s to %s: %w", event.Type, publisher.stream, err)
	}
	return id, nil
}

// Notify queues the event and returns at once; the ledger state is already
// committed. A full queue or a closed publisher drops the event with a warning.
func (publisher *Publisher) Notify(_ context.Context, event ledger.Event) {
	publisher.start.Do(func() { go publisher.drain() })

	publisher.mu.RLock()
	defer publisher.mu.RUnlock()
	if publisher.closed {
		publisher.warnDropped(event, "publisher closed")
		return
	}
	select {
	case publisher.queue <- event:
	default:
		publisher.warnDropped(event, "queue full")
	}
}

// Close stops accepting events and waits until the queued ones are written.
func (publisher *Publisher) Close() error {
	publisher.mu.Lock()
	if publisher.closed {
		publisher.mu.Unlock()
		return nil
	}
	publisher.closed = true
	close(publisher.queue)
	publisher.mu.Unlock()

	publisher.start.Do(func() { go publisher.drain() })
	<-publisher.drained
	return nil
}

func (publisher *Publisher) drain() {
	defer close(publisher.drained)
	for event := range publisher.queue {
		publishCtx, cancel := context.WithTimeout(context.Background(), publisher.timeout)
		_, err := publisher.Publish(publishCtx, event)
		cancel()
		if err != nil {
			publisher.logger.Warn("ledger event not published",
				zap.String("event_type", string(event.Type)),
				zap.String("stream", publisher.stream),
				zap.Error(err),
			)
		}
	}
}

func (publisher *Publisher) warnDropped(event ledger.Event, reason string) {
	publisher.logger.Warn("ledger event dropped",
		zap.String("event_type", string(event.Type)),
		zap.String("stream", publisher.stream),
		zap.String("reason", reason),
	)
}

func (publisher *Publisher) addArgs(payload string) *redis.XAddArgs {
	args := &redis.XAddArgs{
		Stream: publisher.stream,
		Values: map[string]any{messageField: payload},
	}
	if publisher.maxLen > 0 {
		args.MaxLen = publisher.maxLen
		args.Approx = true
	}
	return args
}
