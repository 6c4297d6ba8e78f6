package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultBatchSize     = 10
	defaultBlockDuration = 5 * time.Second
	defaultErrorPause    = time.Second
	busyGroupPrefix      = "BUSYGROUP"
	newEntriesID         = ">"
	pendingStartID       = "0"
)

// Handler processes one decoded message. A returned error leaves the entry
// unacknowledged in the consumer's pending list, and a later Poll redelivers it.
type Handler func(ctx context.Context, message Message) error

// SubscriberConfig describes a consumer-group reader.
type SubscriberConfig struct {
	Stream        string
	Group         string
	Consumer      string
	BatchSize     int64
	BlockDuration time.Duration
}

// Subscriber reads a stream through a consumer group and acknowledges handled entries.
// It first walks its own pending list, so entries left by a failed handler or a
// previous process are retried before new ones. Poll is not safe for concurrent use.
type Subscriber struct {
	client  redis.Cmdable
	config  SubscriberConfig
	handler Handler
	logger  *zap.Logger

	pendingCursor string
	retryPending  bool
}

// NewSubscriber validates the config and applies defaults.
func NewSubscriber(client redis.Cmdable, config SubscriberConfig, handler Handler, logger *zap.Logger) (*Subscriber, error) {
	if client == nil || handler == nil {
		return nil, errors.New("events: subscriber requires a client and a handler")
	}
	if strings.TrimSpace(config.Group) == "" || strings.TrimSpace(config.Consumer) == "" {
		return nil, errors.New("events: subscriber requires a group and a consumer name")
	}
	if config.Stream == "" {
		config.Stream = DefaultStream
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaultBatchSize
	}
	if config.BlockDuration <= 0 {
		config.BlockDuration = defaultBlockDuration
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{client: client, config: config, handler: handler, logger: logger, pendingCursor: pendingStartID}, nil
}

// EnsureGroup creates the consumer group (and stream) when missing.
func (subscriber *Subscriber) EnsureGroup(ctx context.Context) error {
	err := subscriber.client.XGroupCreateMkStream(ctx, subscriber.config.Stream, subscriber.config.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), busyGroupPrefix) {
		return fmt.Errorf("create consumer group %s: %w", subscriber.config.Group, err)
	}
	return nil
}

// Run polls until ctx is cancelled.
func (subscriber *Subscriber) Run(ctx context.Context) error {
	if err := subscriber.EnsureGroup(ctx); err != nil {
		return err
	}
	subscriber.logger.Info("event subscriber started",
		zap.String("stream", subscriber.config.Stream),
		zap.String("group", subscriber.config.Group),
		zap.String("consumer", subscriber.config.Consumer),
	)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := subscriber.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			subscriber.logger.Warn("event poll failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(defaultErrorPause):
			}
		}
	}
}

// Poll reads one batch, dispatches it, and reports how many entries were acknowledged.
// While a pass over the pending list is open it reads from there; once that list is
// exhausted it blocks for new entries.
func (subscriber *Subscriber) Poll(ctx context.Context) (int, error) {
	if subscriber.pendingCursor != "" {
		streams, err := subscriber.read(ctx, subscriber.pendingCursor, -1)
		if err != nil {
			return 0, err
		}
		if last := lastEntryID(streams); last != "" {
			subscriber.pendingCursor = last
			return subscriber.handle(ctx, streams), nil
		}
		subscriber.pendingCursor = ""
	}

	streams, err := subscriber.read(ctx, newEntriesID, subscriber.config.BlockDuration)
	if err != nil {
		return 0, err
	}
	acknowledged := subscriber.handle(ctx, streams)
	if subscriber.retryPending {
		subscriber.retryPending = false
		subscriber.pendingCursor = pendingStartID
	}
	return acknowledged, nil
}

func (subscriber *Subscriber) read(ctx context.Context, id string, block time.Duration) ([]redis.XStream, error) {
	streams, err := subscriber.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    subscriber.config.Group,
		Consumer: subscriber.config.Consumer,
		Streams:  []string{subscriber.config.Stream, id},
		Count:    subscriber.config.BatchSize,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", subscriber.config.Stream, err)
	}
	return streams, nil
}

func (subscriber *Subscriber) handle(ctx context.Context, streams []redis.XStream) int {
	acknowledged := 0
	for _, stream := range streams {
		for _, entry := range stream.Messages {
			if !subscriber.dispatch(ctx, entry) {
				subscriber.retryPending = true
				continue
			}
			if err := subscriber.client.XAck(ctx, subscriber.config.Stream, subscriber.config.Group, entry.ID).Err(); err != nil {
				subscriber.logger.Warn("event ack failed", zap.String("id", entry.ID), zap.Error(err))
				subscriber.retryPending = true
				continue
			}
			acknowledged++
		}
	}
	return acknowledged
}

func lastEntryID(streams []redis.XStream) string {
	last := ""
	for _, stream := range streams {
		if count := len(stream.Messages); count > 0 {
			last = stream.Messages[count-1].ID
		}
	}
	return last
}

// dispatch reports whether the entry should be acknowledged. Malformed entries are
// acknowledged so they do not block the group forever.
func (subscriber *Subscriber) dispatch(ctx context.Context, entry redis.XMessage) bool {
	message, err := decodeMessage(entry.Values)
	if err != nil {
		subscriber.logger.Error("dropping malformed event", zap.String("id", entry.ID), zap.Error(err))
		return true
	}
	if err := subscriber.handler(ctx, message); err != nil {
		subscriber.logger.Warn("event handler failed", zap.String("id", entry.ID), zap.String("event_type", message.Type), zap.Error(err))
		return false
	}
	return true
}
