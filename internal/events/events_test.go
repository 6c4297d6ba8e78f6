package events

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/lmsbank/pkg/ledger"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var committedAt = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

func transferEvent(test *testing.T) ledger.Event {
	test.Helper()
	from, err := ledger.NewAccountNumber("LRN100000")
	if err != nil {
		test.Fatalf("from init failed: %v", err)
	}
	to, err := ledger.NewAccountNumber("ORG000001")
	if err != nil {
		test.Fatalf("to init failed: %v", err)
	}
	id, err := ledger.NewTransactionID("TXNABCDEF123456")
	if err != nil {
		test.Fatalf("transaction id init failed: %v", err)
	}
	description, err := ledger.NewDescription("Course purchase")
	if err != nil {
		test.Fatalf("description init failed: %v", err)
	}
	return ledger.Event{
		Type:       ledger.EventTransferCommitted,
		OccurredAt: committedAt,
		Transfer: &ledger.TransferResult{
			TransactionID: id,
			From:          ledger.PartyBalance{AccountNumber: from, NewBalance: 7001},
			To:            ledger.PartyBalance{AccountNumber: to, NewBalance: 1_002_999},
			Amount:        2999,
			Description:   description,
			Timestamp:     committedAt,
		},
	}
}

func mustPayload(test *testing.T, event ledger.Event) string {
	test.Helper()
	payload, err := encodeMessage(NewMessage(event))
	if err != nil {
		test.Fatalf("encode failed: %v", err)
	}
	return payload
}

func mustSubscriber(test *testing.T, client redis.Cmdable, config SubscriberConfig, handler Handler) *Subscriber {
	test.Helper()
	subscriber, err := NewSubscriber(client, config, handler, nil)
	if err != nil {
		test.Fatalf("subscriber init failed: %v", err)
	}
	return subscriber
}

func expectationsMet(test *testing.T, mock redismock.ClientMock) {
	test.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		test.Fatalf("unmet redis expectations: %v", err)
	}
}

func readArgs(config SubscriberConfig, id string, block time.Duration) *redis.XReadGroupArgs {
	return &redis.XReadGroupArgs{
		Group:    config.Group,
		Consumer: config.Consumer,
		Streams:  []string{config.Stream, id},
		Count:    config.BatchSize,
		Block:    block,
	}
}

func emptyStream(stream string) []redis.XStream {
	return []redis.XStream{{Stream: stream}}
}

func TestNewMessageOmitsSecretHash(test *testing.T) {
	number, err := ledger.NewAccountNumber("INS123456")
	if err != nil {
		test.Fatalf("number init failed: %v", err)
	}
	holder, err := ledger.NewAccountHolder("Grace Instructor")
	if err != nil {
		test.Fatalf("holder init failed: %v", err)
	}
	message := NewMessage(ledger.Event{
		Type:       ledger.EventAccountRegistered,
		OccurredAt: committedAt,
		Account:    &ledger.Account{Number: number, Holder: holder, Type: ledger.AccountType("instructor"), Active: true, SecretHash: "$2a$hash"},
	})
	payload, err := encodeMessage(message)
	if err != nil {
		test.Fatalf("encode failed: %v", err)
	}
	if strings.Contains(payload, "$2a$hash") {
		test.Fatalf("payload leaks the secret hash: %s", payload)
	}
	if message.Account == nil || message.Account.AccountNumber != "INS123456" || message.Transfer != nil {
		test.Fatalf("unexpected message: %+v", message)
	}
}

func TestPublisherAppendsEvent(test *testing.T) {
	client, mock := redismock.NewClientMock()
	publisher := NewPublisher(client, "", nil, WithMaxLen(1000))
	event := transferEvent(test)

	mock.ExpectXAdd(publisher.addArgs(mustPayload(test, event))).SetVal("1700000000000-0")

	id, err := publisher.Publish(context.Background(), event)
	if err != nil {
		test.Fatalf("publish failed: %v", err)
	}
	if id != "1700000000000-0" {
		test.Fatalf("unexpected entry id %q", id)
	}
	expectationsMet(test, mock)
}

func TestPublisherNotifyLogsFailures(test *testing.T) {
	client, mock := redismock.NewClientMock()
	core, logs := observer.New(zapcore.WarnLevel)
	publisher := NewPublisher(client, "ledger.test", zap.New(core))
	event := transferEvent(test)

	mock.ExpectXAdd(publisher.addArgs(mustPayload(test, event))).SetErr(errors.New("connection refused"))

	publisher.Notify(context.Background(), event)
	if err := publisher.Close(); err != nil {
		test.Fatalf("close failed: %v", err)
	}

	if logs.Len() != 1 {
		test.Fatalf("expected one warning, got %d", logs.Len())
	}
	entry := logs.All()[0]
	if entry.Message != "ledger event not published" || entry.ContextMap()["stream"] != "ledger.test" {
		test.Fatalf("unexpected log entry: %s %v", entry.Message, entry.ContextMap())
	}
	expectationsMet(test, mock)
}

// stalledClient holds every XADD until release is closed.
type stalledClient struct {
	redis.Cmdable
	release chan struct{}
}

func (client stalledClient) XAdd(ctx context.Context, _ *redis.XAddArgs) *redis.StringCmd {
	<-client.release
	cmd := redis.NewStringCmd(ctx)
	cmd.SetVal("1-0")
	return cmd
}

func TestPublisherNotifyDoesNotWaitForRedis(test *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	client := stalledClient{release: make(chan struct{})}
	publisher := NewPublisher(client, "ledger.test", zap.New(core), WithQueueSize(1))
	event := transferEvent(test)

	returned := make(chan struct{})
	go func() {
		for range 3 {
			publisher.Notify(context.Background(), event)
		}
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		test.Fatalf("notify blocked on a stalled stream")
	}

	dropped := logs.FilterMessage("ledger event dropped").Len()
	if dropped < 1 || dropped > 2 {
		test.Fatalf("expected one or two dropped events, got %d", dropped)
	}

	close(client.release)
	if err := publisher.Close(); err != nil {
		test.Fatalf("close failed: %v", err)
	}
	publisher.Notify(context.Background(), event)
	if logs.FilterField(zap.String("reason", "publisher closed")).Len() != 1 {
		test.Fatalf("expected a drop after close, logs: %v", logs.All())
	}
}

func TestNewSubscriberValidatesConfig(test *testing.T) {
	client, _ := redismock.NewClientMock()
	handler := func(context.Context, Message) error { return nil }

	if _, err := NewSubscriber(client, SubscriberConfig{Consumer: "c1"}, handler, nil); err == nil {
		test.Fatalf("expected an error without a group")
	}
	if _, err := NewSubscriber(client, SubscriberConfig{Group: "lms", Consumer: "c1"}, nil, nil); err == nil {
		test.Fatalf("expected an error without a handler")
	}

	subscriber := mustSubscriber(test, client, SubscriberConfig{Group: "lms", Consumer: "c1"}, handler)
	if subscriber.config.Stream != DefaultStream || subscriber.config.BatchSize != defaultBatchSize {
		test.Fatalf("defaults not applied: %+v", subscriber.config)
	}
}

func TestSubscriberEnsureGroupToleratesExistingGroup(test *testing.T) {
	client, mock := redismock.NewClientMock()
	subscriber := mustSubscriber(test, client, SubscriberConfig{Group: "lms", Consumer: "c1"}, func(context.Context, Message) error { return nil })

	mock.ExpectXGroupCreateMkStream(DefaultStream, "lms", "0").SetErr(errors.New("BUSYGROUP Consumer Group name already exists"))
	if err := subscriber.EnsureGroup(context.Background()); err != nil {
		test.Fatalf("existing group must be tolerated: %v", err)
	}

	mock.ExpectXGroupCreateMkStream(DefaultStream, "lms", "0").SetErr(errors.New("NOAUTH Authentication required"))
	if err := subscriber.EnsureGroup(context.Background()); err == nil {
		test.Fatalf("expected an error for a failed group create")
	}
	expectationsMet(test, mock)
}

func TestSubscriberPollAcknowledgesHandledEntries(test *testing.T) {
	client, mock := redismock.NewClientMock()
	var handled []Message
	handler := func(_ context.Context, message Message) error {
		if message.Transfer != nil && message.Transfer.Amount == 13 {
			return errors.New("cache unavailable")
		}
		handled = append(handled, message)
		return nil
	}
	config := SubscriberConfig{Stream: "ledger.events", Group: "lms", Consumer: "c1", BatchSize: 5, BlockDuration: time.Second}
	subscriber := mustSubscriber(test, client, config, handler)

	failing := transferEvent(test)
	failing.Transfer.Amount = 13

	mock.ExpectXReadGroup(readArgs(config, "0", -1)).SetVal(emptyStream("ledger.events"))
	mock.ExpectXReadGroup(readArgs(config, ">", time.Second)).SetVal([]redis.XStream{{
		Stream: "ledger.events",
		Messages: []redis.XMessage{
			{ID: "1-0", Values: map[string]any{messageField: mustPayload(test, transferEvent(test))}},
			{ID: "2-0", Values: map[string]any{messageField: mustPayload(test, failing)}},
			{ID: "3-0", Values: map[string]any{"other": "x"}},
		},
	}})
	mock.ExpectXAck("ledger.events", "lms", "1-0").SetVal(1)
	mock.ExpectXAck("ledger.events", "lms", "3-0").SetVal(1)

	acknowledged, err := subscriber.Poll(context.Background())
	if err != nil {
		test.Fatalf("poll failed: %v", err)
	}
	if acknowledged != 2 || len(handled) != 1 {
		test.Fatalf("unexpected outcome: acknowledged=%d handled=%d", acknowledged, len(handled))
	}
	if handled[0].Transfer.TransactionID != "TXNABCDEF123456" || handled[0].Transfer.FromBalance != 7001 {
		test.Fatalf("unexpected handled message: %+v", handled[0].Transfer)
	}
	expectationsMet(test, mock)
}

func TestSubscriberRedeliversFailedEntries(test *testing.T) {
	client, mock := redismock.NewClientMock()
	attempts := 0
	handler := func(context.Context, Message) error {
		attempts++
		if attempts == 1 {
			return errors.New("cache unavailable")
		}
		return nil
	}
	config := SubscriberConfig{Stream: "ledger.events", Group: "lms", Consumer: "c1", BatchSize: 5, BlockDuration: time.Second}
	subscriber := mustSubscriber(test, client, config, handler)
	entry := redis.XMessage{ID: "7-0", Values: map[string]any{messageField: mustPayload(test, transferEvent(test))}}

	mock.ExpectXReadGroup(readArgs(config, "0", -1)).SetVal(emptyStream("ledger.events"))
	mock.ExpectXReadGroup(readArgs(config, ">", time.Second)).SetVal([]redis.XStream{{Stream: "ledger.events", Messages: []redis.XMessage{entry}}})
	if acknowledged, err := subscriber.Poll(context.Background()); err != nil || acknowledged != 0 {
		test.Fatalf("first poll: acknowledged=%d err=%v", acknowledged, err)
	}

	mock.ExpectXReadGroup(readArgs(config, "0", -1)).SetVal([]redis.XStream{{Stream: "ledger.events", Messages: []redis.XMessage{entry}}})
	mock.ExpectXAck("ledger.events", "lms", "7-0").SetVal(1)
	if acknowledged, err := subscriber.Poll(context.Background()); err != nil || acknowledged != 1 {
		test.Fatalf("redelivery poll: acknowledged=%d err=%v", acknowledged, err)
	}

	mock.ExpectXReadGroup(readArgs(config, "7-0", -1)).SetVal(emptyStream("ledger.events"))
	mock.ExpectXReadGroup(readArgs(config, ">", time.Second)).RedisNil()
	if acknowledged, err := subscriber.Poll(context.Background()); err != nil || acknowledged != 0 {
		test.Fatalf("idle poll: acknowledged=%d err=%v", acknowledged, err)
	}

	if attempts != 2 {
		test.Fatalf("expected two handler attempts, got %d", attempts)
	}
	expectationsMet(test, mock)
}

func TestSubscriberPollTreatsTimeoutAsEmpty(test *testing.T) {
	client, mock := redismock.NewClientMock()
	subscriber := mustSubscriber(test, client, SubscriberConfig{Group: "lms", Consumer: "c1"}, func(context.Context, Message) error { return nil })

	mock.ExpectXReadGroup(readArgs(subscriber.config, "0", -1)).RedisNil()
	mock.ExpectXReadGroup(readArgs(subscriber.config, ">", defaultBlockDuration)).RedisNil()

	acknowledged, err := subscriber.Poll(context.Background())
	if err != nil || acknowledged != 0 {
		test.Fatalf("expected an empty poll, got %d %v", acknowledged, err)
	}
	expectationsMet(test, mock)
}
