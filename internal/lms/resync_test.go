package lms

import (
	"context"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/lmsbank/internal/events"
	"github.com/MarkoPoloResearchLab/lmsbank/pkg/ledger"
)

func TestResyncerAppliesEventsInOrder(test *testing.T) {
	users := newUserStore(test)
	ctx := context.Background()
	learner := mustUser(test, users, "Ada", RoleLearner)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	if err := users.LinkAccount(ctx, learner.ID, "LRN100000", 10_000, base); err != nil {
		test.Fatalf("link failed: %v", err)
	}
	resyncer := NewResyncer(nil, users, nil)

	committed := func(balance int64, at time.Time) events.Message {
		return events.Message{
			Type:       string(ledger.EventTransferCommitted),
			OccurredAt: at,
			Transfer: &events.TransferPayload{
				TransactionID: "TXN",
				From:          "LRN100000",
				FromBalance:   balance,
				To:            "ORG000001",
				ToBalance:     1_000_000,
				Amount:        100,
				Timestamp:     at,
			},
		}
	}

	if err := resyncer.HandleEvent(ctx, committed(9000, base.Add(2*time.Minute))); err != nil {
		test.Fatalf("handle failed: %v", err)
	}
	// Delivered late: the older balance must not win.
	if err := resyncer.HandleEvent(ctx, committed(9500, base.Add(time.Minute))); err != nil {
		test.Fatalf("handle failed: %v", err)
	}
	if err := resyncer.HandleEvent(ctx, events.Message{Type: string(ledger.EventAccountDeactivated)}); err != nil {
		test.Fatalf("unrelated events are ignored, got %v", err)
	}
	if cached := mustGetUser(test, users, learner.ID).CachedBalance; cached != 9000 {
		test.Fatalf("expected 9000, got %d", cached)
	}

	if _, err := resyncer.ResyncAll(ctx); err == nil {
		test.Fatalf("full resync needs a ledger client")
	}
}

func TestResyncAllReadsLedger(test *testing.T) {
	client := startLedger(test)
	users := newUserStore(test)
	wallet := newTestWallet(test, client, users)
	ctx := context.Background()
	if _, _, err := wallet.EnsureOrganizationAccount(ctx); err != nil {
		test.Fatalf("organization setup failed: %v", err)
	}
	learner := mustOpenAccount(test, wallet, mustUser(test, users, "Ada", RoleLearner), testLearnerSecret)
	if _, err := users.CacheBalance(ctx, learner.Account(), 1, time.Now()); err != nil {
		test.Fatalf("cache failed: %v", err)
	}

	resyncer := NewResyncer(client, users, nil)
	refreshed, err := resyncer.ResyncAll(ctx)
	if err != nil || refreshed != 1 {
		test.Fatalf("unexpected resync: refreshed=%d err=%v", refreshed, err)
	}
	if cached := mustGetUser(test, users, learner.ID).CachedBalance; cached != 10_000 {
		test.Fatalf("expected the ledger balance, got %d", cached)
	}
}
