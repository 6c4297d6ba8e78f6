package lms

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/lmsbank/internal/events"
	"github.com/MarkoPoloResearchLab/lmsbank/pkg/ledger"
	"go.uber.org/zap"
)

const resyncPageSize = 100

// Resyncer keeps cached balances in line with the ledger, either from the
// event stream or by re-reading every linked account.
type Resyncer struct {
	client *Client
	users  *UserStore
	logger *zap.Logger
	now    func() time.Time
}

// NewResyncer wires a resyncer. client may be nil when only events are applied.
func NewResyncer(client *Client, users *UserStore, logger *zap.Logger) *Resyncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resyncer{client: client, users: users, logger: logger, now: time.Now}
}

// HandleEvent applies one ledger event to the cache. It satisfies events.Handler.
func (resyncer *Resyncer) HandleEvent(ctx context.Context, message events.Message) error {
	switch ledger.EventType(message.Type) {
	case ledger.EventTransferCommitted:
		if message.Transfer == nil {
			return nil
		}
		transfer := message.Transfer
		if err := resyncer.cache(ctx, transfer.From, transfer.FromBalance, transfer.Timestamp); err != nil {
			return err
		}
		return resyncer.cache(ctx, transfer.To, transfer.ToBalance, transfer.Timestamp)
	case ledger.EventAccountRegistered:
		if message.Account == nil {
			return nil
		}
		return resyncer.cache(ctx, message.Account.AccountNumber, message.Account.Balance, message.OccurredAt)
	default:
		return nil
	}
}

// ResyncAll re-reads the balance of every linked user and returns how many were refreshed.
func (resyncer *Resyncer) ResyncAll(ctx context.Context) (int, error) {
	if resyncer.client == nil {
		return 0, fmt.Errorf("%w: resync needs a ledger client", ErrInvalidWalletConfig)
	}
	refreshed := 0
	after := ""
	for {
		users, err := resyncer.users.ListLinked(ctx, after, resyncPageSize)
		if err != nil {
			return refreshed, err
		}
		for _, user := range users {
			observedAt := resyncer.now()
			response, err := resyncer.client.Balance(ctx, user.Account())
			if err != nil {
				resyncer.logger.Warn("balance resync failed", zap.String("account_number", user.Account()), zap.Error(err))
				continue
			}
			if err := resyncer.cache(ctx, user.Account(), response.GetBalance(), observedAt); err != nil {
				return refreshed, err
			}
			refreshed++
		}
		if len(users) < resyncPageSize {
			return refreshed, nil
		}
		after = users[len(users)-1].Account()
	}
}

func (resyncer *Resyncer) cache(ctx context.Context, accountNumber string, balance int64, observedAt time.Time) error {
	applied, err := resyncer.users.CacheBalance(ctx, accountNumber, balance, observedAt)
	if err != nil {
		return err
	}
	if !applied {
		resyncer.logger.Debug("stale or unknown balance skipped", zap.String("account_number", accountNumber))
	}
	return nil
}
