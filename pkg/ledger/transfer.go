package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Transfer moves intent.Amount from intent.From to intent.To.
//
// Business rules are checked before the database transaction opens. Inside it
// both rows are locked in account-number order, the sufficiency check is
// repeated, both balances are swapped under a version check, and the two
// entries plus the transfer record are appended. A lost version check rolls
// everything back and retries. The returned result always carries the
// transaction id generated for this attempt, even on failure.
//
// Without an idempotency key a retried call is a new transfer.
func (service *Service) Transfer(ctx context.Context, intent TransferIntent) (TransferResult, error) {
	transactionID := service.newTransactionID()
	result, attempts, err := service.transfer(ctx, transactionID, intent)
	if err != nil {
		result = TransferResult{TransactionID: transactionID}
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationTransfer,
		AccountNumber:  intent.From,
		Counterparty:   intent.To,
		Amount:         intent.Amount.ToAmount(),
		TransactionID:  result.TransactionID,
		IdempotencyKey: intent.IdempotencyKey,
		Replayed:       result.Replayed,
		Attempts:       attempts,
		Error:          err,
	})
	if err == nil && !result.Replayed {
		committed := result
		service.notify(ctx, Event{Type: EventTransferCommitted, OccurredAt: result.Timestamp, Transfer: &committed})
	}
	return result, err
}

func (service *Service) transfer(ctx context.Context, transactionID TransactionID, intent TransferIntent) (TransferResult, int, error) {
	if intent.From == intent.To {
		return TransferResult{}, 0, ErrSelfTransfer
	}
	if intent.Amount <= 0 {
		return TransferResult{}, 0, fmt.Errorf("%w: got %d", ErrInvalidAmount, intent.Amount)
	}
	fingerprint := transferFingerprint(intent)
	if !intent.IdempotencyKey.IsZero() {
		replay, found, err := service.replayCommitted(ctx, intent, fingerprint)
		if err != nil || found {
			return replay, 0, err
		}
	}
	from, err := service.lookup(ctx, service.store, intent.From, SideFrom, LookupOptions{IncludeSecret: true})
	if err != nil {
		return TransferResult{}, 0, err
	}
	if _, err := service.lookup(ctx, service.store, intent.To, SideTo, LookupOptions{}); err != nil {
		return TransferResult{}, 0, err
	}
	if !service.verifier.Matches(intent.Secret, from.SecretHash) {
		return TransferResult{}, 0, ErrUnauthorized
	}
	if from.Balance < intent.Amount.ToAmount() {
		return TransferResult{}, 0, InsufficientFundsError{Required: intent.Amount.ToAmount(), Available: from.Balance}
	}

	for attempt := 1; ; attempt++ {
		var result TransferResult
		err := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			var commitErr error
			result, commitErr = service.commitTransfer(ctx, txStore, transactionID, intent, fingerprint)
			return commitErr
		})
		if err == nil {
			return result, attempt, nil
		}
		if errors.Is(err, ErrDuplicateIdempotencyKey) && !intent.IdempotencyKey.IsZero() {
			replay, found, lookupErr := service.findReplay(ctx, service.store, intent, fingerprint)
			if lookupErr != nil {
				return TransferResult{}, attempt, lookupErr
			}
			if found {
				return replay, attempt, nil
			}
		}
		if !errors.Is(err, ErrConcurrentUpdate) {
			return TransferResult{}, attempt, classify(errorSubjectTransfer, errorCodeCommit, err)
		}
		if attempt >= service.maxTransferAttempts {
			return TransferResult{}, attempt, StorageError(errorOperationService, errorSubjectTransfer, errorCodeRetries, err)
		}
		if err := service.pause(ctx, attempt); err != nil {
			return TransferResult{}, attempt, StorageError(errorOperationService, errorSubjectTransfer, errorCodeRetries, err)
		}
	}
}

func (service *Service) commitTransfer(ctx context.Context, txStore Store, transactionID TransactionID, intent TransferIntent, fingerprint string) (TransferResult, error) {
	if !intent.IdempotencyKey.IsZero() {
		replay, found, err := service.findReplay(ctx, txStore, intent, fingerprint)
		if err != nil || found {
			return replay, err
		}
	}

	order := []struct {
		number AccountNumber
		side   AccountSide
	}{{intent.From, SideFrom}, {intent.To, SideTo}}
	if order[1].number.String() < order[0].number.String() {
		order[0], order[1] = order[1], order[0]
	}
	locked := make(map[AccountNumber]Account, len(order))
	for _, party := range order {
		account, err := service.lookup(ctx, txStore, party.number, party.side, LookupOptions{ForUpdate: true})
		if err != nil {
			return TransferResult{}, err
		}
		locked[party.number] = account
	}

	from := locked[intent.From]
	to := locked[intent.To]
	amount := intent.Amount.ToAmount()
	if from.Balance < amount {
		return TransferResult{}, InsufficientFundsError{Required: amount, Available: from.Balance}
	}
	if to.Balance > Amount(math.MaxInt64)-amount {
		return TransferResult{}, fmt.Errorf("%w: credit would overflow destination balance", ErrInvalidBalance)
	}
	balanceAfter := map[AccountNumber]Amount{
		intent.From: from.Balance - amount,
		intent.To:   to.Balance + amount,
	}
	for _, party := range order {
		account := locked[party.number]
		if err := txStore.UpdateBalance(ctx, party.number, account.Version, balanceAfter[party.number]); err != nil {
			return TransferResult{}, err
		}
	}

	now := service.nowFn().UTC()
	debit := Entry{
		EntryID:       uuid.NewString(),
		AccountNumber: intent.From,
		Sequence:      from.Version + 1,
		TransactionID: transactionID,
		Direction:     DirectionDebit,
		Amount:        intent.Amount,
		BalanceAfter:  balanceAfter[intent.From],
		From:          intent.From,
		To:            intent.To,
		Description:   intent.Description,
		Metadata:      intent.Metadata,
		CreatedAt:     now,
	}
	credit := debit
	credit.EntryID = uuid.NewString()
	credit.AccountNumber = intent.To
	credit.Sequence = to.Version + 1
	credit.Direction = DirectionCredit
	credit.BalanceAfter = balanceAfter[intent.To]
	for _, entry := range []Entry{debit, credit} {
		if err := txStore.InsertEntry(ctx, entry); err != nil {
			return TransferResult{}, err
		}
	}

	record := TransferRecord{
		TransactionID:    transactionID,
		IdempotencyKey:   intent.IdempotencyKey,
		Fingerprint:      fingerprint,
		From:             intent.From,
		To:               intent.To,
		Amount:           intent.Amount,
		Description:      intent.Description,
		Metadata:         intent.Metadata,
		FromBalanceAfter: debit.BalanceAfter,
		ToBalanceAfter:   credit.BalanceAfter,
		CreatedAt:        now,
	}
	if err := txStore.InsertTransfer(ctx, record); err != nil {
		return TransferResult{}, err
	}
	return resultFromRecord(record, false), nil
}

// replayCommitted answers a keyed request whose transfer already committed, even
// if either account has been deactivated since. The payer secret is checked
// before anything about the stored transfer is revealed.
func (service *Service) replayCommitted(ctx context.Context, intent TransferIntent, fingerprint string) (TransferResult, bool, error) {
	record, err := service.store.GetTransferByIdempotencyKey(ctx, intent.IdempotencyKey)
	if errors.Is(err, ErrUnknownTransfer) {
		return TransferResult{}, false, nil
	}
	if err != nil {
		return TransferResult{}, false, classify(errorSubjectTransfer, errorCodeLookup, err)
	}
	from, err := service.lookup(ctx, service.store, intent.From, SideFrom, LookupOptions{IncludeSecret: true, IncludeInactive: true})
	if err != nil {
		return TransferResult{}, false, err
	}
	if !service.verifier.Matches(intent.Secret, from.SecretHash) {
		return TransferResult{}, false, ErrUnauthorized
	}
	if record.Fingerprint != fingerprint {
		return TransferResult{}, false, ErrIdempotencyConflict
	}
	return resultFromRecord(record, true), true, nil
}

func (service *Service) findReplay(ctx context.Context, store Store, intent TransferIntent, fingerprint string) (TransferResult, bool, error) {
	record, err := store.GetTransferByIdempotencyKey(ctx, intent.IdempotencyKey)
	if errors.Is(err, ErrUnknownTransfer) {
		return TransferResult{}, false, nil
	}
	if err != nil {
		return TransferResult{}, false, classify(errorSubjectTransfer, errorCodeLookup, err)
	}
	if record.Fingerprint != fingerprint {
		return TransferResult{}, false, ErrIdempotencyConflict
	}
	return resultFromRecord(record, true), true, nil
}

func (service *Service) pause(ctx context.Context, attempt int) error {
	if service.retryBackoff <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(service.retryBackoff * time.Duration(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func resultFromRecord(record TransferRecord, replayed bool) TransferResult {
	return TransferResult{
		TransactionID: record.TransactionID,
		From:          PartyBalance{AccountNumber: record.From, NewBalance: record.FromBalanceAfter},
		To:            PartyBalance{AccountNumber: record.To, NewBalance: record.ToBalanceAfter},
		Amount:        record.Amount,
		Description:   record.Description,
		Metadata:      record.Metadata,
		Timestamp:     record.CreatedAt,
		Replayed:      replayed,
	}
}

// transferFingerprint identifies the intent behind an idempotency key.
func transferFingerprint(intent TransferIntent) string {
	digest := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", intent.From, intent.To, intent.Amount)))
	return hex.EncodeToString(digest[:])
}
