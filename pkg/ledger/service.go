package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	defaultRetryBackoff      = 10 * time.Millisecond
	historySnapshotAttempts  = 3
	registeredAccountVersion = 1
)

// Service contains the domain logic over a Store.
type Service struct {
	store               Store
	verifier            SecretVerifier
	nowFn               func() time.Time
	logger              OperationLogger
	events              EventSink
	newTransactionID    func() TransactionID
	maxTransferAttempts int
	retryBackoff        time.Duration
}

// NewService wires a Service.
func NewService(store Store, verifier SecretVerifier, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if verifier == nil {
		return nil, fmt.Errorf("%w: secret verifier dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:               store,
		verifier:            verifier,
		nowFn:               now,
		newTransactionID:    GenerateTransactionID,
		maxTransferAttempts: defaultMaxTransferAttempts,
		retryBackoff:        defaultRetryBackoff,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Register opens an account. The secret is hashed before it reaches the store.
func (service *Service) Register(ctx context.Context, registration Registration) (Account, error) {
	account, err := service.register(ctx, registration)
	service.logOperation(ctx, OperationLog{
		Operation:     operationRegister,
		AccountNumber: registration.Number,
		Amount:        registration.InitialBalance,
		Error:         err,
	})
	if err == nil {
		service.notify(ctx, Event{Type: EventAccountRegistered, OccurredAt: account.CreatedAt, Account: &account})
	}
	return account, err
}

func (service *Service) register(ctx context.Context, registration Registration) (Account, error) {
	_, err := service.store.GetAccount(ctx, registration.Number, LookupOptions{IncludeInactive: true})
	if err == nil {
		return Account{}, ErrDuplicateAccount
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return Account{}, classify(errorSubjectAccount, errorCodeLookup, err)
	}
	hash, err := service.verifier.Hash(registration.Secret)
	if err != nil {
		return Account{}, StorageError(errorOperationService, errorSubjectAccount, errorCodeHash, err)
	}
	account := Account{
		Number:         registration.Number,
		Holder:         registration.Holder,
		Type:           registration.Type,
		Balance:        registration.InitialBalance,
		OpeningBalance: registration.InitialBalance,
		Active:         true,
		Version:        registeredAccountVersion,
		CreatedAt:      service.nowFn().UTC(),
		SecretHash:     hash,
	}
	if err := service.store.CreateAccount(ctx, account); err != nil {
		return Account{}, classify(errorSubjectAccount, errorCodeCommit, err)
	}
	return account.Public(), nil
}

// Balance returns an active account without secret material.
// Reads are logged only when they fail.
func (service *Service) Balance(ctx context.Context, number AccountNumber) (Account, error) {
	account, err := service.lookup(ctx, service.store, number, SideNone, LookupOptions{})
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationBalance, AccountNumber: number, Error: err})
		return Account{}, err
	}
	return account.Public(), nil
}

// Verify checks a secret against an active account without mutating anything.
func (service *Service) Verify(ctx context.Context, number AccountNumber, secret Secret) (Account, error) {
	account, err := service.verify(ctx, number, secret)
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationVerify, AccountNumber: number, Error: err})
	}
	return account, err
}

func (service *Service) verify(ctx context.Context, number AccountNumber, secret Secret) (Account, error) {
	account, err := service.lookup(ctx, service.store, number, SideNone, LookupOptions{IncludeSecret: true})
	if err != nil {
		return Account{}, err
	}
	if !service.verifier.Matches(secret, account.SecretHash) {
		return Account{}, ErrUnauthorized
	}
	return account.Public(), nil
}

// History returns up to limit entries, newest first, with the balance they lead to.
// A limit of zero or less selects DefaultHistoryLimit.
func (service *Service) History(ctx context.Context, number AccountNumber, limit int) (History, error) {
	history, err := service.history(ctx, number, limit)
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationHistory, AccountNumber: number, Error: err})
	}
	return history, err
}

func (service *Service) history(ctx context.Context, number AccountNumber, limit int) (History, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return History{}, fmt.Errorf("%w: %d exceeds %d", ErrInvalidHistoryLimit, limit, MaxHistoryLimit)
	}
	var history History
	for attempt := 0; attempt < historySnapshotAttempts; attempt++ {
		account, err := service.lookup(ctx, service.store, number, SideNone, LookupOptions{})
		if err != nil {
			return History{}, err
		}
		entries, err := service.store.ListEntries(ctx, number, limit)
		if err != nil {
			return History{}, classify(errorSubjectEntry, errorCodeList, err)
		}
		history = History{Account: account.Public(), Entries: entries}
		if consistentSnapshot(account, entries) {
			break
		}
	}
	return history, nil
}

// consistentSnapshot reports whether no transfer committed between the two reads.
func consistentSnapshot(account Account, entries []Entry) bool {
	if len(entries) == 0 {
		return account.Version == registeredAccountVersion
	}
	return entries[0].Sequence == account.Version
}

// Deactivate soft-deletes an account. There is no way back.
func (service *Service) Deactivate(ctx context.Context, number AccountNumber) error {
	err := service.store.DeactivateAccount(ctx, number)
	if errors.Is(err, ErrAccountNotFound) {
		err = AccountNotFoundError{AccountNumber: number}
	} else if err != nil {
		err = classify(errorSubjectAccount, errorCodeCommit, err)
	}
	service.logOperation(ctx, OperationLog{Operation: operationDeactivate, AccountNumber: number, Error: err})
	if err != nil {
		return err
	}
	account, lookupErr := service.store.GetAccount(ctx, number, LookupOptions{IncludeInactive: true})
	if lookupErr == nil {
		public := account.Public()
		service.notify(ctx, Event{Type: EventAccountDeactivated, OccurredAt: service.nowFn().UTC(), Account: &public})
	}
	return nil
}

func (service *Service) lookup(ctx context.Context, store Store, number AccountNumber, side AccountSide, options LookupOptions) (Account, error) {
	account, err := store.GetAccount(ctx, number, options)
	if errors.Is(err, ErrAccountNotFound) {
		return Account{}, AccountNotFoundError{Side: side, AccountNumber: number}
	}
	if err != nil {
		return Account{}, classify(errorSubjectAccount, errorCodeLookup, err)
	}
	return account, nil
}

// classify passes business errors through and marks everything else as a storage failure.
func classify(subject string, code string, err error) error {
	if err == nil || IsBusinessError(err) {
		return err
	}
	return StorageError(errorOperationService, subject, code, err)
}
