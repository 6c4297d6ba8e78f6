package ledger

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

// memState is the committed state shared by a memStore and its transactions.
type memState struct {
	accounts  map[AccountNumber]Account
	entries   []Entry
	transfers map[TransactionID]TransferRecord
}

func (state memState) clone() memState {
	accounts := make(map[AccountNumber]Account, len(state.accounts))
	for number, account := range state.accounts {
		accounts[number] = account
	}
	transfers := make(map[TransactionID]TransferRecord, len(state.transfers))
	for id, record := range state.transfers {
		transfers[id] = record
	}
	return memState{accounts: accounts, entries: append([]Entry(nil), state.entries...), transfers: transfers}
}

// memStore serializes transactions behind one mutex and applies them copy-on-commit.
type memStore struct {
	mu    *sync.Mutex
	state *memState
	inTx  bool

	hooks *memHooks
}

type memHooks struct {
	failInsertEntryAt int
	insertEntryCalls  int
	insertEntryError  error
	casFailures       int
	getAccountError   error
	listEntriesError  error
	// hideTransferLookups makes the next N idempotency lookups miss.
	hideTransferLookups int
}

func newMemStore(test *testing.T) *memStore {
	test.Helper()
	return &memStore{
		mu:    &sync.Mutex{},
		state: &memState{accounts: map[AccountNumber]Account{}, transfers: map[TransactionID]TransferRecord{}},
		hooks: &memHooks{},
	}
}

func (store *memStore) locked(fn func()) {
	if store.inTx {
		fn()
		return
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	fn()
}

func (store *memStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	working := store.state.clone()
	txStore := &memStore{mu: store.mu, state: &working, inTx: true, hooks: store.hooks}
	err := fn(ctx, txStore)
	if err == nil {
		*store.state = working
	}
	store.mu.Unlock()
	return err
}

func (store *memStore) CreateAccount(_ context.Context, account Account) error {
	var err error
	store.locked(func() {
		if _, exists := store.state.accounts[account.Number]; exists {
			err = WrapError("store", "account", "duplicate", ErrDuplicateAccount)
			return
		}
		store.state.accounts[account.Number] = account
	})
	return err
}

func (store *memStore) GetAccount(_ context.Context, number AccountNumber, options LookupOptions) (Account, error) {
	if store.hooks.getAccountError != nil {
		return Account{}, store.hooks.getAccountError
	}
	var (
		account Account
		found   bool
	)
	store.locked(func() {
		account, found = store.state.accounts[number]
	})
	if !found || (!account.Active && !options.IncludeInactive) {
		return Account{}, WrapError("store", "account", "get", ErrAccountNotFound)
	}
	if !options.IncludeSecret {
		account.SecretHash = ""
	}
	return account, nil
}

func (store *memStore) UpdateBalance(_ context.Context, number AccountNumber, expectedVersion int64, balance Amount) error {
	if store.hooks.casFailures > 0 {
		store.hooks.casFailures--
		return WrapError("store", "account", "update_balance", ErrConcurrentUpdate)
	}
	var err error
	store.locked(func() {
		account, found := store.state.accounts[number]
		if !found || !account.Active || account.Version != expectedVersion {
			err = WrapError("store", "account", "update_balance", ErrConcurrentUpdate)
			return
		}
		account.Balance = balance
		account.Version++
		store.state.accounts[number] = account
	})
	return err
}

func (store *memStore) DeactivateAccount(_ context.Context, number AccountNumber) error {
	var err error
	store.locked(func() {
		account, found := store.state.accounts[number]
		if !found || !account.Active {
			err = WrapError("store", "account", "deactivate", ErrAccountNotFound)
			return
		}
		account.Active = false
		store.state.accounts[number] = account
	})
	return err
}

func (store *memStore) InsertEntry(_ context.Context, entry Entry) error {
	store.hooks.insertEntryCalls++
	if store.hooks.failInsertEntryAt > 0 && store.hooks.insertEntryCalls == store.hooks.failInsertEntryAt {
		return store.hooks.insertEntryError
	}
	store.locked(func() {
		store.state.entries = append(store.state.entries, entry)
	})
	return nil
}

func (store *memStore) ListEntries(_ context.Context, number AccountNumber, limit int) ([]Entry, error) {
	if store.hooks.listEntriesError != nil {
		return nil, store.hooks.listEntriesError
	}
	var entries []Entry
	store.locked(func() {
		for _, entry := range store.state.entries {
			if entry.AccountNumber == number {
				entries = append(entries, entry)
			}
		}
	})
	sort.Slice(entries, func(left, right int) bool { return entries[left].Sequence > entries[right].Sequence })
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (store *memStore) InsertTransfer(_ context.Context, record TransferRecord) error {
	var err error
	store.locked(func() {
		for _, existing := range store.state.transfers {
			if !record.IdempotencyKey.IsZero() && existing.IdempotencyKey == record.IdempotencyKey {
				err = WrapError("store", "transfer", "duplicate", ErrDuplicateIdempotencyKey)
				return
			}
		}
		store.state.transfers[record.TransactionID] = record
	})
	return err
}

func (store *memStore) GetTransferByIdempotencyKey(_ context.Context, key IdempotencyKey) (TransferRecord, error) {
	if store.hooks.hideTransferLookups > 0 {
		store.hooks.hideTransferLookups--
		return TransferRecord{}, WrapError("store", "transfer", "get", ErrUnknownTransfer)
	}
	var (
		record TransferRecord
		found  bool
	)
	store.locked(func() {
		for _, existing := range store.state.transfers {
			if existing.IdempotencyKey == key {
				record, found = existing, true
				return
			}
		}
	})
	if !found {
		return TransferRecord{}, WrapError("store", "transfer", "get", ErrUnknownTransfer)
	}
	return record, nil
}

func (store *memStore) balanceOf(test *testing.T, number AccountNumber) Amount {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.accounts[number].Balance
}

func (store *memStore) entriesFor(number AccountNumber) []Entry {
	store.mu.Lock()
	defer store.mu.Unlock()
	var entries []Entry
	for _, entry := range store.state.entries {
		if entry.AccountNumber == number {
			entries = append(entries, entry)
		}
	}
	return entries
}

// prefixVerifier stands in for bcrypt so tests stay fast.
type prefixVerifier struct {
	hashError error
}

const verifierPrefix = "hashed:"

func (verifier prefixVerifier) Hash(secret Secret) (string, error) {
	if verifier.hashError != nil {
		return "", verifier.hashError
	}
	return verifierPrefix + secret.Plaintext(), nil
}

func (verifier prefixVerifier) Matches(secret Secret, hash string) bool {
	if !strings.HasPrefix(hash, verifierPrefix) {
		return false
	}
	return strings.TrimPrefix(hash, verifierPrefix) == secret.Plaintext()
}

var fixedNow = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	options = append([]ServiceOption{WithRetryBackoff(0)}, options...)
	service, err := NewService(store, prefixVerifier{}, fixedClock, options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

func mustAccountNumber(test *testing.T, raw string) AccountNumber {
	test.Helper()
	number, err := NewAccountNumber(raw)
	if err != nil {
		test.Fatalf("account number init failed: %v", err)
	}
	return number
}

func mustSecret(test *testing.T, raw string) Secret {
	test.Helper()
	secret, err := NewSecret(raw)
	if err != nil {
		test.Fatalf("secret init failed: %v", err)
	}
	return secret
}

func mustRegister(test *testing.T, service *Service, number string, accountType string, balance int64, secret string) Account {
	test.Helper()
	registration, err := NewRegistration(number, "Holder "+number, accountType, &balance, secret)
	if err != nil {
		test.Fatalf("registration init failed: %v", err)
	}
	account, err := service.Register(context.Background(), registration)
	if err != nil {
		test.Fatalf("register %s failed: %v", number, err)
	}
	return account
}

func mustIntent(test *testing.T, from string, to string, amount int64, secret string, key string) TransferIntent {
	test.Helper()
	intent, err := NewTransferIntent(TransferInput{
		From:           from,
		To:             to,
		Amount:         amount,
		Secret:         secret,
		Description:    "Course purchase",
		IdempotencyKey: key,
	})
	if err != nil {
		test.Fatalf("transfer intent init failed: %v", err)
	}
	return intent
}

func expectErrorIs(test *testing.T, err error, target error) {
	test.Helper()
	if !errors.Is(err, target) {
		test.Fatalf("expected %v, got %v", target, err)
	}
}
