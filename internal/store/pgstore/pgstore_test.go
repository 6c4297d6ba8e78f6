package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/MarkoPoloResearchLab/lmsbank/pkg/ledger"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	accountColumns  = []string{"account_number", "account_holder", "account_type", "balance", "opening_balance", "secret_hash", "is_active", "version", "created_at"}
	entryColumns    = []string{"entry_id", "account_number", "account_version", "transaction_id", "direction", "amount", "balance_after", "from_account", "to_account", "description", "metadata", "created_at"}
	transferColumns = []string{"transaction_id", "idempotency_key", "request_fingerprint", "from_account", "to_account", "amount", "description", "metadata", "from_balance_after", "to_balance_after", "created_at"}
	fixedTime       = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
)

func newMockStore(test *testing.T) (*Store, sqlmock.Sqlmock) {
	test.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		test.Fatalf("error opening mock database: %v", err)
	}
	test.Cleanup(func() { _ = db.Close() })
	store := New(db)
	store.now = func() time.Time { return fixedTime }
	return store, mock
}

func mustNumber(test *testing.T, raw string) ledger.AccountNumber {
	test.Helper()
	accountNumber, err := ledger.NewAccountNumber(raw)
	if err != nil {
		test.Fatalf("account number init failed: %v", err)
	}
	return accountNumber
}

func expectationsMet(test *testing.T, mock sqlmock.Sqlmock) {
	test.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		test.Fatalf("unmet sql expectations: %v", err)
	}
}

func learnerAccountRow(secretHash string, accountType string) *sqlmock.Rows {
	return sqlmock.NewRows(accountColumns).AddRow("LRN100000", "Ada", accountType, int64(10000), int64(10000), secretHash, true, int64(1), fixedTime)
}

func TestGetAccount(test *testing.T) {
	store, mock := newMockStore(test)
	ctx := context.Background()

	mock.ExpectQuery("select account_number, .* from accounts").
		WithArgs("LRN100000", false).
		WillReturnRows(learnerAccountRow("hash", "learner"))
	account, err := store.GetAccount(ctx, mustNumber(test, "LRN100000"), ledger.LookupOptions{})
	if err != nil {
		test.Fatalf("get account failed: %v", err)
	}
	if account.Balance != 10000 || account.Type != ledger.AccountTypeLearner || account.SecretHash != "" {
		test.Fatalf("unexpected account (secret must stay hidden by default): %+v", account)
	}

	mock.ExpectQuery("from accounts .* for update").
		WithArgs("LRN100000", false).
		WillReturnRows(learnerAccountRow("hash", "learner"))
	locked, err := store.GetAccount(ctx, mustNumber(test, "LRN100000"), ledger.LookupOptions{ForUpdate: true, IncludeSecret: true})
	if err != nil || locked.SecretHash != "hash" {
		test.Fatalf("locked lookup failed: %+v %v", locked, err)
	}

	mock.ExpectQuery("from accounts").
		WithArgs("LRN999999", true).
		WillReturnError(sql.ErrNoRows)
	if _, err := store.GetAccount(ctx, mustNumber(test, "LRN999999"), ledger.LookupOptions{IncludeInactive: true}); !errors.Is(err, ledger.ErrAccountNotFound) {
		test.Fatalf("expected ErrAccountNotFound, got %v", err)
	}

	mock.ExpectQuery("from accounts").
		WithArgs("LRN100000", false).
		WillReturnRows(learnerAccountRow("", "lms"))
	_, err = store.GetAccount(ctx, mustNumber(test, "LRN100000"), ledger.LookupOptions{})
	if !errors.Is(err, ledger.ErrStorageFailure) || ledger.ErrorCode(err) != ledger.CodeStorageFailure {
		test.Fatalf("a corrupt row must be a storage failure, got %v", err)
	}

	expectationsMet(test, mock)
}

func TestCreateAccountDuplicate(test *testing.T) {
	store, mock := newMockStore(test)
	mock.ExpectExec("insert into accounts").
		WillReturnError(&pgconn.PgError{Code: pgUniqueViolationCode, ConstraintName: constraintAccountsPrimary})

	err := store.CreateAccount(context.Background(), ledger.Account{Number: mustNumber(test, "LRN100000"), Active: true, Version: 1})
	if !errors.Is(err, ledger.ErrDuplicateAccount) {
		test.Fatalf("expected ErrDuplicateAccount, got %v", err)
	}
	expectationsMet(test, mock)
}

func TestUpdateBalance(test *testing.T) {
	store, mock := newMockStore(test)
	ctx := context.Background()

	mock.ExpectExec("update accounts\\s+set balance").
		WithArgs("LRN100000", int64(1), int64(7001), fixedTime).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.UpdateBalance(ctx, mustNumber(test, "LRN100000"), 1, 7001); err != nil {
		test.Fatalf("update failed: %v", err)
	}

	mock.ExpectExec("update accounts\\s+set balance").
		WithArgs("LRN100000", int64(1), int64(7001), fixedTime).
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := store.UpdateBalance(ctx, mustNumber(test, "LRN100000"), 1, 7001); !errors.Is(err, ledger.ErrConcurrentUpdate) {
		test.Fatalf("a stale version must be ErrConcurrentUpdate, got %v", err)
	}

	expectationsMet(test, mock)
}

func TestDeactivateAccount(test *testing.T) {
	store, mock := newMockStore(test)
	mock.ExpectExec("set is_active = false").
		WithArgs("LRN100000", fixedTime).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.DeactivateAccount(context.Background(), mustNumber(test, "LRN100000")); !errors.Is(err, ledger.ErrAccountNotFound) {
		test.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
	expectationsMet(test, mock)
}

func TestInsertTransferDuplicateKey(test *testing.T) {
	store, mock := newMockStore(test)
	key, err := ledger.NewIdempotencyKey("purchase:u-1:c-1")
	if err != nil {
		test.Fatalf("key init failed: %v", err)
	}
	mock.ExpectExec("insert into transfers").
		WillReturnError(&pgconn.PgError{Code: pgUniqueViolationCode, ConstraintName: constraintTransferIdempotency})

	err = store.InsertTransfer(context.Background(), ledger.TransferRecord{
		TransactionID:  ledger.GenerateTransactionID(),
		IdempotencyKey: key,
		From:           mustNumber(test, "LRN100000"),
		To:             mustNumber(test, "ORG000001"),
		Amount:         100,
	})
	if !errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		test.Fatalf("expected ErrDuplicateIdempotencyKey, got %v", err)
	}
	expectationsMet(test, mock)
}

func TestGetTransferByIdempotencyKey(test *testing.T) {
	store, mock := newMockStore(test)
	ctx := context.Background()
	key, err := ledger.NewIdempotencyKey("reward:c-1")
	if err != nil {
		test.Fatalf("key init failed: %v", err)
	}

	mock.ExpectQuery("from transfers").
		WithArgs("reward:c-1").
		WillReturnRows(sqlmock.NewRows(transferColumns).AddRow("TXNABCDEF123456", "reward:c-1", "f", "ORG000001", "INS100000", int64(5000), "Course upload reward", `{"courseId":"c-1"}`, int64(995000), int64(5000), fixedTime))
	record, err := store.GetTransferByIdempotencyKey(ctx, key)
	if err != nil {
		test.Fatalf("lookup failed: %v", err)
	}
	if record.TransactionID.String() != "TXNABCDEF123456" || record.ToBalanceAfter != 5000 || record.IdempotencyKey != key {
		test.Fatalf("unexpected record: %+v", record)
	}

	mock.ExpectQuery("from transfers").
		WithArgs("reward:c-1").
		WillReturnError(sql.ErrNoRows)
	if _, err := store.GetTransferByIdempotencyKey(ctx, key); !errors.Is(err, ledger.ErrUnknownTransfer) {
		test.Fatalf("expected ErrUnknownTransfer, got %v", err)
	}

	expectationsMet(test, mock)
}

func TestListEntries(test *testing.T) {
	store, mock := newMockStore(test)
	mock.ExpectQuery("from ledger_entries\\s+where account_number = \\$1\\s+order by account_version desc").
		WithArgs("LRN100000", 2).
		WillReturnRows(sqlmock.NewRows(entryColumns).
			AddRow("e-2", "LRN100000", int64(3), "TXN000000000002", "debit", int64(250), int64(9650), "LRN100000", "ORG000001", "Transfer", "{}", fixedTime).
			AddRow("e-1", "LRN100000", int64(2), "TXN000000000001", "debit", int64(100), int64(9900), "LRN100000", "ORG000001", "Transfer", "{}", fixedTime))

	entries, err := store.ListEntries(context.Background(), mustNumber(test, "LRN100000"), 2)
	if err != nil {
		test.Fatalf("list entries failed: %v", err)
	}
	if len(entries) != 2 || entries[0].Sequence != 3 || entries[1].Direction != ledger.DirectionDebit {
		test.Fatalf("unexpected entries: %+v", entries)
	}
	expectationsMet(test, mock)
}

func TestWithTxRollsBackOnError(test *testing.T) {
	store, mock := newMockStore(test)
	injected := errors.New("connection reset")

	mock.ExpectBegin()
	mock.ExpectExec("update accounts\\s+set balance").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into ledger_entries").WillReturnError(injected)
	mock.ExpectRollback()

	err := store.WithTx(context.Background(), func(ctx context.Context, txStore ledger.Store) error {
		if err := txStore.UpdateBalance(ctx, mustNumber(test, "LRN100000"), 1, 7001); err != nil {
			return err
		}
		return txStore.InsertEntry(ctx, ledger.Entry{AccountNumber: mustNumber(test, "LRN100000"), Direction: ledger.DirectionDebit, Amount: 2999})
	})
	if !errors.Is(err, injected) || !errors.Is(err, ledger.ErrStorageFailure) {
		test.Fatalf("expected a wrapped storage failure, got %v", err)
	}
	expectationsMet(test, mock)
}

type plainVerifier struct{}

func (plainVerifier) Hash(secret ledger.Secret) (string, error) { return secret.Plaintext(), nil }

func (plainVerifier) Matches(secret ledger.Secret, hash string) bool {
	return hash == secret.Plaintext()
}

func TestServiceTransferLocksInAccountOrder(test *testing.T) {
	store, mock := newMockStore(test)
	service, err := ledger.NewService(store, plainVerifier{}, func() time.Time { return fixedTime })
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}

	learnerRow := func() *sqlmock.Rows { return learnerAccountRow("learner-secret", "learner") }
	organizationRow := func() *sqlmock.Rows {
		return sqlmock.NewRows(accountColumns).AddRow("ORG000001", "LMS", "organization", int64(1000000), int64(1000000), "org-secret", true, int64(1), fixedTime)
	}

	// Payer is ORG000001, so LRN100000 is locked first.
	mock.ExpectQuery("from accounts").WithArgs("ORG000001", false).WillReturnRows(organizationRow())
	mock.ExpectQuery("from accounts").WithArgs("LRN100000", false).WillReturnRows(learnerRow())
	mock.ExpectBegin()
	mock.ExpectQuery("for update").WithArgs("LRN100000", false).WillReturnRows(learnerRow())
	mock.ExpectQuery("for update").WithArgs("ORG000001", false).WillReturnRows(organizationRow())
	mock.ExpectExec("update accounts\\s+set balance").WithArgs("LRN100000", int64(1), int64(15000), fixedTime).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update accounts\\s+set balance").WithArgs("ORG000001", int64(1), int64(995000), fixedTime).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into ledger_entries").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into ledger_entries").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into transfers").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	intent, err := ledger.NewTransferIntent(ledger.TransferInput{From: "ORG000001", To: "LRN100000", Amount: 5000, Secret: "org-secret"})
	if err != nil {
		test.Fatalf("intent init failed: %v", err)
	}
	result, err := service.Transfer(context.Background(), intent)
	if err != nil {
		test.Fatalf("transfer failed: %v", err)
	}
	if result.From.NewBalance != 995000 || result.To.NewBalance != 15000 {
		test.Fatalf("unexpected balances: %+v", result)
	}
	expectationsMet(test, mock)
}

func TestTotals(test *testing.T) {
	store, mock := newMockStore(test)
	mock.ExpectQuery("sum\\(balance\\)").
		WillReturnRows(sqlmock.NewRows([]string{"balance", "opening"}).AddRow(int64(1010000), int64(1010000)))

	balance, opening, err := store.Totals(context.Background())
	if err != nil || balance != opening {
		test.Fatalf("unexpected totals %d %d (%v)", balance, opening, err)
	}
	expectationsMet(test, mock)
}

func TestEntryTotalsStopAtAccountVersion(test *testing.T) {
	store, mock := newMockStore(test)
	mock.ExpectQuery("from ledger_entries\\s+where account_number = \\$1 and account_version <= \\$2").
		WithArgs("LRN100000", int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"credits", "debits"}).AddRow(int64(0), int64(2999)))

	credits, debits, err := store.EntryTotals(context.Background(), mustNumber(test, "LRN100000"), 2)
	if err != nil || credits != 0 || debits != 2999 {
		test.Fatalf("unexpected entry totals %d %d (%v)", credits, debits, err)
	}
	expectationsMet(test, mock)
}
