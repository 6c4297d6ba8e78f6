// Package pgstore implements ledger.Store with hand-written SQL over database/sql and the pgx driver.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/lmsbank/pkg/ledger"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	constraintAccountsPrimary     = "accounts_pkey"
	constraintTransferIdempotency = "uniq_transfers_idempotency_key"
	pgUniqueViolationCode         = "23505"
	errorOperationStore           = "store"
	errorSubjectAccount           = "account"
	errorSubjectEntry             = "entry"
	errorSubjectTransfer          = "transfer"
	errorSubjectTransaction       = "transaction"
	errorSubjectTotals            = "totals"
	errorCodeBegin                = "begin"
	errorCodeCommit               = "commit"
	errorCodeCreate               = "create"
	errorCodeDuplicate            = "duplicate"
	errorCodeGet                  = "get"
	errorCodeInsert               = "insert"
	errorCodeInvalid              = "invalid"
	errorCodeList                 = "list"
	errorCodeUpdateBalance        = "update_balance"
	errorCodeDeactivate           = "deactivate"
	errorCodeSum                  = "sum"
	errorCodeUnbalanced           = "unbalanced"

	sqlInsertAccount = `
		insert into accounts(
			account_number, account_holder, account_type, balance, opening_balance,
			secret_hash, is_active, version, created_at, updated_at
		)
		values($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`

	sqlSelectAccount = `
		select account_number, account_holder, account_type, balance, opening_balance,
			secret_hash, is_active, version, created_at
		from accounts
		where account_number = $1 and (is_active or $2)
	`

	sqlSelectAccountForUpdate = sqlSelectAccount + ` for update`

	sqlUpdateBalance = `
		update accounts
		set balance = $3, version = version + 1, updated_at = $4
		where account_number = $1 and version = $2 and is_active
	`

	sqlDeactivateAccount = `
		update accounts
		set is_active = false, updated_at = $2
		where account_number = $1 and is_active
	`

	sqlInsertEntry = `
		insert into ledger_entries(
			entry_id, account_number, account_version, transaction_id, direction, amount,
			balance_after, from_account, to_account, description, metadata, created_at
		)
		values($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, coalesce(nullif($11,''),'{}')::jsonb, $12)
	`

	sqlListEntries = `
		select entry_id, account_number, account_version, transaction_id, direction, amount,
			balance_after, from_account, to_account, description, metadata::text, created_at
		from ledger_entries
		where account_number = $1
		order by account_version desc
		limit $2
	`

	sqlInsertTransfer = `
		insert into transfers(
			transaction_id, idempotency_key, request_fingerprint, from_account, to_account, amount,
			description, metadata, from_balance_after, to_balance_after, created_at
		)
		values($1, nullif($2,''), $3, $4, $5, $6, $7, coalesce(nullif($8,''),'{}')::jsonb, $9, $10, $11)
	`

	sqlSelectTransferByKey = `
		select transaction_id, coalesce(idempotency_key,''), request_fingerprint, from_account, to_account,
			amount, description, metadata::text, from_balance_after, to_balance_after, created_at
		from transfers
		where idempotency_key = $1
	`
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Store implements ledger.Store over a *sql.DB (autocommit) or an open *sql.Tx.
type Store struct {
	db    *sql.DB
	query querier
	inTx  bool
	now   func() time.Time
}

// New returns a Store backed by db, normally opened with the pgx stdlib driver.
func New(db *sql.DB) *Store {
	return &Store{db: db, query: db, now: func() time.Time { return time.Now().UTC() }}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	tx, err := store.db.BeginTx(ctx, nil)
	if err != nil {
		return storageFailure(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &Store{db: store.db, query: tx, inTx: true, now: store.now}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageFailure(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) CreateAccount(ctx context.Context, account ledger.Account) error {
	createdAt := account.CreatedAt
	if createdAt.IsZero() {
		createdAt = store.now()
	}
	_, err := store.query.ExecContext(ctx, sqlInsertAccount,
		account.Number.String(),
		account.Holder.String(),
		account.Type.String(),
		account.Balance.Int64(),
		account.OpeningBalance.Int64(),
		account.SecretHash,
		account.Active,
		account.Version,
		createdAt,
	)
	if isUniqueViolation(err, constraintAccountsPrimary) {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, ledger.ErrDuplicateAccount)
	}
	if err != nil {
		return storageFailure(errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetAccount(ctx context.Context, number ledger.AccountNumber, options ledger.LookupOptions) (ledger.Account, error) {
	query := sqlSelectAccount
	if options.ForUpdate {
		query = sqlSelectAccountForUpdate
	}
	account, err := scanAccount(store.query.QueryRowContext(ctx, query, number.String(), options.IncludeInactive))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrAccountNotFound)
	}
	if err != nil {
		return ledger.Account{}, storageFailure(errorSubjectAccount, errorCodeGet, err)
	}
	if !options.IncludeSecret {
		account.SecretHash = ""
	}
	return account, nil
}

func (store *Store) UpdateBalance(ctx context.Context, number ledger.AccountNumber, expectedVersion int64, balance ledger.Amount) error {
	result, err := store.query.ExecContext(ctx, sqlUpdateBalance, number.String(), expectedVersion, balance.Int64(), store.now())
	if err != nil {
		return storageFailure(errorSubjectAccount, errorCodeUpdateBalance, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storageFailure(errorSubjectAccount, errorCodeUpdateBalance, err)
	}
	if affected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdateBalance, ledger.ErrConcurrentUpdate)
	}
	return nil
}

func (store *Store) DeactivateAccount(ctx context.Context, number ledger.AccountNumber) error {
	result, err := store.query.ExecContext(ctx, sqlDeactivateAccount, number.String(), store.now())
	if err != nil {
		return storageFailure(errorSubjectAccount, errorCodeDeactivate, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storageFailure(errorSubjectAccount, errorCodeDeactivate, err)
	}
	if affected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeDeactivate, ledger.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, entry ledger.Entry) error {
	_, err := store.query.ExecContext(ctx, sqlInsertEntry,
		entry.EntryID,
		entry.AccountNumber.String(),
		entry.Sequence,
		entry.TransactionID.String(),
		entry.Direction.String(),
		entry.Amount.Int64(),
		entry.BalanceAfter.Int64(),
		entry.From.String(),
		entry.To.String(),
		entry.Description.String(),
		entry.Metadata.String(),
		entry.CreatedAt,
	)
	if err != nil {
		return storageFailure(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListEntries(ctx context.Context, number ledger.AccountNumber, limit int) ([]ledger.Entry, error) {
	rows, err := store.query.QueryContext(ctx, sqlListEntries, number.String(), limit)
	if err != nil {
		return nil, storageFailure(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, storageFailure(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, storageFailure(errorSubjectEntry, errorCodeList, err)
	}
	return entries, nil
}

func (store *Store) InsertTransfer(ctx context.Context, record ledger.TransferRecord) error {
	_, err := store.query.ExecContext(ctx, sqlInsertTransfer,
		record.TransactionID.String(),
		record.IdempotencyKey.String(),
		record.Fingerprint,
		record.From.String(),
		record.To.String(),
		record.Amount.Int64(),
		record.Description.String(),
		record.Metadata.String(),
		record.FromBalanceAfter.Int64(),
		record.ToBalanceAfter.Int64(),
		record.CreatedAt,
	)
	if isUniqueViolation(err, constraintTransferIdempotency) {
		return wrapStoreError(errorSubjectTransfer, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return storageFailure(errorSubjectTransfer, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetTransferByIdempotencyKey(ctx context.Context, key ledger.IdempotencyKey) (ledger.TransferRecord, error) {
	record, err := scanTransfer(store.query.QueryRowContext(ctx, sqlSelectTransferByKey, key.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.TransferRecord{}, wrapStoreError(errorSubjectTransfer, errorCodeGet, ledger.ErrUnknownTransfer)
	}
	if err != nil {
		return ledger.TransferRecord{}, storageFailure(errorSubjectTransfer, errorCodeGet, err)
	}
	return record, nil
}

func scanAccount(row rowScanner) (ledger.Account, error) {
	var (
		numberValue    string
		holderValue    string
		typeValue      string
		balanceValue   int64
		openingValue   int64
		secretHash     string
		active         bool
		version        int64
		createdAtValue time.Time
	)
	if err := row.Scan(&numberValue, &holderValue, &typeValue, &balanceValue, &openingValue, &secretHash, &active, &version, &createdAtValue); err != nil {
		return ledger.Account{}, err
	}
	number, err := ledger.NewAccountNumber(numberValue)
	if err != nil {
		return ledger.Account{}, err
	}
	holder, err := ledger.NewAccountHolder(holderValue)
	if err != nil {
		return ledger.Account{}, err
	}
	accountType, err := ledger.ParseAccountType(typeValue)
	if err != nil {
		return ledger.Account{}, err
	}
	balance, err := ledger.NewAmount(balanceValue)
	if err != nil {
		return ledger.Account{}, err
	}
	opening, err := ledger.NewAmount(openingValue)
	if err != nil {
		return ledger.Account{}, err
	}
	return ledger.Account{
		Number:         number,
		Holder:         holder,
		Type:           accountType,
		Balance:        balance,
		OpeningBalance: opening,
		Active:         active,
		Version:        version,
		CreatedAt:      createdAtValue.UTC(),
		SecretHash:     secretHash,
	}, nil
}

func scanEntry(row rowScanner) (ledger.Entry, error) {
	var (
		entryID        string
		numberValue    string
		sequence       int64
		transactionRaw string
		directionValue string
		amountValue    int64
		balanceValue   int64
		fromValue      string
		toValue        string
		descriptionRaw string
		metadataRaw    string
		createdAtValue time.Time
	)
	if err := row.Scan(&entryID, &numberValue, &sequence, &transactionRaw, &directionValue, &amountValue, &balanceValue, &fromValue, &toValue, &descriptionRaw, &metadataRaw, &createdAtValue); err != nil {
		return ledger.Entry{}, err
	}
	entry := ledger.Entry{EntryID: entryID, Sequence: sequence, CreatedAt: createdAtValue.UTC()}
	var err error
	if entry.AccountNumber, err = ledger.NewAccountNumber(numberValue); err != nil {
		return ledger.Entry{}, err
	}
	if entry.TransactionID, err = ledger.NewTransactionID(transactionRaw); err != nil {
		return ledger.Entry{}, err
	}
	if entry.Direction, err = ledger.ParseDirection(directionValue); err != nil {
		return ledger.Entry{}, err
	}
	if entry.Amount, err = ledger.NewPositiveAmount(amountValue); err != nil {
		return ledger.Entry{}, err
	}
	if entry.BalanceAfter, err = ledger.NewAmount(balanceValue); err != nil {
		return ledger.Entry{}, err
	}
	if entry.From, err = ledger.NewAccountNumber(fromValue); err != nil {
		return ledger.Entry{}, err
	}
	if entry.To, err = ledger.NewAccountNumber(toValue); err != nil {
		return ledger.Entry{}, err
	}
	if entry.Description, err = ledger.NewDescription(descriptionRaw); err != nil {
		return ledger.Entry{}, err
	}
	if entry.Metadata, err = ledger.NewMetadataJSON(metadataRaw); err != nil {
		return ledger.Entry{}, err
	}
	return entry, nil
}

func scanTransfer(row rowScanner) (ledger.TransferRecord, error) {
	var (
		transactionRaw string
		keyRaw         string
		fingerprint    string
		fromValue      string
		toValue        string
		amountValue    int64
		descriptionRaw string
		metadataRaw    string
		fromBalance    int64
		toBalance      int64
		createdAtValue time.Time
	)
	if err := row.Scan(&transactionRaw, &keyRaw, &fingerprint, &fromValue, &toValue, &amountValue, &descriptionRaw, &metadataRaw, &fromBalance, &toBalance, &createdAtValue); err != nil {
		return ledger.TransferRecord{}, err
	}
	record := ledger.TransferRecord{Fingerprint: fingerprint, CreatedAt: createdAtValue.UTC()}
	var err error
	if record.TransactionID, err = ledger.NewTransactionID(transactionRaw); err != nil {
		return ledger.TransferRecord{}, err
	}
	if keyRaw != "" {
		if record.IdempotencyKey, err = ledger.NewIdempotencyKey(keyRaw); err != nil {
			return ledger.TransferRecord{}, err
		}
	}
	if record.From, err = ledger.NewAccountNumber(fromValue); err != nil {
		return ledger.TransferRecord{}, err
	}
	if record.To, err = ledger.NewAccountNumber(toValue); err != nil {
		return ledger.TransferRecord{}, err
	}
	if record.Amount, err = ledger.NewPositiveAmount(amountValue); err != nil {
		return ledger.TransferRecord{}, err
	}
	if record.Description, err = ledger.NewDescription(descriptionRaw); err != nil {
		return ledger.TransferRecord{}, err
	}
	if record.Metadata, err = ledger.NewMetadataJSON(metadataRaw); err != nil {
		return ledger.TransferRecord{}, err
	}
	if record.FromBalanceAfter, err = ledger.NewAmount(fromBalance); err != nil {
		return ledger.TransferRecord{}, err
	}
	if record.ToBalanceAfter, err = ledger.NewAmount(toBalance); err != nil {
		return ledger.TransferRecord{}, err
	}
	return record, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func storageFailure(subject string, code string, err error) error {
	return ledger.StorageError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
}
