package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/lmsbank/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON     = "{}"
	pgUniqueViolationCode   = "23505"
	sqliteConstraintCode    = 19
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectEntry       = "entry"
	errorSubjectTransfer    = "transfer"
	errorSubjectTotals      = "totals"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeUpdateBalance  = "update_balance"
	errorCodeDeactivate     = "deactivate"
	errorCodeSum            = "sum"
	errorCodeUnbalanced     = "unbalanced"
	transferConstraintIndex = "uniq_transfers_idempotency_key"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) CreateAccount(ctx context.Context, account ledger.Account) error {
	now := account.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	model := Account{
		AccountNumber:  account.Number.String(),
		AccountHolder:  account.Holder.String(),
		AccountType:    account.Type.String(),
		Balance:        account.Balance.Int64(),
		OpeningBalance: account.OpeningBalance.Int64(),
		SecretHash:     account.SecretHash,
		IsActive:       account.Active,
		Version:        account.Version,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, "") {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, ledger.ErrDuplicateAccount)
	}
	if err != nil {
		return storageFailure(errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetAccount(ctx context.Context, number ledger.AccountNumber, options ledger.LookupOptions) (ledger.Account, error) {
	query := store.db.WithContext(ctx).Where("account_number = ?", number.String())
	if !options.IncludeInactive {
		query = query.Where("is_active = ?", true)
	}
	if !options.IncludeSecret {
		query = query.Omit("secret_hash")
	}
	if options.ForUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model Account
	err := query.Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrAccountNotFound)
	}
	if err != nil {
		return ledger.Account{}, storageFailure(errorSubjectAccount, errorCodeGet, err)
	}
	account, err := mapAccount(model)
	if err != nil {
		return ledger.Account{}, storageFailure(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

func (store *Store) UpdateBalance(ctx context.Context, number ledger.AccountNumber, expectedVersion int64, balance ledger.Amount) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_number = ? AND version = ? AND is_active = ?", number.String(), expectedVersion, true).
		Updates(map[string]any{
			"balance":    balance.Int64(),
			"version":    gorm.Expr("version + ?", 1),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return storageFailure(errorSubjectAccount, errorCodeUpdateBalance, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdateBalance, ledger.ErrConcurrentUpdate)
	}
	return nil
}

func (store *Store) DeactivateAccount(ctx context.Context, number ledger.AccountNumber) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_number = ? AND is_active = ?", number.String(), true).
		Updates(map[string]any{"is_active": false, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return storageFailure(errorSubjectAccount, errorCodeDeactivate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeDeactivate, ledger.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, entry ledger.Entry) error {
	model := LedgerEntry{
		EntryID:        entry.EntryID,
		AccountNumber:  entry.AccountNumber.String(),
		AccountVersion: entry.Sequence,
		TransactionID:  entry.TransactionID.String(),
		Direction:      entry.Direction.String(),
		Amount:         entry.Amount.Int64(),
		BalanceAfter:   entry.BalanceAfter.Int64(),
		FromAccount:    entry.From.String(),
		ToAccount:      entry.To.String(),
		Description:    entry.Description.String(),
		Metadata:       datatypesJSON(entry.Metadata.String()),
		CreatedAt:      entry.CreatedAt,
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return storageFailure(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListEntries(ctx context.Context, number ledger.AccountNumber, limit int) ([]ledger.Entry, error) {
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("account_number = ?", number.String()).
		Order("account_version DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, storageFailure(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, storageFailure(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) InsertTransfer(ctx context.Context, record ledger.TransferRecord) error {
	model := Transfer{
		TransactionID:      record.TransactionID.String(),
		RequestFingerprint: record.Fingerprint,
		FromAccount:        record.From.String(),
		ToAccount:          record.To.String(),
		Amount:             record.Amount.Int64(),
		Description:        record.Description.String(),
		Metadata:           datatypesJSON(record.Metadata.String()),
		FromBalanceAfter:   record.FromBalanceAfter.Int64(),
		ToBalanceAfter:     record.ToBalanceAfter.Int64(),
		CreatedAt:          record.CreatedAt,
	}
	if !record.IdempotencyKey.IsZero() {
		key := record.IdempotencyKey.String()
		model.IdempotencyKey = &key
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, transferConstraintIndex) {
		return wrapStoreError(errorSubjectTransfer, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return storageFailure(errorSubjectTransfer, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetTransferByIdempotencyKey(ctx context.Context, key ledger.IdempotencyKey) (ledger.TransferRecord, error) {
	var model Transfer
	err := store.db.WithContext(ctx).
		Where("idempotency_key = ?", key.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.TransferRecord{}, wrapStoreError(errorSubjectTransfer, errorCodeGet, ledger.ErrUnknownTransfer)
	}
	if err != nil {
		return ledger.TransferRecord{}, storageFailure(errorSubjectTransfer, errorCodeGet, err)
	}
	record, err := mapTransfer(model)
	if err != nil {
		return ledger.TransferRecord{}, storageFailure(errorSubjectTransfer, errorCodeInvalid, err)
	}
	return record, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func storageFailure(subject string, code string, err error) error {
	return ledger.StorageError(errorOperationStore, subject, code, err)
}

func mapAccount(model Account) (ledger.Account, error) {
	number, err := ledger.NewAccountNumber(model.AccountNumber)
	if err != nil {
		return ledger.Account{}, err
	}
	holder, err := ledger.NewAccountHolder(model.AccountHolder)
	if err != nil {
		return ledger.Account{}, err
	}
	accountType, err := ledger.ParseAccountType(model.AccountType)
	if err != nil {
		return ledger.Account{}, err
	}
	balance, err := ledger.NewAmount(model.Balance)
	if err != nil {
		return ledger.Account{}, err
	}
	opening, err := ledger.NewAmount(model.OpeningBalance)
	if err != nil {
		return ledger.Account{}, err
	}
	return ledger.Account{
		Number:         number,
		Holder:         holder,
		Type:           accountType,
		Balance:        balance,
		OpeningBalance: opening,
		Active:         model.IsActive,
		Version:        model.Version,
		CreatedAt:      model.CreatedAt.UTC(),
		SecretHash:     model.SecretHash,
	}, nil
}

func mapLedgerEntry(row LedgerEntry) (ledger.Entry, error) {
	number, err := ledger.NewAccountNumber(row.AccountNumber)
	if err != nil {
		return ledger.Entry{}, err
	}
	transactionID, err := ledger.NewTransactionID(row.TransactionID)
	if err != nil {
		return ledger.Entry{}, err
	}
	direction, err := ledger.ParseDirection(row.Direction)
	if err != nil {
		return ledger.Entry{}, err
	}
	amount, err := ledger.NewPositiveAmount(row.Amount)
	if err != nil {
		return ledger.Entry{}, err
	}
	balanceAfter, err := ledger.NewAmount(row.BalanceAfter)
	if err != nil {
		return ledger.Entry{}, err
	}
	from, err := ledger.NewAccountNumber(row.FromAccount)
	if err != nil {
		return ledger.Entry{}, err
	}
	to, err := ledger.NewAccountNumber(row.ToAccount)
	if err != nil {
		return ledger.Entry{}, err
	}
	description, err := ledger.NewDescription(row.Description)
	if err != nil {
		return ledger.Entry{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Entry{}, err
	}
	return ledger.Entry{
		EntryID:       row.EntryID,
		AccountNumber: number,
		Sequence:      row.AccountVersion,
		TransactionID: transactionID,
		Direction:     direction,
		Amount:        amount,
		BalanceAfter:  balanceAfter,
		From:          from,
		To:            to,
		Description:   description,
		Metadata:      metadata,
		CreatedAt:     row.CreatedAt.UTC(),
	}, nil
}

func mapTransfer(model Transfer) (ledger.TransferRecord, error) {
	transactionID, err := ledger.NewTransactionID(model.TransactionID)
	if err != nil {
		return ledger.TransferRecord{}, err
	}
	var key ledger.IdempotencyKey
	if model.IdempotencyKey != nil {
		key, err = ledger.NewIdempotencyKey(*model.IdempotencyKey)
		if err != nil {
			return ledger.TransferRecord{}, err
		}
	}
	from, err := ledger.NewAccountNumber(model.FromAccount)
	if err != nil {
		return ledger.TransferRecord{}, err
	}
	to, err := ledger.NewAccountNumber(model.ToAccount)
	if err != nil {
		return ledger.TransferRecord{}, err
	}
	amount, err := ledger.NewPositiveAmount(model.Amount)
	if err != nil {
		return ledger.TransferRecord{}, err
	}
	description, err := ledger.NewDescription(model.Description)
	if err != nil {
		return ledger.TransferRecord{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(model.Metadata))
	if err != nil {
		return ledger.TransferRecord{}, err
	}
	fromBalance, err := ledger.NewAmount(model.FromBalanceAfter)
	if err != nil {
		return ledger.TransferRecord{}, err
	}
	toBalance, err := ledger.NewAmount(model.ToBalanceAfter)
	if err != nil {
		return ledger.TransferRecord{}, err
	}
	return ledger.TransferRecord{
		TransactionID:    transactionID,
		IdempotencyKey:   key,
		Fingerprint:      model.RequestFingerprint,
		From:             from,
		To:               to,
		Amount:           amount,
		Description:      description,
		Metadata:         metadata,
		FromBalanceAfter: fromBalance,
		ToBalanceAfter:   toBalance,
		CreatedAt:        model.CreatedAt.UTC(),
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

// isUniqueViolation reports a unique or primary key conflict. An empty
// constraint matches any constraint on PostgreSQL; SQLite does not name it.
func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && (constraint == "" || pgErr.ConstraintName == constraint)
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
