package gormstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/lmsbank/pkg/ledger"
	"gorm.io/gorm"
)

const sqlUnbalancedTransfers = `
	SELECT t.transaction_id
	FROM transfers t
	LEFT JOIN ledger_entries d ON d.transaction_id = t.transaction_id AND d.direction = 'debit'
	LEFT JOIN ledger_entries c ON c.transaction_id = t.transaction_id AND c.direction = 'credit'
	GROUP BY t.transaction_id, t.amount
	HAVING COUNT(DISTINCT d.entry_id) <> 1
		OR COUNT(DISTINCT c.entry_id) <> 1
		OR COALESCE(MAX(d.amount), 0) <> t.amount
		OR COALESCE(MAX(c.amount), 0) <> t.amount
	ORDER BY t.transaction_id
	LIMIT ?
`

// ListAccounts pages through every account, inactive included, ordered by number.
func (store *Store) ListAccounts(ctx context.Context, after string, limit int) ([]ledger.Account, error) {
	var rows []Account
	err := store.db.WithContext(ctx).
		Omit("secret_hash").
		Where("account_number > ?", after).
		Order("account_number ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, storageFailure(errorSubjectAccount, errorCodeList, err)
	}
	accounts := make([]ledger.Account, 0, len(rows))
	for _, row := range rows {
		account, err := mapAccount(row)
		if err != nil {
			return nil, storageFailure(errorSubjectAccount, errorCodeInvalid, err)
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}

// LatestEntry returns the newest entry of an account, if any.
func (store *Store) LatestEntry(ctx context.Context, number ledger.AccountNumber) (ledger.Entry, bool, error) {
	var row LedgerEntry
	err := store.db.WithContext(ctx).
		Where("account_number = ?", number.String()).
		Order("account_version DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Entry{}, false, nil
	}
	if err != nil {
		return ledger.Entry{}, false, storageFailure(errorSubjectEntry, errorCodeGet, err)
	}
	entry, err := mapLedgerEntry(row)
	if err != nil {
		return ledger.Entry{}, false, storageFailure(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entry, true, nil
}

// EntryTotals sums the credits and debits recorded against an account up to throughVersion.
func (store *Store) EntryTotals(ctx context.Context, number ledger.AccountNumber, throughVersion int64) (ledger.Amount, ledger.Amount, error) {
	var totals struct {
		Credits int64
		Debits  int64
	}
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select(
			"COALESCE(SUM(CASE WHEN direction = ? THEN amount ELSE 0 END), 0) AS credits, "+
				"COALESCE(SUM(CASE WHEN direction = ? THEN amount ELSE 0 END), 0) AS debits",
			ledger.DirectionCredit.String(), ledger.DirectionDebit.String(),
		).
		Where("account_number = ? AND account_version <= ?", number.String(), throughVersion).
		Scan(&totals).Error
	if err != nil {
		return 0, 0, storageFailure(errorSubjectEntry, errorCodeSum, err)
	}
	return ledger.Amount(totals.Credits), ledger.Amount(totals.Debits), nil
}

// Totals returns the sum of all balances and the sum of all opening balances.
func (store *Store) Totals(ctx context.Context) (ledger.Amount, ledger.Amount, error) {
	var totals struct {
		Balance int64
		Opening int64
	}
	err := store.db.WithContext(ctx).
		Model(&Account{}).
		Select("COALESCE(SUM(balance), 0) AS balance, COALESCE(SUM(opening_balance), 0) AS opening").
		Scan(&totals).Error
	if err != nil {
		return 0, 0, storageFailure(errorSubjectTotals, errorCodeSum, err)
	}
	return ledger.Amount(totals.Balance), ledger.Amount(totals.Opening), nil
}

// UnbalancedTransfers lists transfers that lack exactly one matching debit and credit.
func (store *Store) UnbalancedTransfers(ctx context.Context, limit int) ([]string, error) {
	var transactionIDs []string
	err := store.db.WithContext(ctx).Raw(sqlUnbalancedTransfers, limit).Scan(&transactionIDs).Error
	if err != nil {
		return nil, storageFailure(errorSubjectTransfer, errorCodeUnbalanced, err)
	}
	return transactionIDs, nil
}
