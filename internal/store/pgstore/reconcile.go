package pgstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/MarkoPoloResearchLab/lmsbank/pkg/ledger"
)

const (
	sqlListAccounts = `
		select account_number, account_holder, account_type, balance, opening_balance,
			'' as secret_hash, is_active, version, created_at
		from accounts
		where account_number > $1
		order by account_number
		limit $2
	`

	sqlLatestEntry = `
		select entry_id, account_number, account_version, transaction_id, direction, amount,
			balance_after, from_account, to_account, description, metadata::text, created_at
		from ledger_entries
		where account_number = $1
		order by account_version desc
		limit 1
	`

	sqlEntryTotals = `
		select
			coalesce(sum(case when direction = 'credit' then amount else 0 end), 0),
			coalesce(sum(case when direction = 'debit' then amount else 0 end), 0)
		from ledger_entries
		where account_number = $1 and account_version <= $2
	`

	sqlTotals = `
		select coalesce(sum(balance), 0), coalesce(sum(opening_balance), 0) from accounts
	`

	sqlUnbalancedTransfers = `
		select t.transaction_id
		from transfers t
		left join ledger_entries d on d.transaction_id = t.transaction_id and d.direction = 'debit'
		left join ledger_entries c on c.transaction_id = t.transaction_id and c.direction = 'credit'
		group by t.transaction_id, t.amount
		having count(distinct d.entry_id) <> 1
			or count(distinct c.entry_id) <> 1
			or coalesce(max(d.amount), 0) <> t.amount
			or coalesce(max(c.amount), 0) <> t.amount
		order by t.transaction_id
		limit $1
	`
)

// ListAccounts pages through every account, inactive included, ordered by number.
func (store *Store) ListAccounts(ctx context.Context, after string, limit int) ([]ledger.Account, error) {
	rows, err := store.query.QueryContext(ctx, sqlListAccounts, after, limit)
	if err != nil {
		return nil, storageFailure(errorSubjectAccount, errorCodeList, err)
	}
	defer rows.Close()

	var accounts []ledger.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, storageFailure(errorSubjectAccount, errorCodeInvalid, err)
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, storageFailure(errorSubjectAccount, errorCodeList, err)
	}
	return accounts, nil
}

// LatestEntry returns the newest entry of an account, if any.
func (store *Store) LatestEntry(ctx context.Context, number ledger.AccountNumber) (ledger.Entry, bool, error) {
	entry, err := scanEntry(store.query.QueryRowContext(ctx, sqlLatestEntry, number.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Entry{}, false, nil
	}
	if err != nil {
		return ledger.Entry{}, false, storageFailure(errorSubjectEntry, errorCodeGet, err)
	}
	return entry, true, nil
}

// EntryTotals sums the credits and debits recorded against an account up to throughVersion.
func (store *Store) EntryTotals(ctx context.Context, number ledger.AccountNumber, throughVersion int64) (ledger.Amount, ledger.Amount, error) {
	var credits, debits int64
	if err := store.query.QueryRowContext(ctx, sqlEntryTotals, number.String(), throughVersion).Scan(&credits, &debits); err != nil {
		return 0, 0, storageFailure(errorSubjectEntry, errorCodeSum, err)
	}
	return ledger.Amount(credits), ledger.Amount(debits), nil
}

// Totals returns the sum of all balances and the sum of all opening balances.
func (store *Store) Totals(ctx context.Context) (ledger.Amount, ledger.Amount, error) {
	var balance, opening int64
	if err := store.query.QueryRowContext(ctx, sqlTotals).Scan(&balance, &opening); err != nil {
		return 0, 0, storageFailure(errorSubjectTotals, errorCodeSum, err)
	}
	return ledger.Amount(balance), ledger.Amount(opening), nil
}

// UnbalancedTransfers lists transfers that lack exactly one matching debit and credit.
func (store *Store) UnbalancedTransfers(ctx context.Context, limit int) ([]string, error) {
	rows, err := store.query.QueryContext(ctx, sqlUnbalancedTransfers, limit)
	if err != nil {
		return nil, storageFailure(errorSubjectTransfer, errorCodeUnbalanced, err)
	}
	defer rows.Close()

	var transactionIDs []string
	for rows.Next() {
		var transactionID string
		if err := rows.Scan(&transactionID); err != nil {
			return nil, storageFailure(errorSubjectTransfer, errorCodeUnbalanced, err)
		}
		transactionIDs = append(transactionIDs, transactionID)
	}
	if err := rows.Err(); err != nil {
		return nil, storageFailure(errorSubjectTransfer, errorCodeUnbalanced, err)
	}
	return transactionIDs, nil
}
