// Package reconcile audits stored balances against the entry log.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/lmsbank/pkg/ledger"
	"go.uber.org/zap"
)

const (
	defaultPageSize          = 200
	defaultUnbalancedLimit   = 100
	errorOperationReconcile  = "reconcile"
	errorSubjectAccounts     = "accounts"
	errorSubjectTotals       = "totals"
	errorSubjectTransfers    = "transfers"
	errorCodeList            = "list"
	errorCodeLatest          = "latest_entry"
	errorCodeSum             = "sum"
	errorCodeUnbalancedQuery = "unbalanced"
)

// ErrInvalidConfig reports a Reconciler built without its dependencies.
var ErrInvalidConfig = errors.New("invalid reconciler config")

// Source is the read model a Reconciler needs. Both store implementations satisfy it.
type Source interface {
	ListAccounts(ctx context.Context, after string, limit int) ([]ledger.Account, error)
	LatestEntry(ctx context.Context, number ledger.AccountNumber) (ledger.Entry, bool, error)
	// EntryTotals sums entries up to and including throughVersion, so entries
	// committed after the account was read do not count.
	EntryTotals(ctx context.Context, number ledger.AccountNumber, throughVersion int64) (credits ledger.Amount, debits ledger.Amount, err error)
	Totals(ctx context.Context) (balance ledger.Amount, opening ledger.Amount, err error)
	UnbalancedTransfers(ctx context.Context, limit int) ([]string, error)
}

// Kind classifies a discrepancy.
type Kind string

const (
	// KindBalanceAfterMismatch: the newest entry's balance-after differs from the account balance.
	KindBalanceAfterMismatch Kind = "balance_after_mismatch"
	// KindEntrySumMismatch: opening + credits - debits differs from the account balance.
	KindEntrySumMismatch Kind = "entry_sum_mismatch"
	// KindTotalMismatch: the sum of balances differs from the sum of opening balances.
	KindTotalMismatch Kind = "total_mismatch"
	// KindUnbalancedTransfer: a transfer lacks exactly one matching debit and credit.
	KindUnbalancedTransfer Kind = "unbalanced_transfer"
)

// Discrepancy is one broken invariant.
type Discrepancy struct {
	Kind          Kind
	AccountNumber string
	TransactionID string
	Expected      int64
	Actual        int64
}

func (discrepancy Discrepancy) String() string {
	switch {
	case discrepancy.TransactionID != "":
		return fmt.Sprintf("%s: %s", discrepancy.Kind, discrepancy.TransactionID)
	case discrepancy.AccountNumber != "":
		return fmt.Sprintf("%s: %s expected %d actual %d", discrepancy.Kind, discrepancy.AccountNumber, discrepancy.Expected, discrepancy.Actual)
	default:
		return fmt.Sprintf("%s: expected %d actual %d", discrepancy.Kind, discrepancy.Expected, discrepancy.Actual)
	}
}

// Report summarizes one reconciliation run.
type Report struct {
	StartedAt       time.Time
	FinishedAt      time.Time
	AccountsChecked int
	// AccountsSkipped counts accounts that moved while they were being checked.
	AccountsSkipped int
	TotalBalance    int64
	TotalOpening    int64
	Discrepancies   []Discrepancy
}

// Clean reports whether every invariant held.
func (report Report) Clean() bool {
	return len(report.Discrepancies) == 0
}

// Reconciler walks every account and the transfer table.
type Reconciler struct {
	source   Source
	logger   *zap.Logger
	now      func() time.Time
	pageSize int
}

// New constructs a Reconciler.
func New(source Source, logger *zap.Logger, now func() time.Time) (*Reconciler, error) {
	if source == nil || now == nil {
		return nil, ErrInvalidConfig
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{source: source, logger: logger, now: now, pageSize: defaultPageSize}, nil
}

// Run performs a full pass. Storage errors abort the run; broken invariants are reported.
func (reconciler *Reconciler) Run(ctx context.Context) (Report, error) {
	report := Report{StartedAt: reconciler.now()}

	after := ""
	for {
		accounts, err := reconciler.source.ListAccounts(ctx, after, reconciler.pageSize)
		if err != nil {
			return report, ledger.WrapError(errorOperationReconcile, errorSubjectAccounts, errorCodeList, err)
		}
		for _, account := range accounts {
			if err := reconciler.checkAccount(ctx, account, &report); err != nil {
				return report, err
			}
		}
		if len(accounts) < reconciler.pageSize {
			break
		}
		after = accounts[len(accounts)-1].Number.String()
	}

	balance, opening, err := reconciler.source.Totals(ctx)
	if err != nil {
		return report, ledger.WrapError(errorOperationReconcile, errorSubjectTotals, errorCodeSum, err)
	}
	report.TotalBalance, report.TotalOpening = balance.Int64(), opening.Int64()
	if balance != opening {
		report.Discrepancies = append(report.Discrepancies, Discrepancy{Kind: KindTotalMismatch, Expected: opening.Int64(), Actual: balance.Int64()})
	}

	unbalanced, err := reconciler.source.UnbalancedTransfers(ctx, defaultUnbalancedLimit)
	if err != nil {
		return report, ledger.WrapError(errorOperationReconcile, errorSubjectTransfers, errorCodeUnbalancedQuery, err)
	}
	for _, transactionID := range unbalanced {
		report.Discrepancies = append(report.Discrepancies, Discrepancy{Kind: KindUnbalancedTransfer, TransactionID: transactionID})
	}

	report.FinishedAt = reconciler.now()
	reconciler.logReport(report)
	return report, nil
}

func (reconciler *Reconciler) checkAccount(ctx context.Context, account ledger.Account, report *Report) error {
	latest, found, err := reconciler.source.LatestEntry(ctx, account.Number)
	if err != nil {
		return ledger.WrapError(errorOperationReconcile, errorSubjectAccounts, errorCodeLatest, err)
	}
	if found && latest.Sequence != account.Version {
		report.AccountsSkipped++
		return nil
	}
	report.AccountsChecked++
	if found && latest.BalanceAfter != account.Balance {
		report.Discrepancies = append(report.Discrepancies, Discrepancy{
			Kind:          KindBalanceAfterMismatch,
			AccountNumber: account.Number.String(),
			Expected:      account.Balance.Int64(),
			Actual:        latest.BalanceAfter.Int64(),
		})
	}

	credits, debits, err := reconciler.source.EntryTotals(ctx, account.Number, account.Version)
	if err != nil {
		return ledger.WrapError(errorOperationReconcile, errorSubjectAccounts, errorCodeSum, err)
	}
	derived := account.OpeningBalance.Int64() + credits.Int64() - debits.Int64()
	if derived != account.Balance.Int64() {
		report.Discrepancies = append(report.Discrepancies, Discrepancy{
			Kind:          KindEntrySumMismatch,
			AccountNumber: account.Number.String(),
			Expected:      account.Balance.Int64(),
			Actual:        derived,
		})
	}
	return nil
}

func (reconciler *Reconciler) logReport(report Report) {
	fields := []zap.Field{
		zap.Int("accounts_checked", report.AccountsChecked),
		zap.Int("accounts_skipped", report.AccountsSkipped),
		zap.Int64("total_balance", report.TotalBalance),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
	}
	if report.Clean() {
		reconciler.logger.Info("reconciliation clean", fields...)
		return
	}
	for _, discrepancy := range report.Discrepancies {
		reconciler.logger.Error("reconciliation discrepancy", zap.String("kind", string(discrepancy.Kind)), zap.Stringer("detail", discrepancy))
	}
	reconciler.logger.Error("reconciliation found discrepancies", append(fields, zap.Int("discrepancies", len(report.Discrepancies)))...)
}
