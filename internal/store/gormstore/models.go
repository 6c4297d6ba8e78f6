package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table.
type Account struct {
	AccountNumber  string    `gorm:"primaryKey;size:16"`
	AccountHolder  string    `gorm:"size:200;not null"`
	AccountType    string    `gorm:"size:16;not null"`
	Balance        int64     `gorm:"not null;check:chk_accounts_balance_non_negative,balance >= 0"`
	OpeningBalance int64     `gorm:"not null"`
	SecretHash     string    `gorm:"not null"`
	IsActive       bool      `gorm:"not null;index"`
	Version        int64     `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// LedgerEntry mirrors the ledger_entries table. Rows are insert-only.
type LedgerEntry struct {
	EntryID        string         `gorm:"size:36;primaryKey"`
	AccountNumber  string         `gorm:"size:16;not null;uniqueIndex:uniq_entries_account_version,priority:1"`
	AccountVersion int64          `gorm:"not null;uniqueIndex:uniq_entries_account_version,priority:2"`
	TransactionID  string         `gorm:"size:32;not null;index"`
	Direction      string         `gorm:"size:8;not null"`
	Amount         int64          `gorm:"not null;check:chk_entries_amount_positive,amount > 0"`
	BalanceAfter   int64          `gorm:"not null"`
	FromAccount    string         `gorm:"size:16;not null"`
	ToAccount      string         `gorm:"size:16;not null"`
	Description    string         `gorm:"size:500;not null"`
	Metadata       datatypes.JSON `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"not null"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// Transfer mirrors the transfers table: one row per committed transfer.
type Transfer struct {
	TransactionID      string         `gorm:"size:32;primaryKey"`
	IdempotencyKey     *string        `gorm:"size:128;uniqueIndex:uniq_transfers_idempotency_key"`
	RequestFingerprint string         `gorm:"size:64;not null"`
	FromAccount        string         `gorm:"size:16;not null;index"`
	ToAccount          string         `gorm:"size:16;not null;index"`
	Amount             int64          `gorm:"not null"`
	Description        string         `gorm:"size:500;not null"`
	Metadata           datatypes.JSON `gorm:"not null"`
	FromBalanceAfter   int64          `gorm:"not null"`
	ToBalanceAfter     int64          `gorm:"not null"`
	CreatedAt          time.Time      `gorm:"not null"`
}

func (Transfer) TableName() string { return "transfers" }

// Models lists every table the ledger owns, in migration order.
func Models() []any {
	return []any{&Account{}, &LedgerEntry{}, &Transfer{}}
}
