package ledger

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

var accountNumberPattern = regexp.MustCompile(`^[A-Z]{3}[0-9]{6}$`)

// AccountNumber identifies a ledger account, e.g. LRN100000.
type AccountNumber struct {
	value string
}

// NewAccountNumber validates and normalizes an account number.
func NewAccountNumber(raw string) (AccountNumber, error) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	if normalized == "" {
		return AccountNumber{}, fmt.Errorf("%w: empty value", ErrInvalidAccountNumber)
	}
	if !accountNumberPattern.MatchString(normalized) {
		return AccountNumber{}, fmt.Errorf("%w: %q must be a three letter prefix followed by six digits", ErrInvalidAccountNumber, normalized)
	}
	return AccountNumber{value: normalized}, nil
}

// String returns the normalized account number.
func (number AccountNumber) String() string {
	return number.value
}

// IsZero reports whether the number was never set.
func (number AccountNumber) IsZero() bool {
	return number.value == ""
}

// AccountType is the closed set of account roles.
type AccountType string

const (
	AccountTypeLearner      AccountType = "learner"
	AccountTypeInstructor   AccountType = "instructor"
	AccountTypeAdmin        AccountType = "admin"
	AccountTypeOrganization AccountType = "organization"
)

// ParseAccountType validates an account type string.
func ParseAccountType(raw string) (AccountType, error) {
	switch AccountType(strings.ToLower(strings.TrimSpace(raw))) {
	case AccountTypeLearner:
		return AccountTypeLearner, nil
	case AccountTypeInstructor:
		return AccountTypeInstructor, nil
	case AccountTypeAdmin:
		return AccountTypeAdmin, nil
	case AccountTypeOrganization:
		return AccountTypeOrganization, nil
	default:
		return "", fmt.Errorf("%w: %q is not one of learner, instructor, admin, organization", ErrInvalidAccountType, raw)
	}
}

// String returns the type name.
func (accountType AccountType) String() string {
	return string(accountType)
}

// Prefix returns the account number prefix assigned to the type.
func (accountType AccountType) Prefix() string {
	switch accountType {
	case AccountTypeLearner:
		return "LRN"
	case AccountTypeInstructor:
		return "INS"
	case AccountTypeAdmin:
		return "ADM"
	default:
		return "ORG"
	}
}

// DefaultOpeningBalance is the balance granted when registration omits one.
func DefaultOpeningBalance(accountType AccountType) Amount {
	switch accountType {
	case AccountTypeOrganization:
		return Amount(organizationOpeningBalance)
	case AccountTypeLearner:
		return Amount(learnerOpeningBalance)
	default:
		return 0
	}
}

// GenerateAccountNumber draws a random number for the given type.
func GenerateAccountNumber(accountType AccountType) (AccountNumber, error) {
	offset, err := rand.Int(rand.Reader, big.NewInt(900_000))
	if err != nil {
		return AccountNumber{}, fmt.Errorf("generate account number: %w", err)
	}
	return NewAccountNumber(fmt.Sprintf("%s%06d", accountType.Prefix(), 100_000+offset.Int64()))
}

// AccountHolder is the display name on an account.
type AccountHolder struct {
	value string
}

// NewAccountHolder validates a holder name.
func NewAccountHolder(raw string) (AccountHolder, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountHolder{}, fmt.Errorf("%w: empty value", ErrInvalidAccountHolder)
	}
	if utf8.RuneCountInString(trimmed) > maxAccountHolderLength {
		return AccountHolder{}, fmt.Errorf("%w: longer than %d characters", ErrInvalidAccountHolder, maxAccountHolderLength)
	}
	return AccountHolder{value: trimmed}, nil
}

// String returns the holder name.
func (holder AccountHolder) String() string {
	return holder.value
}

// Secret is a plaintext account secret in flight. It never formats its value.
type Secret struct {
	value string
}

// NewSecret validates a submitted secret.
func NewSecret(raw string) (Secret, error) {
	if strings.TrimSpace(raw) == "" {
		return Secret{}, fmt.Errorf("%w: empty value", ErrInvalidSecret)
	}
	if len(raw) > maxSecretBytes {
		return Secret{}, fmt.Errorf("%w: longer than %d bytes", ErrInvalidSecret, maxSecretBytes)
	}
	return Secret{value: raw}, nil
}

// Plaintext returns the raw secret for hashing or comparison.
func (secret Secret) Plaintext() string {
	return secret.value
}

func (secret Secret) String() string {
	return "[redacted]"
}

// Amount is a non-negative integer amount in the smallest currency unit.
type Amount int64

// NewAmount validates a balance-like amount.
func NewAmount(raw int64) (Amount, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidBalance)
	}
	return Amount(raw), nil
}

// Int64 exposes the primitive value.
func (amount Amount) Int64() int64 {
	return int64(amount)
}

// PositiveAmount is a strictly positive transfer amount.
type PositiveAmount int64

// NewPositiveAmount validates a transfer amount.
func NewPositiveAmount(raw int64) (PositiveAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: got %d", ErrInvalidAmount, raw)
	}
	return PositiveAmount(raw), nil
}

// Int64 exposes the primitive value.
func (amount PositiveAmount) Int64() int64 {
	return int64(amount)
}

// ToAmount widens the positive amount.
func (amount PositiveAmount) ToAmount() Amount {
	return Amount(amount)
}

// Description is a transfer memo.
type Description struct {
	value string
}

// NewDescription trims the memo and falls back to "Transfer".
func NewDescription(raw string) (Description, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		trimmed = defaultDescription
	}
	if utf8.RuneCountInString(trimmed) > maxDescriptionLength {
		return Description{}, fmt.Errorf("%w: longer than %d characters", ErrInvalidDescription, maxDescriptionLength)
	}
	return Description{value: trimmed}, nil
}

// String returns the memo.
func (description Description) String() string {
	return description.value
}

// MetadataJSON stores caller context attached to a transfer.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata, defaulting to "{}" for empty input.
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = defaultMetadataJSON
	}
	if !strings.HasPrefix(normalized, "{") || !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be a json object", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return defaultMetadataJSON
	}
	return metadata.value
}

// TransactionID links the two entries of one transfer.
type TransactionID struct {
	value string
}

// NewTransactionID validates a transaction id.
func NewTransactionID(raw string) (TransactionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TransactionID{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	return TransactionID{value: trimmed}, nil
}

// GenerateTransactionID returns TXN followed by twelve upper-case hex characters.
func GenerateTransactionID() TransactionID {
	compact := strings.ReplaceAll(uuid.NewString(), "-", "")
	return TransactionID{value: transactionIDPrefix + strings.ToUpper(compact[:transactionIDHexLength])}
}

// String returns the identifier.
func (id TransactionID) String() string {
	return id.value
}

// IdempotencyKey lets a caller retry a transfer without applying it twice.
type IdempotencyKey struct {
	value string
}

// NewIdempotencyKey validates a key. Use the zero value for "no key".
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	if len(trimmed) > maxIdempotencyKeyLength {
		return IdempotencyKey{}, fmt.Errorf("%w: longer than %d characters", ErrInvalidIdempotencyKey, maxIdempotencyKeyLength)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the key.
func (key IdempotencyKey) String() string {
	return key.value
}

// IsZero reports whether no key was supplied.
func (key IdempotencyKey) IsZero() bool {
	return key.value == ""
}

// Direction is the side of an entry.
type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

// ParseDirection validates a direction string.
func ParseDirection(raw string) (Direction, error) {
	switch Direction(strings.ToLower(strings.TrimSpace(raw))) {
	case DirectionCredit:
		return DirectionCredit, nil
	case DirectionDebit:
		return DirectionDebit, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDirection, raw)
	}
}

// String returns the direction name.
func (direction Direction) String() string {
	return string(direction)
}

// Account is a stored ledger account.
type Account struct {
	Number         AccountNumber
	Holder         AccountHolder
	Type           AccountType
	Balance        Amount
	OpeningBalance Amount
	Active         bool
	Version        int64
	CreatedAt      time.Time
	// SecretHash is only populated when LookupOptions.IncludeSecret is set.
	SecretHash string
}

// Public returns a copy safe to hand outside the ledger.
func (account Account) Public() Account {
	account.SecretHash = ""
	return account
}

// Entry is one immutable half of a transfer.
type Entry struct {
	EntryID       string
	AccountNumber AccountNumber
	// Sequence is the account version this entry produced; it orders an account's log.
	Sequence      int64
	TransactionID TransactionID
	Direction     Direction
	Amount        PositiveAmount
	BalanceAfter  Amount
	From          AccountNumber
	To            AccountNumber
	Description   Description
	Metadata      MetadataJSON
	CreatedAt     time.Time
}

// TransferRecord is the committed summary of a transfer, keyed by transaction id.
type TransferRecord struct {
	TransactionID    TransactionID
	IdempotencyKey   IdempotencyKey
	Fingerprint      string
	From             AccountNumber
	To               AccountNumber
	Amount           PositiveAmount
	Description      Description
	Metadata         MetadataJSON
	FromBalanceAfter Amount
	ToBalanceAfter   Amount
	CreatedAt        time.Time
}

// PartyBalance is one side of a completed transfer.
type PartyBalance struct {
	AccountNumber AccountNumber
	NewBalance    Amount
}

// TransferResult is returned to transfer callers.
type TransferResult struct {
	TransactionID TransactionID
	From          PartyBalance
	To            PartyBalance
	Amount        PositiveAmount
	Description   Description
	Metadata      MetadataJSON
	Timestamp     time.Time
	// Replayed is set when an idempotent retry returned an earlier commit.
	Replayed bool
}

// History is a bounded, newest-first view of an account's entries.
type History struct {
	Account Account
	Entries []Entry
}

// LookupOptions controls what GetAccount returns.
type LookupOptions struct {
	IncludeSecret   bool
	IncludeInactive bool
	ForUpdate       bool
}

// Store persists accounts, entries, and transfer records.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	CreateAccount(ctx context.Context, account Account) error
	GetAccount(ctx context.Context, number AccountNumber, options LookupOptions) (Account, error)
	// UpdateBalance succeeds only when the stored version equals expectedVersion, and bumps it.
	UpdateBalance(ctx context.Context, number AccountNumber, expectedVersion int64, balance Amount) error
	DeactivateAccount(ctx context.Context, number AccountNumber) error
	InsertEntry(ctx context.Context, entry Entry) error
	ListEntries(ctx context.Context, number AccountNumber, limit int) ([]Entry, error)
	InsertTransfer(ctx context.Context, record TransferRecord) error
	GetTransferByIdempotencyKey(ctx context.Context, key IdempotencyKey) (TransferRecord, error)
}

// SecretVerifier hashes secrets on write and compares them on read.
type SecretVerifier interface {
	Hash(secret Secret) (string, error)
	Matches(secret Secret, hash string) bool
}
