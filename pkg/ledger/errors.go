package ledger

import (
	"errors"
	"fmt"
)

// ErrValidation is the parent of every malformed-input error.
var ErrValidation = errors.New("invalid input")

// Domain-level error values returned by the ledger service.
var (
	ErrInvalidAccountNumber  = fmt.Errorf("%w: account number", ErrValidation)
	ErrInvalidAccountHolder  = fmt.Errorf("%w: account holder", ErrValidation)
	ErrInvalidAccountType    = fmt.Errorf("%w: account type", ErrValidation)
	ErrInvalidSecret         = fmt.Errorf("%w: secret", ErrValidation)
	ErrInvalidBalance        = fmt.Errorf("%w: balance", ErrValidation)
	ErrInvalidDescription    = fmt.Errorf("%w: description", ErrValidation)
	ErrInvalidMetadataJSON   = fmt.Errorf("%w: metadata json", ErrValidation)
	ErrInvalidIdempotencyKey = fmt.Errorf("%w: idempotency key", ErrValidation)
	ErrInvalidTransactionID  = fmt.Errorf("%w: transaction id", ErrValidation)
	ErrInvalidDirection      = fmt.Errorf("%w: entry direction", ErrValidation)
	ErrInvalidHistoryLimit   = fmt.Errorf("%w: history limit", ErrValidation)

	ErrInvalidAmount       = errors.New("amount must be greater than zero")
	ErrSelfTransfer        = errors.New("cannot transfer to the same account")
	ErrDuplicateAccount    = errors.New("account number already exists")
	ErrAccountNotFound     = errors.New("account not found")
	ErrUnauthorized        = errors.New("secret does not match")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrIdempotencyConflict = errors.New("idempotency key reused for a different transfer")
	ErrStorageFailure      = errors.New("storage failure")

	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrUnknownTransfer         = errors.New("unknown transfer")
	ErrConcurrentUpdate        = errors.New("concurrent balance update")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
)

// Stable error codes shared by every transport.
const (
	CodeValidation          = "validation_error"
	CodeInvalidAmount       = "invalid_amount"
	CodeSelfTransfer        = "self_transfer"
	CodeDuplicateAccount    = "duplicate_account"
	CodeAccountNotFound     = "account_not_found"
	CodeUnauthorized        = "unauthorized"
	CodeInsufficientFunds   = "insufficient_funds"
	CodeIdempotencyConflict = "idempotency_conflict"
	CodeStorageFailure      = "storage_failure"
)

// AccountSide names the party of a transfer an error refers to.
type AccountSide string

const (
	SideNone AccountSide = ""
	SideFrom AccountSide = "from"
	SideTo   AccountSide = "to"
)

// AccountNotFoundError reports a missing or inactive account.
type AccountNotFoundError struct {
	Side          AccountSide
	AccountNumber AccountNumber
}

func (notFound AccountNotFoundError) Error() string {
	if notFound.Side == SideNone {
		return fmt.Sprintf("%v: %s", ErrAccountNotFound, notFound.AccountNumber)
	}
	return fmt.Sprintf("%s %v: %s", notFound.Side, ErrAccountNotFound, notFound.AccountNumber)
}

func (notFound AccountNotFoundError) Unwrap() error {
	return ErrAccountNotFound
}

// InsufficientFundsError carries the amounts a caller needs to explain a rejection.
type InsufficientFundsError struct {
	Required  Amount
	Available Amount
}

func (insufficient InsufficientFundsError) Error() string {
	return fmt.Sprintf("%v: required %d, available %d", ErrInsufficientFunds, insufficient.Required, insufficient.Available)
}

func (insufficient InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// StorageError marks err as a persistence failure while keeping it inspectable.
func StorageError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageFailure) {
		return WrapError(operation, subject, code, err)
	}
	return WrapError(operation, subject, code, fmt.Errorf("%w: %w", ErrStorageFailure, err))
}

// IsBusinessError reports whether err is a rule violation rather than an infrastructure failure.
// A storage failure wins even when it wraps a validation error from a corrupt row.
func IsBusinessError(err error) bool {
	if errors.Is(err, ErrStorageFailure) {
		return false
	}
	for _, target := range []error{
		ErrValidation,
		ErrInvalidAmount,
		ErrSelfTransfer,
		ErrDuplicateAccount,
		ErrAccountNotFound,
		ErrUnauthorized,
		ErrInsufficientFunds,
		ErrIdempotencyConflict,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// ErrorCode maps err onto its stable code. Unknown errors are storage failures.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStorageFailure):
		return CodeStorageFailure
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrInvalidAmount):
		return CodeInvalidAmount
	case errors.Is(err, ErrSelfTransfer):
		return CodeSelfTransfer
	case errors.Is(err, ErrDuplicateAccount):
		return CodeDuplicateAccount
	case errors.Is(err, ErrAccountNotFound):
		return CodeAccountNotFound
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrInsufficientFunds):
		return CodeInsufficientFunds
	case errors.Is(err, ErrIdempotencyConflict):
		return CodeIdempotencyConflict
	default:
		return CodeStorageFailure
	}
}

// PublicMessage returns the caller-facing text for err. Storage detail is never exposed.
func PublicMessage(err error) string {
	switch ErrorCode(err) {
	case "":
		return ""
	case CodeValidation:
		return innermostMessage(err)
	case CodeInvalidAmount:
		return "Amount must be greater than 0"
	case CodeSelfTransfer:
		return "Cannot transfer to the same account"
	case CodeDuplicateAccount:
		return "Account number already exists"
	case CodeAccountNotFound:
		switch SideOf(err) {
		case SideFrom:
			return "Source account not found"
		case SideTo:
			return "Destination account not found"
		default:
			return "Bank account not found"
		}
	case CodeUnauthorized:
		return "Invalid secret for source account"
	case CodeInsufficientFunds:
		return "Insufficient balance"
	case CodeIdempotencyConflict:
		return "Idempotency key was already used for a different transfer"
	default:
		return "Ledger is temporarily unavailable, please try again"
	}
}

// SideOf returns the transfer side named by an AccountNotFoundError in err.
func SideOf(err error) AccountSide {
	var notFound AccountNotFoundError
	if errors.As(err, &notFound) {
		return notFound.Side
	}
	return SideNone
}

func innermostMessage(err error) string {
	var operationError OperationError
	for errors.As(err, &operationError) {
		err = operationError.err
	}
	return err.Error()
}
