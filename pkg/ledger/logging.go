package ledger

import (
	"context"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes one ledger operation. Secrets are never included.
type OperationLog struct {
	Operation      string
	AccountNumber  AccountNumber
	Counterparty   AccountNumber
	Amount         Amount
	TransactionID  TransactionID
	IdempotencyKey IdempotencyKey
	Replayed       bool
	Attempts       int
	Status         string
	Error          error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithEventSink wires a sink notified after each committed state change.
func WithEventSink(sink EventSink) ServiceOption {
	return func(service *Service) {
		service.events = sink
	}
}

// WithTransactionIDGenerator replaces the transaction id source.
func WithTransactionIDGenerator(generate func() TransactionID) ServiceOption {
	return func(service *Service) {
		if generate != nil {
			service.newTransactionID = generate
		}
	}
}

// WithMaxTransferAttempts bounds retries after a lost balance compare-and-swap.
func WithMaxTransferAttempts(attempts int) ServiceOption {
	return func(service *Service) {
		if attempts > 0 {
			service.maxTransferAttempts = attempts
		}
	}
}

// WithRetryBackoff sets the pause between transfer attempts.
func WithRetryBackoff(backoff time.Duration) ServiceOption {
	return func(service *Service) {
		if backoff >= 0 {
			service.retryBackoff = backoff
		}
	}
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Error != nil {
		entry.Status = operationStatusError
	} else {
		entry.Status = operationStatusOK
	}
	service.logger.LogOperation(ctx, entry)
}
