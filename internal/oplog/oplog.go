// Package oplog writes ledger operation logs through zap.
package oplog

import (
	"context"

	"github.com/MarkoPoloResearchLab/lmsbank/pkg/ledger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const message = "ledger operation"

// Logger implements ledger.OperationLogger.
type Logger struct {
	logger *zap.Logger
}

// New wraps logger. A nil logger discards everything.
func New(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger}
}

// LogOperation logs successes at info, business rejections at warn, and storage failures at error.
func (operationLogger *Logger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if !entry.AccountNumber.IsZero() {
		fields = append(fields, zap.String("account_number", entry.AccountNumber.String()))
	}
	if !entry.Counterparty.IsZero() {
		fields = append(fields, zap.String("counterparty", entry.Counterparty.String()))
	}
	if entry.Amount > 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount.Int64()))
	}
	if entry.TransactionID.String() != "" {
		fields = append(fields, zap.String("transaction_id", entry.TransactionID.String()))
	}
	if !entry.IdempotencyKey.IsZero() {
		fields = append(fields, zap.String("idempotency_key", entry.IdempotencyKey.String()), zap.Bool("replayed", entry.Replayed))
	}
	if entry.Attempts > 1 {
		fields = append(fields, zap.Int("attempts", entry.Attempts))
	}

	level := zapcore.InfoLevel
	if entry.Error != nil {
		fields = append(fields, zap.String("error_code", ledger.ErrorCode(entry.Error)), zap.Error(entry.Error))
		level = zapcore.WarnLevel
		if !ledger.IsBusinessError(entry.Error) {
			level = zapcore.ErrorLevel
		}
	}
	if checked := operationLogger.logger.Check(level, message); checked != nil {
		checked.Write(fields...)
	}
}
