package lms

import (
	"context"
	"errors"
	"testing"

	"github.com/MarkoPoloResearchLab/lmsbank/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/lmsbank/pkg/ledger"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestTranslate(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name        string
		err         error
		wantCode    string
		wantMessage string
		retryable   bool
	}{
		{
			name: "ledger details",
			err: ledgerStatus(codes.NotFound, ledger.CodeAccountNotFound, map[string]string{
				grpcserver.MetadataKeyMessage: "Destination account not found",
				grpcserver.MetadataKeySide:    "to",
			}),
			wantCode:    ledger.CodeAccountNotFound,
			wantMessage: "Destination account not found",
		},
		{name: "storage failure", err: ledgerStatus(codes.Internal, ledger.CodeStorageFailure, nil), wantCode: ledger.CodeStorageFailure, wantMessage: genericRetryMessage},
		{name: "unavailable", err: status.Error(codes.Unavailable, "connection refused"), wantCode: CodeTransport, wantMessage: genericRetryMessage, retryable: true},
		{name: "deadline", err: status.Error(codes.DeadlineExceeded, "deadline"), wantCode: CodeTransport, wantMessage: genericRetryMessage, retryable: true},
		{name: "bare context error", err: context.DeadlineExceeded, wantCode: CodeTransport, wantMessage: genericRetryMessage, retryable: true},
		{name: "bad token", err: status.Error(codes.Unauthenticated, "service token is invalid"), wantCode: CodeUnauthenticated, wantMessage: genericRetryMessage},
		{name: "internal without details", err: status.Error(codes.Internal, "boom"), wantCode: ledger.CodeStorageFailure, wantMessage: genericRetryMessage},
	}
	for _, testCase := range testCases {
		translated := translate(testCase.err)
		ledgerError, ok := AsLedgerError(translated)
		if !ok {
			test.Fatalf("%s: expected a LedgerError, got %T", testCase.name, translated)
		}
		if ledgerError.Code != testCase.wantCode || ledgerError.UserMessage() != testCase.wantMessage || ledgerError.Retryable() != testCase.retryable {
			test.Fatalf("%s: unexpected translation %+v", testCase.name, ledgerError)
		}
		if !errors.Is(translated, testCase.err) {
			test.Fatalf("%s: translation must keep the cause", testCase.name)
		}
	}
}

func TestClientAgainstLedger(test *testing.T) {
	client := startLedger(test)
	ctx := context.Background()

	health, err := client.Health(ctx)
	if err != nil || health.GetStatus() == "" {
		test.Fatalf("health failed: %+v %v", health, err)
	}
	if _, err := client.Balance(ctx, "LRN100000"); !HasCode(err, ledger.CodeAccountNotFound) {
		test.Fatalf("expected account_not_found, got %v", err)
	}
	if _, err := client.Verify(ctx, "LRN100000", "secret"); !HasCode(err, ledger.CodeAccountNotFound) {
		test.Fatalf("expected account_not_found, got %v", err)
	}
	if UserMessage(errors.New("anything else")) != genericRetryMessage {
		test.Fatalf("unknown errors must stay generic")
	}
}
