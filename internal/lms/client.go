// Package lms is the LMS side of the ledger: a gRPC client that keeps ledger
// errors intact, the user table that caches balances, and the wallet flows
// for purchases, payouts, rewards, and top-ups.
package lms

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	ledgerv1 "github.com/MarkoPoloResearchLab/lmsbank/api/ledger/v1"
	"github.com/MarkoPoloResearchLab/lmsbank/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/lmsbank/pkg/ledger"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	// CodeTransport marks a call whose outcome is unknown: the ledger may or may not have applied it.
	CodeTransport = "transport_failure"
	// CodeUnauthenticated marks a rejected service token.
	CodeUnauthenticated = "service_unauthenticated"

	genericRetryMessage  = "The bank is temporarily unavailable, please try again"
	defaultLedgerTimeout = 3 * time.Second
)

// LedgerError is a failed ledger call as the LMS sees it.
type LedgerError struct {
	Code          string
	Message       string
	Side          string
	Required      int64
	Available     int64
	TransactionID string
	GRPCCode      codes.Code
	cause         error
}

func (ledgerError *LedgerError) Error() string {
	return fmt.Sprintf("ledger %s: %s", ledgerError.Code, ledgerError.Message)
}

func (ledgerError *LedgerError) Unwrap() error {
	return ledgerError.cause
}

// UserMessage is what an end user may see. Ledger business messages pass through
// verbatim; infrastructure trouble becomes a generic retry hint.
func (ledgerError *LedgerError) UserMessage() string {
	switch ledgerError.Code {
	case ledger.CodeStorageFailure, CodeTransport, CodeUnauthenticated:
		return genericRetryMessage
	}
	if ledgerError.Message == "" {
		return genericRetryMessage
	}
	return ledgerError.Message
}

// Retryable reports whether the outcome is unknown, so a keyed retry is safe and useful.
func (ledgerError *LedgerError) Retryable() bool {
	return ledgerError.Code == CodeTransport
}

// AsLedgerError extracts a *LedgerError from err.
func AsLedgerError(err error) (*LedgerError, bool) {
	var ledgerError *LedgerError
	if errors.As(err, &ledgerError) {
		return ledgerError, true
	}
	return nil, false
}

// HasCode reports whether err is a ledger error with the given code.
func HasCode(err error, code string) bool {
	ledgerError, ok := AsLedgerError(err)
	return ok && ledgerError.Code == code
}

// UserMessage returns the caller-safe text for any error returned by this package.
func UserMessage(err error) string {
	if ledgerError, ok := AsLedgerError(err); ok {
		return ledgerError.UserMessage()
	}
	var validation validationError
	if errors.As(err, &validation) {
		return validation.Error()
	}
	return genericRetryMessage
}

// Client wraps the generated ledger client with per-call timeouts and error translation.
type Client struct {
	rpc     ledgerv1.LedgerServiceClient
	timeout time.Duration
}

// NewClient wraps rpc. A non-positive timeout selects three seconds.
func NewClient(rpc ledgerv1.LedgerServiceClient, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultLedgerTimeout
	}
	return &Client{rpc: rpc, timeout: timeout}
}

// Register opens an account. initialBalance nil lets the ledger pick the default.
func (client *Client) Register(ctx context.Context, request *ledgerv1.RegisterRequest) (*ledgerv1.Account, error) {
	callCtx, cancel := context.WithTimeout(ctx, client.timeout)
	defer cancel()
	response, err := client.rpc.Register(callCtx, request)
	if err != nil {
		return nil, translate(err)
	}
	return response.GetAccount(), nil
}

// Balance reads the authoritative balance.
func (client *Client) Balance(ctx context.Context, accountNumber string) (*ledgerv1.GetBalanceResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, client.timeout)
	defer cancel()
	response, err := client.rpc.GetBalance(callCtx, &ledgerv1.GetBalanceRequest{AccountNumber: accountNumber})
	if err != nil {
		return nil, translate(err)
	}
	return response, nil
}

// Verify checks an account secret without moving money.
func (client *Client) Verify(ctx context.Context, accountNumber string, secret string) (*ledgerv1.VerifyResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, client.timeout)
	defer cancel()
	response, err := client.rpc.Verify(callCtx, &ledgerv1.VerifyRequest{AccountNumber: accountNumber, Secret: secret})
	if err != nil {
		return nil, translate(err)
	}
	return response, nil
}

// Transfer issues one transfer attempt.
func (client *Client) Transfer(ctx context.Context, request *ledgerv1.TransferRequest) (*ledgerv1.TransferResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, client.timeout)
	defer cancel()
	response, err := client.rpc.Transfer(callCtx, request)
	if err != nil {
		return nil, translate(err)
	}
	return response, nil
}

// History lists recent entries, newest first. limit zero selects the ledger default.
func (client *Client) History(ctx context.Context, accountNumber string, limit int32) (*ledgerv1.HistoryResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, client.timeout)
	defer cancel()
	response, err := client.rpc.History(callCtx, &ledgerv1.HistoryRequest{AccountNumber: accountNumber, Limit: limit})
	if err != nil {
		return nil, translate(err)
	}
	return response, nil
}

// Health reports the ledger status.
func (client *Client) Health(ctx context.Context) (*ledgerv1.HealthResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, client.timeout)
	defer cancel()
	response, err := client.rpc.Health(callCtx, &ledgerv1.HealthRequest{})
	if err != nil {
		return nil, translate(err)
	}
	return response, nil
}

// translate turns a gRPC status into a *LedgerError, reading the ledger code from ErrorInfo.
func translate(err error) error {
	grpcStatus, ok := status.FromError(err)
	if !ok {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return &LedgerError{Code: CodeTransport, Message: err.Error(), GRPCCode: codes.DeadlineExceeded, cause: err}
		}
		return &LedgerError{Code: CodeTransport, Message: err.Error(), GRPCCode: codes.Unknown, cause: err}
	}
	ledgerError := &LedgerError{Message: grpcStatus.Message(), GRPCCode: grpcStatus.Code(), cause: err}
	for _, detail := range grpcStatus.Details() {
		info, ok := detail.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != grpcserver.ErrorDomain {
			continue
		}
		metadata := info.GetMetadata()
		ledgerError.Code = info.GetReason()
		if message := metadata[grpcserver.MetadataKeyMessage]; message != "" {
			ledgerError.Message = message
		}
		ledgerError.Side = metadata[grpcserver.MetadataKeySide]
		ledgerError.Required, _ = strconv.ParseInt(metadata[grpcserver.MetadataKeyRequired], 10, 64)
		ledgerError.Available, _ = strconv.ParseInt(metadata[grpcserver.MetadataKeyAvailable], 10, 64)
		ledgerError.TransactionID = metadata[grpcserver.MetadataKeyTransactionID]
		return ledgerError
	}
	switch grpcStatus.Code() {
	case codes.Unauthenticated:
		ledgerError.Code = CodeUnauthenticated
	case codes.Internal:
		ledgerError.Code = ledger.CodeStorageFailure
	default:
		// Unavailable, DeadlineExceeded, Canceled and anything else without ledger
		// details leaves the outcome unknown.
		ledgerError.Code = CodeTransport
	}
	return ledgerError
}
