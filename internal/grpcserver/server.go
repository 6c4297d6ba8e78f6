package grpcserver

import (
	"context"
	"errors"
	"strconv"
	"time"

	ledgerv1 "github.com/MarkoPoloResearchLab/lmsbank/api/ledger/v1"
	"github.com/MarkoPoloResearchLab/lmsbank/pkg/ledger"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	// ErrorDomain is the ErrorInfo domain attached to every ledger status.
	ErrorDomain = "ledger.lms"

	MetadataKeyMessage       = "message"
	MetadataKeySide          = "side"
	MetadataKeyRequired      = "required"
	MetadataKeyAvailable     = "available"
	MetadataKeyTransactionID = "transaction_id"

	healthStatusHealthy = "healthy"
)

// LedgerServiceServer exposes the ledger over gRPC.
type LedgerServiceServer struct {
	ledgerv1.UnimplementedLedgerServiceServer
	ledgerService *ledger.Service
	startedAt     time.Time
	now           func() time.Time
}

// NewLedgerServiceServer constructs a gRPC server for the ledger service.
func NewLedgerServiceServer(ledgerService *ledger.Service, now func() time.Time) *LedgerServiceServer {
	if now == nil {
		now = time.Now
	}
	return &LedgerServiceServer{ledgerService: ledgerService, startedAt: now(), now: now}
}

func (service *LedgerServiceServer) Register(ctx context.Context, request *ledgerv1.RegisterRequest) (*ledgerv1.RegisterResponse, error) {
	registration, err := ledger.NewRegistration(
		request.GetAccountNumber(),
		request.GetAccountHolder(),
		request.GetAccountType(),
		request.GetInitialBalance(),
		request.GetSecret(),
	)
	if err != nil {
		return nil, mapToGRPCError(err, ledger.TransactionID{})
	}
	account, err := service.ledgerService.Register(ctx, registration)
	if err != nil {
		return nil, mapToGRPCError(err, ledger.TransactionID{})
	}
	return &ledgerv1.RegisterResponse{Account: toAccount(account)}, nil
}

func (service *LedgerServiceServer) GetBalance(ctx context.Context, request *ledgerv1.GetBalanceRequest) (*ledgerv1.GetBalanceResponse, error) {
	number, err := ledger.NewAccountNumber(request.GetAccountNumber())
	if err != nil {
		return nil, mapToGRPCError(err, ledger.TransactionID{})
	}
	account, err := service.ledgerService.Balance(ctx, number)
	if err != nil {
		return nil, mapToGRPCError(err, ledger.TransactionID{})
	}
	return &ledgerv1.GetBalanceResponse{
		AccountNumber: account.Number.String(),
		AccountHolder: account.Holder.String(),
		Balance:       account.Balance.Int64(),
	}, nil
}

func (service *LedgerServiceServer) Verify(ctx context.Context, request *ledgerv1.VerifyRequest) (*ledgerv1.VerifyResponse, error) {
	number, err := ledger.NewAccountNumber(request.GetAccountNumber())
	if err != nil {
		return nil, mapToGRPCError(err, ledger.TransactionID{})
	}
	secret, err := ledger.NewSecret(request.GetSecret())
	if err != nil {
		return nil, mapToGRPCError(err, ledger.TransactionID{})
	}
	account, err := service.ledgerService.Verify(ctx, number, secret)
	if err != nil {
		return nil, mapToGRPCError(err, ledger.TransactionID{})
	}
	return &ledgerv1.VerifyResponse{AccountNumber: account.Number.String(), Balance: account.Balance.Int64()}, nil
}

func (service *LedgerServiceServer) Transfer(ctx context.Context, request *ledgerv1.TransferRequest) (*ledgerv1.TransferResponse, error) {
	intent, err := ledger.NewTransferIntent(ledger.TransferInput{
		From:           request.GetFrom(),
		To:             request.GetTo(),
		Amount:         request.GetAmount(),
		Secret:         request.GetSecret(),
		Description:    request.GetDescription(),
		MetadataJSON:   request.GetMetadataJson(),
		IdempotencyKey: request.GetIdempotencyKey(),
	})
	if err != nil {
		return nil, mapToGRPCError(err, ledger.TransactionID{})
	}
	result, err := service.ledgerService.Transfer(ctx, intent)
	if err != nil {
		return nil, mapToGRPCError(err, result.TransactionID)
	}
	return &ledgerv1.TransferResponse{
		TransactionId: result.TransactionID.String(),
		From:          &ledgerv1.PartyBalance{AccountNumber: result.From.AccountNumber.String(), NewBalance: result.From.NewBalance.Int64()},
		To:            &ledgerv1.PartyBalance{AccountNumber: result.To.AccountNumber.String(), NewBalance: result.To.NewBalance.Int64()},
		Amount:        result.Amount.Int64(),
		Description:   result.Description.String(),
		MetadataJson:  result.Metadata.String(),
		Timestamp:     result.Timestamp.UTC().Format(time.RFC3339Nano),
		Replayed:      result.Replayed,
	}, nil
}

func (service *LedgerServiceServer) History(ctx context.Context, request *ledgerv1.HistoryRequest) (*ledgerv1.HistoryResponse, error) {
	number, err := ledger.NewAccountNumber(request.GetAccountNumber())
	if err != nil {
		return nil, mapToGRPCError(err, ledger.TransactionID{})
	}
	history, err := service.ledgerService.History(ctx, number, int(request.GetLimit()))
	if err != nil {
		return nil, mapToGRPCError(err, ledger.TransactionID{})
	}
	response := &ledgerv1.HistoryResponse{
		AccountNumber:  history.Account.Number.String(),
		AccountHolder:  history.Account.Holder.String(),
		CurrentBalance: history.Account.Balance.Int64(),
		Entries:        make([]*ledgerv1.Entry, 0, len(history.Entries)),
	}
	for _, entry := range history.Entries {
		response.Entries = append(response.Entries, &ledgerv1.Entry{
			EntryId:       entry.EntryID,
			TransactionId: entry.TransactionID.String(),
			Sequence:      entry.Sequence,
			Direction:     entry.Direction.String(),
			Amount:        entry.Amount.Int64(),
			BalanceAfter:  entry.BalanceAfter.Int64(),
			From:          entry.From.String(),
			To:            entry.To.String(),
			Description:   entry.Description.String(),
			MetadataJson:  entry.Metadata.String(),
			CreatedAt:     entry.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	return response, nil
}

func (service *LedgerServiceServer) Health(context.Context, *ledgerv1.HealthRequest) (*ledgerv1.HealthResponse, error) {
	now := service.now()
	return &ledgerv1.HealthResponse{
		Status:        healthStatusHealthy,
		Timestamp:     now.UTC().Format(time.RFC3339Nano),
		UptimeSeconds: int64(now.Sub(service.startedAt).Seconds()),
	}, nil
}

func toAccount(account ledger.Account) *ledgerv1.Account {
	return &ledgerv1.Account{
		AccountNumber: account.Number.String(),
		AccountHolder: account.Holder.String(),
		AccountType:   account.Type.String(),
		Balance:       account.Balance.Int64(),
		IsActive:      account.Active,
		CreatedAt:     account.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// mapToGRPCError converts a ledger error into a status carrying an ErrorInfo
// whose Reason is the stable ledger error code.
func mapToGRPCError(source error, transactionID ledger.TransactionID) error {
	code := ledger.ErrorCode(source)
	message := ledger.PublicMessage(source)
	info := &errdetails.ErrorInfo{
		Reason:   code,
		Domain:   ErrorDomain,
		Metadata: map[string]string{MetadataKeyMessage: message},
	}
	if side := ledger.SideOf(source); side != ledger.SideNone {
		info.Metadata[MetadataKeySide] = string(side)
	}
	var insufficient ledger.InsufficientFundsError
	if errors.As(source, &insufficient) {
		info.Metadata[MetadataKeyRequired] = strconv.FormatInt(insufficient.Required.Int64(), 10)
		info.Metadata[MetadataKeyAvailable] = strconv.FormatInt(insufficient.Available.Int64(), 10)
	}
	if transactionID.String() != "" {
		info.Metadata[MetadataKeyTransactionID] = transactionID.String()
	}
	grpcStatus, err := status.New(grpcCode(code), message).WithDetails(info)
	if err != nil {
		return status.Error(grpcCode(code), message)
	}
	return grpcStatus.Err()
}

func grpcCode(ledgerCode string) codes.Code {
	switch ledgerCode {
	case ledger.CodeValidation, ledger.CodeInvalidAmount, ledger.CodeSelfTransfer:
		return codes.InvalidArgument
	case ledger.CodeDuplicateAccount, ledger.CodeIdempotencyConflict:
		return codes.AlreadyExists
	case ledger.CodeAccountNotFound:
		return codes.NotFound
	case ledger.CodeUnauthorized:
		return codes.PermissionDenied
	case ledger.CodeInsufficientFunds:
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}
