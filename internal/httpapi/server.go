// Package httpapi serves the ledger's REST surface under /bank.
package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/lmsbank/internal/servicetoken"
	"github.com/MarkoPoloResearchLab/lmsbank/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const (
	serviceName    = "LMS Ledger Service"
	serviceVersion = "1.0.0"

	headerIdempotencyKey = "Idempotency-Key"
)

// RouterConfig controls cross-cutting middleware.
type RouterConfig struct {
	AllowedOrigins []string
	// TokenVerifier, when set, guards every /bank route.
	TokenVerifier *servicetoken.Verifier
}

// Server adapts ledger.Service onto HTTP handlers.
type Server struct {
	ledgerService *ledger.Service
	logger        *zap.Logger
	validate      *validator.Validate
	startedAt     time.Time
	now           func() time.Time
}

// NewServer wires the handlers. A nil logger discards output.
func NewServer(ledgerService *ledger.Service, logger *zap.Logger, now func() time.Time) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Server{
		ledgerService: ledgerService,
		logger:        logger,
		validate:      validator.New(),
		startedAt:     now(),
		now:           now,
	}
}

// NewRouter builds the gin engine with recovery, CORS, and optional service auth.
func NewRouter(cfg RouterConfig, server *Server) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if len(cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization", headerIdempotencyKey},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/", server.handleInfo)
	router.GET("/health", server.handleHealth)

	bank := router.Group("/bank")
	if cfg.TokenVerifier != nil {
		bank.Use(servicetoken.GinMiddleware(cfg.TokenVerifier))
	}
	bank.POST("/register", server.handleRegister)
	bank.GET("/balance/:accountNumber", server.handleBalance)
	bank.POST("/verify-transaction", server.handleVerify)
	bank.POST("/transfer", server.handleTransfer)
	bank.GET("/transactions/:accountNumber", server.handleTransactions)
	return router
}

type registerRequest struct {
	AccountNumber  string `json:"accountNumber" validate:"required"`
	AccountHolder  string `json:"accountHolder" validate:"required"`
	AccountType    string `json:"accountType" validate:"required"`
	InitialBalance *int64 `json:"initialBalance"`
	Secret         string `json:"secret" validate:"required"`
}

type verifyRequest struct {
	AccountNumber string `json:"accountNumber" validate:"required"`
	Secret        string `json:"secret" validate:"required"`
}

type transferRequest struct {
	From           string          `json:"from" validate:"required"`
	To             string          `json:"to" validate:"required"`
	Amount         int64           `json:"amount" validate:"required"`
	Secret         string          `json:"secret" validate:"required"`
	Description    string          `json:"description"`
	Metadata       *map[string]any `json:"metadata"`
	IdempotencyKey string          `json:"idempotencyKey"`
}

func (server *Server) handleInfo(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{
		"service": serviceName,
		"version": serviceVersion,
		"status":  "running",
		"endpoints": gin.H{
			"register":          "POST /bank/register",
			"balance":           "GET /bank/balance/:accountNumber",
			"verifyTransaction": "POST /bank/verify-transaction",
			"transfer":          "POST /bank/transfer",
			"transactions":      "GET /bank/transactions/:accountNumber",
		},
	})
}

func (server *Server) handleHealth(ctx *gin.Context) {
	now := server.now()
	ctx.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": now.UTC().Format(time.RFC3339Nano),
		"uptime":    now.Sub(server.startedAt).Seconds(),
	})
}

func (server *Server) handleRegister(ctx *gin.Context) {
	var request registerRequest
	if !server.bind(ctx, &request, "Please provide account number, holder, type, and secret") {
		return
	}
	registration, err := ledger.NewRegistration(request.AccountNumber, request.AccountHolder, request.AccountType, request.InitialBalance, request.Secret)
	if err != nil {
		server.respondError(ctx, err, ledger.TransactionID{})
		return
	}
	account, err := server.ledgerService.Register(ctx.Request.Context(), registration)
	if err != nil {
		server.respondError(ctx, err, ledger.TransactionID{})
		return
	}
	ctx.JSON(http.StatusCreated, successResponse("Bank account created successfully", gin.H{
		"accountNumber": account.Number.String(),
		"accountHolder": account.Holder.String(),
		"accountType":   account.Type.String(),
		"balance":       account.Balance.Int64(),
	}))
}

func (server *Server) handleBalance(ctx *gin.Context) {
	number, err := ledger.NewAccountNumber(ctx.Param("accountNumber"))
	if err != nil {
		server.respondError(ctx, err, ledger.TransactionID{})
		return
	}
	account, err := server.ledgerService.Balance(ctx.Request.Context(), number)
	if err != nil {
		server.respondError(ctx, err, ledger.TransactionID{})
		return
	}
	ctx.JSON(http.StatusOK, successResponse("", gin.H{
		"accountNumber": account.Number.String(),
		"accountHolder": account.Holder.String(),
		"balance":       account.Balance.Int64(),
	}))
}

func (server *Server) handleVerify(ctx *gin.Context) {
	var request verifyRequest
	if !server.bind(ctx, &request, "Please provide account number and secret") {
		return
	}
	number, err := ledger.NewAccountNumber(request.AccountNumber)
	if err != nil {
		server.respondError(ctx, err, ledger.TransactionID{})
		return
	}
	secret, err := ledger.NewSecret(request.Secret)
	if err != nil {
		server.respondError(ctx, err, ledger.TransactionID{})
		return
	}
	account, err := server.ledgerService.Verify(ctx.Request.Context(), number, secret)
	if err != nil {
		server.respondError(ctx, err, ledger.TransactionID{})
		return
	}
	ctx.JSON(http.StatusOK, successResponse("Secret verified successfully", gin.H{
		"accountNumber": account.Number.String(),
		"balance":       account.Balance.Int64(),
	}))
}

func (server *Server) handleTransfer(ctx *gin.Context) {
	var request transferRequest
	if !server.bind(ctx, &request, "Please provide from, to, amount, and secret") {
		return
	}
	key := strings.TrimSpace(request.IdempotencyKey)
	if key == "" {
		key = strings.TrimSpace(ctx.GetHeader(headerIdempotencyKey))
	}
	metadataJSON := ""
	if request.Metadata != nil {
		encoded, err := encodeMetadata(*request.Metadata)
		if err != nil {
			server.respondError(ctx, err, ledger.TransactionID{})
			return
		}
		metadataJSON = encoded
	}
	intent, err := ledger.NewTransferIntent(ledger.TransferInput{
		From:           request.From,
		To:             request.To,
		Amount:         request.Amount,
		Secret:         request.Secret,
		Description:    request.Description,
		MetadataJSON:   metadataJSON,
		IdempotencyKey: key,
	})
	if err != nil {
		server.respondError(ctx, err, ledger.TransactionID{})
		return
	}
	result, err := server.ledgerService.Transfer(ctx.Request.Context(), intent)
	if err != nil {
		server.respondError(ctx, err, result.TransactionID)
		return
	}
	ctx.JSON(http.StatusOK, successResponse("Transfer successful", gin.H{
		"transactionId": result.TransactionID.String(),
		"from":          gin.H{"accountNumber": result.From.AccountNumber.String(), "newBalance": result.From.NewBalance.Int64()},
		"to":            gin.H{"accountNumber": result.To.AccountNumber.String(), "newBalance": result.To.NewBalance.Int64()},
		"amount":        result.Amount.Int64(),
		"description":   result.Description.String(),
		"timestamp":     result.Timestamp.UTC().Format(time.RFC3339Nano),
		"replayed":      result.Replayed,
	}))
}

func (server *Server) handleTransactions(ctx *gin.Context) {
	number, err := ledger.NewAccountNumber(ctx.Param("accountNumber"))
	if err != nil {
		server.respondError(ctx, err, ledger.TransactionID{})
		return
	}
	limit := 0
	if raw := strings.TrimSpace(ctx.Query("limit")); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse(ledger.CodeValidation, "limit must be an integer", nil))
			return
		}
	}
	history, err := server.ledgerService.History(ctx.Request.Context(), number, limit)
	if err != nil {
		server.respondError(ctx, err, ledger.TransactionID{})
		return
	}
	transactions := make([]gin.H, 0, len(history.Entries))
	for _, entry := range history.Entries {
		transactions = append(transactions, gin.H{
			"transactionId": entry.TransactionID.String(),
			"type":          entry.Direction.String(),
			"amount":        entry.Amount.Int64(),
			"balanceAfter":  entry.BalanceAfter.Int64(),
			"fromAccount":   entry.From.String(),
			"toAccount":     entry.To.String(),
			"description":   entry.Description.String(),
			"date":          entry.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	ctx.JSON(http.StatusOK, successResponse("", gin.H{
		"accountNumber":  history.Account.Number.String(),
		"accountHolder":  history.Account.Holder.String(),
		"currentBalance": history.Account.Balance.Int64(),
		"transactions":   transactions,
	}))
}

// bind decodes and validates a JSON body, answering 400 with missingMessage on failure.
func (server *Server) bind(ctx *gin.Context, request any, missingMessage string) bool {
	if err := ctx.ShouldBindJSON(request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(ledger.CodeValidation, "expected JSON body", nil))
		return false
	}
	if err := server.validate.Struct(request); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			ctx.JSON(http.StatusBadRequest, errorResponse(ledger.CodeValidation, missingMessage, nil))
			return false
		}
		ctx.JSON(http.StatusBadRequest, errorResponse(ledger.CodeValidation, err.Error(), nil))
		return false
	}
	return true
}

func (server *Server) respondError(ctx *gin.Context, err error, transactionID ledger.TransactionID) {
	code := ledger.ErrorCode(err)
	if code == ledger.CodeStorageFailure {
		server.logger.Error("ledger request failed", zap.String("path", ctx.FullPath()), zap.Error(err))
	}
	data := gin.H{}
	var insufficient ledger.InsufficientFundsError
	if errors.As(err, &insufficient) {
		data["required"] = insufficient.Required.Int64()
		data["available"] = insufficient.Available.Int64()
	}
	if side := ledger.SideOf(err); side != ledger.SideNone {
		data["side"] = string(side)
	}
	if transactionID.String() != "" {
		data["transactionId"] = transactionID.String()
	}
	if len(data) == 0 {
		data = nil
	}
	ctx.JSON(httpStatus(code), errorResponse(code, ledger.PublicMessage(err), data))
}

func httpStatus(code string) int {
	switch code {
	case ledger.CodeValidation, ledger.CodeInvalidAmount, ledger.CodeSelfTransfer, ledger.CodeInsufficientFunds:
		return http.StatusBadRequest
	case ledger.CodeDuplicateAccount, ledger.CodeIdempotencyConflict:
		return http.StatusConflict
	case ledger.CodeAccountNotFound:
		return http.StatusNotFound
	case ledger.CodeUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func successResponse(message string, data any) gin.H {
	response := gin.H{"success": true, "data": data}
	if message != "" {
		response["message"] = message
	}
	return response
}

func errorResponse(code string, message string, data gin.H) gin.H {
	response := gin.H{"success": false, "code": code, "message": message}
	if data != nil {
		response["data"] = data
	}
	return response
}
