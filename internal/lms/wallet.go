package lms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	ledgerv1 "github.com/MarkoPoloResearchLab/lmsbank/api/ledger/v1"
	"github.com/MarkoPoloResearchLab/lmsbank/pkg/ledger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultInstructorPaymentPercentage int64 = 70
	DefaultCourseUploadReward          int64 = 5000
	DefaultMaxTopUp                    int64 = 100_000
	DefaultOrganizationOpeningBalance  int64 = 1_000_000

	learnerOpeningBalance    int64 = 10_000
	organizationHolder             = "LMS Organization"
	maxAccountNumberAttempts       = 5
	defaultKeyedRetries            = 3
	defaultRetryBackoff            = 200 * time.Millisecond

	transferTypePurchase = "course_purchase"
	transferTypePayout   = "instructor_payment"
	transferTypeReward   = "course_upload_reward"
	transferTypeTopUp    = "top_up"
)

var (
	ErrInvalidWalletConfig = errors.New("invalid wallet config")
	ErrTopUpLimit          = errors.New("top-up amount exceeds the limit")
)

// WalletConfig holds the LMS-side money rules.
type WalletConfig struct {
	OrganizationAccount         string
	OrganizationSecret          string
	InstructorPaymentPercentage int64
	CourseUploadReward          int64
	MaxTopUp                    int64
	OrganizationOpeningBalance  int64
	// KeyedRetries bounds re-sends of a keyed transfer whose outcome was unknown.
	KeyedRetries int
	RetryBackoff time.Duration
}

// Validate applies defaults and checks the organization account settings.
func (cfg *WalletConfig) Validate() error {
	cfg.OrganizationAccount = strings.ToUpper(strings.TrimSpace(cfg.OrganizationAccount))
	if _, err := ledger.NewAccountNumber(cfg.OrganizationAccount); err != nil {
		return fmt.Errorf("%w: organization account: %w", ErrInvalidWalletConfig, err)
	}
	if cfg.OrganizationSecret == "" {
		return fmt.Errorf("%w: organization secret is required", ErrInvalidWalletConfig)
	}
	if cfg.InstructorPaymentPercentage == 0 {
		cfg.InstructorPaymentPercentage = DefaultInstructorPaymentPercentage
	}
	if cfg.InstructorPaymentPercentage < 0 || cfg.InstructorPaymentPercentage > 100 {
		return fmt.Errorf("%w: instructor payment percentage must be within 0..100", ErrInvalidWalletConfig)
	}
	if cfg.CourseUploadReward <= 0 {
		cfg.CourseUploadReward = DefaultCourseUploadReward
	}
	if cfg.MaxTopUp <= 0 {
		cfg.MaxTopUp = DefaultMaxTopUp
	}
	if cfg.OrganizationOpeningBalance <= 0 {
		cfg.OrganizationOpeningBalance = DefaultOrganizationOpeningBalance
	}
	if cfg.KeyedRetries < 0 {
		cfg.KeyedRetries = 0
	} else if cfg.KeyedRetries == 0 {
		cfg.KeyedRetries = defaultKeyedRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	return nil
}

// Wallet runs the LMS money flows against the ledger and keeps the user cache current.
type Wallet struct {
	client *Client
	users  *UserStore
	cfg    WalletConfig
	logger *zap.Logger
	now    func() time.Time
	newKey func() string
}

// NewWallet validates cfg and wires the wallet.
func NewWallet(client *Client, users *UserStore, cfg WalletConfig, logger *zap.Logger) (*Wallet, error) {
	if client == nil || users == nil {
		return nil, fmt.Errorf("%w: client and user store are required", ErrInvalidWalletConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Wallet{client: client, users: users, cfg: cfg, logger: logger, now: time.Now, newKey: uuid.NewString}, nil
}

// PurchaseInput describes a learner buying a course.
type PurchaseInput struct {
	UserID   string
	CourseID string
	Price    int64
	Secret   string
}

// PayoutInput describes the instructor share of one purchase.
type PayoutInput struct {
	InstructorID          string
	PurchaseTransactionID string
	Price                 int64
}

// OpenAccount registers a ledger account for a user and links it.
// Learners start with 10000, everyone else with 0.
func (wallet *Wallet) OpenAccount(ctx context.Context, userID string, secret string) (User, error) {
	user, err := wallet.users.GetUser(ctx, userID)
	if err != nil {
		return User{}, err
	}
	if user.HasAccount() {
		return User{}, fmt.Errorf("%w: %s", ErrAccountAlreadyLinked, user.ID)
	}
	if secret == "" {
		return User{}, validationError{message: "Bank secret is required"}
	}
	accountType, err := ledger.ParseAccountType(string(user.Role))
	if err != nil {
		return User{}, err
	}
	opening := int64(0)
	if user.Role == RoleLearner {
		opening = learnerOpeningBalance
	}

	for attempt := 1; attempt <= maxAccountNumberAttempts; attempt++ {
		number, err := ledger.GenerateAccountNumber(accountType)
		if err != nil {
			return User{}, err
		}
		account, err := wallet.client.Register(ctx, &ledgerv1.RegisterRequest{
			AccountNumber:  number.String(),
			AccountHolder:  user.Name,
			AccountType:    accountType.String(),
			InitialBalance: &opening,
			Secret:         secret,
		})
		if HasCode(err, ledger.CodeDuplicateAccount) {
			wallet.logger.Info("account number taken, retrying", zap.String("account_number", number.String()), zap.Int("attempt", attempt))
			continue
		}
		accountNumber, balance := account.GetAccountNumber(), account.GetBalance()
		if ledgerError, ok := AsLedgerError(err); ok && ledgerError.Retryable() {
			registered, found, lookupErr := wallet.registeredDespiteFailure(ctx, number.String(), secret)
			if lookupErr != nil {
				return User{}, err
			}
			if !found {
				continue
			}
			accountNumber, balance, err = registered.GetAccountNumber(), registered.GetBalance(), nil
		}
		if err != nil {
			return User{}, err
		}
		if err := wallet.users.LinkAccount(ctx, user.ID, accountNumber, balance, wallet.now()); err != nil {
			return User{}, err
		}
		return wallet.users.GetUser(ctx, user.ID)
	}
	return User{}, fmt.Errorf("no free account number after %d attempts", maxAccountNumberAttempts)
}

// registeredDespiteFailure checks whether a registration whose reply was lost
// created the account. Only an account that accepts the user's secret counts as
// theirs; a missing or foreign account means the number is not theirs to link.
func (wallet *Wallet) registeredDespiteFailure(ctx context.Context, number string, secret string) (*ledgerv1.VerifyResponse, bool, error) {
	verified, err := wallet.client.Verify(ctx, number, secret)
	switch {
	case err == nil:
		wallet.logger.Info("registration outcome recovered", zap.String("account_number", number))
		return verified, true, nil
	case HasCode(err, ledger.CodeAccountNotFound), HasCode(err, ledger.CodeUnauthorized):
		return nil, false, nil
	default:
		return nil, false, err
	}
}

// EnsureOrganizationAccount registers the organization account when it is missing.
func (wallet *Wallet) EnsureOrganizationAccount(ctx context.Context) (balance int64, created bool, err error) {
	existing, err := wallet.client.Balance(ctx, wallet.cfg.OrganizationAccount)
	if err == nil {
		return existing.GetBalance(), false, nil
	}
	if !HasCode(err, ledger.CodeAccountNotFound) {
		return 0, false, err
	}
	opening := wallet.cfg.OrganizationOpeningBalance
	account, err := wallet.client.Register(ctx, &ledgerv1.RegisterRequest{
		AccountNumber:  wallet.cfg.OrganizationAccount,
		AccountHolder:  organizationHolder,
		AccountType:    ledger.AccountTypeOrganization.String(),
		InitialBalance: &opening,
		Secret:         wallet.cfg.OrganizationSecret,
	})
	if HasCode(err, ledger.CodeDuplicateAccount) {
		existing, err := wallet.client.Balance(ctx, wallet.cfg.OrganizationAccount)
		if err != nil {
			return 0, false, err
		}
		return existing.GetBalance(), false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return account.GetBalance(), true, nil
}

// PurchaseCourse moves the course price from the learner to the organization.
// Repeating a purchase of the same course by the same learner never charges twice.
func (wallet *Wallet) PurchaseCourse(ctx context.Context, input PurchaseInput) (*ledgerv1.TransferResponse, error) {
	learner, err := wallet.linkedUser(ctx, input.UserID, RoleLearner)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(input.CourseID) == "" {
		return nil, validationError{message: "Course is required"}
	}
	return wallet.transfer(ctx, &ledgerv1.TransferRequest{
		From:           learner.Account(),
		To:             wallet.cfg.OrganizationAccount,
		Amount:         input.Price,
		Secret:         input.Secret,
		Description:    "Course purchase: " + input.CourseID,
		MetadataJson:   metadataJSON(transferTypePurchase, map[string]string{"courseId": input.CourseID, "userId": learner.ID}),
		IdempotencyKey: fmt.Sprintf("purchase:%s:%s", learner.ID, input.CourseID),
	})
}

// ClaimInstructorPayout pays the instructor floor(price * percentage / 100) for one purchase.
func (wallet *Wallet) ClaimInstructorPayout(ctx context.Context, input PayoutInput) (*ledgerv1.TransferResponse, error) {
	instructor, err := wallet.linkedUser(ctx, input.InstructorID, RoleInstructor)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(input.PurchaseTransactionID) == "" {
		return nil, validationError{message: "Purchase transaction is required"}
	}
	amount := InstructorShare(input.Price, wallet.cfg.InstructorPaymentPercentage)
	if amount <= 0 {
		return nil, validationError{message: "Payout amount must be greater than 0"}
	}
	return wallet.transfer(ctx, &ledgerv1.TransferRequest{
		From:           wallet.cfg.OrganizationAccount,
		To:             instructor.Account(),
		Amount:         amount,
		Secret:         wallet.cfg.OrganizationSecret,
		Description:    "Instructor payment for " + input.PurchaseTransactionID,
		MetadataJson:   metadataJSON(transferTypePayout, map[string]string{"purchaseTransactionId": input.PurchaseTransactionID}),
		IdempotencyKey: "payout:" + input.PurchaseTransactionID,
	})
}

// RewardCourseUpload pays the upload reward once per course.
func (wallet *Wallet) RewardCourseUpload(ctx context.Context, instructorID string, courseID string) (*ledgerv1.TransferResponse, error) {
	instructor, err := wallet.linkedUser(ctx, instructorID, RoleInstructor)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(courseID) == "" {
		return nil, validationError{message: "Course is required"}
	}
	return wallet.transfer(ctx, &ledgerv1.TransferRequest{
		From:           wallet.cfg.OrganizationAccount,
		To:             instructor.Account(),
		Amount:         wallet.cfg.CourseUploadReward,
		Secret:         wallet.cfg.OrganizationSecret,
		Description:    "Course upload reward: " + courseID,
		MetadataJson:   metadataJSON(transferTypeReward, map[string]string{"courseId": courseID}),
		IdempotencyKey: "reward:" + courseID,
	})
}

// TopUp credits a user from the organization, at most MaxTopUp per call.
// An empty key gets a fresh one that is reused across retries of this call.
func (wallet *Wallet) TopUp(ctx context.Context, userID string, amount int64, key string) (*ledgerv1.TransferResponse, error) {
	if amount > wallet.cfg.MaxTopUp {
		return nil, fmt.Errorf("%w: %d > %d", ErrTopUpLimit, amount, wallet.cfg.MaxTopUp)
	}
	user, err := wallet.users.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.HasAccount() {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotLinked, user.ID)
	}
	if key == "" {
		key = "topup:" + wallet.newKey()
	}
	return wallet.transfer(ctx, &ledgerv1.TransferRequest{
		From:           wallet.cfg.OrganizationAccount,
		To:             user.Account(),
		Amount:         amount,
		Secret:         wallet.cfg.OrganizationSecret,
		Description:    "Top-up",
		MetadataJson:   metadataJSON(transferTypeTopUp, map[string]string{"userId": user.ID}),
		IdempotencyKey: key,
	})
}

// RefreshBalance reads the ledger balance and stores it in the user cache.
func (wallet *Wallet) RefreshBalance(ctx context.Context, userID string) (int64, error) {
	user, err := wallet.users.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	if !user.HasAccount() {
		return 0, fmt.Errorf("%w: %s", ErrAccountNotLinked, user.ID)
	}
	observedAt := wallet.now()
	response, err := wallet.client.Balance(ctx, user.Account())
	if err != nil {
		return 0, err
	}
	if _, err := wallet.users.CacheBalance(ctx, user.Account(), response.GetBalance(), observedAt); err != nil {
		wallet.logger.Warn("balance cache update failed", zap.String("user_id", user.ID), zap.Error(err))
	}
	return response.GetBalance(), nil
}

// History returns the user's recent ledger entries.
func (wallet *Wallet) History(ctx context.Context, userID string, limit int32) (*ledgerv1.HistoryResponse, error) {
	user, err := wallet.users.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.HasAccount() {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotLinked, user.ID)
	}
	return wallet.client.History(ctx, user.Account(), limit)
}

// InstructorShare is floor(price * percentage / 100) for non-negative inputs.
func InstructorShare(price int64, percentage int64) int64 {
	if price <= 0 || percentage <= 0 {
		return 0
	}
	return price * percentage / 100
}

func (wallet *Wallet) linkedUser(ctx context.Context, userID string, role Role) (User, error) {
	user, err := wallet.users.GetUser(ctx, userID)
	if err != nil {
		return User{}, err
	}
	if user.Role != role {
		return User{}, validationError{message: fmt.Sprintf("Only %ss can do this", role)}
	}
	if !user.HasAccount() {
		return User{}, fmt.Errorf("%w: %s", ErrAccountNotLinked, user.ID)
	}
	return user, nil
}

// transfer sends request, re-sending keyed requests whose outcome is unknown.
// The cache is touched only after the ledger confirms the transfer.
func (wallet *Wallet) transfer(ctx context.Context, request *ledgerv1.TransferRequest) (*ledgerv1.TransferResponse, error) {
	attempts := 1
	if request.IdempotencyKey != "" {
		attempts += wallet.cfg.KeyedRetries
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		response, err := wallet.client.Transfer(ctx, request)
		if err == nil {
			wallet.cacheTransfer(ctx, response)
			return response, nil
		}
		lastErr = err
		ledgerError, ok := AsLedgerError(err)
		if !ok || !ledgerError.Retryable() || attempt == attempts {
			break
		}
		wallet.logger.Warn("ledger transfer outcome unknown, retrying with the same key",
			zap.String("idempotency_key", request.IdempotencyKey),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil, lastErr
		case <-time.After(wallet.cfg.RetryBackoff * time.Duration(attempt)):
		}
	}
	return nil, lastErr
}

func (wallet *Wallet) cacheTransfer(ctx context.Context, response *ledgerv1.TransferResponse) {
	observedAt, err := time.Parse(time.RFC3339Nano, response.Timestamp)
	if err != nil {
		observedAt = wallet.now()
	}
	for _, party := range []*ledgerv1.PartyBalance{response.GetFrom(), response.GetTo()} {
		if party == nil {
			continue
		}
		if _, err := wallet.users.CacheBalance(ctx, party.GetAccountNumber(), party.GetNewBalance(), observedAt); err != nil {
			wallet.logger.Warn("balance cache update failed", zap.String("account_number", party.GetAccountNumber()), zap.Error(err))
		}
	}
}

func metadataJSON(transferType string, fields map[string]string) string {
	document := map[string]string{"type": transferType}
	for key, value := range fields {
		document[key] = value
	}
	encoded, err := json.Marshal(document)
	if err != nil {
		return "{}"
	}
	return string(encoded)
}
