package lms

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Role is an LMS user role. Each role maps onto a ledger account type.
type Role string

const (
	RoleLearner    Role = "learner"
	RoleInstructor Role = "instructor"
	RoleAdmin      Role = "admin"
)

var (
	ErrUserNotFound         = errors.New("user not found")
	ErrInvalidRole          = errors.New("invalid user role")
	ErrAccountNotLinked     = errors.New("user has no bank account")
	ErrAccountAlreadyLinked = errors.New("user already has a bank account")
)

// ParseRole validates a role string.
func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleLearner:
		return RoleLearner, nil
	case RoleInstructor:
		return RoleInstructor, nil
	case RoleAdmin:
		return RoleAdmin, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, raw)
	}
}

// User mirrors the lms_users table. CachedBalance is advisory; the ledger is authoritative.
type User struct {
	ID            string    `gorm:"size:36;primaryKey"`
	Name          string    `gorm:"size:200;not null"`
	Role          Role      `gorm:"size:16;not null"`
	AccountNumber *string   `gorm:"size:16;uniqueIndex:uniq_lms_users_account_number"`
	CachedBalance int64     `gorm:"not null"`
	CachedAt      time.Time `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (User) TableName() string { return "lms_users" }

func (user *User) BeforeCreate(tx *gorm.DB) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	return nil
}

// HasAccount reports whether a ledger account is linked.
func (user User) HasAccount() bool {
	return user.AccountNumber != nil && *user.AccountNumber != ""
}

// Account returns the linked account number or "".
func (user User) Account() string {
	if user.AccountNumber == nil {
		return ""
	}
	return *user.AccountNumber
}

// UserStore persists LMS users and their cached balances.
type UserStore struct {
	db *gorm.DB
}

// NewUserStore wraps db.
func NewUserStore(db *gorm.DB) *UserStore {
	return &UserStore{db: db}
}

// Migrate creates the lms_users table.
func (store *UserStore) Migrate() error {
	if err := store.db.AutoMigrate(&User{}); err != nil {
		return fmt.Errorf("auto migrate users: %w", err)
	}
	return nil
}

// CreateUser inserts a user without an account.
func (store *UserStore) CreateUser(ctx context.Context, name string, role Role) (User, error) {
	if strings.TrimSpace(name) == "" {
		return User{}, validationError{message: "Name is required"}
	}
	if _, err := ParseRole(string(role)); err != nil {
		return User{}, err
	}
	user := User{Name: strings.TrimSpace(name), Role: role}
	if err := store.db.WithContext(ctx).Create(&user).Error; err != nil {
		return User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// GetUser loads a user by id.
func (store *UserStore) GetUser(ctx context.Context, id string) (User, error) {
	var user User
	err := store.db.WithContext(ctx).Where("id = ?", id).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

// FindByAccount loads the user linked to accountNumber.
func (store *UserStore) FindByAccount(ctx context.Context, accountNumber string) (User, error) {
	var user User
	err := store.db.WithContext(ctx).Where("account_number = ?", accountNumber).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, fmt.Errorf("%w: account %s", ErrUserNotFound, accountNumber)
	}
	if err != nil {
		return User{}, fmt.Errorf("find user by account: %w", err)
	}
	return user, nil
}

// LinkAccount attaches a freshly registered account once.
func (store *UserStore) LinkAccount(ctx context.Context, id string, accountNumber string, balance int64, observedAt time.Time) error {
	result := store.db.WithContext(ctx).
		Model(&User{}).
		Where("id = ? AND account_number IS NULL", id).
		Updates(map[string]any{
			"account_number": accountNumber,
			"cached_balance": balance,
			"cached_at":      observedAt.UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("link account: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrAccountAlreadyLinked, id)
	}
	return nil
}

// CacheBalance records a balance observed at observedAt. Observations older than
// the cached one are ignored; it reports whether the cache changed.
func (store *UserStore) CacheBalance(ctx context.Context, accountNumber string, balance int64, observedAt time.Time) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&User{}).
		Where("account_number = ? AND cached_at <= ?", accountNumber, observedAt.UTC()).
		Updates(map[string]any{
			"cached_balance": balance,
			"cached_at":      observedAt.UTC(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("cache balance: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ListLinked pages through users with accounts, ordered by account number.
func (store *UserStore) ListLinked(ctx context.Context, after string, limit int) ([]User, error) {
	var users []User
	err := store.db.WithContext(ctx).
		Where("account_number IS NOT NULL AND account_number > ?", after).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "account_number"}}).
		Limit(limit).
		Find(&users).Error
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

type validationError struct {
	message string
}

func (err validationError) Error() string {
	return err.message
}
