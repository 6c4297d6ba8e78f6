package ledgerd

import (
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/lmsbank/internal/events"
	"github.com/MarkoPoloResearchLab/lmsbank/internal/reconcile"
	"github.com/MarkoPoloResearchLab/lmsbank/internal/servicetoken"
	"golang.org/x/crypto/bcrypt"
)

// StoreDriver selects the ledger.Store implementation.
type StoreDriver string

const (
	// StoreDriverGorm works against SQLite and PostgreSQL.
	StoreDriverGorm StoreDriver = "gorm"
	// StoreDriverSQL talks to PostgreSQL through database/sql and pgx.
	StoreDriverSQL StoreDriver = "sql"
)

const (
	DefaultDatabaseURL    = "sqlite:///tmp/lmsbank/ledger.db"
	DefaultGRPCListenAddr = ":7000"
	DefaultHTTPListenAddr = ":5001"
	defaultAllowedOrigin  = "http://localhost:3000"
	defaultMaxAttempts    = 5
)

// Config aggregates runtime settings for ledgerd.
type Config struct {
	DatabaseURL         string
	StoreDriver         StoreDriver
	GRPCListenAddr      string
	HTTPListenAddr      string
	AllowedOrigins      []string
	BcryptCost          int
	MaxTransferAttempts int
	// ServiceTokenKey enables service authentication on both transports when set.
	ServiceTokenKey    string
	ServiceTokenIssuer string
	// RedisAddr enables the event publisher when set.
	RedisAddr         string
	EventStream       string
	ReconcileSchedule string
	// DisableReconcile turns the in-process scheduler off.
	DisableReconcile bool
}

// Validate applies defaults and rejects impossible combinations.
func (cfg *Config) Validate() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, DefaultDatabaseURL)
	cfg.StoreDriver = StoreDriver(strings.ToLower(defaultIfEmpty(string(cfg.StoreDriver), string(StoreDriverGorm))))
	cfg.GRPCListenAddr = defaultIfEmpty(cfg.GRPCListenAddr, DefaultGRPCListenAddr)
	cfg.HTTPListenAddr = defaultIfEmpty(cfg.HTTPListenAddr, DefaultHTTPListenAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if cfg.MaxTransferAttempts <= 0 {
		cfg.MaxTransferAttempts = defaultMaxAttempts
	}
	cfg.ServiceTokenIssuer = defaultIfEmpty(cfg.ServiceTokenIssuer, servicetoken.DefaultIssuer)
	cfg.EventStream = defaultIfEmpty(cfg.EventStream, events.DefaultStream)
	cfg.ReconcileSchedule = defaultIfEmpty(cfg.ReconcileSchedule, reconcile.DefaultSchedule)

	switch cfg.StoreDriver {
	case StoreDriverGorm, StoreDriverSQL:
	default:
		return fmt.Errorf("store driver must be %q or %q, got %q", StoreDriverGorm, StoreDriverSQL, cfg.StoreDriver)
	}
	if cfg.BcryptCost < bcrypt.MinCost || cfg.BcryptCost > bcrypt.MaxCost {
		return fmt.Errorf("bcrypt cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
