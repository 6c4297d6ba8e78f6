package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	ledgerv1 "github.com/MarkoPoloResearchLab/lmsbank/api/ledger/v1"
	"github.com/MarkoPoloResearchLab/lmsbank/internal/database"
	"github.com/MarkoPoloResearchLab/lmsbank/internal/events"
	"github.com/MarkoPoloResearchLab/lmsbank/internal/lms"
	"github.com/MarkoPoloResearchLab/lmsbank/internal/servicetoken"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	defaultLMSDatabaseURL = "sqlite:///tmp/lmsbank/lms.db"
	defaultLedgerAddr     = "localhost:7000"
	defaultConsumerGroup  = "lms-balance-cache"
	serviceName           = "lms"

	flagLMSDatabaseURL     = "lms-database-url"
	flagLedgerAddr         = "ledger-addr"
	flagLedgerInsecure     = "ledger-insecure"
	flagLedgerTimeout      = "ledger-timeout"
	flagOrgAccount         = "org-account"
	flagOrgSecret          = "org-secret"
	flagInstructorShare    = "instructor-payment-percentage"
	flagUploadReward       = "course-upload-reward"
	flagMaxTopUp           = "max-top-up"
	flagServiceTokenKey    = "service-token-key"
	flagServiceTokenIssuer = "service-token-issuer"
	flagRedisAddr          = "redis-addr"
	flagEventStream        = "event-stream"
)

var envBindings = map[string]string{
	flagLMSDatabaseURL:     "LMS_DATABASE_URL",
	flagLedgerAddr:         "LEDGER_ADDR",
	flagLedgerInsecure:     "LEDGER_INSECURE",
	flagLedgerTimeout:      "LEDGER_TIMEOUT",
	flagOrgAccount:         "LMS_BANK_ACCOUNT",
	flagOrgSecret:          "BANK_SECRET_KEY",
	flagInstructorShare:    "INSTRUCTOR_PAYMENT_PERCENTAGE",
	flagUploadReward:       "COURSE_UPLOAD_REWARD",
	flagMaxTopUp:           "MAX_TOP_UP",
	flagServiceTokenKey:    "SERVICE_TOKEN_KEY",
	flagServiceTokenIssuer: "SERVICE_TOKEN_ISSUER",
	flagRedisAddr:          "REDIS_ADDR",
	flagEventStream:        "EVENT_STREAM",
}

type config struct {
	DatabaseURL        string
	LedgerAddr         string
	LedgerInsecure     bool
	LedgerTimeout      time.Duration
	ServiceTokenKey    string
	ServiceTokenIssuer string
	RedisAddr          string
	EventStream        string
	Wallet             lms.WalletConfig
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "lmsbank: %s\n", lms.UserMessage(err))
		fmt.Fprintf(os.Stderr, "detail: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &config{}
	cmd := &cobra.Command{
		Use:           "lmsbank",
		Short:         "LMS-side operations against the ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(flagLMSDatabaseURL, defaultLMSDatabaseURL, "LMS database (PostgreSQL URL or SQLite path)")
	flags.String(flagLedgerAddr, defaultLedgerAddr, "ledger gRPC address")
	flags.Bool(flagLedgerInsecure, true, "dial the ledger without TLS")
	flags.Duration(flagLedgerTimeout, 3*time.Second, "per-call ledger timeout")
	flags.String(flagOrgAccount, "", "organization account number")
	flags.String(flagOrgSecret, "", "organization account secret")
	flags.Int64(flagInstructorShare, lms.DefaultInstructorPaymentPercentage, "instructor share of a purchase, in percent")
	flags.Int64(flagUploadReward, lms.DefaultCourseUploadReward, "reward for uploading a course")
	flags.Int64(flagMaxTopUp, lms.DefaultMaxTopUp, "largest single top-up")
	flags.String(flagServiceTokenKey, "", "HS256 key for service tokens; empty sends none")
	flags.String(flagServiceTokenIssuer, "", "service token issuer")
	flags.String(flagRedisAddr, "", "Redis address for following ledger events")
	flags.String(flagEventStream, events.DefaultStream, "Redis stream with ledger events")

	cmd.AddCommand(
		newCreateUserCommand(cfg),
		newInitOrgCommand(cfg),
		newOpenAccountCommand(cfg),
		newBalanceCommand(cfg),
		newHistoryCommand(cfg),
		newPurchaseCommand(cfg),
		newPayoutCommand(cfg),
		newRewardCommand(cfg),
		newTopUpCommand(cfg),
		newResyncCommand(cfg),
	)
	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *config) error {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for flagName, envName := range envBindings {
		if err := v.BindEnv(flagName, envName); err != nil {
			return err
		}
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagLMSDatabaseURL))
	cfg.LedgerAddr = strings.TrimSpace(v.GetString(flagLedgerAddr))
	cfg.LedgerInsecure = v.GetBool(flagLedgerInsecure)
	cfg.LedgerTimeout = v.GetDuration(flagLedgerTimeout)
	cfg.ServiceTokenKey = v.GetString(flagServiceTokenKey)
	cfg.ServiceTokenIssuer = strings.TrimSpace(v.GetString(flagServiceTokenIssuer))
	cfg.RedisAddr = strings.TrimSpace(v.GetString(flagRedisAddr))
	cfg.EventStream = strings.TrimSpace(v.GetString(flagEventStream))
	cfg.Wallet = lms.WalletConfig{
		OrganizationAccount:         v.GetString(flagOrgAccount),
		OrganizationSecret:          v.GetString(flagOrgSecret),
		InstructorPaymentPercentage: v.GetInt64(flagInstructorShare),
		CourseUploadReward:          v.GetInt64(flagUploadReward),
		MaxTopUp:                    v.GetInt64(flagMaxTopUp),
	}

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultLMSDatabaseURL
	}
	if cfg.LedgerAddr == "" {
		return errors.New("ledger address is required")
	}
	return nil
}

// app is everything a command needs, opened once per invocation.
type app struct {
	logger   *zap.Logger
	users    *lms.UserStore
	client   *lms.Client
	wallet   *lms.Wallet
	resyncer *lms.Resyncer
	closers  []func() error
}

func (application *app) Close() error {
	var errs []error
	for index := len(application.closers) - 1; index >= 0; index-- {
		errs = append(errs, application.closers[index]())
	}
	_ = application.logger.Sync()
	return errors.Join(errs...)
}

func openApp(ctx context.Context, cfg config) (*app, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	application := &app{logger: logger}

	handle, err := database.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	application.closers = append(application.closers, handle.Close)
	application.users = lms.NewUserStore(handle.DB)
	if err := application.users.Migrate(); err != nil {
		_ = application.Close()
		return nil, err
	}

	dialConfig := lms.DialConfig{Address: cfg.LedgerAddr, Insecure: cfg.LedgerInsecure}
	if strings.TrimSpace(cfg.ServiceTokenKey) != "" {
		issuer, err := servicetoken.NewIssuer(cfg.ServiceTokenKey, cfg.ServiceTokenIssuer, serviceName, 0)
		if err != nil {
			_ = application.Close()
			return nil, err
		}
		dialConfig.TokenIssuer = issuer
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, err := lms.Dial(dialCtx, dialConfig)
	if err != nil {
		_ = application.Close()
		return nil, err
	}
	application.closers = append(application.closers, conn.Close)
	application.client = lms.NewClient(ledgerv1.NewLedgerServiceClient(conn), cfg.LedgerTimeout)
	application.resyncer = lms.NewResyncer(application.client, application.users, logger)
	return application, nil
}

// withApp opens the app for commands that do not move money.
func withApp(cmd *cobra.Command, cfg *config, fn func(ctx context.Context, application *app) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	application, err := openApp(ctx, *cfg)
	if err != nil {
		return err
	}
	defer func() { _ = application.Close() }()
	return fn(ctx, application)
}

// withWallet also requires the organization settings.
func withWallet(cmd *cobra.Command, cfg *config, fn func(ctx context.Context, application *app) error) error {
	return withApp(cmd, cfg, func(ctx context.Context, application *app) error {
		wallet, err := lms.NewWallet(application.client, application.users, cfg.Wallet, application.logger)
		if err != nil {
			return err
		}
		application.wallet = wallet
		return fn(ctx, application)
	})
}

func newCreateUserCommand(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "create-user <name> <learner|instructor|admin>",
		Short: "Create an LMS user without a bank account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := lms.ParseRole(args[1])
			if err != nil {
				return err
			}
			return withApp(cmd, cfg, func(ctx context.Context, application *app) error {
				user, err := application.users.CreateUser(ctx, args[0], role)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), user.ID)
				return nil
			})
		},
	}
}

func newInitOrgCommand(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "init-org",
		Short: "Register the organization account if it does not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWallet(cmd, cfg, func(ctx context.Context, application *app) error {
				balance, created, err := application.wallet.EnsureOrganizationAccount(ctx)
				if err != nil {
					return err
				}
				state := "exists"
				if created {
					state = "created"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s, balance %d\n", cfg.Wallet.OrganizationAccount, state, balance)
				return nil
			})
		},
	}
}

func newOpenAccountCommand(cfg *config) *cobra.Command {
	var secret string
	cmd := &cobra.Command{
		Use:   "open-account <user-id>",
		Short: "Register and link a bank account for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWallet(cmd, cfg, func(ctx context.Context, application *app) error {
				user, err := application.wallet.OpenAccount(ctx, args[0], secret)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s balance %d\n", user.Account(), user.CachedBalance)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "secret for the new account")
	return cmd
}

func newBalanceCommand(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "balance <user-id>",
		Short: "Read a user's balance from the ledger and refresh the cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWallet(cmd, cfg, func(ctx context.Context, application *app) error {
				balance, err := application.wallet.RefreshBalance(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), balance)
				return nil
			})
		},
	}
}

func newHistoryCommand(cfg *config) *cobra.Command {
	var limit int32
	cmd := &cobra.Command{
		Use:   "history <user-id>",
		Short: "List a user's recent ledger entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWallet(cmd, cfg, func(ctx context.Context, application *app) error {
				history, err := application.wallet.History(ctx, args[0], limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s %s balance %d\n", history.AccountNumber, history.AccountHolder, history.CurrentBalance)
				for _, entry := range history.GetEntries() {
					fmt.Fprintf(out, "%s %s %-6s %d -> %d %s\n", entry.CreatedAt, entry.TransactionId, entry.Direction, entry.Amount, entry.BalanceAfter, entry.Description)
				}
				return nil
			})
		},
	}
	cmd.Flags().Int32Var(&limit, "limit", 0, "number of entries (default 50, max 200)")
	return cmd
}

func newPurchaseCommand(cfg *config) *cobra.Command {
	var secret string
	cmd := &cobra.Command{
		Use:   "purchase <user-id> <course-id> <price>",
		Short: "Charge a learner for a course",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			price, err := parseAmount(args[2])
			if err != nil {
				return err
			}
			return withWallet(cmd, cfg, func(ctx context.Context, application *app) error {
				receipt, err := application.wallet.PurchaseCourse(ctx, lms.PurchaseInput{UserID: args[0], CourseID: args[1], Price: price, Secret: secret})
				if err != nil {
					return err
				}
				printReceipt(cmd, receipt)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "learner account secret")
	return cmd
}

func newPayoutCommand(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "payout <instructor-id> <purchase-transaction-id> <price>",
		Short: "Pay the instructor share of a purchase",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			price, err := parseAmount(args[2])
			if err != nil {
				return err
			}
			return withWallet(cmd, cfg, func(ctx context.Context, application *app) error {
				receipt, err := application.wallet.ClaimInstructorPayout(ctx, lms.PayoutInput{InstructorID: args[0], PurchaseTransactionID: args[1], Price: price})
				if err != nil {
					return err
				}
				printReceipt(cmd, receipt)
				return nil
			})
		},
	}
}

func newRewardCommand(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "reward <instructor-id> <course-id>",
		Short: "Pay the course upload reward",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWallet(cmd, cfg, func(ctx context.Context, application *app) error {
				receipt, err := application.wallet.RewardCourseUpload(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				printReceipt(cmd, receipt)
				return nil
			})
		},
	}
}

func newTopUpCommand(cfg *config) *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "top-up <user-id> <amount>",
		Short: "Credit a user from the organization account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			return withWallet(cmd, cfg, func(ctx context.Context, application *app) error {
				receipt, err := application.wallet.TopUp(ctx, args[0], amount, key)
				if err != nil {
					return err
				}
				printReceipt(cmd, receipt)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&key, "idempotency-key", "", "reuse to make a repeated top-up a no-op")
	return cmd
}

func newResyncCommand(cfg *config) *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "resync",
		Short: "Refresh cached balances from the ledger, optionally following ledger events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, cfg, func(ctx context.Context, application *app) error {
				refreshed, err := application.resyncer.ResyncAll(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "refreshed %d accounts\n", refreshed)
				if !follow {
					return nil
				}
				return followEvents(ctx, *cfg, application)
			})
		},
	}
	cmd.Flags().BoolVar(&follow, "follow", false, "keep applying ledger events from Redis until interrupted")
	return cmd
}

func followEvents(ctx context.Context, cfg config, application *app) error {
	if cfg.RedisAddr == "" {
		return errors.New("--follow needs a Redis address")
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() { _ = client.Close() }()
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "lmsbank"
	}
	subscriber, err := events.NewSubscriber(client, events.SubscriberConfig{
		Stream:   cfg.EventStream,
		Group:    defaultConsumerGroup,
		Consumer: hostname,
	}, application.resyncer.HandleEvent, application.logger)
	if err != nil {
		return err
	}
	if err := subscriber.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func parseAmount(raw string) (int64, error) {
	amount, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("amount %q is not a whole number", raw)
	}
	return amount, nil
}

func printReceipt(cmd *cobra.Command, receipt *ledgerv1.TransferResponse) {
	replayed := ""
	if receipt.Replayed {
		replayed = " (already applied)"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s%s: %s -> %d, %s -> %d\n",
		receipt.GetTransactionId(), replayed,
		receipt.GetFrom().GetAccountNumber(), receipt.GetFrom().GetNewBalance(),
		receipt.GetTo().GetAccountNumber(), receipt.GetTo().GetNewBalance(),
	)
}
