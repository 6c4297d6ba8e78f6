package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarkoPoloResearchLab/lmsbank/internal/ledgerd"
	"github.com/MarkoPoloResearchLab/lmsbank/pkg/ledger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	flagDatabaseURL         = "database-url"
	flagStoreDriver         = "store-driver"
	flagGRPCListenAddr      = "grpc-listen-addr"
	flagHTTPListenAddr      = "http-listen-addr"
	flagAllowedOrigins      = "allowed-origins"
	flagBcryptCost          = "bcrypt-cost"
	flagMaxTransferAttempts = "max-transfer-attempts"
	flagServiceTokenKey     = "service-token-key"
	flagServiceTokenIssuer  = "service-token-issuer"
	flagRedisAddr           = "redis-addr"
	flagEventStream         = "event-stream"
	flagReconcileSchedule   = "reconcile-schedule"
	flagDisableReconcile    = "disable-reconcile"
)

// envBindings maps each flag onto the environment variable that may set it.
var envBindings = map[string]string{
	flagDatabaseURL:         "DATABASE_URL",
	flagStoreDriver:         "STORE_DRIVER",
	flagGRPCListenAddr:      "GRPC_LISTEN_ADDR",
	flagHTTPListenAddr:      "HTTP_LISTEN_ADDR",
	flagAllowedOrigins:      "ALLOWED_ORIGINS",
	flagBcryptCost:          "BCRYPT_COST",
	flagMaxTransferAttempts: "MAX_TRANSFER_ATTEMPTS",
	flagServiceTokenKey:     "SERVICE_TOKEN_KEY",
	flagServiceTokenIssuer:  "SERVICE_TOKEN_ISSUER",
	flagRedisAddr:           "REDIS_ADDR",
	flagEventStream:         "EVENT_STREAM",
	flagReconcileSchedule:   "RECONCILE_SCHEDULE",
	flagDisableReconcile:    "DISABLE_RECONCILE",
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ledgerd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &ledgerd.Config{}
	cmd := &cobra.Command{
		Use:           "ledgerd",
		Short:         "LMS ledger service (gRPC and HTTP)",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			logger, err := zap.NewProduction()
			if err != nil {
				return fmt.Errorf("logger init: %w", err)
			}
			defer func() { _ = logger.Sync() }()
			return ledgerd.Run(ctx, *cfg, logger)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(flagDatabaseURL, ledgerd.DefaultDatabaseURL, "PostgreSQL URL or SQLite path")
	flags.String(flagStoreDriver, string(ledgerd.StoreDriverGorm), "store implementation: gorm or sql (PostgreSQL only)")
	flags.String(flagGRPCListenAddr, ledgerd.DefaultGRPCListenAddr, "gRPC listen address")
	flags.String(flagHTTPListenAddr, ledgerd.DefaultHTTPListenAddr, "HTTP listen address")
	flags.String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	flags.Int(flagBcryptCost, 0, "bcrypt cost for account secrets")
	flags.Int(flagMaxTransferAttempts, 0, "attempts before a contended transfer gives up")
	flags.String(flagServiceTokenKey, "", "HS256 key for service tokens; empty disables service auth")
	flags.String(flagServiceTokenIssuer, "", "expected service token issuer")
	flags.String(flagRedisAddr, "", "Redis address for ledger events; empty disables publishing")
	flags.String(flagEventStream, "", "Redis stream for ledger events")
	flags.String(flagReconcileSchedule, "", "cron schedule for reconciliation")
	flags.Bool(flagDisableReconcile, false, "do not run scheduled reconciliation")

	cmd.AddCommand(newMigrateCommand(cfg), newReconcileCommand(cfg), newDeactivateCommand(cfg))
	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *ledgerd.Config) error {
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

	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.StoreDriver = ledgerd.StoreDriver(strings.TrimSpace(v.GetString(flagStoreDriver)))
	cfg.GRPCListenAddr = strings.TrimSpace(v.GetString(flagGRPCListenAddr))
	cfg.HTTPListenAddr = strings.TrimSpace(v.GetString(flagHTTPListenAddr))
	cfg.AllowedOrigins = ledgerd.ParseAllowedOrigins(v.GetString(flagAllowedOrigins))
	cfg.BcryptCost = v.GetInt(flagBcryptCost)
	cfg.MaxTransferAttempts = v.GetInt(flagMaxTransferAttempts)
	cfg.ServiceTokenKey = v.GetString(flagServiceTokenKey)
	cfg.ServiceTokenIssuer = strings.TrimSpace(v.GetString(flagServiceTokenIssuer))
	cfg.RedisAddr = strings.TrimSpace(v.GetString(flagRedisAddr))
	cfg.EventStream = strings.TrimSpace(v.GetString(flagEventStream))
	cfg.ReconcileSchedule = strings.TrimSpace(v.GetString(flagReconcileSchedule))
	cfg.DisableReconcile = v.GetBool(flagDisableReconcile)

	return cfg.Validate()
}

func newMigrateCommand(cfg *ledgerd.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the ledger schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ledgerd.Migrate(cmd.Context(), cfg.DatabaseURL); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func newReconcileCommand(cfg *ledgerd.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Check balances against the entry log once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServer(cmd.Context(), *cfg, func(ctx context.Context, server *ledgerd.Server) error {
				report, err := server.Reconcile(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "accounts checked: %d (skipped %d)\n", report.AccountsChecked, report.AccountsSkipped)
				fmt.Fprintf(out, "total balance: %d, total opening: %d\n", report.TotalBalance, report.TotalOpening)
				for _, discrepancy := range report.Discrepancies {
					fmt.Fprintln(out, discrepancy.String())
				}
				if !report.Clean() {
					return fmt.Errorf("%d discrepancies found", len(report.Discrepancies))
				}
				return nil
			})
		},
	}
}

func newDeactivateCommand(cfg *ledgerd.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate <account-number>",
		Short: "Deactivate an account permanently",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			number, err := ledger.NewAccountNumber(args[0])
			if err != nil {
				return err
			}
			return withServer(cmd.Context(), *cfg, func(ctx context.Context, server *ledgerd.Server) error {
				if err := server.Service().Deactivate(ctx, number); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s deactivated\n", number)
				return nil
			})
		},
	}
}

// withServer wires the ledger without serving it, for one-shot admin commands.
func withServer(ctx context.Context, cfg ledgerd.Config, fn func(ctx context.Context, server *ledgerd.Server) error) error {
	cfg.DisableReconcile = true
	server, err := ledgerd.New(ctx, cfg, zap.NewNop())
	if err != nil {
		return err
	}
	defer func() { _ = server.Close() }()
	return fn(ctx, server)
}
