// Package ledgerd assembles the ledger service: storage, both transports,
// the event publisher, and the reconciliation scheduler.
package ledgerd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	ledgerv1 "github.com/MarkoPoloResearchLab/lmsbank/api/ledger/v1"
	"github.com/MarkoPoloResearchLab/lmsbank/internal/database"
	"github.com/MarkoPoloResearchLab/lmsbank/internal/events"
	"github.com/MarkoPoloResearchLab/lmsbank/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/lmsbank/internal/httpapi"
	"github.com/MarkoPoloResearchLab/lmsbank/internal/oplog"
	"github.com/MarkoPoloResearchLab/lmsbank/internal/reconcile"
	"github.com/MarkoPoloResearchLab/lmsbank/internal/servicetoken"
	"github.com/MarkoPoloResearchLab/lmsbank/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/lmsbank/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/lmsbank/pkg/ledger"
	"github.com/MarkoPoloResearchLab/lmsbank/pkg/secret"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const shutdownTimeout = 5 * time.Second

// store is what ledgerd needs from a backend: the ledger contract plus the reconcile read model.
type store interface {
	ledger.Store
	reconcile.Source
}

var (
	_ store = (*gormstore.Store)(nil)
	_ store = (*pgstore.Store)(nil)
)

// Server owns every long-lived ledgerd component.
type Server struct {
	cfg        Config
	logger     *zap.Logger
	service    *ledger.Service
	store      store
	grpcServer *grpc.Server
	health     *health.Server
	httpServer *http.Server
	scheduler  *reconcile.Scheduler
	closers    []func() error
}

// New opens storage and wires the service. Close releases what New acquired.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &Server{cfg: cfg, logger: logger}
	if err := server.build(ctx); err != nil {
		_ = server.Close()
		return nil, err
	}
	return server, nil
}

func (server *Server) build(ctx context.Context) error {
	backend, err := openStore(ctx, server.cfg, &server.closers)
	if err != nil {
		return err
	}
	server.store = backend

	verifier, err := secret.NewBcrypt(server.cfg.BcryptCost)
	if err != nil {
		return fmt.Errorf("secret verifier init: %w", err)
	}
	options := []ledger.ServiceOption{
		ledger.WithOperationLogger(oplog.New(server.logger)),
		ledger.WithMaxTransferAttempts(server.cfg.MaxTransferAttempts),
	}
	if server.cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: server.cfg.RedisAddr})
		publisher := events.NewPublisher(client, server.cfg.EventStream, server.logger)
		server.closers = append(server.closers, client.Close, publisher.Close)
		options = append(options, ledger.WithEventSink(publisher))
	}
	server.service, err = ledger.NewService(backend, verifier, time.Now, options...)
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	var tokenVerifier *servicetoken.Verifier
	if server.cfg.ServiceTokenKey != "" {
		tokenVerifier, err = servicetoken.NewVerifier(server.cfg.ServiceTokenKey, server.cfg.ServiceTokenIssuer)
		if err != nil {
			return err
		}
	}
	server.grpcServer = newGRPCServer(server.service, tokenVerifier, server.logger)
	server.health = health.NewServer()
	healthpb.RegisterHealthServer(server.grpcServer, server.health)
	server.health.SetServingStatus(ledgerv1.LedgerServiceName, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(server.grpcServer)

	router := httpapi.NewRouter(
		httpapi.RouterConfig{AllowedOrigins: server.cfg.AllowedOrigins, TokenVerifier: tokenVerifier},
		httpapi.NewServer(server.service, server.logger, time.Now),
	)
	server.httpServer = &http.Server{Handler: router, ReadHeaderTimeout: 10 * time.Second}

	if !server.cfg.DisableReconcile {
		reconciler, err := reconcile.New(backend, server.logger, time.Now)
		if err != nil {
			return err
		}
		server.scheduler, err = reconcile.NewScheduler(reconciler, server.cfg.ReconcileSchedule, server.logger)
		if err != nil {
			return err
		}
	}
	return nil
}

func newGRPCServer(service *ledger.Service, tokenVerifier *servicetoken.Verifier, logger *zap.Logger) *grpc.Server {
	interceptors := []grpc.UnaryServerInterceptor{grpcserver.UnaryLoggingInterceptor(logger)}
	if tokenVerifier != nil {
		interceptors = append(interceptors, servicetoken.UnaryServerInterceptor(tokenVerifier, ledgerv1.LedgerService_Health_FullMethodName))
	}
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(interceptors...))
	ledgerv1.RegisterLedgerServiceServer(grpcServer, grpcserver.NewLedgerServiceServer(service, time.Now))
	return grpcServer
}

// openStore returns the configured backend and records how to release it.
func openStore(ctx context.Context, cfg Config, closers *[]func() error) (store, error) {
	handle, err := database.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	*closers = append(*closers, handle.Close)
	if handle.Driver == database.DriverSQLite {
		if err := database.Migrate(handle.DB); err != nil {
			return nil, err
		}
	}
	if cfg.StoreDriver == StoreDriverGorm {
		return gormstore.New(handle.DB), nil
	}
	sqlDB, err := database.OpenSQL(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("sql store open: %w", err)
	}
	*closers = append(*closers, sqlDB.Close)
	return pgstore.New(sqlDB), nil
}

// Service exposes the wired ledger service.
func (server *Server) Service() *ledger.Service {
	return server.service
}

// Reconcile runs one reconciliation pass against the configured store.
func (server *Server) Reconcile(ctx context.Context) (reconcile.Report, error) {
	reconciler, err := reconcile.New(server.store, server.logger, time.Now)
	if err != nil {
		return reconcile.Report{}, err
	}
	return reconciler.Run(ctx)
}

// Serve runs both transports on the given listeners until ctx ends or one of them fails.
func (server *Server) Serve(ctx context.Context, grpcListener net.Listener, httpListener net.Listener) error {
	errCh := make(chan error, 2)
	go func() {
		server.logger.Info("gRPC server starting", zap.String("listen_addr", grpcListener.Addr().String()))
		errCh <- server.grpcServer.Serve(grpcListener)
	}()
	go func() {
		server.logger.Info("HTTP server starting", zap.String("listen_addr", httpListener.Addr().String()))
		errCh <- server.httpServer.Serve(httpListener)
	}()
	if server.scheduler != nil {
		server.scheduler.Start()
	}

	var serveErr error
	select {
	case <-ctx.Done():
		server.logger.Info("shutdown requested")
	case serveErr = <-errCh:
		if errors.Is(serveErr, grpc.ErrServerStopped) || errors.Is(serveErr, http.ErrServerClosed) {
			serveErr = nil
		}
	}
	server.shutdown()
	return serveErr
}

func (server *Server) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	server.health.Shutdown()
	if server.scheduler != nil {
		server.scheduler.Stop(shutdownCtx)
	}
	if err := server.httpServer.Shutdown(shutdownCtx); err != nil {
		server.logger.Warn("HTTP shutdown error", zap.Error(err))
	}
	server.grpcServer.GracefulStop()
}

// Close releases storage and event connections.
func (server *Server) Close() error {
	var errs []error
	for index := len(server.closers) - 1; index >= 0; index-- {
		if err := server.closers[index](); err != nil {
			errs = append(errs, err)
		}
	}
	server.closers = nil
	return errors.Join(errs...)
}

// Run listens on the configured addresses and serves until ctx ends.
func Run(ctx context.Context, cfg Config, logger *zap.Logger) error {
	server, err := New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = server.Close() }()

	grpcListener, err := net.Listen("tcp", server.cfg.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	httpListener, err := net.Listen("tcp", server.cfg.HTTPListenAddr)
	if err != nil {
		_ = grpcListener.Close()
		return fmt.Errorf("listen http: %w", err)
	}
	return server.Serve(ctx, grpcListener, httpListener)
}
