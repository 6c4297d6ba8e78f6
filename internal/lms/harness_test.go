package lms

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	ledgerv1 "github.com/MarkoPoloResearchLab/lmsbank/api/ledger/v1"
	"github.com/MarkoPoloResearchLab/lmsbank/internal/database"
	"github.com/MarkoPoloResearchLab/lmsbank/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/lmsbank/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/lmsbank/pkg/ledger"
	"github.com/MarkoPoloResearchLab/lmsbank/pkg/secret"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

const (
	bufconnSize        = 1 << 20
	testOrgAccount     = "ORG000001"
	testOrgSecret      = "org-secret"
	testLearnerSecret  = "learner-secret"
	testInstructorPass = "instructor-secret"
)

// startLedger serves a real ledger over bufconn and returns a connected client.
func startLedger(test *testing.T) *Client {
	test.Helper()
	handle, err := database.Open(context.Background(), filepath.Join(test.TempDir(), "ledger.db"))
	if err != nil {
		test.Fatalf("sqlite open failed: %v", err)
	}
	if err := database.Migrate(handle.DB); err != nil {
		test.Fatalf("migrate failed: %v", err)
	}
	verifier, err := secret.NewBcrypt(bcrypt.MinCost)
	if err != nil {
		test.Fatalf("verifier init failed: %v", err)
	}
	service, err := ledger.NewService(gormstore.New(handle.DB), verifier, time.Now)
	if err != nil {
		test.Fatalf("ledger service init failed: %v", err)
	}

	listener := bufconn.Listen(bufconnSize)
	grpcServer := grpc.NewServer()
	ledgerv1.RegisterLedgerServiceServer(grpcServer, grpcserver.NewLedgerServiceServer(service, time.Now))
	go func() {
		if serveErr := grpcServer.Serve(listener); serveErr != nil {
			test.Logf("gRPC server error: %v", serveErr)
		}
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		test.Fatalf("gRPC client init failed: %v", err)
	}
	conn.Connect()
	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := waitForClientReady(waitCtx, conn); err != nil {
		test.Fatalf("gRPC client failed to connect: %v", err)
	}
	test.Cleanup(func() {
		grpcServer.Stop()
		_ = conn.Close()
		_ = handle.Close()
	})
	return NewClient(ledgerv1.NewLedgerServiceClient(conn), 0)
}

func newUserStore(test *testing.T) *UserStore {
	test.Helper()
	handle, err := database.Open(context.Background(), filepath.Join(test.TempDir(), "lms.db"))
	if err != nil {
		test.Fatalf("sqlite open failed: %v", err)
	}
	test.Cleanup(func() { _ = handle.Close() })
	users := NewUserStore(handle.DB)
	if err := users.Migrate(); err != nil {
		test.Fatalf("user migrate failed: %v", err)
	}
	return users
}

func testWalletConfig() WalletConfig {
	return WalletConfig{
		OrganizationAccount: testOrgAccount,
		OrganizationSecret:  testOrgSecret,
		RetryBackoff:        time.Millisecond,
	}
}

func newTestWallet(test *testing.T, client *Client, users *UserStore) *Wallet {
	test.Helper()
	wallet, err := NewWallet(client, users, testWalletConfig(), nil)
	if err != nil {
		test.Fatalf("wallet init failed: %v", err)
	}
	return wallet
}

func mustUser(test *testing.T, users *UserStore, name string, role Role) User {
	test.Helper()
	user, err := users.CreateUser(context.Background(), name, role)
	if err != nil {
		test.Fatalf("create user %s failed: %v", name, err)
	}
	return user
}

func mustOpenAccount(test *testing.T, wallet *Wallet, user User, secret string) User {
	test.Helper()
	opened, err := wallet.OpenAccount(context.Background(), user.ID, secret)
	if err != nil {
		test.Fatalf("open account for %s failed: %v", user.Name, err)
	}
	return opened
}

func mustGetUser(test *testing.T, users *UserStore, id string) User {
	test.Helper()
	user, err := users.GetUser(context.Background(), id)
	if err != nil {
		test.Fatalf("get user failed: %v", err)
	}
	return user
}
