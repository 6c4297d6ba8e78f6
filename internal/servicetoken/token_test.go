package servicetoken

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const testKey = "test-signing-key"

func mustIssuer(test *testing.T, key string, issuerName string) *Issuer {
	test.Helper()
	issuer, err := NewIssuer(key, issuerName, "lmsbank", time.Minute)
	if err != nil {
		test.Fatalf("issuer init failed: %v", err)
	}
	return issuer
}

func mustVerifier(test *testing.T) *Verifier {
	test.Helper()
	verifier, err := NewVerifier(testKey, DefaultIssuer)
	if err != nil {
		test.Fatalf("verifier init failed: %v", err)
	}
	return verifier
}

func TestVerifyAcceptsMintedToken(test *testing.T) {
	test.Parallel()
	token, err := mustIssuer(test, testKey, DefaultIssuer).Mint()
	if err != nil {
		test.Fatalf("mint failed: %v", err)
	}
	claims, err := mustVerifier(test).Verify("Bearer " + token)
	if err != nil {
		test.Fatalf("verify failed: %v", err)
	}
	if claims.Service != "lmsbank" || claims.Issuer != DefaultIssuer {
		test.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestVerifyRejections(test *testing.T) {
	test.Parallel()
	verifier := mustVerifier(test)
	wrongKey, err := mustIssuer(test, "other-key", DefaultIssuer).Mint()
	if err != nil {
		test.Fatalf("mint failed: %v", err)
	}
	wrongIssuer, err := mustIssuer(test, testKey, "someone-else").Mint()
	if err != nil {
		test.Fatalf("mint failed: %v", err)
	}
	expiredIssuer := mustIssuer(test, testKey, DefaultIssuer)
	expiredIssuer.now = func() time.Time { return time.Now().Add(-time.Hour) }
	expired, err := expiredIssuer.Mint()
	if err != nil {
		test.Fatalf("mint failed: %v", err)
	}

	testCases := []struct {
		name  string
		token string
		want  error
	}{
		{name: "empty", token: "", want: ErrMissingToken},
		{name: "bearer only", token: "Bearer ", want: ErrMissingToken},
		{name: "garbage", token: "Bearer not-a-jwt", want: ErrInvalidToken},
		{name: "wrong key", token: wrongKey, want: ErrInvalidToken},
		{name: "wrong issuer", token: wrongIssuer, want: ErrInvalidToken},
		{name: "expired", token: expired, want: ErrInvalidToken},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if _, err := verifier.Verify(testCase.token); !errors.Is(err, testCase.want) {
				test.Fatalf("expected %v, got %v", testCase.want, err)
			}
		})
	}
}

func TestNewIssuerRequiresKey(test *testing.T) {
	test.Parallel()
	if _, err := NewIssuer(" ", "", "lmsbank", 0); !errors.Is(err, ErrInvalidConfig) {
		test.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if _, err := NewVerifier("", ""); !errors.Is(err, ErrInvalidConfig) {
		test.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestUnaryServerInterceptor(test *testing.T) {
	test.Parallel()
	interceptor := UnaryServerInterceptor(mustVerifier(test), "/ledger.v1.LedgerService/Health")
	handler := func(context.Context, any) (any, error) { return "ok", nil }
	credentials := NewPerRPCCredentials(mustIssuer(test, testKey, DefaultIssuer), false)
	requestMetadata, err := credentials.GetRequestMetadata(context.Background())
	if err != nil {
		test.Fatalf("request metadata failed: %v", err)
	}

	testCases := []struct {
		name     string
		method   string
		ctx      context.Context
		wantCode codes.Code
	}{
		{name: "public method", method: "/ledger.v1.LedgerService/Health", ctx: context.Background(), wantCode: codes.OK},
		{name: "grpc health", method: "/grpc.health.v1.Health/Check", ctx: context.Background(), wantCode: codes.OK},
		{name: "missing token", method: "/ledger.v1.LedgerService/Transfer", ctx: context.Background(), wantCode: codes.Unauthenticated},
		{name: "bad token", method: "/ledger.v1.LedgerService/Transfer", ctx: metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer nope")), wantCode: codes.Unauthenticated},
		{name: "valid token", method: "/ledger.v1.LedgerService/Transfer", ctx: metadata.NewIncomingContext(context.Background(), metadata.New(requestMetadata)), wantCode: codes.OK},
	}
	for _, testCase := range testCases {
		_, err := interceptor(testCase.ctx, nil, &grpc.UnaryServerInfo{FullMethod: testCase.method}, handler)
		if status.Code(err) != testCase.wantCode {
			test.Fatalf("%s: expected %s, got %v", testCase.name, testCase.wantCode, err)
		}
	}
}

func TestGinMiddleware(test *testing.T) {
	test.Parallel()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(GinMiddleware(mustVerifier(test)))
	router.GET("/bank/balance/:accountNumber", func(ctx *gin.Context) { ctx.Status(http.StatusOK) })

	token, err := mustIssuer(test, testKey, DefaultIssuer).Mint()
	if err != nil {
		test.Fatalf("mint failed: %v", err)
	}
	for header, want := range map[string]int{"": http.StatusUnauthorized, "Bearer " + token: http.StatusOK} {
		request := httptest.NewRequest(http.MethodGet, "/bank/balance/LRN100000", nil)
		if header != "" {
			request.Header.Set("Authorization", header)
		}
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, request)
		if recorder.Code != want {
			test.Fatalf("header %q: expected %d, got %d", header, want, recorder.Code)
		}
	}
}
