package servicetoken

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const authorizationMetadataKey = "authorization"

// UnaryServerInterceptor rejects calls without a valid token, except for public methods.
func UnaryServerInterceptor(verifier *Verifier, publicMethods ...string) grpc.UnaryServerInterceptor {
	public := make(map[string]struct{}, len(publicMethods))
	for _, method := range publicMethods {
		public[method] = struct{}{}
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if _, ok := public[info.FullMethod]; ok || strings.HasPrefix(info.FullMethod, "/grpc.") {
			return handler(ctx, req)
		}
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok || len(md.Get(authorizationMetadataKey)) == 0 {
			return nil, status.Error(codes.Unauthenticated, ErrMissingToken.Error())
		}
		if _, err := verifier.Verify(md.Get(authorizationMetadataKey)[0]); err != nil {
			return nil, status.Error(codes.Unauthenticated, ErrInvalidToken.Error())
		}
		return handler(ctx, req)
	}
}

// PerRPCCredentials attaches a freshly minted token to every call.
type PerRPCCredentials struct {
	issuer           *Issuer
	requireTransport bool
}

// NewPerRPCCredentials wraps issuer. Set requireTLS when the connection is encrypted.
func NewPerRPCCredentials(issuer *Issuer, requireTLS bool) PerRPCCredentials {
	return PerRPCCredentials{issuer: issuer, requireTransport: requireTLS}
}

func (credentials PerRPCCredentials) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	token, err := credentials.issuer.Mint()
	if err != nil {
		return nil, err
	}
	return map[string]string{authorizationMetadataKey: "Bearer " + token}, nil
}

func (credentials PerRPCCredentials) RequireTransportSecurity() bool {
	return credentials.requireTransport
}
