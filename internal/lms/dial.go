package lms

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/lmsbank/internal/servicetoken"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// DialConfig describes how to reach the ledger.
type DialConfig struct {
	Address  string
	Insecure bool
	// TokenIssuer, when set, attaches a fresh service token to every call.
	TokenIssuer *servicetoken.Issuer
}

// Dial connects to the ledger and waits until the connection is ready or ctx ends.
func Dial(ctx context.Context, cfg DialConfig) (*grpc.ClientConn, error) {
	dialOptions := []grpc.DialOption{}
	if cfg.Insecure {
		dialOptions = append(dialOptions, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		dialOptions = append(dialOptions, grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}
	if cfg.TokenIssuer != nil {
		dialOptions = append(dialOptions, grpc.WithPerRPCCredentials(servicetoken.NewPerRPCCredentials(cfg.TokenIssuer, !cfg.Insecure)))
	}
	conn, err := grpc.NewClient(cfg.Address, dialOptions...)
	if err != nil {
		return nil, fmt.Errorf("connect ledger: %w", err)
	}
	conn.Connect()
	if err := waitForClientReady(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("connect ledger: %w", err)
	}
	return conn, nil
}

func waitForClientReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		if state == connectivity.Ready {
			return nil
		}
		if state == connectivity.Shutdown {
			return errors.New("grpc connection shutdown before ready")
		}
		if !conn.WaitForStateChange(ctx, state) {
			if err := ctx.Err(); err != nil {
				return err
			}
			return errors.New("grpc connection failed to reach ready state")
		}
	}
}
