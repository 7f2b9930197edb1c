package middleware

import (
	"context"
	"errors"

	"google.golang.org/grpc"
)

// testServerStream is a minimal grpc.ServerStream for testing interceptors.
type testServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *testServerStream) Context() context.Context {
	return s.ctx
}

type testTokenValidator struct {
	expectedToken string
	keyID         string
	err           error
	called        bool
	gotToken      string
}

func (v *testTokenValidator) ValidateToken(_ context.Context, token string) (string, error) {
	v.called = true
	v.gotToken = token
	if v.err != nil {
		return "", v.err
	}
	if v.expectedToken != "" && token != v.expectedToken {
		return "", errors.New("invalid token")
	}
	return v.keyID, nil
}
