package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

var (
	errMissingAuthorizationHeader = errors.New("missing authorization header")
	errInvalidAuthorizationHeader = errors.New("invalid authorization header")
)

// TokenValidator validates a bearer token and returns the ID of the key
// that issued it.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (string, error)
}

// AuthOption configures optional auth middleware parameters.
type AuthOption func(*authConfig)

type authConfig struct {
	onFailure   func()
	rateLimiter *RateLimiter
	methods     map[string]bool
}

// WithOnAuthFailure registers a callback invoked on every authentication
// failure (e.g. to increment a Prometheus counter).
func WithOnAuthFailure(fn func()) AuthOption {
	return func(c *authConfig) { c.onFailure = fn }
}

// WithRateLimiter attaches a per-IP rate limiter that throttles repeated
// authentication failures.
func WithRateLimiter(rl *RateLimiter) AuthOption {
	return func(c *authConfig) { c.rateLimiter = rl }
}

// WithProtectedMethods limits a gRPC interceptor to the given full method
// names. Other methods pass through unauthenticated. HTTP middleware ignores
// this option.
func WithProtectedMethods(fullMethods ...string) AuthOption {
	return func(c *authConfig) {
		if c.methods == nil {
			c.methods = make(map[string]bool, len(fullMethods))
		}
		for _, m := range fullMethods {
			c.methods[m] = true
		}
	}
}

func newAuthConfig(opts []AuthOption) authConfig {
	cfg := authConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

func (c authConfig) protects(fullMethod string) bool {
	return c.methods == nil || c.methods[fullMethod]
}

func (c authConfig) failed() {
	if c.onFailure != nil {
		c.onFailure()
	}
}

// HTTPBearerAuthMiddleware enforces bearer-token auth for HTTP handlers.
func HTTPBearerAuthMiddleware(validator TokenValidator, opts ...AuthOption) func(http.Handler) http.Handler {
	cfg := newAuthConfig(opts)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			keyID, err := authorize(r.Context(), []string{r.Header.Get("Authorization")}, validator)
			if err != nil {
				cfg.failed()
				if cfg.rateLimiter != nil && !cfg.rateLimiter.RecordFailureAndAllow(ExtractIP(r.RemoteAddr)) {
					http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
					return
				}
				writeHTTPUnauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(NewContextWithAPIKeyID(r.Context(), keyID)))
		})
	}
}

// UnaryBearerAuthInterceptor enforces bearer-token auth for unary gRPC requests.
func UnaryBearerAuthInterceptor(validator TokenValidator, opts ...AuthOption) grpc.UnaryServerInterceptor {
	cfg := newAuthConfig(opts)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !cfg.protects(info.FullMethod) {
			return handler(ctx, req)
		}
		keyID, err := authorizeGRPC(ctx, validator, cfg)
		if err != nil {
			return nil, err
		}
		return handler(NewContextWithAPIKeyID(ctx, keyID), req)
	}
}

func authorizeGRPC(ctx context.Context, validator TokenValidator, cfg authConfig) (string, error) {
	var headers []string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		headers = md.Get("authorization")
	}
	keyID, err := authorize(ctx, headers, validator)
	if err != nil {
		cfg.failed()
		if cfg.rateLimiter != nil {
			if ip := extractGRPCPeerIP(ctx); ip != "" && !cfg.rateLimiter.RecordFailureAndAllow(ip) {
				return "", status.Error(codes.ResourceExhausted, "too many failed auth attempts")
			}
		}
		return "", status.Error(codes.Unauthenticated, "unauthorized")
	}
	return keyID, nil
}

type contextKey string

const apiKeyIDKey contextKey = "api_key_id"

// APIKeyIDFromContext retrieves the authenticated API key ID from the context.
func APIKeyIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(apiKeyIDKey).(string)
	return id, ok
}

// NewContextWithAPIKeyID returns a new context with the given API key ID.
func NewContextWithAPIKeyID(ctx context.Context, keyID string) context.Context {
	return context.WithValue(ctx, apiKeyIDKey, keyID)
}

// authorize tries each authorization header in turn and returns the key ID
// of the first one that validates.
func authorize(ctx context.Context, headers []string, validator TokenValidator) (string, error) {
	if validator == nil {
		return "", errors.New("token validator is nil")
	}

	err := errMissingAuthorizationHeader
	for _, h := range headers {
		if strings.TrimSpace(h) == "" {
			continue
		}
		token, perr := parseBearerToken(h)
		if perr != nil {
			err = perr
			continue
		}
		keyID, verr := validator.ValidateToken(ctx, token)
		if verr != nil {
			err = verr
			continue
		}
		if strings.TrimSpace(keyID) == "" {
			return "", errInvalidAuthorizationHeader
		}
		return keyID, nil
	}
	return "", err
}

func parseBearerToken(authorizationHeader string) (string, error) {
	parts := strings.Fields(authorizationHeader)
	if len(parts) != 2 {
		return "", errInvalidAuthorizationHeader
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return "", errInvalidAuthorizationHeader
	}
	if parts[1] == "" {
		return "", errInvalidAuthorizationHeader
	}

	return parts[1], nil
}

func writeHTTPUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
}

func extractGRPCPeerIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	return ExtractIP(p.Addr.String())
}
