package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// RequestIDHeader carries the request id on HTTP requests and responses and
// as gRPC metadata (lower-cased).
const RequestIDHeader = "X-Request-Id"

type logContextKey string

const (
	requestIDKey logContextKey = "request_id"
	loggerKey    logContextKey = "logger"
)

// RequestIDFromContext retrieves the request ID from the context.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey).(string)
	return id, ok
}

// LoggerFromContext retrieves the request-scoped logger from the context.
// Falls back to slog.Default() if none is set.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// requestID reuses a caller-supplied id when it parses as a UUID.
func requestID(incoming string) string {
	if incoming != "" {
		if id, err := uuid.Parse(incoming); err == nil {
			return id.String()
		}
	}
	return uuid.NewString()
}

func withRequestLogger(ctx context.Context, logger *slog.Logger, reqID string) (context.Context, *slog.Logger) {
	reqLogger := logger.With(slog.String("request_id", reqID))
	ctx = context.WithValue(ctx, requestIDKey, reqID)
	ctx = context.WithValue(ctx, loggerKey, reqLogger)
	return ctx, reqLogger
}

func grpcRequestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(RequestIDHeader); len(v) > 0 {
			return requestID(v[0])
		}
	}
	return requestID("")
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.statusCode = http.StatusOK
		rw.written = true
	}
	return rw.ResponseWriter.Write(b)
}

// Flush lets streaming handlers push events through the wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap supports http.ResponseController and middleware that unwrap writers.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// HTTPRequestLogging returns middleware that logs each HTTP request with a
// request ID, method, path, status code, and duration. The ID is echoed in
// the X-Request-Id response header.
func HTTPRequestLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := requestID(r.Header.Get(RequestIDHeader))
			ctx, reqLogger := withRequestLogger(r.Context(), logger, reqID)
			w.Header().Set(RequestIDHeader, reqID)

			reqLogger.DebugContext(ctx, "request started",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
			)

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(wrapped, r.WithContext(ctx))
			duration := time.Since(start)

			reqLogger.InfoContext(ctx, "request completed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status_code", wrapped.statusCode),
				slog.Float64("duration_ms", float64(duration.Nanoseconds())/1e6),
			)
		})
	}
}

// UnaryRequestLoggingInterceptor returns a gRPC unary server interceptor that
// logs each call with a request ID, method, status code, and duration.
func UnaryRequestLoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, reqLogger := withRequestLogger(ctx, logger, grpcRequestID(ctx))

		start := time.Now()
		resp, err := handler(ctx, req)
		duration := time.Since(start)

		reqLogger.InfoContext(ctx, "request completed",
			slog.String("method", info.FullMethod),
			slog.String("status_code", status.Code(err).String()),
			slog.Float64("duration_ms", float64(duration.Nanoseconds())/1e6),
		)

		return resp, err
	}
}

// StreamRequestLoggingInterceptor is the streaming counterpart of
// UnaryRequestLoggingInterceptor. It logs once when the stream opens and once
// when it ends.
func StreamRequestLoggingInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, reqLogger := withRequestLogger(ss.Context(), logger, grpcRequestID(ss.Context()))

		reqLogger.InfoContext(ctx, "stream started", slog.String("method", info.FullMethod))

		start := time.Now()
		err := handler(srv, &wrappedServerStream{ServerStream: ss, ctx: ctx})
		duration := time.Since(start)

		reqLogger.InfoContext(ctx, "stream completed",
			slog.String("method", info.FullMethod),
			slog.String("status_code", status.Code(err).String()),
			slog.Float64("duration_ms", float64(duration.Nanoseconds())/1e6),
		)
		return err
	}
}

// wrappedServerStream overrides the stream context.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}
