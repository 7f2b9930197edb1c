// Package metrics provides Prometheus instrumentation for the assignz server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only assignz metrics appear on the /metrics endpoint.
package metrics

import (
	"context"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/matt-riley/assignz/internal/core"
)

// Metrics holds all Prometheus collectors used by the assignz server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal       *prometheus.CounterVec
	HTTPRequestDuration     *prometheus.HistogramVec
	GRPCRequestsTotal       *prometheus.CounterVec
	GRPCRequestDuration     *prometheus.HistogramVec
	AssignmentsTotal        *prometheus.CounterVec
	BanditActionsTotal      *prometheus.CounterVec
	ConfigurationLoadsTotal *prometheus.CounterVec
	AuthFailuresTotal       prometheus.Counter
	ActiveStreams           *prometheus.GaugeVec
}

// New creates and registers all assignz metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assignz_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "assignz_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		GRPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assignz_grpc_requests_total",
			Help: "Total number of gRPC requests.",
		}, []string{"method", "status"}),

		GRPCRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "assignz_grpc_request_duration_seconds",
			Help:    "gRPC request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),

		AssignmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assignz_assignments_total",
			Help: "Total number of flag assignments by evaluation code.",
		}, []string{"code"}),

		BanditActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assignz_bandit_actions_total",
			Help: "Total number of bandit action evaluations.",
		}, []string{"bandit", "code"}),

		ConfigurationLoadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assignz_configuration_loads_total",
			Help: "Total number of configuration loads by result.",
		}, []string{"result"}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "assignz_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),

		ActiveStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "assignz_active_streams",
			Help: "Number of active streaming connections.",
		}, []string{"transport"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GRPCRequestsTotal,
		m.GRPCRequestDuration,
		m.AssignmentsTotal,
		m.BanditActionsTotal,
		m.ConfigurationLoadsTotal,
		m.AuthFailuresTotal,
		m.ActiveStreams,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// HTTPMiddleware records request count and latency. Requests are labelled
// with the ServeMux pattern that matched them, so path parameters do not
// explode label cardinality.
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		code := strconv.Itoa(rw.status)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, code).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route, code).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// UnaryServerInterceptor returns a gRPC unary interceptor that records
// request count and latency for each method.
func (m *Metrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		method := path.Base(info.FullMethod)
		st, _ := status.FromError(err)
		code := st.Code().String()
		m.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
		m.GRPCRequestDuration.WithLabelValues(method, code).Observe(time.Since(start).Seconds())
		return resp, err
	}
}

// StreamServerInterceptor returns a gRPC stream interceptor that records
// request count, latency, and active stream gauge.
func (m *Metrics) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		m.ActiveStreams.WithLabelValues("grpc").Inc()
		defer m.ActiveStreams.WithLabelValues("grpc").Dec()
		start := time.Now()
		err := handler(srv, ss)
		method := path.Base(info.FullMethod)
		st, _ := status.FromError(err)
		code := st.Code().String()
		m.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
		m.GRPCRequestDuration.WithLabelValues(method, code).Observe(time.Since(start).Seconds())
		return err
	}
}

// RecordAssignment increments the assignment counter for code.
func (m *Metrics) RecordAssignment(code core.Code) {
	m.AssignmentsTotal.WithLabelValues(string(code)).Inc()
}

// RecordBanditAction increments the bandit counter. An empty banditKey means
// evaluation stopped before a bandit was resolved.
func (m *Metrics) RecordBanditAction(banditKey string, code core.Code) {
	if banditKey == "" {
		banditKey = "none"
	}
	m.BanditActionsTotal.WithLabelValues(banditKey, string(code)).Inc()
}

// RecordConfigurationLoad counts a load attempt as success, syntax_error or
// schema_error.
func (m *Metrics) RecordConfigurationLoad(err error) {
	m.ConfigurationLoadsTotal.WithLabelValues(loadResult(err)).Inc()
}

// IncAuthFailures increments the authentication failure counter.
func (m *Metrics) IncAuthFailures() {
	m.AuthFailuresTotal.Inc()
}

// RegisterAuthTracking exports the number of client IPs the auth limiter is
// currently remembering.
func (m *Metrics) RegisterAuthTracking(tracked func() int) {
	m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "assignz_auth_tracked_ips",
		Help: "Client IPs with recent failed authentication attempts.",
	}, func() float64 { return float64(tracked()) }))
}

// StreamOpened increments the active stream gauge for transport and returns
// a function that decrements it.
func (m *Metrics) StreamOpened(transport string) func() {
	g := m.ActiveStreams.WithLabelValues(transport)
	g.Inc()
	return g.Dec
}
