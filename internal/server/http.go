package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/matt-riley/assignz/internal/core"
	"github.com/matt-riley/assignz/internal/middleware"
	"github.com/matt-riley/assignz/internal/service"
)

const (
	defaultStreamPollInterval = time.Second
	defaultMaxJSONBodyBytes   = 1 << 20
)

var errJSONBodyTooLarge = errors.New("json request body too large")

// HTTPServer serves the assignment API over JSON.
type HTTPServer struct {
	service            Service
	streamPollInterval time.Duration
	maxJSONBodyBytes   int64
	metricsHandler     http.Handler
	adminAuth          func(http.Handler) http.Handler
	streamOpened       func(transport string) func()
}

// HTTPOption configures an HTTPServer.
type HTTPOption func(*HTTPServer)

// WithStreamPollInterval sets how often the SSE stream checks for a new
// configuration.
func WithStreamPollInterval(d time.Duration) HTTPOption {
	return func(s *HTTPServer) {
		if d > 0 {
			s.streamPollInterval = d
		}
	}
}

// WithMaxJSONBodySize limits request bodies to n bytes.
func WithMaxJSONBodySize(n int64) HTTPOption {
	return func(s *HTTPServer) {
		if n > 0 {
			s.maxJSONBodyBytes = n
		}
	}
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) HTTPOption {
	return func(s *HTTPServer) { s.metricsHandler = h }
}

// WithAdminAuth enables PUT /v1/configuration behind the given middleware.
// Without it configuration writes answer 405.
func WithAdminAuth(mw func(http.Handler) http.Handler) HTTPOption {
	return func(s *HTTPServer) { s.adminAuth = mw }
}

// WithStreamTracker is called when an SSE stream opens; the returned
// function is called when it closes.
func WithStreamTracker(fn func(transport string) func()) HTTPOption {
	return func(s *HTTPServer) { s.streamOpened = fn }
}

// NewHTTPHandler returns the routed API. The returned mux sets
// http.Request.Pattern, which outer middleware can use as a route label.
func NewHTTPHandler(svc Service, opts ...HTTPOption) *http.ServeMux {
	if svc == nil {
		panic("service is nil")
	}

	s := &HTTPServer{
		service:            svc,
		streamPollInterval: defaultStreamPollInterval,
		maxJSONBodyBytes:   defaultMaxJSONBodyBytes,
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}
	mux.HandleFunc("GET /v1/configuration", s.handleGetConfiguration)
	if s.adminAuth != nil {
		mux.Handle("PUT /v1/configuration", s.adminAuth(http.HandlerFunc(s.handlePutConfiguration)))
	} else {
		mux.HandleFunc("PUT /v1/configuration", handleWritesDisabled)
	}
	mux.HandleFunc("GET /v1/configuration/stream", s.handleStream)
	mux.HandleFunc("GET /v1/bandits", s.handleBanditKeys)
	mux.HandleFunc("POST /v1/assignments", s.handleAssignments)
	mux.HandleFunc("POST /v1/bandits/action", s.handleBanditAction)
	mux.HandleFunc("POST /v1/precomputed", s.handlePrecomputed)

	return mux
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:     "ok",
		Configured: s.service.Configuration() != nil,
		Version:    s.service.Version(),
	})
}

func (s *HTTPServer) handleGetConfiguration(w http.ResponseWriter, _ *http.Request) {
	payload, err := s.service.FlagsConfiguration()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func handleWritesDisabled(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Allow", http.MethodGet)
	writeJSONError(w, http.StatusMethodNotAllowed, "configuration writes are disabled")
}

func (s *HTTPServer) handlePutConfiguration(w http.ResponseWriter, r *http.Request) {
	var body configurationBody
	if err := s.decodeJSONBody(w, r, &body); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if err := validate.Struct(body); err != nil {
		writeJSONError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	err := s.service.LoadConfiguration(r.Context(), body.Flags, optionalPayload(body.Bandits), optionalPayload(body.BanditModels))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	keyID, _ := middleware.APIKeyIDFromContext(r.Context())
	middleware.LoggerFromContext(r.Context()).InfoContext(r.Context(), "configuration replaced",
		"api_key_id", keyID,
		"version", s.service.Version(),
	)
	writeJSON(w, http.StatusOK, summarize(s.service.Version(), s.service.Configuration()))
}

func (s *HTTPServer) handleBanditKeys(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, banditKeysResponse{BanditKeys: s.service.BanditKeys()})
}

func (s *HTTPServer) handleAssignments(w http.ResponseWriter, r *http.Request) {
	var body assignmentsBody
	if err := s.decodeJSONBody(w, r, &body); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	single := strings.TrimSpace(body.FlagKey) != ""
	switch {
	case len(body.Requests) > 0 && single:
		writeJSONError(w, http.StatusBadRequest, "use either flagKey or requests")
	case len(body.Requests) > 0:
		s.assignBatch(w, r, body.Requests)
	case single:
		s.assignOne(w, r, body.assignmentRequest)
	default:
		writeJSONError(w, http.StatusBadRequest, "flagKey or requests is required")
	}
}

func (s *HTTPServer) assignOne(w http.ResponseWriter, r *http.Request, item assignmentRequest) {
	if err := validate.Struct(item); err != nil {
		writeJSONError(w, http.StatusBadRequest, validationMessage(err))
		return
	}
	req, def, err := item.toCore()
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	a, err := s.service.Assign(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newAssignmentResult(a, req, def))
}

func (s *HTTPServer) assignBatch(w http.ResponseWriter, r *http.Request, items []assignmentRequest) {
	if err := validate.Struct(batchRequest{Requests: items}); err != nil {
		writeJSONError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	reqs := make([]core.AssignmentRequest, len(items))
	defs := make([]core.Value, len(items))
	for idx, item := range items {
		req, def, err := item.toCore()
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("requests[%d].%s", idx, err))
			return
		}
		reqs[idx], defs[idx] = req, def
	}

	results := make([]assignmentResult, 0, len(items))
	for idx, req := range reqs {
		a, err := s.service.Assign(r.Context(), req)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			writeServiceError(w, err)
			return
		}
		result := newAssignmentResult(a, req, defs[idx])
		if err != nil {
			result.Error = serviceErrorMessage(err)
		}
		results = append(results, result)
	}

	writeJSON(w, http.StatusOK, assignmentsResponse{Results: results})
}

func (s *HTTPServer) handleBanditAction(w http.ResponseWriter, r *http.Request) {
	var body banditActionRequest
	if err := s.decodeJSONBody(w, r, &body); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if err := validate.Struct(body); err != nil {
		writeJSONError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	ev, err := s.service.BanditAction(r.Context(), body.toCore())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newBanditActionResponse(body, ev))
}

func (s *HTTPServer) handlePrecomputed(w http.ResponseWriter, r *http.Request) {
	var body precomputeRequest
	if err := s.decodeJSONBody(w, r, &body); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if err := validate.Struct(body); err != nil {
		writeJSONError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	flags, err := s.service.Precompute(r.Context(), body.SubjectKey, body.SubjectAttributes)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, precomputeResponse{SubjectKey: body.SubjectKey, Flags: flags})
}

// handleStream emits a "configuration" event for every installed snapshot
// the client has not seen. Event ids are configuration versions, so a
// reconnecting client resumes with Last-Event-ID.
func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	lastVersion, err := parseLastEventID(r.Header.Get("Last-Event-ID"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid Last-Event-ID")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	if s.streamOpened != nil {
		defer s.streamOpened("sse")()
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sendIfChanged := func() error {
		version := s.service.Version()
		if version == lastVersion {
			return nil
		}
		cfg := s.service.Configuration()
		if cfg == nil {
			return nil
		}
		payload, err := json.Marshal(summarize(version, cfg))
		if err != nil {
			return err
		}
		if err := writeSSEEvent(w, version, "configuration", payload); err != nil {
			return err
		}
		flusher.Flush()
		lastVersion = version
		return nil
	}

	if err := sendIfChanged(); err != nil {
		return
	}

	ticker := time.NewTicker(s.streamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := sendIfChanged(); err != nil {
				return
			}
		}
	}
}

func parseLastEventID(value string) (uint64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}

	eventID, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, errors.New("invalid event id")
	}

	return eventID, nil
}

// writeServiceError maps domain errors to HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	var (
		syntaxErr   *core.SyntaxError
		schemaErr   *core.SchemaError
		banditErr   *core.BanditConfigurationError
		mismatchErr *core.TypeMismatchError
	)
	switch {
	case errors.As(err, &syntaxErr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": syntaxErr.Error(), "kind": "syntax"})
	case errors.As(err, &schemaErr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": schemaErr.Error(), "kind": "schema"})
	case errors.As(err, &mismatchErr):
		writeJSONError(w, http.StatusBadRequest, mismatchErr.Error())
	case errors.As(err, &banditErr):
		writeJSONError(w, http.StatusUnprocessableEntity, banditErr.Error())
	case errors.Is(err, service.ErrNoConfiguration):
		writeJSONError(w, http.StatusNotFound, serviceErrorMessage(err))
	case errors.Is(err, core.ErrConfigurationMissing):
		writeJSONError(w, http.StatusServiceUnavailable, serviceErrorMessage(err))
	case errors.Is(err, core.ErrFlagNotFound), errors.Is(err, core.ErrFlagDisabled):
		writeJSONError(w, http.StatusNotFound, serviceErrorMessage(err))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeJSONError(w, http.StatusRequestTimeout, serviceErrorMessage(err))
	default:
		writeJSONError(w, http.StatusInternalServerError, serviceErrorMessage(err))
	}
}

func serviceErrorMessage(err error) string {
	var (
		banditErr   *core.BanditConfigurationError
		mismatchErr *core.TypeMismatchError
	)
	switch {
	case errors.As(err, &mismatchErr):
		return mismatchErr.Error()
	case errors.As(err, &banditErr):
		return banditErr.Error()
	case errors.Is(err, service.ErrNoConfiguration), errors.Is(err, core.ErrConfigurationMissing):
		return "no configuration loaded"
	case errors.Is(err, core.ErrFlagNotFound):
		return "flag not found"
	case errors.Is(err, core.ErrFlagDisabled):
		return "flag disabled"
	case errors.Is(err, core.ErrInvalidFlag):
		return "invalid flag configuration"
	case errors.Is(err, context.Canceled):
		return "request canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline exceeded"
	default:
		return "internal server error"
	}
}

func writeSSEEvent(w io.Writer, eventID uint64, eventName string, payload []byte) error {
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", eventID, eventName, compact.Bytes())
	return err
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"internal server error"}`)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxJSONBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
