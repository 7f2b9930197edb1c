// Package service wraps the assignment engine in a concurrency-safe client
// that owns the current configuration snapshot, applies the graceful-mode
// error policy and hands events to an AssignmentLogger.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/matt-riley/assignz/internal/core"
)

const tracerName = "assignz/service"

// ErrNoConfiguration is returned by read-only accessors before the first
// successful load.
var ErrNoConfiguration = errors.New("no configuration loaded")

// Recorder receives evaluation outcomes for instrumentation.
type Recorder interface {
	RecordAssignment(code core.Code)
	RecordBanditAction(banditKey string, code core.Code)
	RecordConfigurationLoad(err error)
}

type noopRecorder struct{}

func (noopRecorder) RecordAssignment(core.Code)           {}
func (noopRecorder) RecordBanditAction(string, core.Code) {}
func (noopRecorder) RecordConfigurationLoad(error)        {}

// Detail is a typed assignment together with the evaluation trace.
type Detail[T any] struct {
	Value   T                       `json:"value"`
	Code    core.Code               `json:"code"`
	Details *core.EvaluationDetails `json:"details,omitempty"`
}

// BanditResult is the variation and, for bandit-backed variations, the
// selected action.
type BanditResult struct {
	Variation string `json:"variation"`
	Action    string `json:"action,omitempty"`
}

type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithGraceful controls whether evaluation failures are swallowed in favour
// of the caller's default. Bandit configuration errors are always returned.
func WithGraceful(graceful bool) Option {
	return func(c *Client) { c.graceful = graceful }
}

func WithWeighting(w core.Weighting) Option {
	return func(c *Client) { c.weighting = w }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

func WithAssignmentLogger(l AssignmentLogger) Option {
	return func(c *Client) {
		if l != nil {
			c.assignments = l
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(c *Client) {
		if r != nil {
			c.recorder = r
		}
	}
}

// Client evaluates flags against the most recently installed configuration.
// Installing a configuration is an atomic pointer swap, so evaluations never
// observe a partially loaded snapshot.
type Client struct {
	config  atomic.Pointer[core.Configuration]
	version atomic.Uint64

	evaluator   *core.Evaluator
	logger      *slog.Logger
	graceful    bool
	weighting   core.Weighting
	now         func() time.Time
	assignments AssignmentLogger
	recorder    Recorder
	tracer      trace.Tracer
}

func New(opts ...Option) *Client {
	c := &Client{
		logger:      slog.Default(),
		graceful:    true,
		weighting:   core.WeightingSoftmax,
		now:         func() time.Time { return time.Now().UTC() },
		assignments: noopAssignmentLogger{},
		recorder:    noopRecorder{},
		tracer:      otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.evaluator = core.NewEvaluator(core.WithClock(c.now), core.WithWeighting(c.weighting))
	return c
}

// LoadConfiguration parses the payloads and installs the result. A parse
// failure leaves the current configuration in place.
func (c *Client) LoadConfiguration(ctx context.Context, flags, bandits, models []byte) error {
	_, span := c.tracer.Start(ctx, "assignz.LoadConfiguration")
	defer span.End()

	cfg, err := core.Parse(flags, bandits, models, core.WithFetchedAt(c.now()))
	if err != nil {
		c.recorder.RecordConfigurationLoad(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("load configuration: %w", err)
	}
	c.SetConfiguration(cfg)
	span.SetAttributes(attribute.Int("assignz.flags", len(cfg.FlagKeys())))
	return nil
}

// SetConfiguration installs an already parsed configuration.
func (c *Client) SetConfiguration(cfg *core.Configuration) {
	if cfg == nil {
		return
	}
	c.config.Store(cfg)
	version := c.version.Add(1)
	c.recorder.RecordConfigurationLoad(nil)
	c.logger.Info("configuration installed",
		"version", version,
		"environment", cfg.Environment(),
		"flags", len(cfg.FlagKeys()),
		"bandits", len(cfg.BanditKeys()),
	)
}

// Configuration returns the current snapshot, or nil before the first load.
func (c *Client) Configuration() *core.Configuration {
	return c.config.Load()
}

// Version counts installed configurations. It is zero before the first load.
func (c *Client) Version() uint64 {
	return c.version.Load()
}

func (c *Client) Graceful() bool { return c.graceful }

// BanditKeys returns the sorted bandit keys referenced by the configuration.
func (c *Client) BanditKeys() []string {
	cfg := c.config.Load()
	if cfg == nil {
		return []string{}
	}
	set := cfg.BanditKeys()
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FlagsConfiguration returns the flags payload the current configuration
// was parsed from.
func (c *Client) FlagsConfiguration() ([]byte, error) {
	cfg := c.config.Load()
	if cfg == nil {
		return nil, ErrNoConfiguration
	}
	return cfg.FlagsConfiguration(), nil
}

func (c *Client) GetStringAssignment(ctx context.Context, flagKey, subjectKey string, attrs core.Attributes, defaultValue string) (string, error) {
	d, err := evaluate(ctx, c, flagKey, subjectKey, attrs, core.VariationTypeString, defaultValue, false, core.ValueAs[string])
	return d.Value, err
}

func (c *Client) GetStringAssignmentDetails(ctx context.Context, flagKey, subjectKey string, attrs core.Attributes, defaultValue string) (Detail[string], error) {
	return evaluate(ctx, c, flagKey, subjectKey, attrs, core.VariationTypeString, defaultValue, true, core.ValueAs[string])
}

func (c *Client) GetIntegerAssignment(ctx context.Context, flagKey, subjectKey string, attrs core.Attributes, defaultValue int64) (int64, error) {
	d, err := evaluate(ctx, c, flagKey, subjectKey, attrs, core.VariationTypeInteger, defaultValue, false, core.ValueAs[int64])
	return d.Value, err
}

func (c *Client) GetIntegerAssignmentDetails(ctx context.Context, flagKey, subjectKey string, attrs core.Attributes, defaultValue int64) (Detail[int64], error) {
	return evaluate(ctx, c, flagKey, subjectKey, attrs, core.VariationTypeInteger, defaultValue, true, core.ValueAs[int64])
}

func (c *Client) GetNumericAssignment(ctx context.Context, flagKey, subjectKey string, attrs core.Attributes, defaultValue float64) (float64, error) {
	d, err := evaluate(ctx, c, flagKey, subjectKey, attrs, core.VariationTypeNumeric, defaultValue, false, core.ValueAs[float64])
	return d.Value, err
}

func (c *Client) GetNumericAssignmentDetails(ctx context.Context, flagKey, subjectKey string, attrs core.Attributes, defaultValue float64) (Detail[float64], error) {
	return evaluate(ctx, c, flagKey, subjectKey, attrs, core.VariationTypeNumeric, defaultValue, true, core.ValueAs[float64])
}

func (c *Client) GetBooleanAssignment(ctx context.Context, flagKey, subjectKey string, attrs core.Attributes, defaultValue bool) (bool, error) {
	d, err := evaluate(ctx, c, flagKey, subjectKey, attrs, core.VariationTypeBoolean, defaultValue, false, core.ValueAs[bool])
	return d.Value, err
}

func (c *Client) GetBooleanAssignmentDetails(ctx context.Context, flagKey, subjectKey string, attrs core.Attributes, defaultValue bool) (Detail[bool], error) {
	return evaluate(ctx, c, flagKey, subjectKey, attrs, core.VariationTypeBoolean, defaultValue, true, core.ValueAs[bool])
}

func (c *Client) GetJSONAssignment(ctx context.Context, flagKey, subjectKey string, attrs core.Attributes, defaultValue json.RawMessage) (json.RawMessage, error) {
	d, err := evaluate(ctx, c, flagKey, subjectKey, attrs, core.VariationTypeJSON, defaultValue, false, core.ValueAs[json.RawMessage])
	return d.Value, err
}

func (c *Client) GetJSONAssignmentDetails(ctx context.Context, flagKey, subjectKey string, attrs core.Attributes, defaultValue json.RawMessage) (Detail[json.RawMessage], error) {
	return evaluate(ctx, c, flagKey, subjectKey, attrs, core.VariationTypeJSON, defaultValue, true, core.ValueAs[json.RawMessage])
}

// Assign evaluates a flag without type checking and returns the raw
// assignment. It applies the same error policy as the typed getters.
func (c *Client) Assign(ctx context.Context, req core.AssignmentRequest) (core.Assignment, error) {
	ctx, span := c.startSpan(ctx, "assignz.Assign", req.FlagKey, req.SubjectKey)
	defer span.End()

	a, err := c.evaluator.Assign(c.config.Load(), req)
	c.afterAssign(ctx, span, a)
	return a, c.handle(ctx, span, req.FlagKey, err)
}

func evaluate[T any](ctx context.Context, c *Client, flagKey, subjectKey string, attrs core.Attributes, typ core.VariationType, defaultValue T, details bool, extract func(core.Value) (T, bool)) (Detail[T], error) {
	ctx, span := c.startSpan(ctx, "assignz.GetAssignment", flagKey, subjectKey)
	defer span.End()
	span.SetAttributes(attribute.String("assignz.variation_type", string(typ)))

	a, err := c.evaluator.Assign(c.config.Load(), core.AssignmentRequest{
		FlagKey:      flagKey,
		SubjectKey:   subjectKey,
		Attributes:   attrs,
		ExpectedType: typ,
		Details:      details,
	})
	c.afterAssign(ctx, span, a)

	out := Detail[T]{Value: defaultValue, Code: a.Code, Details: a.Details}
	if err == nil && a.Matched() {
		if v, ok := extract(a.Value); ok {
			out.Value = v
		}
	}
	return out, c.handle(ctx, span, flagKey, err)
}

// GetBanditAction assigns a bandit-backed flag and selects an action.
func (c *Client) GetBanditAction(ctx context.Context, flagKey, subjectKey string, subject core.ContextAttributes, actions map[string]core.ContextAttributes, defaultVariation string) (BanditResult, error) {
	ev, err := c.BanditAction(ctx, core.BanditRequest{
		FlagKey:           flagKey,
		SubjectKey:        subjectKey,
		SubjectAttributes: subject,
		Actions:           actions,
		DefaultVariation:  defaultVariation,
	})
	return BanditResult{Variation: ev.Variation, Action: ev.Action}, err
}

func (c *Client) GetBanditActionDetails(ctx context.Context, flagKey, subjectKey string, subject core.ContextAttributes, actions map[string]core.ContextAttributes, defaultVariation string) (core.BanditEvaluation, error) {
	return c.BanditAction(ctx, core.BanditRequest{
		FlagKey:           flagKey,
		SubjectKey:        subjectKey,
		SubjectAttributes: subject,
		Actions:           actions,
		DefaultVariation:  defaultVariation,
		Details:           true,
	})
}

// BanditAction is the untyped form of GetBanditAction used by the transports.
func (c *Client) BanditAction(ctx context.Context, req core.BanditRequest) (core.BanditEvaluation, error) {
	ctx, span := c.startSpan(ctx, "assignz.GetBanditAction", req.FlagKey, req.SubjectKey)
	defer span.End()

	ev, err := c.evaluator.BanditAction(c.config.Load(), req)

	span.SetAttributes(attribute.String("assignz.code", string(ev.Code)))
	c.recorder.RecordAssignment(ev.AssignmentCode)
	if ev.AssignmentEvent != nil {
		c.assignments.LogAssignment(ctx, *ev.AssignmentEvent)
	}
	if ev.BanditEvent != nil {
		span.SetAttributes(attribute.String("assignz.bandit_key", ev.BanditEvent.BanditKey))
		c.assignments.LogBanditAction(ctx, *ev.BanditEvent)
	}
	banditKey := ""
	if ev.Result != nil {
		banditKey = ev.Result.BanditKey
	} else if ev.Details != nil {
		banditKey = ev.Details.BanditKey
	}
	c.recorder.RecordBanditAction(banditKey, ev.Code)

	return ev, c.handle(ctx, span, req.FlagKey, err)
}

// Precompute evaluates every flag for one subject.
func (c *Client) Precompute(ctx context.Context, subjectKey string, attrs core.Attributes) (map[string]core.PrecomputedAssignment, error) {
	ctx, span := c.startSpan(ctx, "assignz.Precompute", "", subjectKey)
	defer span.End()

	out, err := c.evaluator.Precompute(c.config.Load(), subjectKey, attrs)
	if err != nil {
		if herr := c.handle(ctx, span, "", err); herr != nil {
			return nil, herr
		}
		return map[string]core.PrecomputedAssignment{}, nil
	}
	span.SetAttributes(attribute.Int("assignz.flags", len(out)))
	return out, nil
}

func (c *Client) startSpan(ctx context.Context, name, flagKey, subjectKey string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("assignz.subject_key", subjectKey)}
	if flagKey != "" {
		attrs = append(attrs, attribute.String("assignz.flag_key", flagKey))
	}
	return c.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (c *Client) afterAssign(ctx context.Context, span trace.Span, a core.Assignment) {
	span.SetAttributes(attribute.String("assignz.code", string(a.Code)))
	c.recorder.RecordAssignment(a.Code)
	if a.Event != nil {
		c.assignments.LogAssignment(ctx, *a.Event)
	}
}

// handle applies the error policy. Bandit configuration errors and every
// error in non-graceful mode are returned; the rest are logged and dropped.
func (c *Client) handle(ctx context.Context, span trace.Span, flagKey string, err error) error {
	if err == nil {
		return nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	var banditErr *core.BanditConfigurationError
	if !c.graceful || errors.As(err, &banditErr) {
		return err
	}

	level := slog.LevelWarn
	if errors.Is(err, core.ErrFlagNotFound) || errors.Is(err, core.ErrFlagDisabled) {
		level = slog.LevelDebug
	}
	c.logger.Log(ctx, level, "returning default value", "flag_key", flagKey, "error", err)
	return nil
}
