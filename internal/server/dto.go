package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/matt-riley/assignz/internal/core"
)

const maxBatchRequests = 100

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their JSON names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationMessage renders the first validation failure for a client.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	field := fe.Namespace()
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must have at most %s entries", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

type assignmentRequest struct {
	FlagKey           string             `json:"flagKey" validate:"required"`
	SubjectKey        string             `json:"subjectKey" validate:"required"`
	SubjectAttributes core.Attributes    `json:"subjectAttributes,omitempty"`
	VariationType     core.VariationType `json:"variationType" validate:"required,oneof=STRING INTEGER NUMERIC BOOLEAN JSON"`
	DefaultValue      json.RawMessage    `json:"defaultValue" validate:"required"`
	Details           bool               `json:"details,omitempty"`
}

// assignmentsBody accepts either a single request or a batch.
type assignmentsBody struct {
	assignmentRequest
	Requests []assignmentRequest `json:"requests,omitempty"`
}

type batchRequest struct {
	Requests []assignmentRequest `json:"requests" validate:"required,min=1,max=100,dive"`
}

type assignmentResult struct {
	FlagKey       string                  `json:"flagKey"`
	SubjectKey    string                  `json:"subjectKey"`
	Value         core.Value              `json:"value"`
	Code          core.Code               `json:"code"`
	AllocationKey string                  `json:"allocationKey,omitempty"`
	VariationKey  string                  `json:"variationKey,omitempty"`
	Details       *core.EvaluationDetails `json:"details,omitempty"`
	Error         string                  `json:"error,omitempty"`
}

type assignmentsResponse struct {
	Results []assignmentResult `json:"results"`
}

func (r assignmentRequest) toCore() (core.AssignmentRequest, core.Value, error) {
	def, err := r.VariationType.Decode(r.DefaultValue)
	if err != nil {
		return core.AssignmentRequest{}, core.Value{}, fmt.Errorf("defaultValue: %w", err)
	}
	return core.AssignmentRequest{
		FlagKey:      r.FlagKey,
		SubjectKey:   r.SubjectKey,
		Attributes:   r.SubjectAttributes,
		ExpectedType: r.VariationType,
		Details:      r.Details,
	}, def, nil
}

func newAssignmentResult(a core.Assignment, req core.AssignmentRequest, def core.Value) assignmentResult {
	out := assignmentResult{
		FlagKey:    req.FlagKey,
		SubjectKey: req.SubjectKey,
		Value:      def,
		Code:       a.Code,
		Details:    a.Details,
	}
	if a.Matched() {
		out.Value = a.Value
		out.AllocationKey = a.AllocationKey
		out.VariationKey = a.VariationKey
	}
	return out
}

type banditActionRequest struct {
	FlagKey           string                            `json:"flagKey" validate:"required"`
	SubjectKey        string                            `json:"subjectKey" validate:"required"`
	SubjectAttributes core.ContextAttributes            `json:"subjectAttributes"`
	Actions           map[string]core.ContextAttributes `json:"actions"`
	DefaultVariation  string                            `json:"defaultVariation"`
	Details           bool                              `json:"details,omitempty"`
}

func (r banditActionRequest) toCore() core.BanditRequest {
	return core.BanditRequest{
		FlagKey:           r.FlagKey,
		SubjectKey:        r.SubjectKey,
		SubjectAttributes: r.SubjectAttributes,
		Actions:           r.Actions,
		DefaultVariation:  r.DefaultVariation,
		Details:           r.Details,
	}
}

type banditActionResponse struct {
	FlagKey           string                  `json:"flagKey"`
	SubjectKey        string                  `json:"subjectKey"`
	Variation         string                  `json:"variation"`
	Action            string                  `json:"action,omitempty"`
	Code              core.Code               `json:"code"`
	BanditKey         string                  `json:"banditKey,omitempty"`
	ActionProbability float64                 `json:"actionProbability,omitempty"`
	OptimalityGap     float64                 `json:"optimalityGap,omitempty"`
	ModelVersion      string                  `json:"modelVersion,omitempty"`
	Details           *core.EvaluationDetails `json:"details,omitempty"`
}

func newBanditActionResponse(req banditActionRequest, ev core.BanditEvaluation) banditActionResponse {
	out := banditActionResponse{
		FlagKey:    req.FlagKey,
		SubjectKey: req.SubjectKey,
		Variation:  ev.Variation,
		Action:     ev.Action,
		Code:       ev.Code,
		Details:    ev.Details,
	}
	if ev.Result != nil {
		out.BanditKey = ev.Result.BanditKey
		out.ActionProbability = ev.Result.Probability
		out.OptimalityGap = ev.Result.OptimalityGap
		out.ModelVersion = ev.Result.ModelVersion
	}
	return out
}

type precomputeRequest struct {
	SubjectKey        string          `json:"subjectKey" validate:"required"`
	SubjectAttributes core.Attributes `json:"subjectAttributes,omitempty"`
}

type precomputeResponse struct {
	SubjectKey string                                `json:"subjectKey"`
	Flags      map[string]core.PrecomputedAssignment `json:"flags"`
}

type banditKeysResponse struct {
	BanditKeys []string `json:"banditKeys"`
}

type configurationBody struct {
	Flags        json.RawMessage `json:"flags" validate:"required"`
	Bandits      json.RawMessage `json:"bandits,omitempty"`
	BanditModels json.RawMessage `json:"banditModels,omitempty"`
}

// configurationSummary describes an installed snapshot. It is returned by
// configuration writes and carried by change events.
type configurationSummary struct {
	Version     uint64     `json:"version"`
	Environment string     `json:"environment,omitempty"`
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
	FetchedAt   *time.Time `json:"fetchedAt,omitempty"`
	Flags       int        `json:"flags"`
	Bandits     int        `json:"bandits"`
}

func summarize(version uint64, cfg *core.Configuration) configurationSummary {
	out := configurationSummary{Version: version}
	if cfg == nil {
		return out
	}
	out.Environment = cfg.Environment()
	out.PublishedAt = timePtr(cfg.PublishedAt())
	out.FetchedAt = timePtr(cfg.FetchedAt())
	out.Flags = len(cfg.FlagKeys())
	out.Bandits = len(cfg.BanditKeys())
	return out
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// optionalPayload treats an absent or null document as not supplied.
func optionalPayload(raw json.RawMessage) []byte {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	return raw
}

type healthResponse struct {
	Status     string `json:"status"`
	Configured bool   `json:"configured"`
	Version    uint64 `json:"version"`
}
