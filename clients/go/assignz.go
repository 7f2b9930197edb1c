// Package assignz provides client interfaces and domain types for the
// assignz assignment service.
//
// Use the sub-packages to create transport-specific clients:
//
//	import assignzhttp "github.com/matt-riley/assignz/clients/go/http"
//	import assignzgrpc "github.com/matt-riley/assignz/clients/go/grpc"
package assignz

import (
	"context"
	"encoding/json"
	"time"
)

// Assigner resolves flag assignments for a subject.
type Assigner interface {
	Assign(ctx context.Context, req AssignmentRequest) (Assignment, error)
	AssignBatch(ctx context.Context, reqs []AssignmentRequest) ([]Assignment, error)
}

// BanditSelector chooses bandit actions.
type BanditSelector interface {
	BanditAction(ctx context.Context, req BanditActionRequest) (BanditAction, error)
	BanditKeys(ctx context.Context) ([]string, error)
}

// Precomputer evaluates every flag for one subject.
type Precomputer interface {
	Precompute(ctx context.Context, subjectKey string, attributes map[string]any) (map[string]PrecomputedFlag, error)
}

// ConfigurationLoader installs a new configuration on the server.
type ConfigurationLoader interface {
	LoadConfiguration(ctx context.Context, payload ConfigurationPayload) (ConfigurationEvent, error)
}

// Streamer delivers configuration change events.
// The returned channel is closed when ctx is cancelled or the connection drops.
type Streamer interface {
	Stream(ctx context.Context, lastVersion uint64) (<-chan ConfigurationEvent, error)
}

// Variation types accepted by the server.
const (
	TypeString  = "STRING"
	TypeInteger = "INTEGER"
	TypeNumeric = "NUMERIC"
	TypeBoolean = "BOOLEAN"
	TypeJSON    = "JSON"
)

// AssignmentRequest asks for the value of one flag. DefaultValue is
// returned when no allocation matches and must match VariationType.
type AssignmentRequest struct {
	FlagKey       string         `json:"flagKey"`
	SubjectKey    string         `json:"subjectKey"`
	Attributes    map[string]any `json:"subjectAttributes,omitempty"`
	VariationType string         `json:"variationType"`
	DefaultValue  any            `json:"defaultValue"`
	Details       bool           `json:"details,omitempty"`
}

// Assignment is the server's answer for one flag. Value holds the raw JSON
// value; use Decode to read it into a Go value.
type Assignment struct {
	FlagKey       string          `json:"flagKey"`
	SubjectKey    string          `json:"subjectKey"`
	Value         json.RawMessage `json:"value"`
	Code          string          `json:"code"`
	AllocationKey string          `json:"allocationKey,omitempty"`
	VariationKey  string          `json:"variationKey,omitempty"`
	Details       json.RawMessage `json:"details,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// Matched reports whether an allocation produced the value.
func (a Assignment) Matched() bool {
	return a.Code == "MATCH"
}

// Decode unmarshals the assigned value into v.
func (a Assignment) Decode(v any) error {
	return json.Unmarshal(a.Value, v)
}

// ContextAttributes are attributes split the way bandit models consume them.
type ContextAttributes struct {
	Numeric     map[string]float64 `json:"numeric,omitempty"`
	Categorical map[string]string  `json:"categorical,omitempty"`
}

// BanditActionRequest asks a bandit flag to choose among Actions.
type BanditActionRequest struct {
	FlagKey           string                       `json:"flagKey"`
	SubjectKey        string                       `json:"subjectKey"`
	SubjectAttributes ContextAttributes            `json:"subjectAttributes"`
	Actions           map[string]ContextAttributes `json:"actions"`
	DefaultVariation  string                       `json:"defaultVariation"`
	Details           bool                         `json:"details,omitempty"`
}

// BanditAction is the chosen variation and, for bandit variations, action.
type BanditAction struct {
	FlagKey           string          `json:"flagKey"`
	SubjectKey        string          `json:"subjectKey"`
	Variation         string          `json:"variation"`
	Action            string          `json:"action,omitempty"`
	Code              string          `json:"code"`
	BanditKey         string          `json:"banditKey,omitempty"`
	ActionProbability float64         `json:"actionProbability,omitempty"`
	OptimalityGap     float64         `json:"optimalityGap,omitempty"`
	ModelVersion      string          `json:"modelVersion,omitempty"`
	Details           json.RawMessage `json:"details,omitempty"`
}

// PrecomputedFlag is one entry of a precomputed subject snapshot.
type PrecomputedFlag struct {
	AllocationKey  string            `json:"allocationKey"`
	VariationKey   string            `json:"variationKey"`
	VariationType  string            `json:"variationType"`
	VariationValue json.RawMessage   `json:"variationValue"`
	DoLog          bool              `json:"doLog"`
	ExtraLogging   map[string]string `json:"extraLogging,omitempty"`
}

// ConfigurationPayload carries the raw documents of a configuration write.
// Bandits and BanditModels may be nil.
type ConfigurationPayload struct {
	Flags        json.RawMessage `json:"flags"`
	Bandits      json.RawMessage `json:"bandits,omitempty"`
	BanditModels json.RawMessage `json:"banditModels,omitempty"`
}

// ConfigurationEvent summarises an installed configuration.
type ConfigurationEvent struct {
	Version     uint64     `json:"version"`
	Environment string     `json:"environment,omitempty"`
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
	FetchedAt   *time.Time `json:"fetchedAt,omitempty"`
	Flags       int        `json:"flags"`
	Bandits     int        `json:"bandits"`
}
