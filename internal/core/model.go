package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"time"
)

const defaultTotalShards uint64 = 10000

// VariationType is the closed set of value types a flag can serve.
type VariationType string

const (
	VariationTypeString  VariationType = "STRING"
	VariationTypeInteger VariationType = "INTEGER"
	VariationTypeNumeric VariationType = "NUMERIC"
	VariationTypeBoolean VariationType = "BOOLEAN"
	VariationTypeJSON    VariationType = "JSON"
)

// Valid reports whether t is one of the known variation types.
func (t VariationType) Valid() bool {
	switch t {
	case VariationTypeString, VariationTypeInteger, VariationTypeNumeric, VariationTypeBoolean, VariationTypeJSON:
		return true
	default:
		return false
	}
}

// Decode converts a raw JSON variation value into a typed Value.
func (t VariationType) Decode(raw json.RawMessage) (Value, error) {
	switch t {
	case VariationTypeString:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Value{}, fmt.Errorf("decode %s value: %w", t, err)
		}
		return StringValue(s), nil
	case VariationTypeInteger:
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return Value{}, fmt.Errorf("decode %s value: %w", t, err)
		}
		if !isWholeFinite(f) || f < math.MinInt64 || f >= math.MaxInt64 {
			return Value{}, fmt.Errorf("decode %s value: %v is not an integer", t, f)
		}
		return IntegerValue(int64(f)), nil
	case VariationTypeNumeric:
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return Value{}, fmt.Errorf("decode %s value: %w", t, err)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return Value{}, fmt.Errorf("decode %s value: %v is not finite", t, f)
		}
		return NumericValue(f), nil
	case VariationTypeBoolean:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return Value{}, fmt.Errorf("decode %s value: %w", t, err)
		}
		return BooleanValue(b), nil
	case VariationTypeJSON:
		// JSON variations usually arrive as a string holding the document.
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if !json.Valid([]byte(s)) {
				return Value{}, fmt.Errorf("decode %s value: string is not a JSON document", t)
			}
			return JSONValue(json.RawMessage(s)), nil
		}
		if !json.Valid(raw) {
			return Value{}, fmt.Errorf("decode %s value: invalid JSON", t)
		}
		return JSONValue(raw), nil
	default:
		return Value{}, fmt.Errorf("unknown variation type %q", t)
	}
}

// Value is a typed variation value. The zero Value holds nothing.
type Value struct {
	typ VariationType
	v   any
}

func StringValue(s string) Value  { return Value{typ: VariationTypeString, v: s} }
func IntegerValue(i int64) Value  { return Value{typ: VariationTypeInteger, v: i} }
func NumericValue(f float64) Value { return Value{typ: VariationTypeNumeric, v: f} }
func BooleanValue(b bool) Value   { return Value{typ: VariationTypeBoolean, v: b} }

// JSONValue stores a compacted copy of doc.
func JSONValue(doc json.RawMessage) Value {
	var buf bytes.Buffer
	if err := json.Compact(&buf, doc); err != nil {
		return Value{typ: VariationTypeJSON, v: append(json.RawMessage(nil), doc...)}
	}
	return Value{typ: VariationTypeJSON, v: json.RawMessage(buf.Bytes())}
}

func (v Value) Type() VariationType { return v.typ }
func (v Value) IsZero() bool        { return v.typ == "" }

// Interface returns the underlying Go value: string, int64, float64, bool or
// json.RawMessage.
func (v Value) Interface() any { return v.v }

// String renders the value the way it is compared against bandit rows.
func (v Value) String() string {
	switch x := v.v.(type) {
	case string:
		return x
	case json.RawMessage:
		return string(x)
	case nil:
		return ""
	default:
		return canonicalString(x)
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v.v)
}

// ValueAs extracts the typed payload of v.
func ValueAs[T any](v Value) (T, bool) {
	t, ok := v.v.(T)
	return t, ok
}

type Flag struct {
	Key           string               `json:"key"`
	Enabled       bool                 `json:"enabled"`
	VariationType VariationType        `json:"variationType"`
	Variations    map[string]Variation `json:"variations"`
	Allocations   []Allocation         `json:"allocations"`
	TotalShards   uint64               `json:"totalShards,omitempty"`

	values map[string]Value
}

type Variation struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type Allocation struct {
	Key     string     `json:"key"`
	Rules   []Rule     `json:"rules,omitempty"`
	StartAt *time.Time `json:"startAt,omitempty"`
	EndAt   *time.Time `json:"endAt,omitempty"`
	Splits  []Split    `json:"splits"`
	DoLog   bool       `json:"doLog"`
}

type Split struct {
	VariationKey string            `json:"variationKey"`
	Shards       []ShardSpec       `json:"shards"`
	ExtraLogging map[string]string `json:"extraLogging,omitempty"`
}

type ShardSpec struct {
	Salt   string       `json:"salt"`
	Ranges []ShardRange `json:"ranges"`
}

// ShardRange is the half-open interval [Start, End).
type ShardRange struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

func (r ShardRange) Contains(v uint64) bool {
	return r.Start <= v && v < r.End
}

type Rule struct {
	Conditions []Condition `json:"conditions"`
}

type Operator string

const (
	OperatorGTE        Operator = "GTE"
	OperatorGT         Operator = "GT"
	OperatorLTE        Operator = "LTE"
	OperatorLT         Operator = "LT"
	OperatorMatches    Operator = "MATCHES"
	OperatorNotMatches Operator = "NOT_MATCHES"
	OperatorOneOf      Operator = "ONE_OF"
	OperatorNotOneOf   Operator = "NOT_ONE_OF"
	OperatorIsNull     Operator = "IS_NULL"
)

// Condition compares one subject attribute against a literal. The unexported
// fields are filled in by compile during parsing.
type Condition struct {
	Attribute string          `json:"attribute"`
	Operator  Operator        `json:"operator"`
	Value     json.RawMessage `json:"value"`

	number    float64
	hasNumber bool
	version   string
	pattern   *regexp.Regexp
	set       map[string]struct{}
	isNull    bool
}

// BanditVariation maps one flag variation onto a bandit.
type BanditVariation struct {
	Key            string `json:"key"`
	FlagKey        string `json:"flagKey"`
	VariationKey   string `json:"variationKey"`
	VariationValue string `json:"variationValue"`
}

type BanditModel struct {
	BanditKey    string          `json:"banditKey"`
	ModelName    string          `json:"modelName"`
	ModelVersion string          `json:"modelVersion"`
	UpdatedAt    *time.Time      `json:"updatedAt,omitempty"`
	ModelData    BanditModelData `json:"modelData"`
}

type BanditModelData struct {
	Gamma                  float64                       `json:"gamma"`
	DefaultActionScore     float64                       `json:"defaultActionScore"`
	ActionProbabilityFloor float64                       `json:"actionProbabilityFloor"`
	Coefficients           map[string]ActionCoefficients `json:"coefficients"`
}

type ActionCoefficients struct {
	ActionKey                      string                   `json:"actionKey"`
	Intercept                      float64                  `json:"intercept"`
	ActionNumericCoefficients      []NumericCoefficient     `json:"actionNumericCoefficients"`
	ActionCategoricalCoefficients  []CategoricalCoefficient `json:"actionCategoricalCoefficients"`
	SubjectNumericCoefficients     []NumericCoefficient     `json:"subjectNumericCoefficients"`
	SubjectCategoricalCoefficients []CategoricalCoefficient `json:"subjectCategoricalCoefficients"`
}

type NumericCoefficient struct {
	AttributeKey            string  `json:"attributeKey"`
	Coefficient             float64 `json:"coefficient"`
	MissingValueCoefficient float64 `json:"missingValueCoefficient"`
}

type CategoricalCoefficient struct {
	AttributeKey            string             `json:"attributeKey"`
	ValueCoefficients       map[string]float64 `json:"valueCoefficients"`
	MissingValueCoefficient float64            `json:"missingValueCoefficient"`
}

// Attributes are free-form subject attributes used by targeting rules.
type Attributes map[string]any

// ContextAttributes are the split numeric/categorical attributes consumed by
// bandit models.
type ContextAttributes struct {
	Numeric     map[string]float64 `json:"numeric,omitempty"`
	Categorical map[string]string  `json:"categorical,omitempty"`
}

// AttributesFromMap splits generic attributes for bandit scoring. Numbers go
// to Numeric (non-finite values are dropped), strings and bools go to
// Categorical, nulls are dropped.
func AttributesFromMap(attrs map[string]any) ContextAttributes {
	out := ContextAttributes{
		Numeric:     make(map[string]float64),
		Categorical: make(map[string]string),
	}
	for k, v := range attrs {
		switch x := v.(type) {
		case nil:
		case string:
			out.Categorical[k] = x
		case bool:
			out.Categorical[k] = canonicalString(x)
		default:
			if f, ok := asNumber(x); ok {
				if !math.IsNaN(f) && !math.IsInf(f, 0) {
					out.Numeric[k] = f
				}
			}
		}
	}
	return out
}

// Merged flattens c back into generic attributes for rule evaluation.
func (c ContextAttributes) Merged() Attributes {
	out := make(Attributes, len(c.Numeric)+len(c.Categorical))
	for k, v := range c.Numeric {
		out[k] = v
	}
	for k, v := range c.Categorical {
		out[k] = v
	}
	return out
}
