package core

import (
	"encoding/json"
	"math"
	"testing"
)

func compiled(t *testing.T, attribute string, op Operator, value string) Condition {
	t.Helper()
	c := Condition{Attribute: attribute, Operator: op, Value: json.RawMessage(value)}
	if err := c.compile(); err != nil {
		t.Fatalf("compile(%s %s %s): %v", attribute, op, value, err)
	}
	return c
}

func TestConditionMatches(t *testing.T) {
	tests := []struct {
		name  string
		op    Operator
		value string
		attrs Attributes
		want  bool
	}{
		{name: "gte number", op: OperatorGTE, value: `18`, attrs: Attributes{"v": 18}, want: true},
		{name: "gt number", op: OperatorGT, value: `18`, attrs: Attributes{"v": 18.0}, want: false},
		{name: "lte numeric string attribute", op: OperatorLTE, value: `10`, attrs: Attributes{"v": "9.5"}, want: true},
		{name: "lt numeric string literal", op: OperatorLT, value: `"10"`, attrs: Attributes{"v": int64(3)}, want: true},
		{name: "compare non numeric string", op: OperatorGT, value: `1`, attrs: Attributes{"v": "abc"}, want: false},
		{name: "compare bool", op: OperatorGT, value: `0`, attrs: Attributes{"v": true}, want: false},
		{name: "compare missing", op: OperatorGTE, value: `0`, attrs: Attributes{}, want: false},
		{name: "semver gte", op: OperatorGTE, value: `"1.2.0"`, attrs: Attributes{"v": "1.10.0"}, want: true},
		{name: "semver lt", op: OperatorLT, value: `"1.2.0"`, attrs: Attributes{"v": "1.1.9"}, want: true},
		{name: "semver against number", op: OperatorGT, value: `"1.2.0"`, attrs: Attributes{"v": 5}, want: false},
		{name: "matches", op: OperatorMatches, value: `"^[a-z]+@example\\.com$"`, attrs: Attributes{"v": "bob@example.com"}, want: true},
		{name: "matches no match", op: OperatorMatches, value: `"^a"`, attrs: Attributes{"v": "bcd"}, want: false},
		{name: "matches number is false", op: OperatorMatches, value: `"1"`, attrs: Attributes{"v": 1}, want: false},
		{name: "not matches", op: OperatorNotMatches, value: `"^a"`, attrs: Attributes{"v": "bcd"}, want: true},
		{name: "not matches number is false", op: OperatorNotMatches, value: `"^a"`, attrs: Attributes{"v": 7}, want: false},
		{name: "not matches missing", op: OperatorNotMatches, value: `"^a"`, attrs: Attributes{}, want: false},
		{name: "one of string", op: OperatorOneOf, value: `["US","CA"]`, attrs: Attributes{"v": "CA"}, want: true},
		{name: "one of is case sensitive", op: OperatorOneOf, value: `["US"]`, attrs: Attributes{"v": "us"}, want: false},
		{name: "one of whole number", op: OperatorOneOf, value: `["1","2"]`, attrs: Attributes{"v": 1.0}, want: true},
		{name: "one of int", op: OperatorOneOf, value: `["42"]`, attrs: Attributes{"v": 42}, want: true},
		{name: "one of bool", op: OperatorOneOf, value: `["true"]`, attrs: Attributes{"v": true}, want: true},
		{name: "one of fraction", op: OperatorOneOf, value: `["1.5"]`, attrs: Attributes{"v": 1.5}, want: true},
		{name: "one of missing", op: OperatorOneOf, value: `["x"]`, attrs: Attributes{}, want: false},
		{name: "not one of", op: OperatorNotOneOf, value: `["US"]`, attrs: Attributes{"v": "FR"}, want: true},
		{name: "not one of member", op: OperatorNotOneOf, value: `["US"]`, attrs: Attributes{"v": "US"}, want: false},
		{name: "not one of missing", op: OperatorNotOneOf, value: `["US"]`, attrs: Attributes{}, want: false},
		{name: "not one of null", op: OperatorNotOneOf, value: `["US"]`, attrs: Attributes{"v": nil}, want: false},
		{name: "is null missing", op: OperatorIsNull, value: `true`, attrs: Attributes{}, want: true},
		{name: "is null explicit null", op: OperatorIsNull, value: `true`, attrs: Attributes{"v": nil}, want: true},
		{name: "is null present", op: OperatorIsNull, value: `true`, attrs: Attributes{"v": 0}, want: false},
		{name: "is not null present", op: OperatorIsNull, value: `false`, attrs: Attributes{"v": ""}, want: true},
		{name: "is not null missing", op: OperatorIsNull, value: `false`, attrs: Attributes{}, want: false},
		{name: "nan never compares", op: OperatorLTE, value: `1`, attrs: Attributes{"v": math.NaN()}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := compiled(t, "v", tt.op, tt.value)
			if _, got := c.matches(tt.attrs); got != tt.want {
				t.Fatalf("matches(%v) = %v, want %v", tt.attrs, got, tt.want)
			}
		})
	}
}

func TestConditionCompileErrors(t *testing.T) {
	tests := []struct {
		op    Operator
		value string
	}{
		{op: OperatorGTE, value: `"not a version"`},
		{op: OperatorGTE, value: `[1]`},
		{op: OperatorMatches, value: `5`},
		{op: OperatorMatches, value: `"(["`},
		{op: OperatorOneOf, value: `"US"`},
		{op: OperatorIsNull, value: `"yes"`},
		{op: Operator("STARTS_WITH"), value: `"a"`},
	}

	for _, tt := range tests {
		t.Run(string(tt.op)+" "+tt.value, func(t *testing.T) {
			c := Condition{Attribute: "v", Operator: tt.op, Value: json.RawMessage(tt.value)}
			if err := c.compile(); err == nil {
				t.Fatal("compile() succeeded, want error")
			}
		})
	}
}

func TestEvaluateRules(t *testing.T) {
	adults := Rule{Conditions: []Condition{compiled(t, "age", OperatorGTE, `18`)}}
	usAdults := Rule{Conditions: []Condition{
		compiled(t, "age", OperatorGTE, `18`),
		compiled(t, "country", OperatorOneOf, `["US"]`),
	}}
	emails := Rule{Conditions: []Condition{compiled(t, "email", OperatorMatches, `"@example\\.com$"`)}}

	tests := []struct {
		name      string
		rules     []Rule
		attrs     Attributes
		wantMatch bool
		wantIndex int
	}{
		{name: "no rules match everyone", rules: nil, attrs: nil, wantMatch: true, wantIndex: -1},
		{name: "conjunction holds", rules: []Rule{usAdults}, attrs: Attributes{"age": 30, "country": "US"}, wantMatch: true, wantIndex: 0},
		{name: "conjunction fails", rules: []Rule{usAdults}, attrs: Attributes{"age": 30, "country": "FR"}, wantMatch: false, wantIndex: -1},
		{name: "second rule matches", rules: []Rule{emails, adults}, attrs: Attributes{"age": 40}, wantMatch: true, wantIndex: 1},
		{name: "first match wins", rules: []Rule{emails, adults}, attrs: Attributes{"age": 40, "email": "a@example.com"}, wantMatch: true, wantIndex: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matched, index := EvaluateRules(tt.rules, tt.attrs)
			if matched != tt.wantMatch || index != tt.wantIndex {
				t.Fatalf("EvaluateRules() = (%v, %d), want (%v, %d)", matched, index, tt.wantMatch, tt.wantIndex)
			}
		})
	}
}

func TestWithSubjectID(t *testing.T) {
	attrs := Attributes{"country": "US"}
	got := withSubjectID(attrs, "alice")
	if got["id"] != "alice" {
		t.Fatalf("id = %v, want alice", got["id"])
	}
	if _, ok := attrs["id"]; ok {
		t.Fatal("withSubjectID mutated the caller's attributes")
	}

	explicit := withSubjectID(Attributes{"id": "custom"}, "alice")
	if explicit["id"] != "custom" {
		t.Fatalf("id = %v, want caller-supplied value", explicit["id"])
	}
}

func TestCanonicalString(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{in: "x", want: "x"},
		{in: true, want: "true"},
		{in: 1.0, want: "1"},
		{in: 2.50, want: "2.5"},
		{in: int64(-3), want: "-3"},
		{in: uint8(7), want: "7"},
		{in: json.Number("10"), want: "10"},
	}
	for _, tt := range tests {
		if got := canonicalString(tt.in); got != tt.want {
			t.Errorf("canonicalString(%#v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
