package core

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
)

// compile validates the condition literal and caches what evaluation needs.
func (c *Condition) compile() error {
	switch c.Operator {
	case OperatorGTE, OperatorGT, OperatorLTE, OperatorLT:
		var literal any
		if err := json.Unmarshal(c.Value, &literal); err != nil {
			return fmt.Errorf("condition on %q: %w", c.Attribute, err)
		}
		if n, ok := coerceNumber(literal); ok {
			c.number, c.hasNumber = n, true
		}
		if s, ok := literal.(string); ok {
			if v, ok := canonicalVersion(s); ok {
				c.version = v
			}
		}
		if !c.hasNumber && c.version == "" {
			return fmt.Errorf("condition on %q: %s needs a number or version, got %s", c.Attribute, c.Operator, c.Value)
		}
	case OperatorMatches, OperatorNotMatches:
		var pattern string
		if err := json.Unmarshal(c.Value, &pattern); err != nil {
			return fmt.Errorf("condition on %q: %s needs a string pattern: %w", c.Attribute, c.Operator, err)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("condition on %q: %w", c.Attribute, err)
		}
		c.pattern = re
	case OperatorOneOf, OperatorNotOneOf:
		var values []any
		if err := json.Unmarshal(c.Value, &values); err != nil {
			return fmt.Errorf("condition on %q: %s needs a list: %w", c.Attribute, c.Operator, err)
		}
		c.set = make(map[string]struct{}, len(values))
		for _, v := range values {
			if v == nil {
				continue
			}
			c.set[canonicalString(v)] = struct{}{}
		}
	case OperatorIsNull:
		if err := json.Unmarshal(c.Value, &c.isNull); err != nil {
			return fmt.Errorf("condition on %q: IS_NULL needs a bool: %w", c.Attribute, err)
		}
	default:
		return fmt.Errorf("condition on %q: unknown operator %q", c.Attribute, c.Operator)
	}
	return nil
}

// matches evaluates the condition against attrs. It never fails: a value of
// the wrong type simply does not match.
func (c *Condition) matches(attrs Attributes) (any, bool) {
	value, present := attrs[c.Attribute]
	if value == nil {
		present = false
	}

	if c.Operator == OperatorIsNull {
		return value, c.isNull == !present
	}
	if !present {
		return nil, false
	}

	switch c.Operator {
	case OperatorGTE, OperatorGT, OperatorLTE, OperatorLT:
		return value, c.compare(value)
	case OperatorMatches:
		s, ok := value.(string)
		return value, ok && c.pattern != nil && c.pattern.MatchString(s)
	case OperatorNotMatches:
		s, ok := value.(string)
		return value, ok && c.pattern != nil && !c.pattern.MatchString(s)
	case OperatorOneOf:
		_, ok := c.set[canonicalString(value)]
		return value, ok
	case OperatorNotOneOf:
		_, ok := c.set[canonicalString(value)]
		return value, !ok
	default:
		return value, false
	}
}

func (c *Condition) compare(value any) bool {
	if c.hasNumber {
		if n, ok := coerceNumber(value); ok {
			return compareOrdered(c.Operator, cmpFloat(n, c.number))
		}
	}
	if c.version != "" {
		if s, ok := value.(string); ok {
			if v, ok := canonicalVersion(s); ok {
				return compareOrdered(c.Operator, semver.Compare(v, c.version))
			}
		}
	}
	return false
}

func compareOrdered(op Operator, cmp int) bool {
	switch op {
	case OperatorGTE:
		return cmp >= 0
	case OperatorGT:
		return cmp > 0
	case OperatorLTE:
		return cmp <= 0
	case OperatorLT:
		return cmp < 0
	default:
		return false
	}
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func canonicalVersion(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	if !strings.HasPrefix(s, "v") {
		s = "v" + s
	}
	if !semver.IsValid(s) {
		return "", false
	}
	return s, true
}

// matchRule reports whether every condition of rule holds.
func matchRule(rule Rule, attrs Attributes, trace *RuleDetails) bool {
	matched := true
	for i := range rule.Conditions {
		cond := &rule.Conditions[i]
		value, ok := cond.matches(attrs)
		if trace != nil {
			trace.Conditions = append(trace.Conditions, ConditionDetails{
				Condition:      *cond,
				AttributeValue: value,
				Matched:        ok,
			})
		}
		if !ok {
			matched = false
			if trace == nil {
				return false
			}
		}
	}
	if trace != nil {
		trace.Matched = matched
	}
	return matched
}

// EvaluateRules reports whether attrs satisfy at least one rule and returns
// the index of the first matching rule. An empty rule list matches with index
// -1.
func EvaluateRules(rules []Rule, attrs Attributes) (bool, int) {
	if len(rules) == 0 {
		return true, -1
	}
	for i, rule := range rules {
		if matchRule(rule, attrs, nil) {
			return true, i
		}
	}
	return false, -1
}

// canonicalString is the form used for set membership. Whole numbers lose
// their fractional part so 1.0 and "1" compare equal.
func canonicalString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return strconv.FormatFloat(f, 'f', -1, 64)
		}
		return v.String()
	}
	if i, ok := asInt64(value); ok {
		return strconv.FormatInt(i, 10)
	}
	if u, ok := asUint64(value); ok {
		return strconv.FormatUint(u, 10)
	}
	if f, ok := asFloat64(value); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(value)
}

// coerceNumber accepts numbers and numeric-looking strings.
func coerceNumber(value any) (float64, bool) {
	if s, ok := value.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil || math.IsNaN(f) {
			return 0, false
		}
		return f, true
	}
	f, ok := asNumber(value)
	if !ok || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

func asNumber(value any) (float64, bool) {
	if i, ok := asInt64(value); ok {
		return float64(i), true
	}
	if u, ok := asUint64(value); ok {
		return float64(u), true
	}
	if f, ok := asFloat64(value); ok {
		return f, true
	}
	if n, ok := value.(json.Number); ok {
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func asInt64(value any) (int64, bool) {
	switch number := value.(type) {
	case int:
		return int64(number), true
	case int8:
		return int64(number), true
	case int16:
		return int64(number), true
	case int32:
		return int64(number), true
	case int64:
		return number, true
	default:
		return 0, false
	}
}

func asUint64(value any) (uint64, bool) {
	switch number := value.(type) {
	case uint:
		return uint64(number), true
	case uint8:
		return uint64(number), true
	case uint16:
		return uint64(number), true
	case uint32:
		return uint64(number), true
	case uint64:
		return number, true
	default:
		return 0, false
	}
}

func asFloat64(value any) (float64, bool) {
	switch number := value.(type) {
	case float32:
		return float64(number), true
	case float64:
		return number, true
	default:
		return 0, false
	}
}

func isWholeFinite(value float64) bool {
	return !math.IsNaN(value) && !math.IsInf(value, 0) && math.Trunc(value) == value
}
