package core

import (
	"errors"
	"fmt"
)

var (
	// ErrParse is matched by every configuration parse failure.
	ErrParse = errors.New("configuration parse error")

	ErrConfigurationMissing = errors.New("configuration missing")
	ErrFlagNotFound         = errors.New("flag not found")
	ErrFlagDisabled         = errors.New("flag disabled")
	ErrInvalidFlag          = errors.New("invalid flag configuration")
)

// SyntaxError reports a payload that is not well-formed JSON.
type SyntaxError struct {
	Payload string
	Offset  int64
	Err     error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%s payload: syntax error at offset %d: %v", e.Payload, e.Offset, e.Err)
}

func (e *SyntaxError) Unwrap() []error { return []error{ErrParse, e.Err} }

// SchemaError reports well-formed JSON that does not have the expected shape.
type SchemaError struct {
	Payload string
	Path    string
	Reason  string
}

func (e *SchemaError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s payload: schema error: %s", e.Payload, e.Reason)
	}
	return fmt.Sprintf("%s payload: schema error at %s: %s", e.Payload, e.Path, e.Reason)
}

func (e *SchemaError) Unwrap() error { return ErrParse }

// BanditConfigurationError reports an inconsistency between flags, bandit
// models and the supplied actions. It is never converted into a default.
type BanditConfigurationError struct {
	BanditKey string
	Reason    string
}

func (e *BanditConfigurationError) Error() string {
	return fmt.Sprintf("bandit %q: %s", e.BanditKey, e.Reason)
}

// TypeMismatchError reports that a flag serves a different type than the
// caller asked for.
type TypeMismatchError struct {
	FlagKey  string
	Expected VariationType
	Actual   VariationType
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("flag %q has variation type %s, requested %s", e.FlagKey, e.Actual, e.Expected)
}

// Code is the outcome of a flag or bandit evaluation.
type Code string

const (
	CodeMatch                      Code = "MATCH"
	CodeFlagUnrecognizedOrDisabled Code = "FLAG_UNRECOGNIZED_OR_DISABLED"
	CodeTypeMismatch               Code = "TYPE_MISMATCH"
	CodeNoAllocationsMatched       Code = "NO_ALLOCATIONS_MATCHED"
	CodeNoShardMatched             Code = "NO_SHARD_MATCHED"
	CodeConfigurationMissing       Code = "CONFIGURATION_MISSING"
	CodeAssignmentError            Code = "ASSIGNMENT_ERROR"
	CodeNonBanditVariation         Code = "NON_BANDIT_VARIATION"
	CodeNoActionsSuppliedForBandit Code = "NO_ACTIONS_SUPPLIED_FOR_BANDIT"
	CodeBanditError                Code = "BANDIT_ERROR"
)

func (c Code) Description() string {
	switch c {
	case CodeMatch:
		return "subject matched an allocation"
	case CodeFlagUnrecognizedOrDisabled:
		return "flag is unknown or disabled"
	case CodeTypeMismatch:
		return "flag variation type does not match the requested type"
	case CodeNoAllocationsMatched:
		return "no allocation matched the subject"
	case CodeNoShardMatched:
		return "subject matched targeting rules but fell outside every traffic split"
	case CodeConfigurationMissing:
		return "no configuration has been loaded"
	case CodeAssignmentError:
		return "flag configuration is invalid"
	case CodeNonBanditVariation:
		return "assigned variation is not backed by a bandit"
	case CodeNoActionsSuppliedForBandit:
		return "no actions were supplied for bandit evaluation"
	case CodeBanditError:
		return "bandit model is missing or invalid"
	default:
		return string(c)
	}
}

type AllocationCode string

const (
	AllocationUnevaluated         AllocationCode = "UNEVALUATED"
	AllocationMatch               AllocationCode = "MATCH"
	AllocationBeforeStartTime     AllocationCode = "BEFORE_START_TIME"
	AllocationAfterEndTime        AllocationCode = "AFTER_END_TIME"
	AllocationFailingRule         AllocationCode = "FAILING_RULE"
	AllocationTrafficExposureMiss AllocationCode = "TRAFFIC_EXPOSURE_MISS"
)
