package core

import (
	"errors"
	"time"
)

// Evaluator computes assignments and bandit actions against a
// Configuration. It holds no mutable state and is safe for concurrent use.
type Evaluator struct {
	now       func() time.Time
	weighting Weighting
	metaData  map[string]string
}

type EvaluatorOption func(*Evaluator)

// WithClock overrides the clock used for allocation windows and events.
func WithClock(now func() time.Time) EvaluatorOption {
	return func(e *Evaluator) {
		if now != nil {
			e.now = now
		}
	}
}

func WithWeighting(w Weighting) EvaluatorOption {
	return func(e *Evaluator) { e.weighting = w }
}

// WithMetaData replaces the metaData attached to emitted events.
func WithMetaData(meta map[string]string) EvaluatorOption {
	return func(e *Evaluator) { e.metaData = meta }
}

func NewEvaluator(opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		now:       func() time.Time { return time.Now().UTC() },
		weighting: WeightingSoftmax,
		metaData:  DefaultMetaData(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Evaluator) Weighting() Weighting { return e.weighting }

type AssignmentRequest struct {
	FlagKey    string
	SubjectKey string
	Attributes Attributes
	// ExpectedType, when set, must equal the flag's variation type.
	ExpectedType VariationType
	Details      bool
}

// Assignment is the outcome of one flag evaluation. Value is zero unless
// Code is CodeMatch.
type Assignment struct {
	FlagKey       string             `json:"flagKey"`
	Subject       string             `json:"subjectKey"`
	Code          Code               `json:"code"`
	AllocationKey string             `json:"allocationKey,omitempty"`
	VariationKey  string             `json:"variationKey,omitempty"`
	VariationType VariationType      `json:"variationType,omitempty"`
	Value         Value              `json:"value"`
	DoLog         bool               `json:"doLog"`
	ExtraLogging  map[string]string  `json:"extraLogging,omitempty"`
	MatchedRule   int                `json:"matchedRule"`
	Event         *AssignmentEvent   `json:"-"`
	Details       *EvaluationDetails `json:"details,omitempty"`
}

func (a Assignment) Matched() bool { return a.Code == CodeMatch }

// Assign evaluates one flag for one subject. The returned Assignment is
// always populated with a Code; the error is non-nil for configuration
// failures, unknown or disabled flags and type mismatches, so callers can
// choose between falling back to a default and surfacing the failure.
// Unmatched traffic is not an error.
func (e *Evaluator) Assign(cfg *Configuration, req AssignmentRequest) (Assignment, error) {
	now := e.now()
	var details *EvaluationDetails
	if req.Details {
		details = newDetails(cfg, req.FlagKey, req.SubjectKey, req.Attributes, now)
	}

	a, err := e.assign(cfg, req, now, details)
	if details != nil {
		details.finish(a, err)
		a.Details = details
	}
	if a.Matched() && a.DoLog {
		a.Event = e.assignmentEvent(req, a, now)
	}
	return a, err
}

func (e *Evaluator) assign(cfg *Configuration, req AssignmentRequest, now time.Time, details *EvaluationDetails) (Assignment, error) {
	a := Assignment{FlagKey: req.FlagKey, Subject: req.SubjectKey, MatchedRule: -1}
	if cfg == nil {
		a.Code = CodeConfigurationMissing
		return a, ErrConfigurationMissing
	}

	flag, err := cfg.lookupFlag(req.FlagKey)
	switch {
	case errors.Is(err, ErrFlagNotFound):
		a.Code = CodeFlagUnrecognizedOrDisabled
		return a, err
	case err != nil:
		a.Code = CodeAssignmentError
		return a, err
	case !flag.Enabled:
		a.Code = CodeFlagUnrecognizedOrDisabled
		return a, ErrFlagDisabled
	}
	a.VariationType = flag.VariationType

	if req.ExpectedType != "" && req.ExpectedType != flag.VariationType {
		a.Code = CodeTypeMismatch
		return a, &TypeMismatchError{FlagKey: flag.Key, Expected: req.ExpectedType, Actual: flag.VariationType}
	}

	attrs := withSubjectID(req.Attributes, req.SubjectKey)
	trafficMiss := false
	for i := range flag.Allocations {
		alloc := &flag.Allocations[i]

		var trace *AllocationDetails
		if details != nil {
			trace = &AllocationDetails{Key: alloc.Key, OrderPosition: i + 1}
		}

		code, split, rule := evaluateAllocation(alloc, attrs, req.SubjectKey, flag.TotalShards, now, trace)
		if details != nil {
			trace.Code = code
			var matchedRule *RuleDetails
			if code == AllocationMatch && rule >= 0 {
				matchedRule = &trace.EvaluatedRules[len(trace.EvaluatedRules)-1]
			}
			details.recordAllocation(*trace, matchedRule)
		}

		switch code {
		case AllocationMatch:
			if details != nil {
				details.skipAllocations(flag.Allocations, i+1)
			}
			a.Code = CodeMatch
			a.AllocationKey = alloc.Key
			a.VariationKey = split.VariationKey
			a.Value = flag.values[split.VariationKey]
			a.DoLog = alloc.DoLog
			a.ExtraLogging = split.ExtraLogging
			a.MatchedRule = rule
			return a, nil
		case AllocationTrafficExposureMiss:
			trafficMiss = true
		}
	}

	a.Code = CodeNoAllocationsMatched
	if trafficMiss {
		a.Code = CodeNoShardMatched
	}
	return a, nil
}

// evaluateAllocation applies the time window, the targeting rules and the
// splits of one allocation. It returns the matched split and rule index.
func evaluateAllocation(alloc *Allocation, attrs Attributes, subjectKey string, totalShards uint64, now time.Time, trace *AllocationDetails) (AllocationCode, *Split, int) {
	if alloc.StartAt != nil && now.Before(*alloc.StartAt) {
		return AllocationBeforeStartTime, nil, -1
	}
	if alloc.EndAt != nil && now.After(*alloc.EndAt) {
		return AllocationAfterEndTime, nil, -1
	}

	rule := -1
	if len(alloc.Rules) > 0 {
		for i, r := range alloc.Rules {
			var rt *RuleDetails
			if trace != nil {
				rt = &RuleDetails{Index: i, Conditions: []ConditionDetails{}}
			}
			ok := matchRule(r, attrs, rt)
			if rt != nil {
				trace.EvaluatedRules = append(trace.EvaluatedRules, *rt)
			}
			if ok {
				rule = i
				break
			}
		}
		if rule < 0 {
			return AllocationFailingRule, nil, -1
		}
	}

	for i := range alloc.Splits {
		split := &alloc.Splits[i]
		var st *SplitDetails
		if trace != nil {
			st = &SplitDetails{VariationKey: split.VariationKey}
		}
		ok := splitMatches(*split, subjectKey, totalShards, st)
		if st != nil {
			trace.EvaluatedSplits = append(trace.EvaluatedSplits, *st)
		}
		if ok {
			return AllocationMatch, split, rule
		}
	}
	return AllocationTrafficExposureMiss, nil, rule
}

// withSubjectID exposes the subject key to rules as "id" unless the caller
// already set it.
func withSubjectID(attrs Attributes, subjectKey string) Attributes {
	if _, ok := attrs["id"]; ok {
		return attrs
	}
	out := make(Attributes, len(attrs)+1)
	for k, v := range attrs {
		out[k] = v
	}
	out["id"] = subjectKey
	return out
}
