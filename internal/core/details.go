package core

import (
	"fmt"
	"time"
)

// EvaluationDetails explains how an assignment was reached. Building it
// never changes the assigned value.
type EvaluationDetails struct {
	FlagKey                   string              `json:"flagKey"`
	SubjectKey                string              `json:"subjectKey"`
	SubjectAttributes         Attributes          `json:"subjectAttributes"`
	Timestamp                 time.Time           `json:"timestamp"`
	ConfigFetchedAt           *time.Time          `json:"configFetchedAt,omitempty"`
	ConfigPublishedAt         *time.Time          `json:"configPublishedAt,omitempty"`
	EnvironmentName           string              `json:"environmentName,omitempty"`
	FlagEvaluationCode        Code                `json:"flagEvaluationCode"`
	FlagEvaluationDescription string              `json:"flagEvaluationDescription"`
	VariationKey              string              `json:"variationKey,omitempty"`
	VariationValue            *Value              `json:"variationValue,omitempty"`
	BanditKey                 string              `json:"banditKey,omitempty"`
	BanditAction              string              `json:"banditAction,omitempty"`
	Bandit                    *BanditResult       `json:"bandit,omitempty"`
	MatchedRule               *RuleDetails        `json:"matchedRule,omitempty"`
	MatchedAllocation         *AllocationDetails  `json:"matchedAllocation,omitempty"`
	UnmatchedAllocations      []AllocationDetails `json:"unmatchedAllocations"`
	UnevaluatedAllocations    []AllocationDetails `json:"unevaluatedAllocations"`
}

type AllocationDetails struct {
	Key             string         `json:"key"`
	OrderPosition   int            `json:"orderPosition"`
	Code            AllocationCode `json:"allocationEvaluationCode"`
	EvaluatedRules  []RuleDetails  `json:"evaluatedRules,omitempty"`
	EvaluatedSplits []SplitDetails `json:"evaluatedSplits,omitempty"`
}

type RuleDetails struct {
	Index      int                `json:"index"`
	Matched    bool               `json:"matched"`
	Conditions []ConditionDetails `json:"conditions"`
}

type ConditionDetails struct {
	Condition      Condition `json:"condition"`
	AttributeValue any       `json:"attributeValue"`
	Matched        bool      `json:"matched"`
}

type SplitDetails struct {
	VariationKey string         `json:"variationKey"`
	Matched      bool           `json:"matched"`
	Shards       []ShardDetails `json:"shards,omitempty"`
}

type ShardDetails struct {
	Shard      ShardSpec `json:"shard"`
	ShardValue uint64    `json:"shardValue"`
	Matched    bool      `json:"matched"`
}

func newDetails(cfg *Configuration, flagKey, subjectKey string, attrs Attributes, now time.Time) *EvaluationDetails {
	d := &EvaluationDetails{
		FlagKey:                flagKey,
		SubjectKey:             subjectKey,
		SubjectAttributes:      attrs,
		Timestamp:              now,
		UnmatchedAllocations:   []AllocationDetails{},
		UnevaluatedAllocations: []AllocationDetails{},
	}
	if cfg != nil {
		fetched, published := cfg.fetchedAt, cfg.publishedAt
		d.ConfigFetchedAt = &fetched
		if !published.IsZero() {
			d.ConfigPublishedAt = &published
		}
		d.EnvironmentName = cfg.environment
	}
	return d
}

// recordAllocation files an evaluated allocation under matched or unmatched.
func (d *EvaluationDetails) recordAllocation(a AllocationDetails, matchedRule *RuleDetails) {
	if a.Code == AllocationMatch {
		d.MatchedAllocation = &a
		d.MatchedRule = matchedRule
		return
	}
	d.UnmatchedAllocations = append(d.UnmatchedAllocations, a)
}

func (d *EvaluationDetails) skipAllocations(allocs []Allocation, from int) {
	for i := from; i < len(allocs); i++ {
		d.UnevaluatedAllocations = append(d.UnevaluatedAllocations, AllocationDetails{
			Key:           allocs[i].Key,
			OrderPosition: i + 1,
			Code:          AllocationUnevaluated,
		})
	}
}

func (d *EvaluationDetails) finish(a Assignment, err error) {
	d.FlagEvaluationCode = a.Code
	d.FlagEvaluationDescription = describe(a, err)
	if a.Code == CodeMatch {
		d.VariationKey = a.VariationKey
		v := a.Value
		d.VariationValue = &v
	}
}

func describe(a Assignment, err error) string {
	switch a.Code {
	case CodeMatch:
		return fmt.Sprintf("Subject %q matched allocation %q and was assigned variation %q.", a.Subject, a.AllocationKey, a.VariationKey)
	case CodeAssignmentError, CodeTypeMismatch:
		if err != nil {
			return err.Error()
		}
	}
	return a.Code.Description()
}
