package core

import (
	"encoding/json"
	"time"
)

// Version is reported in event metaData.
const Version = "0.3.0"

func DefaultMetaData() map[string]string {
	return map[string]string{
		"sdkName":     "assignz",
		"sdkVersion":  Version,
		"coreVersion": Version,
	}
}

// AssignmentEvent is handed to the analytics collaborator for every logged
// assignment. ExtraLogging keys are flattened into the top-level object
// without overriding the standard fields.
type AssignmentEvent struct {
	FeatureFlag       string             `json:"featureFlag"`
	Allocation        string             `json:"allocation"`
	Experiment        string             `json:"experiment"`
	Variation         string             `json:"variation"`
	Subject           string             `json:"subject"`
	SubjectAttributes Attributes         `json:"subjectAttributes"`
	Timestamp         time.Time          `json:"timestamp"`
	MetaData          map[string]string  `json:"metaData"`
	ExtraLogging      map[string]string  `json:"-"`
	EvaluationDetails *EvaluationDetails `json:"evaluationDetails,omitempty"`
}

func (e AssignmentEvent) MarshalJSON() ([]byte, error) {
	type plain AssignmentEvent
	base, err := json.Marshal(plain(e))
	if err != nil || len(e.ExtraLogging) == 0 {
		return base, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(base, &fields); err != nil {
		return nil, err
	}
	for k, v := range e.ExtraLogging {
		if _, taken := fields[k]; taken {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		fields[k] = raw
	}
	return json.Marshal(fields)
}

type BanditEvent struct {
	FlagKey                      string             `json:"flagKey"`
	BanditKey                    string             `json:"banditKey"`
	Subject                      string             `json:"subject"`
	Action                       string             `json:"action"`
	ActionProbability            float64            `json:"actionProbability"`
	OptimalityGap                float64            `json:"optimalityGap"`
	ModelVersion                 string             `json:"modelVersion"`
	Timestamp                    time.Time          `json:"timestamp"`
	SubjectNumericAttributes     map[string]float64 `json:"subjectNumericAttributes"`
	SubjectCategoricalAttributes map[string]string  `json:"subjectCategoricalAttributes"`
	ActionNumericAttributes      map[string]float64 `json:"actionNumericAttributes"`
	ActionCategoricalAttributes  map[string]string  `json:"actionCategoricalAttributes"`
	MetaData                     map[string]string  `json:"metaData"`
}

func (e *Evaluator) assignmentEvent(req AssignmentRequest, a Assignment, now time.Time) *AssignmentEvent {
	return &AssignmentEvent{
		FeatureFlag:       a.FlagKey,
		Allocation:        a.AllocationKey,
		Experiment:        a.FlagKey + "-" + a.AllocationKey,
		Variation:         a.VariationKey,
		Subject:           req.SubjectKey,
		SubjectAttributes: req.Attributes,
		Timestamp:         now,
		MetaData:          e.metaData,
		ExtraLogging:      a.ExtraLogging,
		EvaluationDetails: a.Details,
	}
}
