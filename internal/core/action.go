package core

import "fmt"

type BanditRequest struct {
	FlagKey           string
	SubjectKey        string
	SubjectAttributes ContextAttributes
	Actions           map[string]ContextAttributes
	// DefaultVariation is returned when the flag yields no assignment.
	DefaultVariation string
	Details          bool
}

// BanditEvaluation is the outcome of a bandit-backed flag. Action is empty
// when the assigned variation is not backed by a bandit or evaluation failed.
type BanditEvaluation struct {
	Variation       string             `json:"variation"`
	Action          string             `json:"action,omitempty"`
	Code            Code               `json:"code"`
	AssignmentCode  Code               `json:"-"`
	Result          *BanditResult      `json:"result,omitempty"`
	AssignmentEvent *AssignmentEvent   `json:"-"`
	BanditEvent     *BanditEvent       `json:"-"`
	Details         *EvaluationDetails `json:"details,omitempty"`
}

// BanditAction assigns the flag as a string and, when the variation maps to a
// bandit, selects an action. A failed assignment falls back to
// DefaultVariation, which may itself be bandit-backed; the assignment error
// is still returned. A missing model or an empty action set returns a
// *BanditConfigurationError together with the assigned variation.
func (e *Evaluator) BanditAction(cfg *Configuration, req BanditRequest) (BanditEvaluation, error) {
	a, assignErr := e.Assign(cfg, AssignmentRequest{
		FlagKey:      req.FlagKey,
		SubjectKey:   req.SubjectKey,
		Attributes:   req.SubjectAttributes.Merged(),
		ExpectedType: VariationTypeString,
		Details:      req.Details,
	})

	out := BanditEvaluation{
		Variation:       req.DefaultVariation,
		Code:            a.Code,
		AssignmentCode:  a.Code,
		AssignmentEvent: a.Event,
		Details:         a.Details,
	}
	if cfg == nil {
		return out, assignErr
	}
	if a.Matched() {
		out.Variation = a.Value.String()
	}

	banditKey, ok := cfg.BanditKeyFor(req.FlagKey, out.Variation)
	if !ok {
		if assignErr != nil {
			return out, assignErr
		}
		out.Code = CodeNonBanditVariation
		out.finishDetails()
		return out, nil
	}
	if out.Details != nil {
		out.Details.BanditKey = banditKey
	}

	model, ok := cfg.BanditModel(banditKey)
	if !ok {
		out.Code = CodeBanditError
		out.finishDetails()
		return out, &BanditConfigurationError{BanditKey: banditKey, Reason: "no model loaded"}
	}
	if len(req.Actions) == 0 {
		out.Code = CodeNoActionsSuppliedForBandit
		out.finishDetails()
		return out, &BanditConfigurationError{BanditKey: banditKey, Reason: "no actions supplied"}
	}

	result, err := SelectAction(e.weighting, model, req.FlagKey, req.SubjectKey, req.SubjectAttributes, req.Actions)
	if err != nil {
		out.Code = CodeBanditError
		out.finishDetails()
		return out, err
	}

	action := req.Actions[result.ActionKey]
	out.Action = result.ActionKey
	out.Result = &result
	out.Code = CodeMatch
	out.BanditEvent = &BanditEvent{
		FlagKey:                      req.FlagKey,
		BanditKey:                    banditKey,
		Subject:                      req.SubjectKey,
		Action:                       result.ActionKey,
		ActionProbability:            result.Probability,
		OptimalityGap:                result.OptimalityGap,
		ModelVersion:                 model.ModelVersion,
		Timestamp:                    e.now(),
		SubjectNumericAttributes:     req.SubjectAttributes.Numeric,
		SubjectCategoricalAttributes: req.SubjectAttributes.Categorical,
		ActionNumericAttributes:      action.Numeric,
		ActionCategoricalAttributes:  action.Categorical,
		MetaData:                     e.metaData,
	}
	if out.Details != nil {
		out.Details.BanditAction = result.ActionKey
		out.Details.Bandit = &result
	}
	out.finishDetails()
	return out, assignErr
}

func (b *BanditEvaluation) finishDetails() {
	if b.Details == nil {
		return
	}
	b.Details.FlagEvaluationCode = b.Code
	switch {
	case b.Result != nil:
		b.Details.FlagEvaluationDescription = fmt.Sprintf("Bandit %q selected action %q with probability %.4f.",
			b.Result.BanditKey, b.Action, b.Result.Probability)
	case b.Code != CodeMatch:
		b.Details.FlagEvaluationDescription = b.Code.Description()
	}
}
