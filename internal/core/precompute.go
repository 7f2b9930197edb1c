package core

// PrecomputedAssignment is one flag's result for a fixed subject, as served
// to clients that cannot evaluate flags themselves.
type PrecomputedAssignment struct {
	AllocationKey string            `json:"allocationKey"`
	VariationKey  string            `json:"variationKey"`
	VariationType VariationType     `json:"variationType"`
	Value         Value             `json:"variationValue"`
	DoLog         bool              `json:"doLog"`
	ExtraLogging  map[string]string `json:"extraLogging,omitempty"`
}

// Precompute evaluates every flag for one subject. Flags that are disabled,
// invalid or do not match the subject are left out.
func (e *Evaluator) Precompute(cfg *Configuration, subjectKey string, attrs Attributes) (map[string]PrecomputedAssignment, error) {
	if cfg == nil {
		return nil, ErrConfigurationMissing
	}
	out := make(map[string]PrecomputedAssignment)
	for _, key := range cfg.flagKeys {
		a, err := e.Assign(cfg, AssignmentRequest{FlagKey: key, SubjectKey: subjectKey, Attributes: attrs})
		if err != nil || !a.Matched() {
			continue
		}
		out[key] = PrecomputedAssignment{
			AllocationKey: a.AllocationKey,
			VariationKey:  a.VariationKey,
			VariationType: a.VariationType,
			Value:         a.Value,
			DoLog:         a.DoLog,
			ExtraLogging:  a.ExtraLogging,
		}
	}
	return out, nil
}
