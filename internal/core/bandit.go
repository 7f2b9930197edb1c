package core

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// banditShards is the resolution of the deterministic bandit draw.
const banditShards uint64 = 10000

// Weighting selects how action scores become selection probabilities.
type Weighting string

const (
	// WeightingSoftmax applies a softmax with temperature gamma and lifts
	// every action to the probability floor by proportional water-filling.
	WeightingSoftmax Weighting = "softmax"
	// WeightingInverseGap reproduces the inverse-gap weighting and per-subject
	// action shuffle used by the other Eppo SDKs.
	WeightingInverseGap Weighting = "inverse_gap"
)

func ParseWeighting(s string) (Weighting, error) {
	switch w := Weighting(strings.ToLower(strings.TrimSpace(s))); w {
	case "", WeightingSoftmax:
		return WeightingSoftmax, nil
	case WeightingInverseGap:
		return WeightingInverseGap, nil
	default:
		return "", fmt.Errorf("unknown bandit weighting %q", s)
	}
}

// BanditResult is the outcome of scoring and drawing one action.
type BanditResult struct {
	BanditKey     string             `json:"banditKey"`
	ActionKey     string             `json:"actionKey"`
	Probability   float64            `json:"actionProbability"`
	Score         float64            `json:"actionScore"`
	OptimalityGap float64            `json:"optimalityGap"`
	ModelVersion  string             `json:"modelVersion"`
	Scores        map[string]float64 `json:"scores"`
	Weights       map[string]float64 `json:"weights"`
}

// ScoreActions computes the linear score of every action.
func ScoreActions(model BanditModelData, subject ContextAttributes, actions map[string]ContextAttributes) map[string]float64 {
	scores := make(map[string]float64, len(actions))
	for key, attrs := range actions {
		scores[key] = finite(scoreAction(model, key, attrs, subject))
	}
	return scores
}

// finite clamps an overflowed score to the largest representable magnitude.
// NaN sorts last.
func finite(x float64) float64 {
	switch {
	case math.IsNaN(x):
		return -math.MaxFloat64
	case math.IsInf(x, 1):
		return math.MaxFloat64
	case math.IsInf(x, -1):
		return -math.MaxFloat64
	}
	return x
}

func scoreAction(model BanditModelData, key string, action, subject ContextAttributes) float64 {
	coef, ok := model.Coefficients[key]
	if !ok {
		return model.DefaultActionScore
	}
	return coef.Intercept +
		scoreAttributes(action, coef.ActionNumericCoefficients, coef.ActionCategoricalCoefficients) +
		scoreAttributes(subject, coef.SubjectNumericCoefficients, coef.SubjectCategoricalCoefficients)
}

func scoreAttributes(attrs ContextAttributes, numeric []NumericCoefficient, categorical []CategoricalCoefficient) float64 {
	var sum float64
	for _, c := range numeric {
		v, ok := attrs.Numeric[c.AttributeKey]
		if ok && !math.IsNaN(v) && !math.IsInf(v, 0) {
			sum += v * c.Coefficient
		} else {
			sum += c.MissingValueCoefficient
		}
	}
	for _, c := range categorical {
		if v, ok := attrs.Categorical[c.AttributeKey]; ok {
			if w, ok := c.ValueCoefficients[v]; ok {
				sum += w
				continue
			}
		}
		sum += c.MissingValueCoefficient
	}
	return sum
}

// SelectAction scores actions against model and draws one deterministically
// from the subject key.
func SelectAction(weighting Weighting, model BanditModel, flagKey, subjectKey string, subject ContextAttributes, actions map[string]ContextAttributes) (BanditResult, error) {
	if len(actions) == 0 {
		return BanditResult{}, &BanditConfigurationError{BanditKey: model.BanditKey, Reason: "no actions supplied"}
	}

	data := model.ModelData
	scores := ScoreActions(data, subject, actions)
	bestKey, bestScore := bestAction(scores)

	var (
		order   []string
		weights map[string]float64
		draw    float64
	)
	switch weighting {
	case WeightingInverseGap:
		weights = inverseGapWeights(scores, bestKey, bestScore, data.Gamma, data.ActionProbabilityFloor)
		order = shuffledActions(scores, flagKey, subjectKey)
		draw = float64(Shard(flagKey+"-"+subjectKey, banditShards)) / float64(banditShards)
	case WeightingSoftmax, "":
		order = sortedKeys(scores)
		weights = softmaxWeights(order, scores, bestScore, data.Gamma)
		applyFloor(order, weights, data.ActionProbabilityFloor)
		draw = float64(Shard(subjectKey+"-"+model.BanditKey, banditShards)) / float64(banditShards)
	default:
		return BanditResult{}, fmt.Errorf("unknown bandit weighting %q", weighting)
	}

	selected := order[len(order)-1]
	var cumulative float64
	for _, key := range order {
		cumulative += weights[key]
		if cumulative > draw {
			selected = key
			break
		}
	}

	return BanditResult{
		BanditKey:     model.BanditKey,
		ActionKey:     selected,
		Probability:   weights[selected],
		Score:         scores[selected],
		OptimalityGap: finite(bestScore - scores[selected]),
		ModelVersion:  model.ModelVersion,
		Scores:        scores,
		Weights:       weights,
	}, nil
}

// bestAction returns the highest score. Ties go to the greater key.
func bestAction(scores map[string]float64) (string, float64) {
	var (
		bestKey   string
		bestScore = math.Inf(-1)
		first     = true
	)
	for key, score := range scores {
		if first || score > bestScore || (score == bestScore && key > bestKey) {
			bestKey, bestScore, first = key, score, false
		}
	}
	return bestKey, bestScore
}

func sortedKeys(scores map[string]float64) []string {
	keys := make([]string, 0, len(scores))
	for k := range scores {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func softmaxWeights(keys []string, scores map[string]float64, best, gamma float64) map[string]float64 {
	weights := make(map[string]float64, len(keys))
	if gamma <= 0 {
		var top int
		for _, k := range keys {
			if scores[k] == best {
				top++
			}
		}
		for _, k := range keys {
			if scores[k] == best {
				weights[k] = 1 / float64(top)
			} else {
				weights[k] = 0
			}
		}
		return weights
	}

	var sum float64
	for _, k := range keys {
		w := math.Exp((scores[k] - best) / gamma)
		weights[k] = w
		sum += w
	}
	for _, k := range keys {
		weights[k] /= sum
	}
	return weights
}

// applyFloor raises every weight to at least floor, shrinking the others in
// proportion so the total stays 1. A floor above 1/n is capped at 1/n.
func applyFloor(keys []string, weights map[string]float64, floor float64) {
	n := len(keys)
	if n == 0 || floor <= 0 {
		return
	}
	if limit := 1 / float64(n); floor > limit {
		floor = limit
	}

	clamped := make(map[string]bool, n)
	for {
		free := 1 - floor*float64(len(clamped))
		var mass float64
		for _, k := range keys {
			if !clamped[k] {
				mass += weights[k]
			}
		}

		changed := false
		for _, k := range keys {
			if clamped[k] {
				continue
			}
			if mass <= 0 || weights[k]*free/mass < floor {
				clamped[k] = true
				changed = true
			}
		}
		if changed {
			continue
		}

		for _, k := range keys {
			if clamped[k] {
				weights[k] = floor
			} else {
				weights[k] = weights[k] * free / mass
			}
		}
		return
	}
}

func inverseGapWeights(scores map[string]float64, bestKey string, bestScore, gamma, floor float64) map[string]float64 {
	n := float64(len(scores))
	weights := make(map[string]float64, len(scores))
	remainder := 1.0
	for key, score := range scores {
		if key == bestKey {
			continue
		}
		w := math.Max(floor/n, 1/(n+gamma*(bestScore-score)))
		weights[key] = w
		remainder -= w
	}
	weights[bestKey] = math.Max(remainder, 0)
	return weights
}

// shuffledActions orders actions by a per-subject hash so that small weight
// changes move subjects to pseudo-random neighbours.
func shuffledActions(scores map[string]float64, flagKey, subjectKey string) []string {
	keys := sortedKeys(scores)
	hashes := make(map[string]uint64, len(keys))
	for _, k := range keys {
		hashes[k] = Shard(flagKey+"-"+subjectKey+"-"+k, banditShards)
	}
	sort.SliceStable(keys, func(i, j int) bool {
		return hashes[keys[i]] < hashes[keys[j]]
	})
	return keys
}
