package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bannerSubject() ContextAttributes {
	return ContextAttributes{
		Numeric:     map[string]float64{"account_age": 3},
		Categorical: map[string]string{"gender_identity": "female"},
	}
}

func bannerActions() map[string]ContextAttributes {
	return map[string]ContextAttributes{
		"nike": {
			Numeric:     map[string]float64{"brand_affinity": 0.4},
			Categorical: map[string]string{"loyalty_tier": "gold"},
		},
		"adidas": {
			Numeric:     map[string]float64{"brand_affinity": 2.0},
			Categorical: map[string]string{"purchased_last_30_days": "false"},
		},
		"reebok": {},
	}
}

func testModel(t *testing.T, key string) BanditModel {
	t.Helper()
	cfg := loadTestConfiguration(t)
	model, ok := cfg.BanditModel(key)
	require.True(t, ok, "model %s not loaded", key)
	return model
}

func TestScoreActions(t *testing.T) {
	model := testModel(t, "banner_bandit")
	scores := ScoreActions(model.ModelData, bannerSubject(), bannerActions())

	assert.InDelta(t, 7.3, scores["nike"], 1e-9)
	assert.InDelta(t, 5.1, scores["adidas"], 1e-9)
	assert.Equal(t, 0.0, scores["reebok"], "unknown action uses the default score")
}

func TestScoreActionsMissingValues(t *testing.T) {
	model := testModel(t, "banner_bandit")

	// nike: intercept 1, brand_affinity missing -0.1, loyalty_tier unknown 0,
	// account_age missing 0, gender_identity missing 2.3.
	scores := ScoreActions(model.ModelData, ContextAttributes{}, map[string]ContextAttributes{
		"nike": {Categorical: map[string]string{"loyalty_tier": "platinum"}},
	})
	assert.InDelta(t, 1-0.1+2.3, scores["nike"], 1e-9)

	car := testModel(t, "car_bandit")
	scores = ScoreActions(car.ModelData, ContextAttributes{}, map[string]ContextAttributes{
		"toyota": {Numeric: map[string]float64{"speed": 10}},
		"honda":  {Numeric: map[string]float64{"speed": 50}},
	})
	assert.Equal(t, map[string]float64{"toyota": 11, "honda": 5}, scores)
}

func TestSoftmaxSelection(t *testing.T) {
	model := testModel(t, "banner_bandit")

	tests := []struct {
		subject string
		want    string
	}{
		{subject: "alice", want: "nike"},
		{subject: "bob", want: "nike"},
		{subject: "charlie", want: "nike"},
		{subject: "dave", want: "nike"},
		{subject: "erin", want: "nike"},
		{subject: "frank", want: "adidas"},
		{subject: "grace", want: "nike"},
		{subject: "henry", want: "nike"},
	}

	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			got, err := SelectAction(WeightingSoftmax, model, "banner_bandit_flag", tt.subject, bannerSubject(), bannerActions())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.ActionKey)
			assert.Equal(t, "123", got.ModelVersion)
			assert.InDelta(t, 7.3-got.Score, got.OptimalityGap, 1e-9)
		})
	}

	got, err := SelectAction(WeightingSoftmax, model, "banner_bandit_flag", "alice", bannerSubject(), bannerActions())
	require.NoError(t, err)
	assert.InDelta(t, 0.8997, got.Weights["nike"], 1e-4)
	assert.InDelta(t, 0.0997, got.Weights["adidas"], 1e-4)
	assert.InDelta(t, 0.00061, got.Weights["reebok"], 1e-5)
	assert.InDelta(t, got.Weights["nike"], got.Probability, 1e-12)
}

func TestInverseGapSelection(t *testing.T) {
	model := testModel(t, "banner_bandit")

	tests := []struct {
		subject string
		want    string
	}{
		{subject: "alice", want: "nike"},
		{subject: "bob", want: "adidas"},
		{subject: "charlie", want: "adidas"},
		{subject: "dave", want: "nike"},
		{subject: "erin", want: "nike"},
		{subject: "frank", want: "adidas"},
		{subject: "grace", want: "adidas"},
		{subject: "henry", want: "adidas"},
	}

	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			got, err := SelectAction(WeightingInverseGap, model, "banner_bandit_flag", tt.subject, bannerSubject(), bannerActions())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.ActionKey)
			assert.InDelta(t, 0.19230769, got.Weights["adidas"], 1e-6)
			assert.InDelta(t, 0.09708738, got.Weights["reebok"], 1e-6)
			assert.InDelta(t, 0.71060493, got.Weights["nike"], 1e-6)
		})
	}
}

func TestProbabilityFloor(t *testing.T) {
	model := testModel(t, "banner_bandit")

	tests := []struct {
		floor float64
		want  map[string]float64
	}{
		{floor: 0.2, want: map[string]float64{"adidas": 0.2, "nike": 0.6, "reebok": 0.2}},
		{floor: 0.5, want: map[string]float64{"adidas": 1.0 / 3, "nike": 1.0 / 3, "reebok": 1.0 / 3}},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.floor), func(t *testing.T) {
			m := model
			m.ModelData.ActionProbabilityFloor = tt.floor
			got, err := SelectAction(WeightingSoftmax, m, "banner_bandit_flag", "alice", bannerSubject(), bannerActions())
			require.NoError(t, err)
			for key, want := range tt.want {
				assert.InDelta(t, want, got.Weights[key], 1e-9, "weight of %s", key)
			}
		})
	}

	car := testModel(t, "car_bandit")
	actions := map[string]ContextAttributes{
		"toyota": {Numeric: map[string]float64{"speed": 10}},
		"honda":  {},
	}
	for _, subject := range []string{"alice", "bob"} {
		got, err := SelectAction(WeightingSoftmax, car, "car_bandit_flag", subject, ContextAttributes{}, actions)
		require.NoError(t, err)
		assert.Equal(t, "toyota", got.ActionKey)
		assert.InDelta(t, 0.8, got.Probability, 1e-9)
		assert.InDelta(t, 0.2, got.Weights["honda"], 1e-9)
	}
}

func TestWeightsFormDistribution(t *testing.T) {
	model := testModel(t, "banner_bandit")

	for _, weighting := range []Weighting{WeightingSoftmax, WeightingInverseGap} {
		for _, floor := range []float64{0, 0.05, 0.3, 1} {
			for _, gamma := range []float64{0, 0.5, 1, 10} {
				m := model
				m.ModelData.ActionProbabilityFloor = floor
				m.ModelData.Gamma = gamma

				got, err := SelectAction(weighting, m, "banner_bandit_flag", "alice", bannerSubject(), bannerActions())
				require.NoError(t, err)

				var sum float64
				for key, w := range got.Weights {
					assert.GreaterOrEqual(t, w, 0.0, "%s %s floor=%v gamma=%v", weighting, key, floor, gamma)
					sum += w
				}
				assert.InDelta(t, 1.0, sum, 1e-9, "%s floor=%v gamma=%v", weighting, floor, gamma)
				if weighting == WeightingSoftmax {
					for key, w := range got.Weights {
						assert.GreaterOrEqual(t, w+1e-12, minFloat(floor, 1.0/3), "%s floor=%v gamma=%v", key, floor, gamma)
					}
				}
			}
		}
	}
}

func TestSelectActionOverflowingScores(t *testing.T) {
	model := BanditModel{
		BanditKey:    "overflow",
		ModelVersion: "1",
		ModelData: BanditModelData{
			Gamma:                  1,
			ActionProbabilityFloor: 0.1,
			Coefficients: map[string]ActionCoefficients{
				"big": {
					ActionKey:                 "big",
					ActionNumericCoefficients: []NumericCoefficient{{AttributeKey: "x", Coefficient: 10}},
				},
			},
		},
	}
	actions := map[string]ContextAttributes{
		"big":   {Numeric: map[string]float64{"x": 1e308}},
		"small": {},
	}

	for _, weighting := range []Weighting{WeightingSoftmax, WeightingInverseGap} {
		for _, subject := range []string{"alice", "bob", "carol"} {
			got, err := SelectAction(weighting, model, "overflow_flag", subject, ContextAttributes{}, actions)
			require.NoError(t, err)

			assert.False(t, math.IsNaN(got.Probability), "%s %s", weighting, subject)
			assert.Equal(t, math.MaxFloat64, got.Scores["big"])
			assert.False(t, math.IsInf(got.OptimalityGap, 0))

			var sum float64
			for key, w := range got.Weights {
				assert.False(t, math.IsNaN(w) || math.IsInf(w, 0), "%s %s weight %v", weighting, key, w)
				sum += w
			}
			assert.InDelta(t, 1.0, sum, 1e-9, "%s %s", weighting, subject)

			_, err = json.Marshal(got)
			require.NoError(t, err, "%s %s", weighting, subject)
		}
	}
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func TestSoftmaxZeroGammaIsGreedy(t *testing.T) {
	model := testModel(t, "banner_bandit")
	model.ModelData.Gamma = 0

	for _, subject := range []string{"alice", "frank", "henry"} {
		got, err := SelectAction(WeightingSoftmax, model, "banner_bandit_flag", subject, bannerSubject(), bannerActions())
		require.NoError(t, err)
		assert.Equal(t, "nike", got.ActionKey)
		assert.Equal(t, 1.0, got.Probability)
	}
}

func TestSelectActionErrors(t *testing.T) {
	model := testModel(t, "banner_bandit")

	_, err := SelectAction(WeightingSoftmax, model, "banner_bandit_flag", "alice", bannerSubject(), nil)
	var cfgErr *BanditConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "banner_bandit", cfgErr.BanditKey)

	_, err = SelectAction(Weighting("thompson"), model, "banner_bandit_flag", "alice", bannerSubject(), bannerActions())
	assert.Error(t, err)
}

func TestParseWeighting(t *testing.T) {
	for in, want := range map[string]Weighting{"": WeightingSoftmax, "SoftMax": WeightingSoftmax, " inverse_gap ": WeightingInverseGap} {
		got, err := ParseWeighting(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseWeighting("epsilon")
	assert.Error(t, err)
}

func TestAttributesFromMap(t *testing.T) {
	got := AttributesFromMap(map[string]any{
		"age":     30,
		"score":   1.5,
		"country": "US",
		"member":  true,
		"gone":    nil,
	})
	assert.Equal(t, map[string]float64{"age": 30, "score": 1.5}, got.Numeric)
	assert.Equal(t, map[string]string{"country": "US", "member": "true"}, got.Categorical)
	assert.Len(t, got.Merged(), 4)
}

func TestBanditAction(t *testing.T) {
	cfg := loadTestConfiguration(t)
	e := NewEvaluator(fixedClock(testNow))

	got, err := e.BanditAction(cfg, BanditRequest{
		FlagKey:           "banner_bandit_flag",
		SubjectKey:        "alice",
		SubjectAttributes: bannerSubject(),
		Actions:           bannerActions(),
		DefaultVariation:  "default",
		Details:           true,
	})
	require.NoError(t, err)
	assert.Equal(t, CodeMatch, got.Code)
	assert.Equal(t, "banner_bandit", got.Variation)
	assert.Equal(t, "nike", got.Action)
	require.NotNil(t, got.AssignmentEvent)
	require.NotNil(t, got.BanditEvent)

	ev := got.BanditEvent
	assert.Equal(t, "banner_bandit", ev.BanditKey)
	assert.Equal(t, "123", ev.ModelVersion)
	assert.Equal(t, map[string]float64{"brand_affinity": 0.4}, ev.ActionNumericAttributes)
	assert.Equal(t, map[string]string{"gender_identity": "female"}, ev.SubjectCategoricalAttributes)
	assert.True(t, ev.Timestamp.Equal(testNow))

	require.NotNil(t, got.Details)
	assert.Equal(t, "banner_bandit", got.Details.BanditKey)
	assert.Equal(t, "nike", got.Details.BanditAction)
	assert.Equal(t, `Bandit "banner_bandit" selected action "nike" with probability 0.8997.`, got.Details.FlagEvaluationDescription)
}

func TestBanditActionOutcomes(t *testing.T) {
	cfg := loadTestConfiguration(t)
	noModels, err := Parse(readTestdata(t, "flags.json"), nil, nil, WithFetchedAt(testNow))
	require.NoError(t, err)
	e := NewEvaluator(fixedClock(testNow))

	tests := []struct {
		name          string
		cfg           *Configuration
		req           BanditRequest
		wantCode      Code
		wantVariation string
		wantErr       func(error) bool
	}{
		{
			name: "non bandit variation",
			cfg:  cfg,
			req: BanditRequest{
				FlagKey:           "banner_bandit_flag",
				SubjectKey:        "alice",
				SubjectAttributes: ContextAttributes{Categorical: map[string]string{"employee": "true"}},
				Actions:           bannerActions(),
				DefaultVariation:  "default",
			},
			wantCode:      CodeNonBanditVariation,
			wantVariation: "control",
		},
		{
			name:          "no actions",
			cfg:           cfg,
			req:           BanditRequest{FlagKey: "banner_bandit_flag", SubjectKey: "alice", DefaultVariation: "default"},
			wantCode:      CodeNoActionsSuppliedForBandit,
			wantVariation: "banner_bandit",
			wantErr:       isBanditConfigurationError,
		},
		{
			name:          "missing model",
			cfg:           noModels,
			req:           BanditRequest{FlagKey: "banner_bandit_flag", SubjectKey: "alice", Actions: bannerActions(), DefaultVariation: "default"},
			wantCode:      CodeBanditError,
			wantVariation: "banner_bandit",
			wantErr:       isBanditConfigurationError,
		},
		{
			name:          "unknown flag",
			cfg:           cfg,
			req:           BanditRequest{FlagKey: "nope", SubjectKey: "alice", Actions: bannerActions(), DefaultVariation: "default"},
			wantCode:      CodeFlagUnrecognizedOrDisabled,
			wantVariation: "default",
			wantErr:       func(err error) bool { return errors.Is(err, ErrFlagNotFound) },
		},
		{
			name:          "non string flag",
			cfg:           cfg,
			req:           BanditRequest{FlagKey: "kill-switch", SubjectKey: "alice", Actions: bannerActions(), DefaultVariation: "default"},
			wantCode:      CodeTypeMismatch,
			wantVariation: "default",
			wantErr:       func(err error) bool { var m *TypeMismatchError; return errors.As(err, &m) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.BanditAction(tt.cfg, tt.req)
			if tt.wantErr == nil {
				require.NoError(t, err)
			} else {
				require.True(t, tt.wantErr(err), "unexpected error %v", err)
			}
			assert.Equal(t, tt.wantCode, got.Code)
			assert.Equal(t, tt.wantVariation, got.Variation)
			assert.Empty(t, got.Action)
			assert.Nil(t, got.BanditEvent)
		})
	}
}

func TestBanditActionFallsBackToBanditDefault(t *testing.T) {
	cfg := loadTestConfiguration(t)
	flag, ok := cfg.Flag("banner_bandit_flag")
	require.True(t, ok)
	flag.Enabled = false
	e := NewEvaluator(fixedClock(testNow))

	got, err := e.BanditAction(cfg, BanditRequest{
		FlagKey:           "banner_bandit_flag",
		SubjectKey:        "alice",
		SubjectAttributes: bannerSubject(),
		Actions:           bannerActions(),
		DefaultVariation:  "banner_bandit",
	})
	require.ErrorIs(t, err, ErrFlagDisabled)
	assert.Equal(t, "banner_bandit", got.Variation)
	assert.Equal(t, CodeMatch, got.Code)
	assert.Equal(t, CodeFlagUnrecognizedOrDisabled, got.AssignmentCode)
	assert.Equal(t, "nike", got.Action)
	require.NotNil(t, got.BanditEvent)
	assert.Equal(t, "banner_bandit", got.BanditEvent.BanditKey)
	assert.Nil(t, got.AssignmentEvent)

	got, err = e.BanditAction(cfg, BanditRequest{
		FlagKey:          "banner_bandit_flag",
		SubjectKey:       "alice",
		DefaultVariation: "banner_bandit",
	})
	assert.True(t, isBanditConfigurationError(err), "unexpected error %v", err)
	assert.Equal(t, CodeNoActionsSuppliedForBandit, got.Code)
}

func isBanditConfigurationError(err error) bool {
	var target *BanditConfigurationError
	return errors.As(err, &target)
}

func TestBanditActionIsStableAcrossClocks(t *testing.T) {
	cfg := loadTestConfiguration(t)
	req := BanditRequest{
		FlagKey:           "banner_bandit_flag",
		SubjectKey:        "frank",
		SubjectAttributes: bannerSubject(),
		Actions:           bannerActions(),
	}

	first, err := NewEvaluator(fixedClock(testNow)).BanditAction(cfg, req)
	require.NoError(t, err)
	second, err := NewEvaluator(fixedClock(testNow.Add(48*time.Hour))).BanditAction(cfg, req)
	require.NoError(t, err)
	assert.Equal(t, "adidas", first.Action)
	assert.Equal(t, first.Action, second.Action)
	assert.Equal(t, first.Result.Probability, second.Result.Probability)
}
