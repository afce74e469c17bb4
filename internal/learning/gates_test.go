package learning

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvestal/tower-anime-orchestrator/internal/config"
	"github.com/pvestal/tower-anime-orchestrator/internal/models"
)

func newTestEngine(gates config.QualityGatesConfig) *Engine {
	return New(nil, config.LearningConfig{}, gates)
}

func scorePtr(v float64) *float64 { return &v }

func TestEvaluateGateNoScoreStaysInReview(t *testing.T) {
	e := newTestEngine(config.QualityGatesConfig{AutoRejectThreshold: 0.3, AutoApproveThreshold: 0.8})
	g := &models.Generation{}
	assert.Equal(t, models.GenerationInReview, e.EvaluateGate(g))
}

func TestEvaluateGateBelowRejectThresholdRejects(t *testing.T) {
	e := newTestEngine(config.QualityGatesConfig{AutoRejectThreshold: 0.3, AutoApproveThreshold: 0.8})
	g := &models.Generation{QualityScore: scorePtr(0.1)}
	assert.Equal(t, models.GenerationRejected, e.EvaluateGate(g))
}

func TestEvaluateGateAboveApproveThresholdRequiresSoloAndSpeciesVerified(t *testing.T) {
	e := newTestEngine(config.QualityGatesConfig{AutoRejectThreshold: 0.3, AutoApproveThreshold: 0.8})

	approved := &models.Generation{QualityScore: scorePtr(0.9), Solo: true, SpeciesVerified: true}
	assert.Equal(t, models.GenerationApproved, e.EvaluateGate(approved))

	notSolo := &models.Generation{QualityScore: scorePtr(0.9), Solo: false, SpeciesVerified: true}
	assert.Equal(t, models.GenerationInReview, e.EvaluateGate(notSolo))

	notVerified := &models.Generation{QualityScore: scorePtr(0.9), Solo: true, SpeciesVerified: false}
	assert.Equal(t, models.GenerationInReview, e.EvaluateGate(notVerified))
}

func TestEvaluateGateMiddleScoreStaysInReview(t *testing.T) {
	e := newTestEngine(config.QualityGatesConfig{AutoRejectThreshold: 0.3, AutoApproveThreshold: 0.8})
	g := &models.Generation{QualityScore: scorePtr(0.5), Solo: true, SpeciesVerified: true}
	assert.Equal(t, models.GenerationInReview, e.EvaluateGate(g))
}

func TestSetAutoRejectThresholdTakesEffectImmediately(t *testing.T) {
	e := newTestEngine(config.QualityGatesConfig{AutoRejectThreshold: 0.3, AutoApproveThreshold: 0.8})
	g := &models.Generation{QualityScore: scorePtr(0.5)}
	require.Equal(t, models.GenerationInReview, e.EvaluateGate(g))

	e.SetAutoRejectThreshold(0.6)
	assert.Equal(t, models.GenerationRejected, e.EvaluateGate(g))
	assert.Equal(t, 0.6, e.GateThresholds().AutoRejectThreshold)
}

func TestSetAutoApproveThresholdTakesEffectImmediately(t *testing.T) {
	e := newTestEngine(config.QualityGatesConfig{AutoRejectThreshold: 0.3, AutoApproveThreshold: 0.8})
	g := &models.Generation{QualityScore: scorePtr(0.7), Solo: true, SpeciesVerified: true}
	require.Equal(t, models.GenerationInReview, e.EvaluateGate(g))

	e.SetAutoApproveThreshold(0.6)
	assert.Equal(t, models.GenerationApproved, e.EvaluateGate(g))
}

func TestEvaluateSetsReviewedAtAndEventForRejection(t *testing.T) {
	e := newTestEngine(config.QualityGatesConfig{AutoRejectThreshold: 0.3, AutoApproveThreshold: 0.8})
	g := &models.Generation{QualityScore: scorePtr(0.1)}

	result := e.Evaluate(g, []models.RejectionCategory{models.CategoryWrongPose})

	require.NotNil(t, g.ReviewedAt)
	assert.Equal(t, models.GenerationRejected, result.Status)
	assert.Equal(t, "IMAGE_REJECTED", result.EventName)
	assert.Equal(t, []models.RejectionCategory{models.CategoryWrongPose}, g.RejectionCategories)
}

func TestEvaluateInReviewEmitsNoEvent(t *testing.T) {
	e := newTestEngine(config.QualityGatesConfig{AutoRejectThreshold: 0.3, AutoApproveThreshold: 0.8})
	g := &models.Generation{QualityScore: scorePtr(0.5)}

	result := e.Evaluate(g, nil)
	assert.Empty(t, result.EventName)
}

func TestBuildLearnedNegativesIgnoresLowCountPatterns(t *testing.T) {
	patterns := []RejectionPattern{
		{Category: models.CategoryWrongPose, Count: 1},
		{Category: models.CategoryLowQuality, Count: 3},
	}
	negatives := buildLearnedNegatives(patterns)
	assert.Contains(t, negatives, "blurry")
	assert.NotContains(t, negatives, "bad anatomy")
}

func TestEventPayloadIncludesRejectionCategoriesOnlyWhenPresent(t *testing.T) {
	g := &models.Generation{ID: "gen-1", CharacterSlug: "yuki", ProjectName: "demo", QualityScore: scorePtr(0.2)}
	result := GateResult{Status: models.GenerationRejected, Categories: []models.RejectionCategory{models.CategoryNotSolo}}

	payload := EventPayload(g, result)
	assert.Equal(t, "gen-1", payload["generation_id"])
	assert.Equal(t, []string{"not_solo"}, payload["rejection_categories"])

	payload2 := EventPayload(g, GateResult{Status: models.GenerationInReview})
	_, hasCategories := payload2["rejection_categories"]
	assert.False(t, hasCategories)
}
