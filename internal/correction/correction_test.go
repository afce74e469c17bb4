package correction

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pvestal/tower-anime-orchestrator/internal/config"
	"github.com/pvestal/tower-anime-orchestrator/internal/models"
)

func newTestEngine(cfg config.CorrectionConfig) *Engine {
	return New(cfg, nil, nil, nil, nil, nil)
}

func TestNewAppliesConfiguredEnabledFlag(t *testing.T) {
	e := newTestEngine(config.CorrectionConfig{Enabled: true})
	assert.True(t, e.Stats().Enabled)

	e2 := newTestEngine(config.CorrectionConfig{Enabled: false})
	assert.False(t, e2.Stats().Enabled)
}

func TestEnableTogglesStatsFlag(t *testing.T) {
	e := newTestEngine(config.CorrectionConfig{Enabled: false})
	e.Enable(true)
	assert.True(t, e.Stats().Enabled)
	e.Enable(false)
	assert.False(t, e.Stats().Enabled)
}

func TestStatsSuccessRateIsZeroWithNoAttempts(t *testing.T) {
	e := newTestEngine(config.CorrectionConfig{})
	stats := e.Stats()
	assert.Equal(t, int64(0), stats.Attempted)
	assert.Equal(t, float64(0), stats.SuccessRate)
}

func TestNegativesForCategoriesMapsKnownCategories(t *testing.T) {
	negatives := negativesForCategories([]models.RejectionCategory{models.CategoryNotSolo, models.CategoryWrongPose})
	assert.Contains(t, negatives, "multiple characters")
	assert.Contains(t, negatives, "bad anatomy")
}

func TestNegativesForCategoriesEmptyForNoCategories(t *testing.T) {
	assert.Empty(t, negativesForCategories(nil))
}

func TestCategoriesFromPayloadParsesStringSlice(t *testing.T) {
	cats := categoriesFromPayload(map[string]any{"rejection_categories": []string{"not_solo", "wrong_pose"}})
	assert.Equal(t, []models.RejectionCategory{models.CategoryNotSolo, models.CategoryWrongPose}, cats)
}

func TestCategoriesFromPayloadNilWhenMissing(t *testing.T) {
	assert.Nil(t, categoriesFromPayload(map[string]any{}))
}
