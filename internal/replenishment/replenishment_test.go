package replenishment

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pvestal/tower-anime-orchestrator/internal/config"
)

func newTestLoop(cfg config.ReplenishmentConfig) *Loop {
	return New(cfg, nil, nil, nil, nil, nil, nil)
}

func TestNewAppliesConfiguredTargets(t *testing.T) {
	loop := newTestLoop(config.ReplenishmentConfig{
		Enabled:            true,
		TargetGlobal:       10,
		TargetsByCharacter: map[string]int{"yuki": 20},
	})

	assert.True(t, loop.Status(context.Background()).Enabled)
	assert.Equal(t, 10, loop.targetFor("no-override"))
	assert.Equal(t, 20, loop.targetFor("yuki"))
}

func TestEnableToggleReflectsInStatus(t *testing.T) {
	loop := newTestLoop(config.ReplenishmentConfig{Enabled: false})
	assert.False(t, loop.Status(context.Background()).Enabled)

	loop.Enable(true)
	assert.True(t, loop.Status(context.Background()).Enabled)

	loop.Enable(false)
	assert.False(t, loop.Status(context.Background()).Enabled)
}

func TestSetTargetGlobalUpdatesDefaultForUnoverriddenCharacters(t *testing.T) {
	loop := newTestLoop(config.ReplenishmentConfig{TargetGlobal: 5})
	assert.Equal(t, 5, loop.targetFor("aiko"))

	loop.SetTargetGlobal(15)
	assert.Equal(t, 15, loop.targetFor("aiko"))
}

func TestSetTargetForCharacterOverridesGlobalForThatCharacterOnly(t *testing.T) {
	loop := newTestLoop(config.ReplenishmentConfig{TargetGlobal: 5})

	loop.SetTargetForCharacter("aiko", 50)
	assert.Equal(t, 50, loop.targetFor("aiko"))
	assert.Equal(t, 5, loop.targetFor("other"))

	status := loop.Status(context.Background())
	assert.Equal(t, 50, status.TargetsByCharacter["aiko"])
	assert.Equal(t, 5, status.TargetGlobal)
}

func TestStatusReportsEmptyInFlightAndPausedInitially(t *testing.T) {
	loop := newTestLoop(config.ReplenishmentConfig{})
	status := loop.Status(context.Background())
	assert.Empty(t, status.InFlight)
	assert.Empty(t, status.PausedCharacters)
}
