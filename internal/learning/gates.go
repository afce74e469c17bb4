package learning

import (
	"context"
	"time"

	"github.com/pvestal/tower-anime-orchestrator/internal/eventbus"
	"github.com/pvestal/tower-anime-orchestrator/internal/models"
)

// EvaluateGate applies the quality-gate thresholds (C4.4.6) to a scored
// generation and returns the status it must transition to. The caller
// (the generation-review path) persists the status change and fires the
// corresponding event strictly after persisting — the quality-gate
// evaluation happens before any IMAGE_APPROVED/IMAGE_REJECTED event is
// emitted, per spec §5's ordering guarantee.
//
// Thresholds are read from e.gates, mutable at runtime via the operator
// surface (spec §4.4.6).
func (e *Engine) EvaluateGate(g *models.Generation) models.GenerationStatus {
	if g.QualityScore == nil {
		return models.GenerationInReview
	}
	score := *g.QualityScore
	gates := e.GateThresholds()

	if score < gates.AutoRejectThreshold {
		return models.GenerationRejected
	}
	if score >= gates.AutoApproveThreshold && g.Solo && g.SpeciesVerified {
		return models.GenerationApproved
	}
	return models.GenerationInReview
}

// GateResult is the outcome of Evaluate: the new status, the event the
// caller emits after persisting that status (empty for in_review), and the
// rejection categories.
type GateResult struct {
	Status     models.GenerationStatus
	EventName  string // empty when status is in_review (no event fires)
	Categories []models.RejectionCategory
}

// Evaluate is the full C4.4.6 decision: status plus the event the caller
// must emit once the status is durably persisted.
func (e *Engine) Evaluate(g *models.Generation, categories []models.RejectionCategory) GateResult {
	status := e.EvaluateGate(g)
	now := time.Now()
	g.Status = status
	g.ReviewedAt = &now

	switch status {
	case models.GenerationRejected:
		g.RejectionCategories = categories
		return GateResult{Status: status, EventName: eventbus.ImageRejected, Categories: categories}
	case models.GenerationApproved:
		return GateResult{Status: status, EventName: eventbus.ImageApproved}
	default:
		return GateResult{Status: status}
	}
}

// EventPayload builds the stable event payload for a gate evaluation
// result, spec §4.3's "stable dictionary" shape.
func EventPayload(g *models.Generation, result GateResult) eventbus.Payload {
	p := eventbus.Payload{
		"generation_id":    g.ID,
		"character_slug":   g.CharacterSlug,
		"project_name":     g.ProjectName,
		"quality_score":    derefFloat(g.QualityScore),
		"cfg_scale":        g.CFGScale,
		"steps":            g.Steps,
		"checkpoint_model": g.CheckpointModel,
		"status":           string(result.Status),
	}
	if len(result.Categories) > 0 {
		cats := make([]string, len(result.Categories))
		for i, c := range result.Categories {
			cats[i] = string(c)
		}
		p["rejection_categories"] = cats
	}
	return p
}

func derefFloat(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

// SubscribeLearningUpdates wires RecordLearnedPattern to IMAGE_APPROVED
// (pattern_type=success) and IMAGE_REJECTED (pattern_type=failure), per
// spec §4.4.4.
func (e *Engine) SubscribeLearningUpdates(bus *eventbus.Bus) {
	bus.Subscribe(eventbus.ImageApproved, func(ctx context.Context, p eventbus.Payload) error {
		return e.recordFromPayload(ctx, p, models.PatternSuccess)
	})
	bus.Subscribe(eventbus.ImageRejected, func(ctx context.Context, p eventbus.Payload) error {
		return e.recordFromPayload(ctx, p, models.PatternFailure)
	})
}

func (e *Engine) recordFromPayload(ctx context.Context, p eventbus.Payload, patternType models.PatternType) error {
	slug, _ := p["character_slug"].(string)
	project, _ := p["project_name"].(string)
	quality, _ := p["quality_score"].(float64)
	cfgScale, _ := p["cfg_scale"].(float64)
	steps, _ := p["steps"].(int)
	var checkpoint *string
	if cp, ok := p["checkpoint_model"].(string); ok && cp != "" {
		checkpoint = &cp
	}
	if slug == "" {
		return nil
	}
	return e.RecordLearnedPattern(ctx, slug, project, patternType, quality, cfgScale, steps, checkpoint)
}
