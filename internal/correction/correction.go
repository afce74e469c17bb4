// Package correction implements Auto-Correction (C6): on every rejected
// generation it builds a corrected follow-up request — extra negative
// prompt terms drawn from the rejection's categories, a fresh seed, and
// the correction lineage recorded — and dispatches it through the shared
// generate-and-review cycle, bounded by a maximum correction depth.
// Grounded on the teacher's pkg/events consumer idiom (subscribe, handle
// async, never block the emitter) applied to spec §4.6.
package correction

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/pvestal/tower-anime-orchestrator/internal/audit"
	"github.com/pvestal/tower-anime-orchestrator/internal/config"
	"github.com/pvestal/tower-anime-orchestrator/internal/eventbus"
	"github.com/pvestal/tower-anime-orchestrator/internal/generation"
	"github.com/pvestal/tower-anime-orchestrator/internal/learning"
	"github.com/pvestal/tower-anime-orchestrator/internal/metrics"
	"github.com/pvestal/tower-anime-orchestrator/internal/models"
	"github.com/pvestal/tower-anime-orchestrator/internal/notify"
	"github.com/pvestal/tower-anime-orchestrator/internal/store"
)

// Engine reacts to IMAGE_REJECTED events and dispatches corrected
// generation attempts.
type Engine struct {
	cfg      config.CorrectionConfig
	gens     *store.GenerationRepo
	projects *store.ProjectRepo
	cycle    *generation.Cycle
	audit    *audit.Log
	notifier *notify.Service
	logger   *slog.Logger

	attemptedTotal  atomic.Int64
	succeededTotal  atomic.Int64
	depthLimitTotal atomic.Int64
	enabled         atomic.Bool
}

// New constructs an Engine. Call Subscribe to wire it to the bus.
func New(cfg config.CorrectionConfig, gens *store.GenerationRepo, projects *store.ProjectRepo, cycle *generation.Cycle, auditLog *audit.Log, notifier *notify.Service) *Engine {
	e := &Engine{
		cfg:      cfg,
		gens:     gens,
		projects: projects,
		cycle:    cycle,
		audit:    auditLog,
		notifier: notifier,
		logger:   slog.Default().With("component", "correction"),
	}
	e.enabled.Store(cfg.Enabled)
	return e
}

// Enable toggles auto-correction at runtime, for /correction/toggle (§6).
// Disabling stops new corrections from being dispatched on the next
// IMAGE_REJECTED event; it does not affect a correction already running.
func (e *Engine) Enable(on bool) { e.enabled.Store(on) }

// Subscribe registers the engine's handlers for IMAGE_REJECTED/IMAGE_APPROVED.
// Handlers are always registered; handleRejected checks the runtime enabled
// flag itself so toggling does not require re-subscribing.
func (e *Engine) Subscribe(bus *eventbus.Bus) {
	bus.Subscribe(eventbus.ImageRejected, e.handleRejected)
	bus.Subscribe(eventbus.ImageApproved, e.handleApproved)
}

func (e *Engine) handleApproved(ctx context.Context, payload eventbus.Payload) error {
	genID, _ := payload["generation_id"].(string)
	if genID == "" {
		return nil
	}
	g, err := e.gens.GetGeneration(ctx, genID)
	if err != nil || g == nil || g.CorrectionOf == nil {
		return nil
	}
	e.succeededTotal.Add(1)
	return nil
}

func (e *Engine) handleRejected(ctx context.Context, payload eventbus.Payload) error {
	if !e.enabled.Load() {
		return nil
	}
	genID, _ := payload["generation_id"].(string)
	slug, _ := payload["character_slug"].(string)
	projectName, _ := payload["project_name"].(string)
	if genID == "" || slug == "" {
		return nil
	}

	depth, err := e.gens.CorrectionDepth(ctx, genID)
	if err != nil {
		return err
	}
	if depth >= e.cfg.MaxCorrectionDepth {
		e.depthLimitTotal.Add(1)
		e.audit.Record(ctx, audit.DecisionCorrectionDepthLimitHit, audit.StrPtr(slug), audit.StrPtr(projectName),
			map[string]any{"generation_id": genID, "depth": depth, "max_depth": e.cfg.MaxCorrectionDepth},
			"skipped", 1.0, "maximum correction depth reached, no further attempts")
		e.notifier.NotifyCorrectionDepthLimitHit(ctx, slug, depth)
		metrics.CorrectionDepthLimitTotal.Inc()
		return nil
	}

	char, err := e.projects.GetCharacterBySlug(ctx, slug)
	if err != nil || char == nil {
		e.logger.Warn("correction could not resolve character", "character", slug, "project", projectName, "error", err)
		return nil
	}

	negatives := negativesForCategories(categoriesFromPayload(payload))

	e.attemptedTotal.Add(1)
	metrics.CorrectionAttemptedTotal.Inc()
	e.audit.Record(ctx, audit.DecisionCorrectionDispatched, audit.StrPtr(slug), audit.StrPtr(projectName),
		map[string]any{"generation_id": genID, "depth": depth + 1, "negatives": negatives},
		"dispatched", 1.0, "rejected generation triggered a corrected retry")

	req := generation.Request{
		Character:       *char,
		ProjectName:     projectName,
		ExtraNegatives:  negatives,
		SeedOffset:      e.cfg.SeedOffset * int64(depth+1),
		CorrectionOf:    &genID,
		CorrectionDepth: depth + 1,
	}
	_, err = e.cycle.Run(ctx, req)
	return err
}

func categoriesFromPayload(payload eventbus.Payload) []models.RejectionCategory {
	raw, ok := payload["rejection_categories"].([]string)
	if !ok {
		return nil
	}
	cats := make([]models.RejectionCategory, len(raw))
	for i, c := range raw {
		cats[i] = models.RejectionCategory(c)
	}
	return cats
}

func negativesForCategories(categories []models.RejectionCategory) []string {
	var negatives []string
	for _, c := range categories {
		negatives = append(negatives, learning.RejectionNegativeMap[c]...)
	}
	return negatives
}

// Stats is the result of Stats(), spec §4.6's get_correction_stats().
type Stats struct {
	Enabled        bool    `json:"enabled"`
	Attempted      int64   `json:"attempted"`
	Succeeded      int64   `json:"succeeded"`
	DepthLimitHits int64   `json:"depth_limit_hits"`
	SuccessRate    float64 `json:"success_rate"`
}

// Stats reports correction attempt/success counts for the operator surface.
func (e *Engine) Stats() Stats {
	attempted := e.attemptedTotal.Load()
	succeeded := e.succeededTotal.Load()
	var rate float64
	if attempted > 0 {
		rate = float64(succeeded) / float64(attempted)
	}
	return Stats{
		Enabled:        e.enabled.Load(),
		Attempted:      attempted,
		Succeeded:      succeeded,
		DepthLimitHits: e.depthLimitTotal.Load(),
		SuccessRate:    rate,
	}
}
