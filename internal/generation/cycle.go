// Package generation implements the "generate-and-review" cycle shared by
// the replenishment loop (C5), the orchestrator's training_data worker
// (C7), and auto-correction (C6): build a workflow graph from a character's
// design prompt plus a style's SSOT parameters, submit it to the
// image-generation backend (C2.1), poll to completion, run a vision review
// (C2.3), apply the quality gate (C4), persist the result, and emit the
// matching event (C3). Grounded on spec §4.5/§4.6/§4.7.7's shared
// "generate, submit, review, gate" sequence and on the teacher's
// pkg/queue/worker.go single-attempt-per-call shape.
package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pvestal/tower-anime-orchestrator/internal/adapters"
	"github.com/pvestal/tower-anime-orchestrator/internal/apperror"
	"github.com/pvestal/tower-anime-orchestrator/internal/audit"
	"github.com/pvestal/tower-anime-orchestrator/internal/config"
	"github.com/pvestal/tower-anime-orchestrator/internal/eventbus"
	"github.com/pvestal/tower-anime-orchestrator/internal/gpu"
	"github.com/pvestal/tower-anime-orchestrator/internal/learning"
	"github.com/pvestal/tower-anime-orchestrator/internal/models"
	"github.com/pvestal/tower-anime-orchestrator/internal/store"
)

// Request describes one generate-and-review cycle.
type Request struct {
	Character       models.Character
	ProjectName     string
	Style           *models.GenerationStyle // nil uses the built-in fallback params
	ExtraNegatives  []string
	SeedOffset      int64
	CorrectionOf    *string
	CorrectionDepth int
}

// Cycle wires the adapters, learning engine, GPU router, event bus, and
// repositories needed to run one end-to-end generation.
type Cycle struct {
	ImageGen *adapters.ImageGenAdapter
	Vision   *adapters.VisionAdapter
	GPU      *gpu.Router
	Learning *learning.Engine
	Bus      *eventbus.Bus
	Gens     *store.GenerationRepo
	Audit    *audit.Log
	Poll     time.Duration
	logger   *slog.Logger
}

// New constructs a Cycle.
func New(imageGen *adapters.ImageGenAdapter, vision *adapters.VisionAdapter, router *gpu.Router, eng *learning.Engine, bus *eventbus.Bus, gens *store.GenerationRepo, auditLog *audit.Log, adaptersCfg config.AdaptersConfig) *Cycle {
	return &Cycle{
		ImageGen: imageGen,
		Vision:   vision,
		GPU:      router,
		Learning: eng,
		Bus:      bus,
		Gens:     gens,
		Audit:    auditLog,
		Poll:     adaptersCfg.PollInterval,
		logger:   slog.Default().With("component", "generation"),
	}
}

// buildWorkflowGraph substitutes prompt/negative/sampler parameters into an
// opaque JSON blob. The orchestrator never introspects this shape further
// (spec §9) — it is handed to the backend as-is.
func buildWorkflowGraph(req Request) json.RawMessage {
	style := req.Style
	cfgScale, steps, width, height := 7.0, 28, 1024, 1024
	sampler, scheduler, baseModel := "euler", "normal", ""
	if style != nil {
		cfgScale, steps, width, height = style.CFGScale, style.Steps, style.Width, style.Height
		sampler, scheduler, baseModel = style.Sampler, style.Scheduler, style.BaseModel
	}

	negative := append([]string{}, req.ExtraNegatives...)
	graph := map[string]any{
		"class_type": "CheckpointLoaderSimple",
		"inputs": map[string]any{
			"ckpt_name":      baseModel,
			"positive":       req.Character.DesignPrompt,
			"negative":       negative,
			"cfg":            cfgScale,
			"steps":          steps,
			"width":          width,
			"height":         height,
			"sampler_name":   sampler,
			"scheduler":      scheduler,
			"seed_offset":    req.SeedOffset,
			"character_slug": req.Character.Slug,
		},
	}
	raw, _ := json.Marshal(graph)
	return raw
}

// Run executes one full generate-and-review cycle synchronously: submit,
// poll, review, gate, persist, emit. Callers (replenishment/orchestrator
// workers) invoke this inside their own goroutine; it is not itself
// non-blocking.
func (c *Cycle) Run(ctx context.Context, req Request) (*models.Generation, error) {
	release, decision, err := c.GPU.Acquire(ctx, gpu.TaskImageGeneration)
	if err != nil {
		return nil, err
	}
	defer release()
	if !decision.Admitted {
		return nil, apperror.Wrap(apperror.KindResourceExhausted, "GPU admission denied: "+decision.Reason, apperror.ErrCircuitOpen)
	}

	graph := buildWorkflowGraph(req)
	jobID, err := c.ImageGen.Submit(ctx, graph)
	if err != nil {
		return nil, err
	}

	cfgScale, steps, width, height, sampler, checkpointModel := 7.0, 28, 1024, 1024, "euler", ""
	if req.Style != nil {
		cfgScale, steps, width, height = req.Style.CFGScale, req.Style.Steps, req.Style.Width, req.Style.Height
		sampler, checkpointModel = req.Style.Sampler, req.Style.BaseModel
	}

	gen := &models.Generation{
		CharacterSlug:   req.Character.Slug,
		ProjectName:     req.ProjectName,
		Kind:            models.GenerationImage,
		BackendJobID:    jobID,
		StyleParams:     graph,
		CFGScale:        cfgScale,
		Steps:           steps,
		Width:           width,
		Height:          height,
		Sampler:         sampler,
		CheckpointModel: checkpointModel,
		Status:          models.GenerationPending,
		CorrectionOf:    req.CorrectionOf,
		CorrectionDepth: req.CorrectionDepth,
	}
	if err := c.Gens.CreateGeneration(ctx, gen); err != nil {
		return nil, err
	}

	if err := c.waitForCompletion(ctx, jobID); err != nil {
		return gen, err
	}

	paths, err := c.ImageGen.FetchOutputs(ctx, jobID)
	if err != nil {
		return gen, err
	}
	outputPath := paths[0]
	gen.OutputPath = &outputPath

	review, err := c.Vision.ReviewImage(ctx, outputPath, req.Character.DesignPrompt)
	if err != nil {
		// Per spec §4.2.3: no fallback on vision failure, leave in_review.
		c.logger.Warn("vision review failed, leaving generation in_review", "generation_id", gen.ID, "error", err)
		gen.Status = models.GenerationInReview
		if err := c.Gens.UpdateReview(ctx, gen); err != nil {
			return gen, err
		}
		return gen, nil
	}

	gen.QualityScore = &review.QualityScore
	gen.CharacterMatch = &review.CharacterMatch
	gen.ClarityScore = &review.Clarity
	gen.Solo = review.Solo
	gen.SpeciesVerified = review.SpeciesVerified

	result := c.Learning.Evaluate(gen, review.Categories)
	if err := c.Gens.UpdateReview(ctx, gen); err != nil {
		return gen, err
	}

	switch result.Status {
	case models.GenerationRejected:
		rej := &models.Rejection{
			GenerationID:  gen.ID,
			CharacterSlug: gen.CharacterSlug,
			Categories:    review.Categories,
			Feedback:      review.Feedback,
			Source:        models.ReviewAuto,
			QualityScore:  review.QualityScore,
		}
		_ = c.Gens.CreateRejection(ctx, rej)
		c.Audit.Record(ctx, audit.DecisionAutoReject, audit.StrPtr(gen.CharacterSlug), audit.StrPtr(gen.ProjectName),
			map[string]any{"generation_id": gen.ID, "quality_score": review.QualityScore, "categories": review.Categories},
			"rejected", review.QualityScore, "quality score below the auto-reject threshold")
	case models.GenerationApproved:
		approval := &models.Approval{GenerationID: gen.ID, CharacterSlug: gen.CharacterSlug, AutoApproved: true}
		_ = c.Gens.CreateApproval(ctx, approval)
		c.Audit.Record(ctx, audit.DecisionAutoApprove, audit.StrPtr(gen.CharacterSlug), audit.StrPtr(gen.ProjectName),
			map[string]any{"generation_id": gen.ID, "quality_score": review.QualityScore, "solo": review.Solo, "species_verified": review.SpeciesVerified},
			"approved", review.QualityScore, "quality score met the auto-approve threshold on a verified solo image")
	}

	if result.EventName != "" {
		payload := learning.EventPayload(gen, result)
		c.Bus.Emit(result.EventName, payload)
	}

	return gen, nil
}

// waitForCompletion polls PollStatus until the job reaches a terminal
// state, relying on the adapter's own stuck-job/total-timeout detection to
// bound the loop.
func (c *Cycle) waitForCompletion(ctx context.Context, jobID string) error {
	for {
		status, err := c.ImageGen.PollStatus(ctx, jobID)
		if err != nil {
			return err
		}
		switch status {
		case adapters.JobCompleted:
			return nil
		case adapters.JobFailed:
			return fmt.Errorf("generation job %s failed", jobID)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.Poll):
		}
	}
}
