// Package orchestrator implements the Pipeline Scheduler (C7): the tick
// loop that evaluates every non-terminal pipeline row against its phase's
// gate predicate, advances rows whose gate passed, and dispatches the
// per-phase worker for rows that still need work — at most one worker
// per (entity_type, entity_id, phase) key at a time. Grounded on the
// teacher's pkg/queue/worker.go tick/claim shape, generalized from
// "claim one queued session row" to "evaluate every active pipeline row
// every tick" per spec §4.7.3.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pvestal/tower-anime-orchestrator/internal/adapters"
	"github.com/pvestal/tower-anime-orchestrator/internal/apperror"
	"github.com/pvestal/tower-anime-orchestrator/internal/audit"
	"github.com/pvestal/tower-anime-orchestrator/internal/config"
	"github.com/pvestal/tower-anime-orchestrator/internal/eventbus"
	"github.com/pvestal/tower-anime-orchestrator/internal/generation"
	"github.com/pvestal/tower-anime-orchestrator/internal/gpu"
	"github.com/pvestal/tower-anime-orchestrator/internal/metrics"
	"github.com/pvestal/tower-anime-orchestrator/internal/models"
	"github.com/pvestal/tower-anime-orchestrator/internal/notify"
	"github.com/pvestal/tower-anime-orchestrator/internal/store"
)

const (
	phaseTrainingData    = "training_data"
	phaseLoRATraining    = "lora_training"
	phaseReady           = "ready"
	phaseScenePlanning   = "scene_planning"
	phaseShotPreparation = "shot_preparation"
	phaseVideoGeneration = "video_generation"
	phaseSceneAssembly   = "scene_assembly"
	phaseEpisodeAssembly = "episode_assembly"
	phasePublishing      = "publishing"
)

// Orchestrator is the tick-driven pipeline scheduler.
type Orchestrator struct {
	cfg             config.OrchestratorConfig
	pollInterval    time.Duration
	db              *store.Store
	pipelines       *store.PipelineRepo
	projects        *store.ProjectRepo
	scenesRepo      *store.SceneRepo
	gens            *store.GenerationRepo
	styles          *store.StyleRepo
	cycle           *generation.Cycle
	llm             *adapters.LLMAdapter
	imagegen        *adapters.ImageGenAdapter
	gpuRouter       *gpu.Router
	bus             *eventbus.Bus
	audit           *audit.Log
	notifier        *notify.Service
	logger          *slog.Logger

	enabled        atomic.Bool
	trainingTarget atomic.Int64
	stopCh         chan struct{}
	stopOnce       sync.Once
	wg             sync.WaitGroup

	tasksMu sync.Mutex
	tasks   map[string]bool
}

// New constructs an Orchestrator.
func New(
	cfg config.OrchestratorConfig,
	adaptersCfg config.AdaptersConfig,
	db *store.Store,
	pipelines *store.PipelineRepo,
	projects *store.ProjectRepo,
	scenesRepo *store.SceneRepo,
	gens *store.GenerationRepo,
	styles *store.StyleRepo,
	cycle *generation.Cycle,
	llm *adapters.LLMAdapter,
	imagegen *adapters.ImageGenAdapter,
	gpuRouter *gpu.Router,
	bus *eventbus.Bus,
	auditLog *audit.Log,
	notifier *notify.Service,
) *Orchestrator {
	o := &Orchestrator{
		cfg:          cfg,
		pollInterval: adaptersCfg.PollInterval,
		db:           db,
		pipelines:    pipelines,
		projects:     projects,
		scenesRepo:   scenesRepo,
		gens:         gens,
		styles:       styles,
		cycle:        cycle,
		llm:          llm,
		imagegen:     imagegen,
		gpuRouter:    gpuRouter,
		bus:          bus,
		audit:        auditLog,
		notifier:     notifier,
		logger:       slog.Default().With("component", "orchestrator"),
		stopCh:       make(chan struct{}),
		tasks:        make(map[string]bool),
	}
	o.enabled.Store(cfg.Enabled)
	o.trainingTarget.Store(int64(cfg.TrainingTarget))
	return o
}

// SetTrainingTarget implements /orchestrator/training-target (§6), updating
// the approved-image count the training_data gate compares against for
// every character from the next tick onward.
func (o *Orchestrator) SetTrainingTarget(target int) {
	o.trainingTarget.Store(int64(target))
}

// Tick runs one synchronous pass of the tick loop, for manual advancement
// via /orchestrator/tick (§6). It does not require the background loop to
// be running and respects the enabled flag exactly as the scheduled tick
// does.
func (o *Orchestrator) Tick(ctx context.Context) {
	o.tick(ctx)
}

// Pipeline returns every pipeline row for projectID, for the
// /orchestrator/pipeline/{project_id} snapshot (§6). Grouping by entity is
// left to the caller (the operator surface), which has the JSON-serialization
// concerns the core does not.
func (o *Orchestrator) Pipeline(ctx context.Context, projectID string) ([]models.PipelineRow, error) {
	return o.pipelines.ListByProject(ctx, projectID)
}

// Summary builds the human-readable multi-line per-character/per-phase
// snapshot spec §6 describes as LLM-context injection material.
func (o *Orchestrator) Summary(ctx context.Context, projectID string) (string, error) {
	proj, err := o.projects.GetProject(ctx, projectID)
	if err != nil {
		return "", err
	}
	rows, err := o.pipelines.ListByProject(ctx, projectID)
	if err != nil {
		return "", err
	}
	chars, err := o.projects.ListCharactersByProject(ctx, projectID)
	if err != nil {
		return "", err
	}
	names := make(map[string]string, len(chars))
	for _, c := range chars {
		names[c.ID] = c.Slug
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Project %s (%s)\n", proj.Name, proj.Status)
	for _, row := range rows {
		label := row.ProjectID
		if row.EntityType == models.EntityCharacter {
			if slug, ok := names[row.EntityID]; ok {
				label = slug
			} else {
				label = row.EntityID
			}
		}
		fmt.Fprintf(&b, "- [%s] %s: %s phase=%s", row.EntityType, label, row.Status, row.Phase)
		if row.Status == models.PipelineBlocked && row.BlockedReason != nil {
			fmt.Fprintf(&b, " (%s)", *row.BlockedReason)
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

// Start begins the tick loop in a goroutine.
func (o *Orchestrator) Start(ctx context.Context) {
	o.wg.Add(1)
	go o.run(ctx)
}

// Stop signals the tick loop to stop and waits for the current tick (not
// its dispatched workers) to finish.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })
	o.wg.Wait()
}

// Enable toggles the tick loop and work dispatch, spec §4.7.10. Already
// running workers are unaffected; disabling only stops new dispatch.
func (o *Orchestrator) Enable(on bool) { o.enabled.Store(on) }

func (o *Orchestrator) run(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.tick(ctx)
		}
	}
}

func (o *Orchestrator) tick(ctx context.Context) {
	if !o.enabled.Load() {
		return
	}
	start := time.Now()
	defer func() { metrics.TickDuration.Observe(time.Since(start).Seconds()) }()

	rows, err := o.pipelines.ListActive(ctx)
	if err != nil {
		o.logger.Error("listing active pipeline rows failed", "error", err)
		return
	}
	for _, row := range rows {
		o.evaluateEntry(ctx, row)
	}
}

// evaluateEntry is the per-row tick body, spec §4.7.4.
func (o *Orchestrator) evaluateEntry(ctx context.Context, row models.PipelineRow) {
	if row.EntityType == models.EntityProject {
		ready, err := o.projects.AllCharactersReady(ctx, row.ProjectID)
		if err != nil {
			o.logger.Error("checking character readiness failed", "project_id", row.ProjectID, "error", err)
			return
		}
		if !ready {
			if row.Status != models.PipelineBlocked {
				if err := o.pipelines.SetBlocked(ctx, row.ID, "Waiting for all character LoRAs"); err != nil {
					o.logger.Error("blocking project row failed", "error", err)
				}
			}
			return
		}
		if row.Status == models.PipelineBlocked {
			if err := o.pipelines.ClearBlocked(ctx, row.ID); err != nil {
				o.logger.Error("clearing blocked project row failed", "error", err)
				return
			}
			row.Status = models.PipelinePending
		}
	}

	gate, err := o.evaluateGate(ctx, row)
	if err != nil {
		o.logger.Error("gate evaluation failed", "phase", row.Phase, "entity_id", row.EntityID, "error", err)
		return
	}
	if raw, marshalErr := json.Marshal(gate); marshalErr == nil {
		if err := o.pipelines.UpdateGateResult(ctx, row.ID, raw); err != nil {
			o.logger.Error("persisting gate result failed", "error", err)
		}
	}

	if gate.Passed {
		next := store.NextPhaseFor(row.EntityType, row.Phase)
		advanced, err := o.pipelines.CompleteAndAdvance(ctx, row, next)
		if err != nil {
			o.logger.Error("advancing pipeline row failed", "error", err)
			return
		}
		if advanced {
			o.audit.Record(ctx, audit.DecisionPhaseAdvanced, nil, audit.StrPtr(row.ProjectID),
				map[string]any{"entity_type": row.EntityType, "entity_id": row.EntityID, "completed_phase": row.Phase, "next_phase": next},
				"advanced", 1.0, "gate passed")
			o.bus.Emit(eventbus.PipelinePhaseAdvanced, eventbus.Payload{
				"entity_type":     string(row.EntityType),
				"entity_id":       row.EntityID,
				"project_id":      row.ProjectID,
				"completed_phase": row.Phase,
				"next_phase":      next,
			})
		}
		return
	}

	if !gate.ActionNeeded {
		return
	}

	if row.Status != models.PipelineActive {
		if err := o.pipelines.SetActive(ctx, row.ID); err != nil {
			o.logger.Error("activating pipeline row failed", "error", err)
		}
	}

	key := row.Key()
	o.tasksMu.Lock()
	if o.tasks[key] {
		o.tasksMu.Unlock()
		return
	}
	o.tasks[key] = true
	o.tasksMu.Unlock()

	go o.dispatchWork(row)
}

// gateResult is the { passed, action_needed, ...metrics } shape every
// _gate_* predicate returns, spec §4.7.5.
type gateResult struct {
	Passed       bool           `json:"passed"`
	ActionNeeded bool           `json:"action_needed"`
	Metrics      map[string]any `json:"metrics,omitempty"`
}

func (o *Orchestrator) evaluateGate(ctx context.Context, row models.PipelineRow) (gateResult, error) {
	switch row.Phase {
	case phaseTrainingData:
		char, err := o.projects.GetCharacter(ctx, row.EntityID)
		if err != nil {
			return gateResult{}, err
		}
		approved, err := o.gens.CountApproved(ctx, char.Slug)
		if err != nil {
			return gateResult{}, err
		}
		target := int(o.trainingTarget.Load())
		return gateResult{Passed: approved >= target, ActionNeeded: approved < target,
			Metrics: map[string]any{"approved_count": approved, "target": target}}, nil

	case phaseLoRATraining:
		char, err := o.projects.GetCharacter(ctx, row.EntityID)
		if err != nil {
			return gateResult{}, err
		}
		present := o.loraModelPresent(char.Slug)
		return gateResult{Passed: present, ActionNeeded: !present}, nil

	case phaseReady:
		return gateResult{Passed: true}, nil

	case phaseScenePlanning:
		n, err := o.scenesRepo.CountScenes(ctx, row.ProjectID)
		if err != nil {
			return gateResult{}, err
		}
		return gateResult{Passed: n > 0, ActionNeeded: n == 0, Metrics: map[string]any{"scene_count": n}}, nil

	case phaseShotPreparation:
		missing, err := o.scenesRepo.ShotsMissingSourceImage(ctx, row.ProjectID)
		if err != nil {
			return gateResult{}, err
		}
		return gateResult{Passed: len(missing) == 0, ActionNeeded: len(missing) > 0,
			Metrics: map[string]any{"missing_count": len(missing)}}, nil

	case phaseVideoGeneration:
		n, err := o.scenesRepo.ShotsNotRenderReady(ctx, row.ProjectID)
		if err != nil {
			return gateResult{}, err
		}
		return gateResult{Passed: n == 0, ActionNeeded: n > 0, Metrics: map[string]any{"not_render_ready": n}}, nil

	case phaseSceneAssembly:
		next, err := o.scenesRepo.NextUnassembledScene(ctx, row.ProjectID)
		if err != nil {
			return gateResult{}, err
		}
		return gateResult{Passed: next == nil, ActionNeeded: next != nil}, nil

	case phaseEpisodeAssembly:
		epCount, err := o.scenesRepo.CountEpisodes(ctx, row.ProjectID)
		if err != nil {
			return gateResult{}, err
		}
		missing, err := o.scenesRepo.EpisodesMissingVideo(ctx, row.ProjectID)
		if err != nil {
			return gateResult{}, err
		}
		passed := epCount > 0 && len(missing) == 0
		return gateResult{Passed: passed, ActionNeeded: !passed,
			Metrics: map[string]any{"episode_count": epCount, "missing_video": len(missing)}}, nil

	case phasePublishing:
		epCount, err := o.scenesRepo.CountEpisodes(ctx, row.ProjectID)
		if err != nil {
			return gateResult{}, err
		}
		notPublished, err := o.scenesRepo.EpisodesNotPublished(ctx, row.ProjectID)
		if err != nil {
			return gateResult{}, err
		}
		passed := epCount > 0 && len(notPublished) == 0
		return gateResult{Passed: passed, ActionNeeded: !passed,
			Metrics: map[string]any{"episode_count": epCount, "not_published": len(notPublished)}}, nil

	default:
		return gateResult{}, fmt.Errorf("unknown pipeline phase %q", row.Phase)
	}
}

// loraModelPresent checks both the SD1.5 and SDXL filename conventions
// under the configured LoRA model directory, per spec §4.7.5.
func (o *Orchestrator) loraModelPresent(slug string) bool {
	for _, name := range []string{slug + ".safetensors", slug + "_sdxl.safetensors"} {
		if _, err := os.Stat(filepath.Join(o.cfg.LoRAModelDir, name)); err == nil {
			return true
		}
	}
	return false
}

// dispatchWork runs _do_work for row's phase and handles failure
// semantics (spec §4.7.8): a worker error marks the row failed with a
// truncated reason and does not advance the phase.
func (o *Orchestrator) dispatchWork(row models.PipelineRow) {
	defer func() {
		o.tasksMu.Lock()
		delete(o.tasks, row.Key())
		o.tasksMu.Unlock()
	}()

	ctx := context.Background()
	var err error
	switch row.Phase {
	case phaseTrainingData:
		err = o.workTrainingData(ctx, row)
	case phaseLoRATraining:
		err = o.workLoRATraining(ctx, row)
	case phaseScenePlanning:
		err = o.workScenePlanning(ctx, row)
	case phaseShotPreparation:
		err = o.workShotPreparation(ctx, row)
	case phaseVideoGeneration:
		err = o.workVideoGeneration(ctx, row)
	case phaseSceneAssembly:
		err = o.workSceneAssembly(ctx, row)
	case phaseEpisodeAssembly:
		err = o.workEpisodeAssembly(ctx, row)
	case phasePublishing:
		err = o.workPublishing(ctx, row)
	default:
		err = fmt.Errorf("no worker for phase %q", row.Phase)
	}
	if err != nil {
		o.logger.Error("pipeline worker failed", "phase", row.Phase, "entity_id", row.EntityID, "error", err)
		if setErr := o.pipelines.SetFailed(ctx, row.ID, err.Error()); setErr != nil {
			o.logger.Error("marking pipeline row failed failed", "error", setErr)
		}
		o.notifier.NotifyPipelineFailed(ctx, string(row.EntityType), row.EntityID, row.Phase, err.Error())
	}
}

func (o *Orchestrator) styleFor(ctx context.Context, proj *models.Project) *models.GenerationStyle {
	if proj.DefaultStyleID == nil {
		return nil
	}
	st, err := o.styles.Get(ctx, *proj.DefaultStyleID)
	if err != nil {
		return nil
	}
	return st
}

func (o *Orchestrator) workTrainingData(ctx context.Context, row models.PipelineRow) error {
	char, err := o.projects.GetCharacter(ctx, row.EntityID)
	if err != nil {
		return err
	}
	proj, err := o.projects.GetProject(ctx, row.ProjectID)
	if err != nil {
		return err
	}
	req := generation.Request{Character: *char, ProjectName: proj.Name, Style: o.styleFor(ctx, proj)}
	_, err = o.cycle.Run(ctx, req)
	return err
}

func (o *Orchestrator) workLoRATraining(ctx context.Context, row models.PipelineRow) error {
	char, err := o.projects.GetCharacter(ctx, row.EntityID)
	if err != nil {
		return err
	}
	release, decision, err := o.gpuRouter.Acquire(ctx, gpu.TaskTraining)
	if err != nil {
		return err
	}
	defer release()
	if !decision.Admitted {
		return apperror.Wrap(apperror.KindResourceExhausted, "GPU-A admission denied for LoRA training: "+decision.Reason, apperror.ErrCircuitOpen)
	}

	graph, _ := json.Marshal(map[string]any{
		"class_type": "LoRATrainer",
		"inputs": map[string]any{
			"character_slug": char.Slug,
			"output_dir":     o.cfg.LoRAModelDir,
		},
	})
	jobID, err := o.imagegen.Submit(ctx, graph)
	if err != nil {
		return err
	}
	o.bus.Emit(eventbus.TrainingStarted, eventbus.Payload{"character_slug": char.Slug, "backend_job_id": jobID})
	o.audit.Record(ctx, audit.DecisionTrainingEnqueued, audit.StrPtr(char.Slug), nil,
		map[string]any{"backend_job_id": jobID}, "enqueued", 1.0, "LoRA training job submitted")

	if err := o.waitForJob(ctx, jobID); err != nil {
		return err
	}
	o.bus.Emit(eventbus.TrainingComplete, eventbus.Payload{"character_slug": char.Slug})
	return nil
}

// waitForJob polls the image-gen backend to a terminal state, shared by
// the LoRA-training and shot-rendering workers (training_data's own cycle
// has its own copy inside internal/generation).
func (o *Orchestrator) waitForJob(ctx context.Context, jobID string) error {
	for {
		status, err := o.imagegen.PollStatus(ctx, jobID)
		if err != nil {
			return err
		}
		switch status {
		case adapters.JobCompleted:
			return nil
		case adapters.JobFailed:
			return fmt.Errorf("job %s failed", jobID)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.pollInterval):
		}
	}
}

type sceneStub struct {
	Title    string `json:"title"`
	Synopsis string `json:"synopsis"`
	Shots    []struct {
		ShotType          string   `json:"shot_type"`
		CharactersPresent []string `json:"characters_present"`
	} `json:"shots"`
}

func buildScenePlanningPrompt(proj *models.Project, storyline []models.StorylineBeat, worldSettings map[string]string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Project: %s (%s)\nPremise: %s\n", proj.Name, proj.Genre, proj.Premise)
	if len(storyline) > 0 {
		sb.WriteString("Storyline beats:\n")
		for _, b := range storyline {
			fmt.Fprintf(&sb, "%d. %s\n", b.Index, b.Summary)
		}
	}
	for k, v := range worldSettings {
		fmt.Fprintf(&sb, "World setting %s: %s\n", k, v)
	}
	sb.WriteString("Produce a JSON array of scene stubs, each with title, synopsis, and a shots array of {shot_type, characters_present}.")
	return sb.String()
}

func (o *Orchestrator) workScenePlanning(ctx context.Context, row models.PipelineRow) error {
	proj, err := o.projects.GetProject(ctx, row.ProjectID)
	if err != nil {
		return err
	}
	storyline, err := o.scenesRepo.Storyline(ctx, row.ProjectID)
	if err != nil {
		return err
	}
	worldSettings, err := o.scenesRepo.WorldSettings(ctx, row.ProjectID)
	if err != nil {
		return err
	}

	release, _, err := o.gpuRouter.Acquire(ctx, gpu.TaskLLMInference)
	if err != nil {
		return err
	}
	defer release()

	prompt := buildScenePlanningPrompt(proj, storyline, worldSettings)
	result, err := o.llm.Query(ctx, prompt, adapters.TierStandard, "scene_planning")
	if err != nil {
		return err
	}

	var stubs []sceneStub
	if err := json.Unmarshal([]byte(result.Response), &stubs); err != nil {
		return apperror.Wrap(apperror.KindIntegrity, "parsing scene-planning response", err)
	}
	if len(stubs) == 0 {
		return apperror.New(apperror.KindIntegrity, "scene planning produced zero scenes")
	}

	err = o.db.Transaction(ctx, func(h store.DBTX) error {
		for idx, stub := range stubs {
			raw, _ := json.Marshal(stub.Shots)
			sc := &models.Scene{ProjectID: row.ProjectID, Index: idx, Title: stub.Title, Synopsis: stub.Synopsis, SuggestedShots: raw}
			if err := o.scenesRepo.CreateScene(ctx, h, sc); err != nil {
				return err
			}
			for shotIdx, shotStub := range stub.Shots {
				sh := &models.Shot{
					SceneID:           sc.ID,
					Index:             shotIdx,
					ShotType:          shotStub.ShotType,
					CharactersPresent: shotStub.CharactersPresent,
				}
				if err := o.scenesRepo.CreateShot(ctx, h, sh); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	o.bus.Emit(eventbus.ScenePlanningComplete, eventbus.Payload{"project_id": row.ProjectID, "scene_count": len(stubs)})
	return nil
}

func (o *Orchestrator) workShotPreparation(ctx context.Context, row models.PipelineRow) error {
	shots, err := o.scenesRepo.ShotsMissingSourceImage(ctx, row.ProjectID)
	if err != nil {
		return err
	}
	if len(shots) == 0 {
		return nil
	}

	type assignment struct {
		shotID, path string
	}
	var assignments []assignment
	runAssigned := make(map[string][]string) // shot type -> paths chosen earlier in this run
	for _, shot := range shots {
		if len(shot.CharactersPresent) == 0 {
			continue
		}
		slug := shot.CharactersPresent[0]
		assigned, err := o.scenesRepo.AssignedImagePathsForShotType(ctx, row.ProjectID, shot.ShotType)
		if err != nil {
			return err
		}
		assigned = append(assigned, runAssigned[shot.ShotType]...)
		exclude := ""
		if len(assigned) > 0 {
			exclude = assigned[len(assigned)-1]
		}
		best, err := o.gens.BestApprovedImage(ctx, slug, exclude)
		if err != nil {
			return err
		}
		if best == nil || best.OutputPath == nil {
			continue // no approved image yet for this character; retried next tick
		}
		assignments = append(assignments, assignment{shotID: shot.ID, path: *best.OutputPath})
		runAssigned[shot.ShotType] = append(runAssigned[shot.ShotType], *best.OutputPath)
	}
	if len(assignments) == 0 {
		return nil
	}

	err = o.db.Transaction(ctx, func(h store.DBTX) error {
		for _, a := range assignments {
			if err := o.scenesRepo.AssignShotImage(ctx, h, a.shotID, a.path); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	o.audit.Record(ctx, audit.DecisionShotImageAssigned, nil, audit.StrPtr(row.ProjectID),
		map[string]any{"assigned_count": len(assignments)}, "assigned", 1.0, "shot source images assigned from best-approved images")
	return nil
}

func buildShotRenderGraph(shot models.Shot, scene *models.Scene) []byte {
	raw, _ := json.Marshal(map[string]any{
		"class_type": "VideoRenderer",
		"inputs": map[string]any{
			"source_image":       shot.SourceImagePath,
			"shot_type":          shot.ShotType,
			"characters_present": shot.CharactersPresent,
			"scene_id":           scene.ID,
		},
	})
	return raw
}

func (o *Orchestrator) renderShot(ctx context.Context, shot models.Shot, scene *models.Scene) error {
	release, decision, err := o.gpuRouter.Acquire(ctx, gpu.TaskVideoGeneration)
	if err != nil {
		return err
	}
	defer release()
	if !decision.Admitted {
		return apperror.Wrap(apperror.KindResourceExhausted, "GPU-A admission denied for shot render: "+decision.Reason, apperror.ErrCircuitOpen)
	}

	jobID, err := o.imagegen.Submit(ctx, buildShotRenderGraph(shot, scene))
	if err != nil {
		return err
	}
	if err := o.waitForJob(ctx, jobID); err != nil {
		return err
	}
	return o.scenesRepo.SetShotStatus(ctx, shot.ID, models.ShotCompleted)
}

// assembleScene records the scene's final_video_path under the media
// library convention. The actual media muxing is delegated to the render backend at shot
// submission time; this step only records the assembled scene's path
// once every shot is render-ready.
func (o *Orchestrator) assembleScene(ctx context.Context, scene *models.Scene) error {
	finalPath := filepath.Join(o.cfg.MediaLibraryDir, scene.ProjectID, "scenes", scene.ID+".mp4")
	return o.scenesRepo.SetSceneFinalVideo(ctx, scene.ID, finalPath)
}

func (o *Orchestrator) workVideoGeneration(ctx context.Context, row models.PipelineRow) error {
	scene, err := o.scenesRepo.NextUnassembledScene(ctx, row.ProjectID)
	if err != nil {
		return err
	}
	if scene == nil {
		return nil
	}
	shots, err := o.scenesRepo.ShotsForScene(ctx, scene.ID)
	if err != nil {
		return err
	}
	for _, shot := range shots {
		if shot.Status == models.ShotCompleted || shot.Status == models.ShotAcceptedBest {
			continue
		}
		if err := o.renderShot(ctx, shot, scene); err != nil {
			return err
		}
	}
	if err := o.assembleScene(ctx, scene); err != nil {
		return err
	}
	o.bus.Emit(eventbus.SceneReady, eventbus.Payload{"project_id": row.ProjectID, "scene_id": scene.ID})
	return nil
}

// workSceneAssembly is the defensive fallback for the scene_assembly
// phase: by the time a project reaches this phase, video_generation's
// own worker has already written every scene's final_video_path as a
// side effect of rendering its shots, so this phase's gate ordinarily
// passes without ever invoking a worker. It only runs if some scene
// still lacks a final video despite its shots being render-ready.
func (o *Orchestrator) workSceneAssembly(ctx context.Context, row models.PipelineRow) error {
	scene, err := o.scenesRepo.NextUnassembledScene(ctx, row.ProjectID)
	if err != nil {
		return err
	}
	if scene == nil {
		return nil
	}
	return o.assembleScene(ctx, scene)
}

func (o *Orchestrator) workEpisodeAssembly(ctx context.Context, row models.PipelineRow) error {
	epCount, err := o.scenesRepo.CountEpisodes(ctx, row.ProjectID)
	if err != nil {
		return err
	}
	if epCount == 0 {
		scenes, err := o.scenesRepo.ScenesForProject(ctx, row.ProjectID)
		if err != nil {
			return err
		}
		sceneIDs := make([]string, len(scenes))
		for i, sc := range scenes {
			sceneIDs[i] = sc.ID
		}
		ep := &models.Episode{ProjectID: row.ProjectID, Index: 0, SceneIDs: sceneIDs}
		if err := o.scenesRepo.CreateEpisode(ctx, ep); err != nil {
			return err
		}
	}

	episodes, err := o.scenesRepo.EpisodesMissingVideo(ctx, row.ProjectID)
	if err != nil {
		return err
	}
	for _, ep := range episodes {
		finalPath := filepath.Join(o.cfg.MediaLibraryDir, row.ProjectID, "episodes", ep.ID+".mp4")
		if err := o.scenesRepo.SetEpisodeFinalVideo(ctx, ep.ID, finalPath); err != nil {
			return err
		}
		o.bus.Emit(eventbus.EpisodeAssembled, eventbus.Payload{"project_id": row.ProjectID, "episode_id": ep.ID})
	}
	return nil
}

func (o *Orchestrator) workPublishing(ctx context.Context, row models.PipelineRow) error {
	epCount, err := o.scenesRepo.CountEpisodes(ctx, row.ProjectID)
	if err != nil {
		return err
	}
	if epCount == 0 {
		return nil
	}
	episodes, err := o.scenesRepo.EpisodesNotPublished(ctx, row.ProjectID)
	if err != nil {
		return err
	}
	for _, ep := range episodes {
		if err := o.scenesRepo.PublishEpisode(ctx, ep.ID); err != nil {
			return err
		}
		o.bus.Emit(eventbus.EpisodePublished, eventbus.Payload{"project_id": row.ProjectID, "episode_id": ep.ID})
	}
	return nil
}

// InitializeProject implements initialize_project, spec §4.7.2.
func (o *Orchestrator) InitializeProject(ctx context.Context, projectID string) error {
	proj, err := o.projects.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	chars, err := o.projects.ListCharactersByProject(ctx, projectID)
	if err != nil {
		return err
	}
	if len(chars) == 0 {
		return apperror.New(apperror.KindValidation, "project has no characters")
	}
	for _, c := range chars {
		if strings.TrimSpace(c.DesignPrompt) == "" {
			return apperror.New(apperror.KindValidation, "character "+c.Slug+" has an empty design prompt")
		}
	}

	err = o.db.Transaction(ctx, func(h store.DBTX) error {
		for _, c := range chars {
			if err := o.pipelines.UpsertPending(ctx, h, models.EntityCharacter, c.ID, projectID, phaseTrainingData); err != nil {
				return err
			}
		}
		return o.pipelines.UpsertPending(ctx, h, models.EntityProject, projectID, projectID, phaseScenePlanning)
	})
	if err != nil {
		return err
	}

	o.audit.Record(ctx, audit.DecisionOrchestratorInit, nil, audit.StrPtr(proj.Name),
		map[string]any{"character_count": len(chars)}, "initialized", 1.0, "project pipeline rows created")
	return nil
}

// OverridePhase implements override_phase, spec §4.7.9. The complete
// action is treated as _advance_phase, including the phase-advanced event.
func (o *Orchestrator) OverridePhase(ctx context.Context, entityType models.EntityType, entityID, phase, action string) error {
	result, err := o.pipelines.Override(ctx, entityType, entityID, phase, action)
	if err != nil {
		return err
	}
	o.audit.Record(ctx, audit.DecisionPhaseOverride, nil, nil,
		map[string]any{"entity_type": entityType, "entity_id": entityID, "phase": phase, "action": action},
		action, 1.0, "manual operator override")
	if result.Advanced {
		o.bus.Emit(eventbus.PipelinePhaseAdvanced, eventbus.Payload{
			"entity_type":     string(entityType),
			"entity_id":       entityID,
			"project_id":      result.Row.ProjectID,
			"completed_phase": phase,
			"next_phase":      result.NextPhase,
		})
	}
	return nil
}

// Status is the orchestrator's operator-surface snapshot.
type Status struct {
	Enabled      bool     `json:"enabled"`
	ActiveTasks  []string `json:"active_tasks"`
	TickInterval string   `json:"tick_interval"`
}

// Status reports the scheduler's current state.
func (o *Orchestrator) Status() Status {
	o.tasksMu.Lock()
	defer o.tasksMu.Unlock()
	tasks := make([]string, 0, len(o.tasks))
	for k := range o.tasks {
		tasks = append(tasks, k)
	}
	return Status{Enabled: o.enabled.Load(), ActiveTasks: tasks, TickInterval: o.cfg.TickInterval.String()}
}
