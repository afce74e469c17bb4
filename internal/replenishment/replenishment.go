// Package replenishment implements the Replenishment Loop (C5): a
// periodic tick that keeps each character's approved-image count at or
// above its target by dispatching generate-and-review cycles, subject to
// a daily cap, a consecutive-rejection pause, and a one-active-task-per-
// character concurrency limit. Grounded on the teacher's
// pkg/queue/worker.go Start/Stop/ticker shape, restructured from a
// claim-one-row poll loop into a per-character fan-out tick (spec §4.5
// has no work queue to claim from — every active character is evaluated
// every tick).
package replenishment

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pvestal/tower-anime-orchestrator/internal/audit"
	"github.com/pvestal/tower-anime-orchestrator/internal/config"
	"github.com/pvestal/tower-anime-orchestrator/internal/generation"
	"github.com/pvestal/tower-anime-orchestrator/internal/learning"
	"github.com/pvestal/tower-anime-orchestrator/internal/metrics"
	"github.com/pvestal/tower-anime-orchestrator/internal/models"
	"github.com/pvestal/tower-anime-orchestrator/internal/store"
)

// Loop is the replenishment scheduler.
type Loop struct {
	cfg      config.ReplenishmentConfig
	projects *store.ProjectRepo
	gens     *store.GenerationRepo
	styles   *store.StyleRepo
	learning *learning.Engine
	cycle    *generation.Cycle
	audit    *audit.Log
	logger   *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu           sync.Mutex
	inFlight     map[string]bool      // character slug -> task running
	pausedAt     map[string]time.Time // character slug -> pause expiry
	targetGlobal atomic.Int64
	targets      sync.Map // character slug -> int64 override target
	enabled      atomic.Bool
}

// New constructs a Loop.
func New(cfg config.ReplenishmentConfig, projects *store.ProjectRepo, gens *store.GenerationRepo, styles *store.StyleRepo, eng *learning.Engine, cycle *generation.Cycle, auditLog *audit.Log) *Loop {
	l := &Loop{
		cfg:      cfg,
		projects: projects,
		gens:     gens,
		styles:   styles,
		learning: eng,
		cycle:    cycle,
		audit:    auditLog,
		logger:   slog.Default().With("component", "replenishment"),
		stopCh:   make(chan struct{}),
		inFlight: make(map[string]bool),
		pausedAt: make(map[string]time.Time),
	}
	l.enabled.Store(cfg.Enabled)
	l.targetGlobal.Store(int64(cfg.TargetGlobal))
	for slug, target := range cfg.TargetsByCharacter {
		l.targets.Store(slug, int64(target))
	}
	return l
}

// Enable toggles the loop on or off at runtime, for /replenishment/toggle
// (§6). Disabling stops new dispatch from the next tick; in-flight tasks
// drain normally.
func (l *Loop) Enable(on bool) { l.enabled.Store(on) }

// SetTargetGlobal updates the default per-character approved-image target,
// for /replenishment/target (§6).
func (l *Loop) SetTargetGlobal(target int) { l.targetGlobal.Store(int64(target)) }

// SetTargetForCharacter overrides the approved-image target for one
// character, for /replenishment/target (§6).
func (l *Loop) SetTargetForCharacter(slug string, target int) {
	l.targets.Store(slug, int64(target))
}

func (l *Loop) targetFor(slug string) int {
	if v, ok := l.targets.Load(slug); ok {
		return int(v.(int64))
	}
	return int(l.targetGlobal.Load())
}

// Readiness reports, per character, whether its approved-image count has
// reached its target — the /replenishment/readiness operator-surface view
// used to decide whether training_data can advance without waiting on a
// dispatched cycle.
type Readiness struct {
	CharacterSlug string `json:"character_slug"`
	Approved      int    `json:"approved"`
	Target        int    `json:"target"`
	Ready         bool   `json:"ready"`
}

// Readiness computes the readiness snapshot for every character across
// every active project.
func (l *Loop) Readiness(ctx context.Context) ([]Readiness, error) {
	projects, err := l.projects.ListActiveProjects(ctx)
	if err != nil {
		return nil, err
	}
	var out []Readiness
	for _, p := range projects {
		chars, err := l.projects.ListCharactersByProject(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		for _, c := range chars {
			approved, err := l.gens.CountApproved(ctx, c.Slug)
			if err != nil {
				return nil, err
			}
			target := l.targetFor(c.Slug)
			out = append(out, Readiness{CharacterSlug: c.Slug, Approved: approved, Target: target, Ready: approved >= target})
		}
	}
	return out, nil
}

// Start begins the tick loop in a goroutine, regardless of the initial
// enabled flag — Enable toggles dispatch from the next tick onward, the
// same always-running/gated-by-flag shape as the orchestrator (§4.7.10).
func (l *Loop) Start(ctx context.Context) {
	l.wg.Add(1)
	go l.run(ctx)
}

// Stop signals the loop to stop and waits for in-flight ticks to finish.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
}

func (l *Loop) run(ctx context.Context) {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

// tick scans every active project's characters and dispatches a
// generate-and-review cycle for any character under target, subject to
// the daily cap, rejection pause, and per-character concurrency limit.
func (l *Loop) tick(ctx context.Context) {
	if !l.enabled.Load() {
		return
	}
	projects, err := l.projects.ListActiveProjects(ctx)
	if err != nil {
		l.logger.Error("listing active projects failed", "error", err)
		return
	}
	for _, p := range projects {
		chars, err := l.projects.ListCharactersByProject(ctx, p.ID)
		if err != nil {
			l.logger.Error("listing characters failed", "project", p.Name, "error", err)
			continue
		}
		for _, c := range chars {
			l.evaluateCharacter(ctx, p, c)
		}
	}
}

func (l *Loop) evaluateCharacter(ctx context.Context, project models.Project, char models.Character) {
	target := l.targetFor(char.Slug)

	approved, err := l.gens.CountApproved(ctx, char.Slug)
	if err != nil {
		l.logger.Error("counting approved generations failed", "character", char.Slug, "error", err)
		return
	}
	if approved >= target {
		return
	}

	l.mu.Lock()
	if until, paused := l.pausedAt[char.Slug]; paused {
		if time.Now().Before(until) {
			l.mu.Unlock()
			return
		}
		delete(l.pausedAt, char.Slug)
	}
	if l.inFlight[char.Slug] {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	todayCount, err := l.gens.CountToday(ctx, char.Slug)
	if err != nil {
		l.logger.Error("counting today's generations failed", "character", char.Slug, "error", err)
		return
	}
	if todayCount >= l.cfg.DailyGenerationCap {
		l.audit.Record(ctx, "replenishment_skip_daily_cap", audit.StrPtr(char.Slug), audit.StrPtr(project.Name),
			map[string]any{"today_count": todayCount, "cap": l.cfg.DailyGenerationCap}, "skipped", 1.0,
			"character has reached the daily generation cap")
		return
	}

	streak, err := l.gens.ConsecutiveRejections(ctx, char.Slug)
	if err != nil {
		l.logger.Error("counting rejection streak failed", "character", char.Slug, "error", err)
		return
	}
	if streak >= l.cfg.ConsecutiveRejectionLimit {
		l.mu.Lock()
		l.pausedAt[char.Slug] = time.Now().Add(l.cfg.PauseCooldown)
		l.mu.Unlock()
		l.audit.Record(ctx, "replenishment_pause_rejection_streak", audit.StrPtr(char.Slug), audit.StrPtr(project.Name),
			map[string]any{"streak": streak, "limit": l.cfg.ConsecutiveRejectionLimit, "cooldown": l.cfg.PauseCooldown.String()},
			"paused", 1.0, "consecutive rejection limit reached, pausing for cooldown")
		return
	}

	l.mu.Lock()
	l.inFlight[char.Slug] = true
	l.mu.Unlock()

	go l.dispatch(project, char)
}

func (l *Loop) dispatch(project models.Project, char models.Character) {
	defer func() {
		l.mu.Lock()
		delete(l.inFlight, char.Slug)
		l.mu.Unlock()
	}()
	metrics.ReplenishmentDispatchedTotal.Inc()

	ctx := context.Background()
	rec := l.learning.RecommendParams(ctx, char.Slug, project.Name, "")
	var style *models.GenerationStyle
	if project.DefaultStyleID != nil {
		if st, err := l.styles.Get(ctx, *project.DefaultStyleID); err == nil {
			style = st
		}
	}

	req := generation.Request{Character: char, ProjectName: project.Name, Style: style}
	if rec.LearnedNegatives != "" {
		req.ExtraNegatives = []string{rec.LearnedNegatives}
	}

	if _, err := l.cycle.Run(ctx, req); err != nil {
		l.logger.Error("replenishment generate-and-review cycle failed", "character", char.Slug, "error", err)
	}
}

// Status is the result of Status(), spec §4.5's status() API.
type Status struct {
	Enabled            bool           `json:"enabled"`
	TargetGlobal       int            `json:"target_global"`
	TargetsByCharacter map[string]int `json:"targets_by_character"`
	InFlight           []string       `json:"in_flight"`
	DailyCounts        map[string]int `json:"daily_counts"`
	PausedCharacters   []string       `json:"paused_characters"`
}

// Status reports the loop's current state for the operator surface,
// including each active character's generation count since midnight. A
// failing daily-count query is logged and leaves that character out of
// DailyCounts rather than failing the whole snapshot.
func (l *Loop) Status(ctx context.Context) Status {
	l.mu.Lock()
	inFlight := make([]string, 0, len(l.inFlight))
	for slug := range l.inFlight {
		inFlight = append(inFlight, slug)
	}
	paused := make([]string, 0, len(l.pausedAt))
	now := time.Now()
	for slug, until := range l.pausedAt {
		if now.Before(until) {
			paused = append(paused, slug)
		}
	}
	l.mu.Unlock()

	targets := make(map[string]int)
	l.targets.Range(func(k, v any) bool {
		targets[k.(string)] = int(v.(int64))
		return true
	})

	dailyCounts := make(map[string]int)
	if l.projects != nil && l.gens != nil {
		if projects, err := l.projects.ListActiveProjects(ctx); err == nil {
			for _, p := range projects {
				chars, err := l.projects.ListCharactersByProject(ctx, p.ID)
				if err != nil {
					l.logger.Warn("listing characters for status failed", "project", p.Name, "error", err)
					continue
				}
				for _, c := range chars {
					n, err := l.gens.CountToday(ctx, c.Slug)
					if err != nil {
						l.logger.Warn("counting today's generations for status failed", "character", c.Slug, "error", err)
						continue
					}
					dailyCounts[c.Slug] = n
				}
			}
		}
	}

	return Status{
		Enabled:            l.enabled.Load(),
		TargetGlobal:       int(l.targetGlobal.Load()),
		TargetsByCharacter: targets,
		InFlight:           inFlight,
		DailyCounts:        dailyCounts,
		PausedCharacters:   paused,
	}
}
