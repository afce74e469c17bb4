// Package learning implements the Learning & Quality Engine (C4): SQL-only
// aggregation over generation history that produces per-character
// parameter recommendations, per-project checkpoint rankings, drift
// alerts, and quality-gate evaluation. No in-memory ML, per spec §4.4.
// Grounded on original_source/packages/core/learning.py.
package learning

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pvestal/tower-anime-orchestrator/internal/config"
	"github.com/pvestal/tower-anime-orchestrator/internal/models"
	"github.com/pvestal/tower-anime-orchestrator/internal/store"
)

// REJECTION_NEGATIVE_MAP (spec §4.4.2) — fixed mapping from the canonical
// rejection-category enum (spec.md Open Question 2) to additional
// negative-prompt terms.
var RejectionNegativeMap = map[models.RejectionCategory][]string{
	models.CategoryWrongAppearance: {"wrong colors", "inconsistent design"},
	models.CategoryNotSolo:         {"multiple characters", "crowd", "group"},
	models.CategoryWrongPose:       {"bad anatomy", "awkward pose"},
	models.CategoryLowQuality:      {"blurry", "low detail", "artifacts"},
	models.CategoryWrongSpecies:    {"wrong species", "incorrect anatomy"},
	models.CategoryBadComposition:  {"bad composition", "cropped", "off-center"},
}

// Confidence is the recommendation confidence level, spec §4.4.2.
type Confidence string

const (
	ConfidenceNone   Confidence = "none"
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Engine is the Learning & Quality Engine. Its query methods log SQL
// errors and return a zero-value/empty result instead, per spec §4.4.3.
// RecordLearnedPattern, a write, returns its error to the caller.
type Engine struct {
	st     *store.Store
	cfg    config.LearningConfig
	logger *slog.Logger

	gatesMu sync.RWMutex
	gates   config.QualityGatesConfig
}

// New constructs an Engine.
func New(st *store.Store, cfg config.LearningConfig, gates config.QualityGatesConfig) *Engine {
	e := &Engine{st: st, cfg: cfg, logger: slog.Default().With("component", "learning")}
	e.gates = gates
	return e
}

// GateThresholds returns the current auto-reject/auto-approve thresholds,
// for the /quality/gates read endpoint (§6).
func (e *Engine) GateThresholds() config.QualityGatesConfig {
	e.gatesMu.RLock()
	defer e.gatesMu.RUnlock()
	return e.gates
}

// SetAutoRejectThreshold updates the auto-reject threshold at runtime, via
// /quality/gates/{name} (§6: "gate thresholds are mutable at runtime via
// the operator surface").
func (e *Engine) SetAutoRejectThreshold(v float64) {
	e.gatesMu.Lock()
	defer e.gatesMu.Unlock()
	e.gates.AutoRejectThreshold = v
}

// SetAutoApproveThreshold updates the auto-approve threshold at runtime.
func (e *Engine) SetAutoApproveThreshold(v float64) {
	e.gatesMu.Lock()
	defer e.gatesMu.Unlock()
	e.gates.AutoApproveThreshold = v
}

// Suggestion is the result of SuggestParams.
type Suggestion struct {
	SampleCount int     `json:"sample_count"`
	AvgQuality  float64 `json:"avg_quality"`
	CFGScale    float64 `json:"cfg_scale"`
	Steps       int     `json:"steps"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	BestSampler string  `json:"best_sampler,omitempty"`
}

// SuggestParams returns median-based parameter suggestions for
// characterSlug, or the zero value if fewer than MinSamples successful
// generations exist, per spec §4.4.1.
func (e *Engine) SuggestParams(ctx context.Context, characterSlug string) Suggestion {
	row := e.st.Acquire().QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(AVG(quality_score), 0),
		       COALESCE(percentile_cont(0.5) WITHIN GROUP (ORDER BY cfg_scale), 0),
		       COALESCE(percentile_cont(0.5) WITHIN GROUP (ORDER BY steps), 0),
		       COALESCE(percentile_cont(0.5) WITHIN GROUP (ORDER BY width), 0),
		       COALESCE(percentile_cont(0.5) WITHIN GROUP (ORDER BY height), 0)
		FROM generation_history
		WHERE character_slug = $1 AND quality_score >= $2
		  AND created_at >= now() - interval '30 days'
	`, characterSlug, e.cfg.SuccessThreshold)

	var sug Suggestion
	var cfgMedian, stepsMedian, widthMedian, heightMedian float64
	if err := row.Scan(&sug.SampleCount, &sug.AvgQuality, &cfgMedian, &stepsMedian, &widthMedian, &heightMedian); err != nil {
		e.logger.Warn("suggest_params query failed", "character", characterSlug, "error", err)
		return Suggestion{}
	}
	if sug.SampleCount < e.cfg.MinSamples {
		return Suggestion{}
	}
	sug.CFGScale = cfgMedian
	sug.Steps = int(stepsMedian)
	sug.Width = int(widthMedian)
	sug.Height = int(heightMedian)

	sampler, err := e.bestSampler(ctx, characterSlug)
	if err == nil {
		sug.BestSampler = sampler
	}
	return sug
}

func (e *Engine) bestSampler(ctx context.Context, characterSlug string) (string, error) {
	row := e.st.Acquire().QueryRowContext(ctx, `
		SELECT sampler FROM (
			SELECT sampler, COUNT(*) AS n, AVG(quality_score) AS avg_q
			FROM generation_history
			WHERE character_slug = $1 AND quality_score >= $2 AND sampler IS NOT NULL AND sampler != ''
			GROUP BY sampler
			HAVING COUNT(*) >= 3
		) s
		ORDER BY avg_q DESC LIMIT 1
	`, characterSlug, e.cfg.SuccessThreshold)
	var sampler string
	if err := row.Scan(&sampler); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return sampler, nil
}

// Recommendation is the result of RecommendParams.
type Recommendation struct {
	Suggestion
	Confidence       Confidence `json:"confidence"`
	LearnedNegatives string     `json:"learned_negatives,omitempty"`
}

// RecommendParams extends SuggestParams with a confidence tier and a
// learned-negatives string built from top rejection categories, per spec
// §4.4.2. When checkpointModel is non-empty, history is filtered to that
// model to prevent cross-model contamination.
func (e *Engine) RecommendParams(ctx context.Context, characterSlug, projectName, checkpointModel string) Recommendation {
	query := `
		SELECT COUNT(*), COALESCE(AVG(quality_score), 0),
		       COALESCE(percentile_cont(0.5) WITHIN GROUP (ORDER BY cfg_scale), 0),
		       COALESCE(percentile_cont(0.5) WITHIN GROUP (ORDER BY steps), 0),
		       COALESCE(percentile_cont(0.5) WITHIN GROUP (ORDER BY width), 0),
		       COALESCE(percentile_cont(0.5) WITHIN GROUP (ORDER BY height), 0)
		FROM generation_history
		WHERE character_slug = $1 AND quality_score >= $2 AND created_at >= now() - interval '30 days'`
	args := []any{characterSlug, e.cfg.SuccessThreshold}
	if checkpointModel != "" {
		query += " AND checkpoint_model = $3"
		args = append(args, checkpointModel)
	}

	var rec Recommendation
	var cfgMedian, stepsMedian, widthMedian, heightMedian float64
	row := e.st.Acquire().QueryRowContext(ctx, query, args...)
	if err := row.Scan(&rec.SampleCount, &rec.AvgQuality, &cfgMedian, &stepsMedian, &widthMedian, &heightMedian); err != nil {
		e.logger.Warn("recommend_params query failed", "character", characterSlug, "error", err)
		return Recommendation{Confidence: ConfidenceNone}
	}
	rec.CFGScale, rec.Steps, rec.Width, rec.Height = cfgMedian, int(stepsMedian), int(widthMedian), int(heightMedian)

	switch {
	case rec.SampleCount < e.cfg.MinConfidenceSamples:
		rec.Confidence = ConfidenceNone
	case rec.SampleCount < 10:
		rec.Confidence = ConfidenceLow
	case rec.SampleCount < 25:
		rec.Confidence = ConfidenceMedium
	default:
		rec.Confidence = ConfidenceHigh
	}

	if rec.Confidence == ConfidenceNone {
		return rec
	}

	if sampler, err := e.bestSampler(ctx, characterSlug); err == nil {
		rec.BestSampler = sampler
	}

	patterns, err := e.RejectionPatterns(ctx, characterSlug, 10)
	if err == nil {
		rec.LearnedNegatives = buildLearnedNegatives(patterns)
	}
	return rec
}

func buildLearnedNegatives(patterns []RejectionPattern) string {
	terms := make([]string, 0)
	seen := make(map[string]bool)
	for _, p := range patterns {
		if p.Count < 2 {
			continue
		}
		for _, term := range RejectionNegativeMap[p.Category] {
			if !seen[term] {
				seen[term] = true
				terms = append(terms, term)
			}
		}
	}
	out := ""
	for i, t := range terms {
		if i > 0 {
			out += ", "
		}
		out += t
	}
	return out
}

// RejectionPattern is one row of RejectionPatterns.
type RejectionPattern struct {
	Category models.RejectionCategory `json:"category"`
	Count    int                      `json:"count"`
}

// RejectionPatterns returns the top rejection categories for
// characterSlug over the last 30 days, most frequent first.
func (e *Engine) RejectionPatterns(ctx context.Context, characterSlug string, limit int) ([]RejectionPattern, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := e.st.Acquire().QueryContext(ctx, `
		SELECT category, COUNT(*) AS n
		FROM rejections, unnest(categories) AS category
		WHERE character_slug = $1 AND created_at >= now() - interval '30 days'
		GROUP BY category
		ORDER BY n DESC
		LIMIT $2
	`, characterSlug, limit)
	if err != nil {
		e.logger.Warn("rejection_patterns query failed", "character", characterSlug, "error", err)
		return nil, nil
	}
	defer rows.Close()

	var out []RejectionPattern
	for rows.Next() {
		var p RejectionPattern
		if err := rows.Scan(&p.Category, &p.Count); err != nil {
			e.logger.Warn("rejection_patterns scan failed", "character", characterSlug, "error", err)
			return nil, nil
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		e.logger.Warn("rejection_patterns rows failed", "character", characterSlug, "error", err)
		return nil, nil
	}
	return out, nil
}

// CheckpointRanking is one row of CheckpointRankings.
type CheckpointRanking struct {
	CheckpointModel string  `json:"checkpoint_model"`
	AvgQuality      float64 `json:"avg_quality"`
	SampleCount     int     `json:"sample_count"`
}

// CheckpointRankings ranks checkpoint models by average quality for a
// project over the last 30 days.
func (e *Engine) CheckpointRankings(ctx context.Context, projectName string) []CheckpointRanking {
	rows, err := e.st.Acquire().QueryContext(ctx, `
		SELECT checkpoint_model, AVG(quality_score), COUNT(*)
		FROM generation_history
		WHERE project_name = $1 AND checkpoint_model IS NOT NULL
		  AND created_at >= now() - interval '30 days'
		GROUP BY checkpoint_model
		ORDER BY AVG(quality_score) DESC
	`, projectName)
	if err != nil {
		e.logger.Warn("checkpoint_rankings query failed", "project", projectName, "error", err)
		return nil
	}
	defer rows.Close()

	var out []CheckpointRanking
	for rows.Next() {
		var r CheckpointRanking
		if err := rows.Scan(&r.CheckpointModel, &r.AvgQuality, &r.SampleCount); err != nil {
			e.logger.Warn("scanning checkpoint ranking", "error", err)
			return out
		}
		out = append(out, r)
	}
	return out
}

// TrendPoint is one day's aggregate in QualityTrend.
type TrendPoint struct {
	Day        time.Time `json:"day"`
	AvgQuality float64   `json:"avg_quality"`
	Count      int       `json:"count"`
}

// QualityTrend returns daily average quality for the given character or
// project over the trailing window, defaulting to 7 days.
func (e *Engine) QualityTrend(ctx context.Context, characterSlug, projectName string, days int) []TrendPoint {
	if days <= 0 {
		days = 7
	}
	var rows *sql.Rows
	var err error
	if characterSlug != "" {
		rows, err = e.st.Acquire().QueryContext(ctx, `
			SELECT date_trunc('day', created_at) AS day, AVG(quality_score), COUNT(*)
			FROM generation_history
			WHERE character_slug = $1 AND created_at >= now() - ($2 || ' days')::interval
			GROUP BY day ORDER BY day
		`, characterSlug, days)
	} else {
		rows, err = e.st.Acquire().QueryContext(ctx, `
			SELECT date_trunc('day', created_at) AS day, AVG(quality_score), COUNT(*)
			FROM generation_history
			WHERE project_name = $1 AND created_at >= now() - ($2 || ' days')::interval
			GROUP BY day ORDER BY day
		`, projectName, days)
	}
	if err != nil {
		e.logger.Warn("quality_trend query failed", "error", err)
		return nil
	}
	defer rows.Close()

	var out []TrendPoint
	for rows.Next() {
		var p TrendPoint
		if err := rows.Scan(&p.Day, &p.AvgQuality, &p.Count); err != nil {
			e.logger.Warn("scanning trend point", "error", err)
			return out
		}
		out = append(out, p)
	}
	return out
}

// Stats is the result of LearningStats.
type Stats struct {
	TotalGenerations int     `json:"total_generations"`
	TotalApproved    int     `json:"total_approved"`
	TotalRejected    int     `json:"total_rejected"`
	OverallAvgQuality float64 `json:"overall_avg_quality"`
	LearnedPatternCount int  `json:"learned_pattern_count"`
}

// LearningStats reports generation counts and average quality over the
// last 30 days, plus the total number of learned patterns.
func (e *Engine) LearningStats(ctx context.Context) Stats {
	var s Stats
	row := e.st.Acquire().QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'approved'),
		       COUNT(*) FILTER (WHERE status = 'rejected'),
		       COALESCE(AVG(quality_score), 0)
		FROM generation_history
		WHERE created_at >= now() - interval '30 days'
	`)
	if err := row.Scan(&s.TotalGenerations, &s.TotalApproved, &s.TotalRejected, &s.OverallAvgQuality); err != nil {
		e.logger.Warn("learning_stats query failed", "error", err)
		return Stats{}
	}
	row2 := e.st.Acquire().QueryRowContext(ctx, `SELECT COUNT(*) FROM learned_patterns`)
	_ = row2.Scan(&s.LearnedPatternCount)
	return s
}

// DriftAlert is one row of DetectDrift.
type DriftAlert struct {
	CharacterSlug string  `json:"character_slug"`
	RecentAvg     float64 `json:"recent_avg"`
	OverallAvg    float64 `json:"overall_avg"`
	Drift         float64 `json:"drift"`
}

// DetectDrift returns characters in scope whose recent quality has
// dropped relative to their historical average, or below the absolute
// drift-alert threshold, sorted by most negative drift first, per spec
// §4.4.5. scopeCharacterSlugs, when non-empty, restricts the scan to
// those characters; otherwise every character with history is scanned.
func (e *Engine) DetectDrift(ctx context.Context, scopeCharacterSlugs []string, window int) []DriftAlert {
	if window <= 0 {
		window = 20
	}

	var slugs []string
	if len(scopeCharacterSlugs) > 0 {
		slugs = scopeCharacterSlugs
	} else {
		rows, err := e.st.Acquire().QueryContext(ctx, `SELECT DISTINCT character_slug FROM generation_history`)
		if err != nil {
			e.logger.Warn("detect_drift character scan failed", "error", err)
			return nil
		}
		defer rows.Close()
		for rows.Next() {
			var slug string
			if err := rows.Scan(&slug); err != nil {
				continue
			}
			slugs = append(slugs, slug)
		}
	}

	var alerts []DriftAlert
	for _, slug := range slugs {
		row := e.st.Acquire().QueryRowContext(ctx, `
			WITH recent AS (
				SELECT quality_score FROM generation_history
				WHERE character_slug = $1 AND quality_score IS NOT NULL
				ORDER BY created_at DESC LIMIT $2
			)
			SELECT
				(SELECT COALESCE(AVG(quality_score), 0) FROM recent),
				(SELECT COALESCE(AVG(quality_score), 0) FROM generation_history
				 WHERE character_slug = $1 AND quality_score IS NOT NULL)
		`, slug, window)
		var recentAvg, overallAvg float64
		if err := row.Scan(&recentAvg, &overallAvg); err != nil {
			e.logger.Warn("detect_drift query failed", "character", slug, "error", err)
			continue
		}
		drift := recentAvg - overallAvg
		if recentAvg < overallAvg-0.10 || recentAvg < e.cfg.DriftAlertThreshold {
			alerts = append(alerts, DriftAlert{CharacterSlug: slug, RecentAvg: recentAvg, OverallAvg: overallAvg, Drift: drift})
		}
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].Drift < alerts[j].Drift })
	return alerts
}

// RecordLearnedPattern upserts a learned_patterns row by
// (character_slug, pattern_type, checkpoint_model), incrementing
// frequency and updating the running average:
// avg = (old_avg*old_freq + new_q) / (old_freq + 1), per spec §4.4.4.
func (e *Engine) RecordLearnedPattern(ctx context.Context, characterSlug, projectName string, patternType models.PatternType, quality, cfgScale float64, steps int, checkpointModel *string) error {
	return e.st.Transaction(ctx, func(h store.DBTX) error {
		row := h.QueryRowContext(ctx, `
			SELECT quality_score_avg, frequency, cfg_range_min, cfg_range_max, steps_range_min, steps_range_max
			FROM learned_patterns
			WHERE character_slug = $1 AND pattern_type = $2 AND checkpoint_model IS NOT DISTINCT FROM $3
			FOR UPDATE
		`, characterSlug, patternType, checkpointModel)

		var oldAvg float64
		var oldFreq int
		var cfgMin, cfgMax sql.NullFloat64
		var stepsMin, stepsMax sql.NullInt64
		err := row.Scan(&oldAvg, &oldFreq, &cfgMin, &cfgMax, &stepsMin, &stepsMax)

		newCFGMin, newCFGMax := cfgScale, cfgScale
		newStepsMin, newStepsMax := steps, steps

		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, insertErr := h.ExecContext(ctx, `
				INSERT INTO learned_patterns
					(id, character_slug, project_name, pattern_type, checkpoint_model,
					 quality_score_avg, frequency, cfg_range_min, cfg_range_max,
					 steps_range_min, steps_range_max, created_at, updated_at)
				VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, 1, $6, $6, $7, $7, now(), now())
			`, characterSlug, projectName, patternType, checkpointModel, quality, cfgScale, steps)
			return insertErr
		case err != nil:
			return err
		}

		newAvg := (oldAvg*float64(oldFreq) + quality) / float64(oldFreq+1)
		if cfgMin.Valid && cfgMin.Float64 < newCFGMin {
			newCFGMin = cfgMin.Float64
		}
		if cfgMax.Valid && cfgMax.Float64 > newCFGMax {
			newCFGMax = cfgMax.Float64
		}
		if stepsMin.Valid && int(stepsMin.Int64) < newStepsMin {
			newStepsMin = int(stepsMin.Int64)
		}
		if stepsMax.Valid && int(stepsMax.Int64) > newStepsMax {
			newStepsMax = int(stepsMax.Int64)
		}

		_, updateErr := h.ExecContext(ctx, `
			UPDATE learned_patterns
			SET quality_score_avg = $1, frequency = frequency + 1,
			    cfg_range_min = $2, cfg_range_max = $3,
			    steps_range_min = $4, steps_range_max = $5, updated_at = now()
			WHERE character_slug = $6 AND pattern_type = $7 AND checkpoint_model IS NOT DISTINCT FROM $8
		`, newAvg, newCFGMin, newCFGMax, newStepsMin, newStepsMax, characterSlug, patternType, checkpointModel)
		return updateErr
	})
}
