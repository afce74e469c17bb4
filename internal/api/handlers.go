package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pvestal/tower-anime-orchestrator/internal/models"
)

// --- orchestrator ---------------------------------------------------------

func orchestratorToggleHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			Enabled bool `json:"enabled"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			writeError(c, http.StatusBadRequest, "validation", err.Error(), "")
			return
		}
		deps.Orchestrator.Enable(body.Enabled)
		c.JSON(http.StatusOK, deps.Orchestrator.Status())
	}
}

func orchestratorInitializeHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			ProjectID      string `json:"project_id" binding:"required"`
			TrainingTarget *int   `json:"training_target"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			writeError(c, http.StatusBadRequest, "validation", err.Error(), "")
			return
		}
		if body.TrainingTarget != nil {
			deps.Orchestrator.SetTrainingTarget(*body.TrainingTarget)
		}
		if err := deps.Orchestrator.InitializeProject(c.Request.Context(), body.ProjectID); err != nil {
			handleErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"project_id": body.ProjectID, "initialized": true})
	}
}

func orchestratorPipelineHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := deps.Orchestrator.Pipeline(c.Request.Context(), c.Param("project_id"))
		if err != nil {
			handleErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"rows": rows})
	}
}

func orchestratorSummaryHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		summary, err := deps.Orchestrator.Summary(c.Request.Context(), c.Param("project_id"))
		if err != nil {
			handleErr(c, err)
			return
		}
		c.String(http.StatusOK, summary)
	}
}

func orchestratorTickHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		deps.Orchestrator.Tick(c.Request.Context())
		c.JSON(http.StatusOK, deps.Orchestrator.Status())
	}
}

func orchestratorOverrideHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			EntityType models.EntityType `json:"entity_type" binding:"required"`
			EntityID   string            `json:"entity_id" binding:"required"`
			Phase      string            `json:"phase" binding:"required"`
			Action     string            `json:"action" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			writeError(c, http.StatusBadRequest, "validation", err.Error(), "")
			return
		}
		if err := deps.Orchestrator.OverridePhase(c.Request.Context(), body.EntityType, body.EntityID, body.Phase, body.Action); err != nil {
			handleErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"overridden": true})
	}
}

func orchestratorTrainingTargetHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			Target int `json:"target" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			writeError(c, http.StatusBadRequest, "validation", err.Error(), "")
			return
		}
		deps.Orchestrator.SetTrainingTarget(body.Target)
		c.JSON(http.StatusOK, gin.H{"training_target": body.Target})
	}
}

// --- replenishment ---------------------------------------------------------

func replenishmentStatusHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, deps.Replenishment.Status(c.Request.Context()))
	}
}

func replenishmentToggleHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			Enabled bool `json:"enabled"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			writeError(c, http.StatusBadRequest, "validation", err.Error(), "")
			return
		}
		deps.Replenishment.Enable(body.Enabled)
		c.JSON(http.StatusOK, deps.Replenishment.Status(c.Request.Context()))
	}
}

func replenishmentTargetHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			CharacterSlug string `json:"character_slug"`
			Target        int    `json:"target" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			writeError(c, http.StatusBadRequest, "validation", err.Error(), "")
			return
		}
		if body.CharacterSlug == "" {
			deps.Replenishment.SetTargetGlobal(body.Target)
		} else {
			deps.Replenishment.SetTargetForCharacter(body.CharacterSlug, body.Target)
		}
		c.JSON(http.StatusOK, deps.Replenishment.Status(c.Request.Context()))
	}
}

func replenishmentReadinessHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		readiness, err := deps.Replenishment.Readiness(c.Request.Context())
		if err != nil {
			handleErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"readiness": readiness})
	}
}

// --- learning ---------------------------------------------------------

func learningStatsHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, deps.Learning.LearningStats(c.Request.Context()))
	}
}

func learningSuggestHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		slug := c.Param("slug")
		checkpoint := c.Query("checkpoint_model")
		if checkpoint == "" {
			c.JSON(http.StatusOK, deps.Learning.SuggestParams(c.Request.Context(), slug))
			return
		}
		c.JSON(http.StatusOK, deps.Learning.RecommendParams(c.Request.Context(), slug, c.Query("project"), checkpoint))
	}
}

func learningRejectionsHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		patterns, err := deps.Learning.RejectionPatterns(c.Request.Context(), c.Param("slug"), 10)
		if err != nil {
			handleErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"patterns": patterns})
	}
}

func learningCheckpointsHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rankings": deps.Learning.CheckpointRankings(c.Request.Context(), c.Param("project"))})
	}
}

func learningTrendHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		trend := deps.Learning.QualityTrend(c.Request.Context(), c.Query("character_slug"), c.Query("project_name"), 7)
		c.JSON(http.StatusOK, gin.H{"trend": trend})
	}
}

func learningDriftHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		alerts := deps.Learning.DetectDrift(c.Request.Context(), c.QueryArray("character_slug"), 20)
		c.JSON(http.StatusOK, gin.H{"alerts": alerts})
	}
}

// --- quality gates ---------------------------------------------------------

// qualityGatesListHandler returns both the DB-backed named gates and the
// in-memory auto-reject/auto-approve thresholds the learning engine
// actually evaluates against, per spec §4.4.6/§6 — the two are distinct
// configuration surfaces: QualityGateRepo rows are named thresholds
// (overall_consistency, face_similarity, ...) that this surface lists and
// updates and that no part of the generation path reads, while the
// learning engine's gates are the in-memory auto_reject/auto_approve
// cutoffs, loaded from config and changeable at runtime here, applied to
// every generation's quality_score.
func qualityGatesListHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		gates, err := deps.QualityGates.List(c.Request.Context())
		if err != nil {
			handleErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"gates":      gates,
			"thresholds": deps.Learning.GateThresholds(),
		})
	}
}

// qualityGateUpdateHandler updates a gate by name. The two reserved names
// "auto_reject_threshold" and "auto_approve_threshold" update the
// learning engine's in-memory cutoffs directly; any other name is treated
// as a named gate row in quality_gates (upsert threshold/active).
func qualityGateUpdateHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		var body struct {
			Threshold *float64 `json:"threshold"`
			Active    *bool    `json:"active"`
			Type      string   `json:"type"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			writeError(c, http.StatusBadRequest, "validation", err.Error(), "")
			return
		}

		switch name {
		case "auto_reject_threshold":
			if body.Threshold != nil {
				deps.Learning.SetAutoRejectThreshold(*body.Threshold)
			}
			c.JSON(http.StatusOK, deps.Learning.GateThresholds())
			return
		case "auto_approve_threshold":
			if body.Threshold != nil {
				deps.Learning.SetAutoApproveThreshold(*body.Threshold)
			}
			c.JSON(http.StatusOK, deps.Learning.GateThresholds())
			return
		}

		if body.Active != nil && body.Threshold == nil {
			if err := deps.QualityGates.SetActive(c.Request.Context(), name, *body.Active); err != nil {
				handleErr(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"name": name, "active": *body.Active})
			return
		}

		gate := models.QualityGate{Name: name, Type: models.QualityGateType(body.Type), Active: true}
		if body.Threshold != nil {
			gate.Threshold = *body.Threshold
		}
		if body.Active != nil {
			gate.Active = *body.Active
		}
		if err := deps.QualityGates.Upsert(c.Request.Context(), &gate); err != nil {
			handleErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gate)
	}
}

// --- correction ---------------------------------------------------------

func correctionStatsHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, deps.Correction.Stats())
	}
}

func correctionToggleHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			Enabled bool `json:"enabled"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			writeError(c, http.StatusBadRequest, "validation", err.Error(), "")
			return
		}
		deps.Correction.Enable(body.Enabled)
		c.JSON(http.StatusOK, deps.Correction.Stats())
	}
}

// --- events / gpu ---------------------------------------------------------

func eventsStatsHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, deps.Bus.Stats())
	}
}

// gpuStatusHandler returns the full GPU snapshot plus each adapter's
// circuit-breaker state, the operator's view of external-service health
// (spec §7: breaker state is exposed via /gpu/status).
func gpuStatusHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"gpu": deps.GPU.Snapshot(c.Request.Context()),
			"circuit_breakers": gin.H{
				"image_gen": deps.ImageGen.CircuitState(),
				"llm":       deps.LLM.CircuitState(),
				"vision":    deps.Vision.CircuitState(),
			},
		})
	}
}
