// Package models holds the domain entities shared across every component.
// Field names mirror the data model's domain terms (see ent/schema in the
// reference tree for a sibling shape from the same teacher).
package models

import (
	"encoding/json"
	"time"
)

// ProjectStatus is the lifecycle status of a Project.
type ProjectStatus string

const (
	ProjectActive   ProjectStatus = "active"
	ProjectArchived ProjectStatus = "archived"
)

// Project is a production unit owning characters, scenes, episodes,
// world-settings, storyline, and style-history.
type Project struct {
	ID              string        `json:"id" db:"id"`
	Name            string        `json:"name" db:"name"`
	Genre           string        `json:"genre" db:"genre"`
	Premise         string        `json:"premise" db:"premise"`
	ContentRating   string        `json:"content_rating" db:"content_rating"`
	DefaultStyleID  *string       `json:"default_style_id,omitempty" db:"default_style_id"`
	Status          ProjectStatus `json:"status" db:"status"`
	CreatedAt       time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at" db:"updated_at"`
	DeletedAt       *time.Time    `json:"deleted_at,omitempty" db:"deleted_at"`
}

// Appearance is a character's structured appearance data.
type Appearance struct {
	KeyColors         []string `json:"key_colors,omitempty"`
	BodyType          string   `json:"body_type,omitempty"`
	Species           string   `json:"species,omitempty"`
	KnownFailureModes []string `json:"known_failure_modes,omitempty"`
}

// Character is a recurring figure inside a project, unique by slug within
// the project.
type Character struct {
	ID            string         `json:"id" db:"id"`
	ProjectID     string         `json:"project_id" db:"project_id"`
	Slug          string         `json:"slug" db:"slug"`
	DisplayName   string         `json:"display_name" db:"display_name"`
	DesignPrompt  string         `json:"design_prompt" db:"design_prompt"`
	Appearance    Appearance     `json:"appearance" db:"appearance"`
	VoiceProfile  *string        `json:"voice_profile,omitempty" db:"voice_profile"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at" db:"updated_at"`
	DeletedAt     *time.Time     `json:"deleted_at,omitempty" db:"deleted_at"`
}

// GenerationStyle is a reusable generation-parameter tuple.
type GenerationStyle struct {
	ID                     string  `json:"id" db:"id"`
	BaseModel              string  `json:"base_model" db:"base_model"`
	CFGScale               float64 `json:"cfg_scale" db:"cfg_scale"`
	Steps                  int     `json:"steps" db:"steps"`
	Sampler                string  `json:"sampler" db:"sampler"`
	Scheduler              string  `json:"scheduler" db:"scheduler"`
	Width                  int     `json:"width" db:"width"`
	Height                 int     `json:"height" db:"height"`
	PositivePromptTemplate string  `json:"positive_prompt_template" db:"positive_prompt_template"`
	NegativePromptTemplate string  `json:"negative_prompt_template" db:"negative_prompt_template"`
	ModelArchitecture      string  `json:"model_architecture" db:"model_architecture"`
	PromptFormat           string  `json:"prompt_format" db:"prompt_format"`
}

// GenerationKind distinguishes still images from rendered video.
type GenerationKind string

const (
	GenerationImage GenerationKind = "image"
	GenerationVideo GenerationKind = "video"
)

// GenerationStatus is the review status of a Generation Record.
type GenerationStatus string

const (
	GenerationPending   GenerationStatus = "pending"
	GenerationApproved  GenerationStatus = "approved"
	GenerationRejected  GenerationStatus = "rejected"
	GenerationInReview  GenerationStatus = "in_review"
)

// RejectionCategory is the fixed enum resolving the spec's vision-review →
// category mapping open question.
type RejectionCategory string

const (
	CategoryWrongAppearance RejectionCategory = "wrong_appearance"
	CategoryNotSolo         RejectionCategory = "not_solo"
	CategoryWrongPose       RejectionCategory = "wrong_pose"
	CategoryLowQuality      RejectionCategory = "low_quality"
	CategoryWrongSpecies    RejectionCategory = "wrong_species"
	CategoryBadComposition  RejectionCategory = "bad_composition"
)

// AllRejectionCategories lists the canonical category set in a stable order.
var AllRejectionCategories = []RejectionCategory{
	CategoryWrongAppearance,
	CategoryNotSolo,
	CategoryWrongPose,
	CategoryLowQuality,
	CategoryWrongSpecies,
	CategoryBadComposition,
}

// Generation is one image or video produced by the pipeline.
type Generation struct {
	ID                string             `json:"id" db:"id"`
	CharacterSlug     string             `json:"character_slug" db:"character_slug"`
	ProjectName       string             `json:"project_name" db:"project_name"`
	Kind              GenerationKind     `json:"kind" db:"kind"`
	BackendJobID      string             `json:"backend_job_id" db:"backend_job_id"`
	StyleParams       json.RawMessage    `json:"style_params" db:"style_params"`
	CFGScale          float64            `json:"cfg_scale" db:"cfg_scale"`
	Steps             int                `json:"steps" db:"steps"`
	Width             int                `json:"width" db:"width"`
	Height            int                `json:"height" db:"height"`
	Sampler           string             `json:"sampler,omitempty" db:"sampler"`
	CheckpointModel   string             `json:"checkpoint_model,omitempty" db:"checkpoint_model"`
	OutputPath        *string            `json:"output_path,omitempty" db:"output_path"`
	QualityScore      *float64           `json:"quality_score,omitempty" db:"quality_score"`
	CharacterMatch    *float64           `json:"character_match_score,omitempty" db:"character_match_score"`
	ClarityScore      *float64           `json:"clarity_score,omitempty" db:"clarity_score"`
	TrainingValue     *float64           `json:"training_value,omitempty" db:"training_value"`
	Solo              bool               `json:"solo" db:"solo"`
	SpeciesVerified   bool               `json:"species_verified" db:"species_verified"`
	Status            GenerationStatus   `json:"status" db:"status"`
	RejectionCategories []RejectionCategory `json:"rejection_categories,omitempty" db:"rejection_categories"`
	CreatedAt         time.Time          `json:"created_at" db:"created_at"`
	ReviewedAt        *time.Time         `json:"reviewed_at,omitempty" db:"reviewed_at"`
	GenerationTimeMS  *int64             `json:"generation_time_ms,omitempty" db:"generation_time_ms"`
	CorrectionOf      *string            `json:"correction_of,omitempty" db:"correction_of"`
	CorrectionDepth   int                `json:"correction_depth" db:"correction_depth"`
}

// ReviewSource distinguishes how a rejection/approval decision was reached.
type ReviewSource string

const (
	ReviewVision ReviewSource = "vision"
	ReviewHuman  ReviewSource = "human"
	ReviewAuto   ReviewSource = "auto"
)

// Rejection is the reasoned record of why a generation was rejected.
type Rejection struct {
	ID                    string              `json:"id" db:"id"`
	GenerationID          string              `json:"generation_id" db:"generation_id"`
	CharacterSlug         string              `json:"character_slug" db:"character_slug"`
	Categories            []RejectionCategory `json:"categories" db:"categories"`
	Feedback              string              `json:"feedback" db:"feedback"`
	NegativePromptAddition string             `json:"negative_prompt_addition" db:"negative_prompt_addition"`
	Source                ReviewSource        `json:"source" db:"source"`
	QualityScore          float64             `json:"quality_score" db:"quality_score"`
	CreatedAt             time.Time           `json:"created_at" db:"created_at"`
}

// Approval mirrors Rejection for accepted outputs.
type Approval struct {
	ID            string          `json:"id" db:"id"`
	GenerationID  string          `json:"generation_id" db:"generation_id"`
	CharacterSlug string          `json:"character_slug" db:"character_slug"`
	AutoApproved  bool            `json:"auto_approved" db:"auto_approved"`
	VisionPayload json.RawMessage `json:"vision_payload,omitempty" db:"vision_payload"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// PatternType distinguishes success from failure learned patterns.
type PatternType string

const (
	PatternSuccess PatternType = "success"
	PatternFailure PatternType = "failure"
)

// LearnedPattern is an aggregation row keyed by
// (character_slug, pattern_type, checkpoint_model).
type LearnedPattern struct {
	ID               string      `json:"id" db:"id"`
	CharacterSlug    string      `json:"character_slug" db:"character_slug"`
	ProjectName      string      `json:"project_name,omitempty" db:"project_name"`
	PatternType      PatternType `json:"pattern_type" db:"pattern_type"`
	CheckpointModel  *string     `json:"checkpoint_model,omitempty" db:"checkpoint_model"`
	QualityScoreAvg  float64     `json:"quality_score_avg" db:"quality_score_avg"`
	Frequency        int         `json:"frequency" db:"frequency"`
	CFGRangeMin      *float64    `json:"cfg_range_min,omitempty" db:"cfg_range_min"`
	CFGRangeMax      *float64    `json:"cfg_range_max,omitempty" db:"cfg_range_max"`
	StepsRangeMin    *int        `json:"steps_range_min,omitempty" db:"steps_range_min"`
	StepsRangeMax    *int        `json:"steps_range_max,omitempty" db:"steps_range_max"`
	CreatedAt        time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at" db:"updated_at"`
}

// QualityGateType enumerates the supported quality-gate kinds.
type QualityGateType string

const (
	GateAutoReject         QualityGateType = "auto_reject"
	GateAutoApprove        QualityGateType = "auto_approve"
	GateOverallConsistency QualityGateType = "overall_consistency"
	GateFaceSimilarity     QualityGateType = "face_similarity"
)

// QualityGate is a configurable numeric threshold.
type QualityGate struct {
	ID        string          `json:"id" db:"id"`
	Name      string          `json:"name" db:"name"`
	Type      QualityGateType `json:"type" db:"type"`
	Threshold float64         `json:"threshold" db:"threshold"`
	Active    bool            `json:"active" db:"active"`
}

// EntityType distinguishes a character row from a project row in the
// pipeline table.
type EntityType string

const (
	EntityCharacter EntityType = "character"
	EntityProject   EntityType = "project"
)

// PipelineStatus is the status of a Pipeline Row.
type PipelineStatus string

const (
	PipelinePending   PipelineStatus = "pending"
	PipelineActive    PipelineStatus = "active"
	PipelineBlocked   PipelineStatus = "blocked"
	PipelineCompleted PipelineStatus = "completed"
	PipelineSkipped   PipelineStatus = "skipped"
	PipelineFailed    PipelineStatus = "failed"
)

// PipelineRow is the persistent record of one entity's status within one
// phase. Unique key is (EntityType, EntityID, Phase).
type PipelineRow struct {
	ID               int64           `json:"id" db:"id"`
	EntityType       EntityType      `json:"entity_type" db:"entity_type"`
	EntityID         string          `json:"entity_id" db:"entity_id"`
	ProjectID        string          `json:"project_id" db:"project_id"`
	Phase            string          `json:"phase" db:"phase"`
	Status           PipelineStatus  `json:"status" db:"status"`
	ProgressCurrent  int             `json:"progress_current" db:"progress_current"`
	ProgressTarget   int             `json:"progress_target" db:"progress_target"`
	LastCheckedAt    *time.Time      `json:"last_checked_at,omitempty" db:"last_checked_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty" db:"started_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	BlockedReason    *string         `json:"blocked_reason,omitempty" db:"blocked_reason"`
	GateCheckResult  json.RawMessage `json:"gate_check_result,omitempty" db:"gate_check_result"`
}

// Key returns the work-task-map key for this row, exactly as spec.md
// §4.7.10 defines it: "{entity_type}:{entity_id}:{phase}".
func (p PipelineRow) Key() string {
	return string(p.EntityType) + ":" + p.EntityID + ":" + p.Phase
}

// AuditOutcome is the outcome of an audited decision.
type AuditOutcome string

const (
	OutcomePending AuditOutcome = "pending"
	OutcomeOK      AuditOutcome = "ok"
	OutcomeFailed  AuditOutcome = "failed"
)

// AuditDecision is an append-only record of an autonomous decision.
type AuditDecision struct {
	ID             int64           `json:"id" db:"id"`
	DecisionType   string          `json:"decision_type" db:"decision_type"`
	CharacterSlug  *string         `json:"character_slug,omitempty" db:"character_slug"`
	ProjectName    *string         `json:"project_name,omitempty" db:"project_name"`
	InputContext   json.RawMessage `json:"input_context,omitempty" db:"input_context"`
	DecisionMade   string          `json:"decision_made" db:"decision_made"`
	ConfidenceScore float64        `json:"confidence_score" db:"confidence_score"`
	Reasoning      string          `json:"reasoning" db:"reasoning"`
	Outcome        AuditOutcome    `json:"outcome" db:"outcome"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// ShotStatus is the render status of a Shot.
type ShotStatus string

const (
	ShotPending      ShotStatus = "pending"
	ShotCompleted    ShotStatus = "completed"
	ShotAcceptedBest ShotStatus = "accepted_best"
	ShotFailed       ShotStatus = "failed"
)

// Scene is project-owned; owns its shots and final assembled video path.
type Scene struct {
	ID              string          `json:"id" db:"id"`
	ProjectID       string          `json:"project_id" db:"project_id"`
	Index           int             `json:"index" db:"index"`
	Title           string          `json:"title" db:"title"`
	Synopsis        string          `json:"synopsis" db:"synopsis"`
	SuggestedShots  json.RawMessage `json:"suggested_shots,omitempty" db:"suggested_shots"`
	FinalVideoPath  *string         `json:"final_video_path,omitempty" db:"final_video_path"`
	Status          string          `json:"status" db:"status"`
}

// Shot is scene-owned.
type Shot struct {
	ID                string     `json:"id" db:"id"`
	SceneID           string     `json:"scene_id" db:"scene_id"`
	Index             int        `json:"index" db:"index"`
	ShotType          string     `json:"shot_type" db:"shot_type"`
	CharactersPresent []string   `json:"characters_present" db:"characters_present"`
	SourceImagePath   *string    `json:"source_image_path,omitempty" db:"source_image_path"`
	Status            ShotStatus `json:"status" db:"status"`
}

// EpisodeStatus is the publication status of an Episode.
type EpisodeStatus string

const (
	EpisodePending   EpisodeStatus = "pending"
	EpisodeAssembled EpisodeStatus = "assembled"
	EpisodePublished EpisodeStatus = "published"
)

// Episode is project-owned; concatenates an ordered list of scenes.
type Episode struct {
	ID             string        `json:"id" db:"id"`
	ProjectID      string        `json:"project_id" db:"project_id"`
	Index          int           `json:"index" db:"index"`
	SceneIDs       []string      `json:"scene_ids" db:"scene_ids"`
	FinalVideoPath *string       `json:"final_video_path,omitempty" db:"final_video_path"`
	Status         EpisodeStatus `json:"status" db:"status"`
}

// WorldSetting is a project-owned freeform key/value store.
type WorldSetting struct {
	ProjectID string          `json:"project_id" db:"project_id"`
	Key       string          `json:"key" db:"key"`
	Value     json.RawMessage `json:"value" db:"value"`
}

// StorylineBeat is one entry in a project-owned ordered narrative outline.
type StorylineBeat struct {
	ProjectID string `json:"project_id" db:"project_id"`
	Index     int    `json:"index" db:"index"`
	Summary   string `json:"summary" db:"summary"`
}

// StyleHistoryEntry records a change to a project's default_style.
type StyleHistoryEntry struct {
	ID        int64     `json:"id" db:"id"`
	ProjectID string    `json:"project_id" db:"project_id"`
	StyleID   string    `json:"style_id" db:"style_id"`
	ChangedAt time.Time `json:"changed_at" db:"changed_at"`
}
