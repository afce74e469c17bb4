package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/pvestal/tower-anime-orchestrator/internal/apperror"
	"github.com/pvestal/tower-anime-orchestrator/internal/models"
)

// GenerationRepo is the repository for Generation/Rejection/Approval rows.
type GenerationRepo struct {
	store *Store
}

func NewGenerationRepo(s *Store) *GenerationRepo { return &GenerationRepo{store: s} }

// CreateGeneration inserts a new pending generation record.
func (r *GenerationRepo) CreateGeneration(ctx context.Context, g *models.Generation) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.Status == "" {
		g.Status = models.GenerationPending
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	var checkpointModel *string
	if g.CheckpointModel != "" {
		checkpointModel = &g.CheckpointModel
	}
	var sampler *string
	if g.Sampler != "" {
		sampler = &g.Sampler
	}
	_, err := r.store.Acquire().ExecContext(ctx, `
		INSERT INTO generation_history
			(id, character_slug, project_name, kind, backend_job_id, style_params,
			 cfg_scale, steps, width, height, sampler, checkpoint_model,
			 solo, species_verified, status, created_at, generated_at,
			 correction_of, correction_depth)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$16,$17,$18)
	`, g.ID, g.CharacterSlug, g.ProjectName, g.Kind, g.BackendJobID, g.StyleParams,
		g.CFGScale, g.Steps, g.Width, g.Height, sampler, checkpointModel,
		g.Solo, g.SpeciesVerified, g.Status, g.CreatedAt, g.CorrectionOf, g.CorrectionDepth)
	if err != nil {
		return apperror.Wrap(apperror.KindValidation, "creating generation record", err)
	}
	return nil
}

// GetGeneration fetches a generation by id.
func (r *GenerationRepo) GetGeneration(ctx context.Context, id string) (*models.Generation, error) {
	row := r.store.Acquire().QueryRowContext(ctx, `
		SELECT id, character_slug, project_name, kind, backend_job_id, style_params,
		       cfg_scale, steps, width, height, sampler, checkpoint_model,
		       output_path, quality_score, character_match_score, clarity_score,
		       training_value, solo, species_verified, status, rejection_categories,
		       created_at, reviewed_at, generation_time_ms, correction_of, correction_depth
		FROM generation_history WHERE id = $1
	`, id)
	return scanGeneration(row)
}

func scanGeneration(row *sql.Row) (*models.Generation, error) {
	var g models.Generation
	var categories pq.StringArray
	var cfgScale, steps, width, height sql.NullFloat64
	var sampler, checkpointModel sql.NullString
	if err := row.Scan(&g.ID, &g.CharacterSlug, &g.ProjectName, &g.Kind, &g.BackendJobID, &g.StyleParams,
		&cfgScale, &steps, &width, &height, &sampler, &checkpointModel,
		&g.OutputPath, &g.QualityScore, &g.CharacterMatch, &g.ClarityScore, &g.TrainingValue,
		&g.Solo, &g.SpeciesVerified, &g.Status, &categories,
		&g.CreatedAt, &g.ReviewedAt, &g.GenerationTimeMS, &g.CorrectionOf, &g.CorrectionDepth); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.ErrNotFound
		}
		return nil, apperror.Wrap(apperror.KindCatastrophic, "fetching generation", err)
	}
	g.CFGScale = cfgScale.Float64
	g.Steps = int(steps.Float64)
	g.Width = int(width.Float64)
	g.Height = int(height.Float64)
	g.Sampler = sampler.String
	g.CheckpointModel = checkpointModel.String
	for _, c := range categories {
		g.RejectionCategories = append(g.RejectionCategories, models.RejectionCategory(c))
	}
	return &g, nil
}

// CountApproved returns the number of approved generations for a
// character, backing the training_data gate (spec §4.7.5).
func (r *GenerationRepo) CountApproved(ctx context.Context, characterSlug string) (int, error) {
	var n int
	row := r.store.Acquire().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM generation_history WHERE character_slug = $1 AND status = 'approved'
	`, characterSlug)
	if err := row.Scan(&n); err != nil {
		return 0, apperror.Wrap(apperror.KindCatastrophic, "counting approved generations", err)
	}
	return n, nil
}

// CountToday returns the number of generations dispatched for a character
// since local midnight, backing the replenishment daily cap (spec §4.5).
func (r *GenerationRepo) CountToday(ctx context.Context, characterSlug string) (int, error) {
	var n int
	row := r.store.Acquire().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM generation_history
		WHERE character_slug = $1 AND created_at >= date_trunc('day', now())
	`, characterSlug)
	if err := row.Scan(&n); err != nil {
		return 0, apperror.Wrap(apperror.KindCatastrophic, "counting today's generations", err)
	}
	return n, nil
}

// ConsecutiveRejections returns the length of the current unbroken
// rejection streak (most recent generations first) for a character,
// backing the replenishment pause rule (spec §4.5).
func (r *GenerationRepo) ConsecutiveRejections(ctx context.Context, characterSlug string) (int, error) {
	rows, err := r.store.Acquire().QueryContext(ctx, `
		SELECT status FROM generation_history
		WHERE character_slug = $1 AND status IN ('approved', 'rejected')
		ORDER BY created_at DESC LIMIT 50
	`, characterSlug)
	if err != nil {
		return 0, apperror.Wrap(apperror.KindCatastrophic, "scanning rejection streak", err)
	}
	defer rows.Close()

	streak := 0
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return streak, err
		}
		if status != string(models.GenerationRejected) {
			break
		}
		streak++
	}
	return streak, rows.Err()
}

// UpdateReview persists the result of a quality-gate evaluation: status,
// reviewed_at, and the scored fields. Must be called before the caller
// emits IMAGE_APPROVED/IMAGE_REJECTED, per spec §5's ordering invariant.
func (r *GenerationRepo) UpdateReview(ctx context.Context, g *models.Generation) error {
	_, err := r.store.Acquire().ExecContext(ctx, `
		UPDATE generation_history
		SET quality_score = $1, character_match_score = $2, clarity_score = $3,
		    training_value = $4, solo = $5, species_verified = $6, status = $7,
		    rejection_categories = $8, reviewed_at = $9
		WHERE id = $10
	`, g.QualityScore, g.CharacterMatch, g.ClarityScore, g.TrainingValue, g.Solo, g.SpeciesVerified,
		g.Status, pq.StringArray(rejectionStrings(g.RejectionCategories)), g.ReviewedAt, g.ID)
	if err != nil {
		return apperror.Wrap(apperror.KindCatastrophic, "updating generation review", err)
	}
	return nil
}

func rejectionStrings(cats []models.RejectionCategory) []string {
	out := make([]string, len(cats))
	for i, c := range cats {
		out[i] = string(c)
	}
	return out
}

// CreateRejection inserts a Rejection row mirroring an approved/rejected
// generation's outcome.
func (r *GenerationRepo) CreateRejection(ctx context.Context, rej *models.Rejection) error {
	if rej.ID == "" {
		rej.ID = uuid.NewString()
	}
	if rej.CreatedAt.IsZero() {
		rej.CreatedAt = time.Now()
	}
	_, err := r.store.Acquire().ExecContext(ctx, `
		INSERT INTO rejections (id, generation_id, character_slug, categories, feedback,
			negative_prompt_addition, source, quality_score, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, rej.ID, rej.GenerationID, rej.CharacterSlug, pq.StringArray(rejectionStrings(rej.Categories)),
		rej.Feedback, rej.NegativePromptAddition, rej.Source, rej.QualityScore, rej.CreatedAt)
	if err != nil {
		return apperror.Wrap(apperror.KindValidation, "creating rejection", err)
	}
	return nil
}

// CreateApproval inserts an Approval row.
func (r *GenerationRepo) CreateApproval(ctx context.Context, a *models.Approval) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := r.store.Acquire().ExecContext(ctx, `
		INSERT INTO approvals (id, generation_id, character_slug, auto_approved, vision_payload, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, a.ID, a.GenerationID, a.CharacterSlug, a.AutoApproved, a.VisionPayload, a.CreatedAt)
	if err != nil {
		return apperror.Wrap(apperror.KindValidation, "creating approval", err)
	}
	return nil
}

// CorrectionDepth returns the correction_depth of an existing generation,
// used by the correction engine to enforce the depth limit (spec §4.6).
func (r *GenerationRepo) CorrectionDepth(ctx context.Context, generationID string) (int, error) {
	var depth int
	row := r.store.Acquire().QueryRowContext(ctx, `SELECT correction_depth FROM generation_history WHERE id = $1`, generationID)
	if err := row.Scan(&depth); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, apperror.ErrNotFound
		}
		return 0, apperror.Wrap(apperror.KindCatastrophic, "fetching correction depth", err)
	}
	return depth, nil
}

// BestApprovedImage selects the best-scoring approved image for a
// character, per spec §4.7.5's shot_preparation scoring rule, ranking
// excludeOutputPath (the image last assigned to a shot of the same type)
// after every other candidate so it is reused only when nothing else is
// approved. The shot type itself does not enter the score. Returns nil
// when the character has no approved image with an output.
func (r *GenerationRepo) BestApprovedImage(ctx context.Context, characterSlug, excludeOutputPath string) (*models.Generation, error) {
	row := r.store.Acquire().QueryRowContext(ctx, `
		SELECT id, character_slug, project_name, kind, backend_job_id, style_params,
		       cfg_scale, steps, width, height, sampler, checkpoint_model,
		       output_path, quality_score, character_match_score, clarity_score,
		       training_value, solo, species_verified, status, rejection_categories,
		       created_at, reviewed_at, generation_time_ms, correction_of, correction_depth
		FROM generation_history
		WHERE character_slug = $1 AND status = 'approved' AND output_path IS NOT NULL
		ORDER BY (output_path = $2),
		         (COALESCE(quality_score,0)*0.6 + COALESCE(character_match_score,0)*0.4) DESC
		LIMIT 1
	`, characterSlug, excludeOutputPath)
	g, err := scanGeneration(row)
	if errors.Is(err, apperror.ErrNotFound) {
		return nil, nil
	}
	return g, err
}
