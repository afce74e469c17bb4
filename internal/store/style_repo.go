package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/pvestal/tower-anime-orchestrator/internal/apperror"
	"github.com/pvestal/tower-anime-orchestrator/internal/models"
)

// StyleRepo is the repository for GenerationStyle rows and the
// style_history audit trail, backing the workflow-graph parameter
// substitution used by the training_data worker and the replenishment
// loop.
type StyleRepo struct {
	store *Store
}

func NewStyleRepo(s *Store) *StyleRepo { return &StyleRepo{store: s} }

// Create inserts a new generation style.
func (r *StyleRepo) Create(ctx context.Context, st *models.GenerationStyle) error {
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	_, err := r.store.Acquire().ExecContext(ctx, `
		INSERT INTO generation_styles
			(id, base_model, cfg_scale, steps, sampler, scheduler, width, height,
			 positive_prompt_template, negative_prompt_template, model_architecture, prompt_format)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, st.ID, st.BaseModel, st.CFGScale, st.Steps, st.Sampler, st.Scheduler, st.Width, st.Height,
		st.PositivePromptTemplate, st.NegativePromptTemplate, st.ModelArchitecture, st.PromptFormat)
	if err != nil {
		return apperror.Wrap(apperror.KindValidation, "creating generation style", err)
	}
	return nil
}

// Get fetches a style by id.
func (r *StyleRepo) Get(ctx context.Context, id string) (*models.GenerationStyle, error) {
	row := r.store.Acquire().QueryRowContext(ctx, `
		SELECT id, base_model, cfg_scale, steps, sampler, scheduler, width, height,
		       positive_prompt_template, negative_prompt_template, model_architecture, prompt_format
		FROM generation_styles WHERE id = $1
	`, id)
	var st models.GenerationStyle
	if err := row.Scan(&st.ID, &st.BaseModel, &st.CFGScale, &st.Steps, &st.Sampler, &st.Scheduler,
		&st.Width, &st.Height, &st.PositivePromptTemplate, &st.NegativePromptTemplate,
		&st.ModelArchitecture, &st.PromptFormat); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.ErrNotFound
		}
		return nil, apperror.Wrap(apperror.KindCatastrophic, "fetching generation style", err)
	}
	return &st, nil
}

// List returns every configured style.
func (r *StyleRepo) List(ctx context.Context) ([]models.GenerationStyle, error) {
	rows, err := r.store.Acquire().QueryContext(ctx, `
		SELECT id, base_model, cfg_scale, steps, sampler, scheduler, width, height,
		       positive_prompt_template, negative_prompt_template, model_architecture, prompt_format
		FROM generation_styles ORDER BY base_model
	`)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindCatastrophic, "listing generation styles", err)
	}
	defer rows.Close()
	var out []models.GenerationStyle
	for rows.Next() {
		var st models.GenerationStyle
		if err := rows.Scan(&st.ID, &st.BaseModel, &st.CFGScale, &st.Steps, &st.Sampler, &st.Scheduler,
			&st.Width, &st.Height, &st.PositivePromptTemplate, &st.NegativePromptTemplate,
			&st.ModelArchitecture, &st.PromptFormat); err != nil {
			return nil, apperror.Wrap(apperror.KindCatastrophic, "scanning generation style", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// SetProjectDefaultStyle updates a project's default_style_id and appends
// a style_history row, both inside one transaction so the audit trail can
// never diverge from the live pointer.
func (r *StyleRepo) SetProjectDefaultStyle(ctx context.Context, projectID, styleID string) error {
	return r.store.Transaction(ctx, func(h DBTX) error {
		if _, err := h.ExecContext(ctx, `UPDATE projects SET default_style_id = $1, updated_at = now() WHERE id = $2`, styleID, projectID); err != nil {
			return err
		}
		_, err := h.ExecContext(ctx, `
			INSERT INTO style_history (project_id, style_id, changed_at) VALUES ($1, $2, now())
		`, projectID, styleID)
		return err
	})
}

// StyleHistory returns a project's style changes, newest first.
func (r *StyleRepo) StyleHistory(ctx context.Context, projectID string) ([]models.StyleHistoryEntry, error) {
	rows, err := r.store.Acquire().QueryContext(ctx, `
		SELECT id, project_id, style_id, changed_at FROM style_history
		WHERE project_id = $1 ORDER BY changed_at DESC
	`, projectID)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindCatastrophic, "listing style history", err)
	}
	defer rows.Close()
	var out []models.StyleHistoryEntry
	for rows.Next() {
		var e models.StyleHistoryEntry
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.StyleID, &e.ChangedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
