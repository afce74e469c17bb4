package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pvestal/tower-anime-orchestrator/internal/apperror"
	"github.com/pvestal/tower-anime-orchestrator/internal/models"
)

// ProjectRepo is the repository for Project and Character rows, grounded
// on the teacher's pkg/services/session_service.go repository pattern:
// typed request/response structs, transaction-wrapped multi-step writes,
// soft delete via nullable deleted_at.
type ProjectRepo struct {
	store *Store
}

func NewProjectRepo(s *Store) *ProjectRepo { return &ProjectRepo{store: s} }

// CreateProject inserts a new project. Name must be unique among
// non-deleted projects.
func (r *ProjectRepo) CreateProject(ctx context.Context, p *models.Project) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now()
	p.CreatedAt, p.UpdatedAt = now, now
	if p.Status == "" {
		p.Status = models.ProjectActive
	}
	_, err := r.store.Acquire().ExecContext(ctx, `
		INSERT INTO projects (id, name, genre, premise, content_rating, default_style_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, p.ID, p.Name, p.Genre, p.Premise, p.ContentRating, p.DefaultStyleID, p.Status, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return apperror.Wrap(apperror.KindValidation, "creating project", err)
	}
	return nil
}

// GetProject fetches a project by id.
func (r *ProjectRepo) GetProject(ctx context.Context, id string) (*models.Project, error) {
	row := r.store.Acquire().QueryRowContext(ctx, `
		SELECT id, name, genre, premise, content_rating, default_style_id, status, created_at, updated_at, deleted_at
		FROM projects WHERE id = $1 AND deleted_at IS NULL
	`, id)
	var p models.Project
	if err := row.Scan(&p.ID, &p.Name, &p.Genre, &p.Premise, &p.ContentRating, &p.DefaultStyleID, &p.Status, &p.CreatedAt, &p.UpdatedAt, &p.DeletedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.ErrNotFound
		}
		return nil, apperror.Wrap(apperror.KindCatastrophic, "fetching project", err)
	}
	return &p, nil
}

// CreateCharacter inserts a character into a project, enforcing slug
// uniqueness within the project via the DB's unique constraint.
func (r *ProjectRepo) CreateCharacter(ctx context.Context, c *models.Character) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now()
	c.CreatedAt, c.UpdatedAt = now, now
	appearance, err := json.Marshal(c.Appearance)
	if err != nil {
		return apperror.Wrap(apperror.KindValidation, "marshaling appearance", err)
	}
	_, err = r.store.Acquire().ExecContext(ctx, `
		INSERT INTO characters (id, project_id, slug, display_name, design_prompt, appearance, voice_profile, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, c.ID, c.ProjectID, c.Slug, c.DisplayName, c.DesignPrompt, appearance, c.VoiceProfile, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return apperror.Wrap(apperror.KindValidation, "creating character", err)
	}
	r.store.InvalidateCharacterProjectCache()
	return nil
}

// ListCharactersByProject returns all non-deleted characters for a project.
func (r *ProjectRepo) ListCharactersByProject(ctx context.Context, projectID string) ([]models.Character, error) {
	rows, err := r.store.Acquire().QueryContext(ctx, `
		SELECT id, project_id, slug, display_name, design_prompt, appearance, voice_profile, created_at, updated_at
		FROM characters WHERE project_id = $1 AND deleted_at IS NULL ORDER BY slug
	`, projectID)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindCatastrophic, "listing characters", err)
	}
	defer rows.Close()

	var out []models.Character
	for rows.Next() {
		var c models.Character
		var appearance []byte
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.Slug, &c.DisplayName, &c.DesignPrompt, &appearance, &c.VoiceProfile, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning character row: %w", err)
		}
		_ = json.Unmarshal(appearance, &c.Appearance)
		out = append(out, c)
	}
	return out, rows.Err()
}

// CharacterProjectID resolves a character slug to its owning project id,
// using the 60-second TTL cache (spec §4.1/§5) and refilling on miss.
func (r *ProjectRepo) CharacterProjectID(ctx context.Context, slug string) (string, error) {
	if projectID, ok := r.store.cache.lookup(slug); ok {
		return projectID, nil
	}
	if r.store.cache.stale() {
		if err := r.refillCache(ctx); err != nil {
			return "", err
		}
	}
	if projectID, ok := r.store.cache.lookup(slug); ok {
		return projectID, nil
	}
	return "", apperror.ErrNotFound
}

func (r *ProjectRepo) refillCache(ctx context.Context) error {
	rows, err := r.store.Acquire().QueryContext(ctx, `SELECT slug, project_id FROM characters WHERE deleted_at IS NULL`)
	if err != nil {
		return apperror.Wrap(apperror.KindCatastrophic, "refilling character cache", err)
	}
	defer rows.Close()

	entries := make(map[string]string)
	for rows.Next() {
		var slug, projectID string
		if err := rows.Scan(&slug, &projectID); err != nil {
			return fmt.Errorf("scanning cache row: %w", err)
		}
		entries[slug] = projectID
	}
	r.store.cache.fill(entries)
	return nil
}

// ListActiveProjects returns every non-archived, non-deleted project, the
// root scan for the orchestrator tick and the replenishment loop.
func (r *ProjectRepo) ListActiveProjects(ctx context.Context) ([]models.Project, error) {
	rows, err := r.store.Acquire().QueryContext(ctx, `
		SELECT id, name, genre, premise, content_rating, default_style_id, status, created_at, updated_at, deleted_at
		FROM projects WHERE deleted_at IS NULL AND status = 'active' ORDER BY created_at
	`)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindCatastrophic, "listing active projects", err)
	}
	defer rows.Close()

	var out []models.Project
	for rows.Next() {
		var p models.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Genre, &p.Premise, &p.ContentRating, &p.DefaultStyleID, &p.Status, &p.CreatedAt, &p.UpdatedAt, &p.DeletedAt); err != nil {
			return nil, apperror.Wrap(apperror.KindCatastrophic, "scanning project", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetCharacter fetches a character by id.
func (r *ProjectRepo) GetCharacter(ctx context.Context, id string) (*models.Character, error) {
	row := r.store.Acquire().QueryRowContext(ctx, `
		SELECT id, project_id, slug, display_name, design_prompt, appearance, voice_profile, created_at, updated_at
		FROM characters WHERE id = $1 AND deleted_at IS NULL
	`, id)
	var c models.Character
	var appearance []byte
	if err := row.Scan(&c.ID, &c.ProjectID, &c.Slug, &c.DisplayName, &c.DesignPrompt, &appearance, &c.VoiceProfile, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.ErrNotFound
		}
		return nil, apperror.Wrap(apperror.KindCatastrophic, "fetching character", err)
	}
	_ = json.Unmarshal(appearance, &c.Appearance)
	return &c, nil
}

// GetCharacterBySlug resolves slug to its owning project via the cache,
// then fetches the full character row.
func (r *ProjectRepo) GetCharacterBySlug(ctx context.Context, slug string) (*models.Character, error) {
	projectID, err := r.CharacterProjectID(ctx, slug)
	if err != nil {
		return nil, err
	}
	row := r.store.Acquire().QueryRowContext(ctx, `
		SELECT id, project_id, slug, display_name, design_prompt, appearance, voice_profile, created_at, updated_at
		FROM characters WHERE project_id = $1 AND slug = $2 AND deleted_at IS NULL
	`, projectID, slug)
	var c models.Character
	var appearance []byte
	if err := row.Scan(&c.ID, &c.ProjectID, &c.Slug, &c.DisplayName, &c.DesignPrompt, &appearance, &c.VoiceProfile, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.ErrNotFound
		}
		return nil, apperror.Wrap(apperror.KindCatastrophic, "fetching character by slug", err)
	}
	_ = json.Unmarshal(appearance, &c.Appearance)
	return &c, nil
}

// AllCharactersReady reports whether every character in projectID has
// completed its terminal "ready" pipeline phase — the predicate backing
// spec §4.7.4's project-phase gating step.
func (r *ProjectRepo) AllCharactersReady(ctx context.Context, projectID string) (bool, error) {
	var notReady int
	row := r.store.Acquire().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM characters c
		WHERE c.project_id = $1 AND c.deleted_at IS NULL
		AND NOT EXISTS (
			SELECT 1 FROM pipeline_rows pr
			WHERE pr.entity_type = 'character' AND pr.entity_id = c.id
			AND pr.phase = 'ready' AND pr.status = 'completed'
		)
	`, projectID)
	if err := row.Scan(&notReady); err != nil {
		return false, apperror.Wrap(apperror.KindCatastrophic, "checking character readiness", err)
	}
	return notReady == 0, nil
}
