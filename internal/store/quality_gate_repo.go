package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/pvestal/tower-anime-orchestrator/internal/apperror"
	"github.com/pvestal/tower-anime-orchestrator/internal/models"
)

// QualityGateRepo is the repository for configurable quality-gate
// thresholds, backing the operator-surface /quality/gates endpoints (§6).
// The learning engine's gate evaluation (C4) does not read these rows; it
// uses its own in-memory thresholds.
type QualityGateRepo struct {
	store *Store
}

func NewQualityGateRepo(s *Store) *QualityGateRepo { return &QualityGateRepo{store: s} }

// List returns every configured gate.
func (r *QualityGateRepo) List(ctx context.Context) ([]models.QualityGate, error) {
	rows, err := r.store.Acquire().QueryContext(ctx, `
		SELECT id, name, type, threshold, active FROM quality_gates ORDER BY name
	`)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindCatastrophic, "listing quality gates", err)
	}
	defer rows.Close()

	var out []models.QualityGate
	for rows.Next() {
		var g models.QualityGate
		if err := rows.Scan(&g.ID, &g.Name, &g.Type, &g.Threshold, &g.Active); err != nil {
			return nil, apperror.Wrap(apperror.KindCatastrophic, "scanning quality gate", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// ActiveByType returns the active gate of a given type, or nil if none is
// configured or the configured one is disabled — callers fall back to the
// spec's hardcoded defaults in that case (spec §4.4's thresholds are
// configurable overrides, not a hard requirement).
func (r *QualityGateRepo) ActiveByType(ctx context.Context, t models.QualityGateType) (*models.QualityGate, error) {
	row := r.store.Acquire().QueryRowContext(ctx, `
		SELECT id, name, type, threshold, active FROM quality_gates WHERE type = $1 AND active = true LIMIT 1
	`, t)
	var g models.QualityGate
	if err := row.Scan(&g.ID, &g.Name, &g.Type, &g.Threshold, &g.Active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apperror.Wrap(apperror.KindCatastrophic, "fetching active quality gate", err)
	}
	return &g, nil
}

// Upsert creates or updates a named gate.
func (r *QualityGateRepo) Upsert(ctx context.Context, g *models.QualityGate) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	_, err := r.store.Acquire().ExecContext(ctx, `
		INSERT INTO quality_gates (id, name, type, threshold, active)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (name) DO UPDATE SET type = EXCLUDED.type, threshold = EXCLUDED.threshold, active = EXCLUDED.active
	`, g.ID, g.Name, g.Type, g.Threshold, g.Active)
	if err != nil {
		return apperror.Wrap(apperror.KindValidation, "upserting quality gate", err)
	}
	return nil
}

// SetActive toggles a gate's active flag by name.
func (r *QualityGateRepo) SetActive(ctx context.Context, name string, active bool) error {
	res, err := r.store.Acquire().ExecContext(ctx, `UPDATE quality_gates SET active = $1 WHERE name = $2`, active, name)
	if err != nil {
		return apperror.Wrap(apperror.KindCatastrophic, "toggling quality gate", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperror.ErrNotFound
	}
	return nil
}
