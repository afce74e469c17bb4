package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/pvestal/tower-anime-orchestrator/internal/apperror"
	"github.com/pvestal/tower-anime-orchestrator/internal/models"
)

// PipelineRepo is the repository for Pipeline Row state, the durable
// backing of the orchestrator's phase sequencing (C7). Grounded on the
// teacher's pkg/services/session_service.go claim-query pattern, adapted
// from "claim one queued session" to "upsert one pipeline row per phase".
type PipelineRepo struct {
	store *Store
}

func NewPipelineRepo(s *Store) *PipelineRepo { return &PipelineRepo{store: s} }

// UpsertPending inserts a pipeline row at the given phase with status
// pending, or is a no-op if a row already exists for
// (entity_type, entity_id, phase) — the idempotence invariant backing
// spec §4.7.2 and §4.7.6's re-run-safe upserts.
func (r *PipelineRepo) UpsertPending(ctx context.Context, h DBTX, entityType models.EntityType, entityID, projectID, phase string) error {
	_, err := h.ExecContext(ctx, `
		INSERT INTO pipeline_rows (entity_type, entity_id, project_id, phase, status)
		VALUES ($1, $2, $3, $4, 'pending')
		ON CONFLICT (entity_type, entity_id, phase) DO NOTHING
	`, entityType, entityID, projectID, phase)
	if err != nil {
		return apperror.Wrap(apperror.KindCatastrophic, "upserting pipeline row", err)
	}
	return nil
}

// ListActive returns every pipeline row with status not in
// {completed, skipped}, ordered so project rows are evaluated after their
// characters within each project, per spec §4.7.3 step 1.
func (r *PipelineRepo) ListActive(ctx context.Context) ([]models.PipelineRow, error) {
	rows, err := r.store.Acquire().QueryContext(ctx, `
		SELECT id, entity_type, entity_id, project_id, phase, status, progress_current,
		       progress_target, last_checked_at, started_at, completed_at, blocked_reason, gate_check_result
		FROM pipeline_rows
		WHERE status NOT IN ('completed', 'skipped')
		ORDER BY project_id, entity_type DESC, phase
	`)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindCatastrophic, "listing active pipeline rows", err)
	}
	defer rows.Close()
	return scanPipelineRows(rows)
}

// ListByProject returns every pipeline row for a project, for the
// operator-surface pipeline snapshot (§6).
func (r *PipelineRepo) ListByProject(ctx context.Context, projectID string) ([]models.PipelineRow, error) {
	rows, err := r.store.Acquire().QueryContext(ctx, `
		SELECT id, entity_type, entity_id, project_id, phase, status, progress_current,
		       progress_target, last_checked_at, started_at, completed_at, blocked_reason, gate_check_result
		FROM pipeline_rows WHERE project_id = $1
		ORDER BY entity_type DESC, phase
	`, projectID)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindCatastrophic, "listing pipeline rows for project", err)
	}
	defer rows.Close()
	return scanPipelineRows(rows)
}

func scanPipelineRows(rows *sql.Rows) ([]models.PipelineRow, error) {
	var out []models.PipelineRow
	for rows.Next() {
		var p models.PipelineRow
		if err := rows.Scan(&p.ID, &p.EntityType, &p.EntityID, &p.ProjectID, &p.Phase, &p.Status,
			&p.ProgressCurrent, &p.ProgressTarget, &p.LastCheckedAt, &p.StartedAt, &p.CompletedAt,
			&p.BlockedReason, &p.GateCheckResult); err != nil {
			return nil, apperror.Wrap(apperror.KindCatastrophic, "scanning pipeline row", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateGateResult records last_checked_at and the gate's JSON result,
// per spec §4.7.4 step 2.
func (r *PipelineRepo) UpdateGateResult(ctx context.Context, id int64, gateResult []byte) error {
	_, err := r.store.Acquire().ExecContext(ctx, `
		UPDATE pipeline_rows SET last_checked_at = now(), gate_check_result = $1 WHERE id = $2
	`, gateResult, id)
	if err != nil {
		return apperror.Wrap(apperror.KindCatastrophic, "updating gate result", err)
	}
	return nil
}

// SetBlocked transitions a row to blocked with reason.
func (r *PipelineRepo) SetBlocked(ctx context.Context, id int64, reason string) error {
	_, err := r.store.Acquire().ExecContext(ctx, `
		UPDATE pipeline_rows SET status = 'blocked', blocked_reason = $1, last_checked_at = now() WHERE id = $2
	`, reason, id)
	if err != nil {
		return apperror.Wrap(apperror.KindCatastrophic, "blocking pipeline row", err)
	}
	return nil
}

// ClearBlocked transitions a blocked row back to pending.
func (r *PipelineRepo) ClearBlocked(ctx context.Context, id int64) error {
	_, err := r.store.Acquire().ExecContext(ctx, `
		UPDATE pipeline_rows SET status = 'pending', blocked_reason = NULL WHERE id = $1 AND status = 'blocked'
	`, id)
	if err != nil {
		return apperror.Wrap(apperror.KindCatastrophic, "clearing blocked pipeline row", err)
	}
	return nil
}

// SetActive transitions a row to active, setting started_at if unset.
func (r *PipelineRepo) SetActive(ctx context.Context, id int64) error {
	_, err := r.store.Acquire().ExecContext(ctx, `
		UPDATE pipeline_rows
		SET status = 'active', started_at = COALESCE(started_at, now())
		WHERE id = $1 AND status != 'active'
	`, id)
	if err != nil {
		return apperror.Wrap(apperror.KindCatastrophic, "activating pipeline row", err)
	}
	return nil
}

// SetFailed marks a row failed with a truncated reason, per spec §4.7.8.
func (r *PipelineRepo) SetFailed(ctx context.Context, id int64, reason string) error {
	const maxLen = 500
	if len(reason) > maxLen {
		reason = reason[:maxLen]
	}
	_, err := r.store.Acquire().ExecContext(ctx, `
		UPDATE pipeline_rows SET status = 'failed', blocked_reason = $1, last_checked_at = now() WHERE id = $2
	`, reason, id)
	if err != nil {
		return apperror.Wrap(apperror.KindCatastrophic, "failing pipeline row", err)
	}
	return nil
}

// CompleteAndAdvance marks row completed and, if nextPhase is non-empty,
// upserts the next-phase row — all inside one transaction, the sole
// writer of next-phase rows (spec §5's ordering invariant). Calling this
// twice on an already-completed row is a no-op: the UPDATE's WHERE clause
// only matches rows not already completed, so the second call updates
// zero rows and inserts no duplicate next-phase row.
func (r *PipelineRepo) CompleteAndAdvance(ctx context.Context, row models.PipelineRow, nextPhase string) (advanced bool, err error) {
	err = r.store.Transaction(ctx, func(h DBTX) error {
		res, execErr := h.ExecContext(ctx, `
			UPDATE pipeline_rows SET status = 'completed', completed_at = now()
			WHERE id = $1 AND status != 'completed'
		`, row.ID)
		if execErr != nil {
			return execErr
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return nil // already completed: idempotent no-op
		}
		advanced = true
		if nextPhase == "" {
			return nil
		}
		return r.UpsertPending(ctx, h, row.EntityType, row.EntityID, row.ProjectID, nextPhase)
	})
	if err != nil {
		return false, apperror.Wrap(apperror.KindCatastrophic, "completing and advancing pipeline row", err)
	}
	return advanced, nil
}

// OverrideResult describes what an override did, so the caller can emit
// the phase-advanced event when action=complete actually advanced.
type OverrideResult struct {
	Row       models.PipelineRow
	Advanced  bool
	NextPhase string
}

// Override applies a manual operator override (spec §4.7.9).
func (r *PipelineRepo) Override(ctx context.Context, entityType models.EntityType, entityID, phase, action string) (OverrideResult, error) {
	var row models.PipelineRow
	rowRes := r.store.Acquire().QueryRowContext(ctx, `
		SELECT id, entity_type, entity_id, project_id, phase, status, progress_current, progress_target,
		       last_checked_at, started_at, completed_at, blocked_reason, gate_check_result
		FROM pipeline_rows WHERE entity_type = $1 AND entity_id = $2 AND phase = $3
	`, entityType, entityID, phase)
	if err := rowRes.Scan(&row.ID, &row.EntityType, &row.EntityID, &row.ProjectID, &row.Phase, &row.Status,
		&row.ProgressCurrent, &row.ProgressTarget, &row.LastCheckedAt, &row.StartedAt, &row.CompletedAt,
		&row.BlockedReason, &row.GateCheckResult); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return OverrideResult{}, apperror.ErrNotFound
		}
		return OverrideResult{}, apperror.Wrap(apperror.KindCatastrophic, "fetching pipeline row for override", err)
	}
	result := OverrideResult{Row: row}

	switch action {
	case "skip":
		_, err := r.store.Acquire().ExecContext(ctx, `UPDATE pipeline_rows SET status = 'skipped' WHERE id = $1`, row.ID)
		return result, wrapCatastrophic(err, "skipping pipeline row")
	case "reset":
		_, err := r.store.Acquire().ExecContext(ctx, `
			UPDATE pipeline_rows SET status = 'pending', started_at = NULL, completed_at = NULL,
			       blocked_reason = NULL, last_checked_at = NULL WHERE id = $1
		`, row.ID)
		return result, wrapCatastrophic(err, "resetting pipeline row")
	case "complete":
		result.NextPhase = nextPhaseFor(row.EntityType, row.Phase)
		advanced, err := r.CompleteAndAdvance(ctx, row, result.NextPhase)
		result.Advanced = advanced
		return result, err
	default:
		return result, apperror.New(apperror.KindValidation, "unknown override action "+action)
	}
}

func wrapCatastrophic(err error, msg string) error {
	if err == nil {
		return nil
	}
	return apperror.Wrap(apperror.KindCatastrophic, msg, err)
}

// CharacterPhases and ProjectPhases are the canonical ordered phase
// sequences per entity type, spec §4.7.1.
var CharacterPhases = []string{"training_data", "lora_training", "ready"}
var ProjectPhases = []string{"scene_planning", "shot_preparation", "video_generation", "scene_assembly", "episode_assembly", "publishing"}

// nextPhaseFor returns the phase after phase in entityType's sequence, or
// "" if phase is terminal.
func nextPhaseFor(entityType models.EntityType, phase string) string {
	seq := ProjectPhases
	if entityType == models.EntityCharacter {
		seq = CharacterPhases
	}
	for i, p := range seq {
		if p == phase && i+1 < len(seq) {
			return seq[i+1]
		}
	}
	return ""
}

// NextPhaseFor exposes nextPhaseFor to other packages (the orchestrator).
func NextPhaseFor(entityType models.EntityType, phase string) string {
	return nextPhaseFor(entityType, phase)
}

// CountCharacterRows counts a project's character pipeline rows at phase
// with the given status.
func (r *PipelineRepo) CountCharacterRows(ctx context.Context, projectID, phase, status string) (int, error) {
	var n int
	row := r.store.Acquire().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pipeline_rows
		WHERE project_id = $1 AND entity_type = 'character' AND phase = $2 AND status = $3
	`, projectID, phase, status)
	if err := row.Scan(&n); err != nil {
		return 0, apperror.Wrap(apperror.KindCatastrophic, "counting character pipeline rows", err)
	}
	return n, nil
}
