package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/pvestal/tower-anime-orchestrator/internal/models"
)

// AuditRepo persists the append-only Audit Decision log (C8). Writes must
// never block the decision path; failures are logged and dropped, per
// spec §4.8.
type AuditRepo struct {
	store  *Store
	logger *slog.Logger
}

func NewAuditRepo(s *Store) *AuditRepo {
	return &AuditRepo{store: s, logger: slog.Default().With("component", "audit")}
}

// Record writes an audit decision. Errors are logged, not returned —
// callers on the autonomous decision path must never be blocked by audit
// persistence failure.
func (r *AuditRepo) Record(ctx context.Context, d models.AuditDecision) {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	if d.Outcome == "" {
		d.Outcome = models.OutcomePending
	}
	_, err := r.store.Acquire().ExecContext(ctx, `
		INSERT INTO audit_decisions
			(decision_type, character_slug, project_name, input_context, decision_made,
			 confidence_score, reasoning, outcome, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, d.DecisionType, d.CharacterSlug, d.ProjectName, d.InputContext, d.DecisionMade,
		d.ConfidenceScore, d.Reasoning, d.Outcome, d.CreatedAt)
	if err != nil {
		r.logger.Error("audit write failed", "decision_type", d.DecisionType, "error", err)
	}
}

// Recent returns the most recent audit decisions, newest first, for the
// operator surface.
func (r *AuditRepo) Recent(ctx context.Context, limit int) []models.AuditDecision {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.store.Acquire().QueryContext(ctx, `
		SELECT id, decision_type, character_slug, project_name, input_context, decision_made,
		       confidence_score, reasoning, outcome, created_at
		FROM audit_decisions ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		r.logger.Error("audit read failed", "error", err)
		return nil
	}
	defer rows.Close()

	var out []models.AuditDecision
	for rows.Next() {
		var d models.AuditDecision
		if err := rows.Scan(&d.ID, &d.DecisionType, &d.CharacterSlug, &d.ProjectName, &d.InputContext,
			&d.DecisionMade, &d.ConfidenceScore, &d.Reasoning, &d.Outcome, &d.CreatedAt); err != nil {
			r.logger.Error("scanning audit row failed", "error", err)
			return out
		}
		out = append(out, d)
	}
	return out
}
