// Package audit is the thin façade every autonomous-decision component
// writes through (C8): it fixes the canonical decision_type tags and
// builds the JSON input_context snapshot, delegating persistence to
// store.AuditRepo. Kept as its own package (rather than folded into
// store) because spec §4.8 treats the audit log as a component boundary
// in its own right, consumed by C5/C6/C7 alike.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/pvestal/tower-anime-orchestrator/internal/models"
	"github.com/pvestal/tower-anime-orchestrator/internal/store"
)

// Decision type tags, per spec §4.8's examples.
const (
	DecisionOrchestratorInit          = "orchestrator_init"
	DecisionPhaseAdvanced             = "orchestrator_phase_advanced"
	DecisionPhaseOverride             = "orchestrator_phase_override"
	DecisionTrainingEnqueued          = "lora_training_enqueued"
	DecisionAutoReject                = "auto_reject"
	DecisionAutoApprove               = "auto_approve"
	DecisionReplenishmentSkipDailyCap = "replenishment_skip_daily_cap"
	DecisionReplenishmentPause        = "replenishment_pause_rejection_streak"
	DecisionCorrectionDispatched      = "correction_dispatched"
	DecisionCorrectionDepthLimitHit   = "correction_depth_limit_hit"
	DecisionShotImageAssigned         = "shot_image_assignment"
)

// Log wraps the store-level repository with typed decision builders.
// Writes go through a buffered channel to a single writer goroutine so the
// decision path never blocks on the database; a full channel drops the
// decision with a warning, per spec §4.8's "failures are logged and
// dropped".
type Log struct {
	repo   *store.AuditRepo
	ch     chan models.AuditDecision
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// New constructs a Log and starts its writer goroutine.
func New(repo *store.AuditRepo) *Log {
	l := &Log{
		repo:   repo,
		ch:     make(chan models.AuditDecision, 256),
		logger: slog.Default().With("component", "audit"),
		done:   make(chan struct{}),
	}
	go l.writer()
	return l
}

func (l *Log) writer() {
	defer close(l.done)
	for d := range l.ch {
		l.repo.Record(context.Background(), d)
	}
}

// Close stops accepting decisions and drains the buffered ones. Decisions
// recorded after Close (e.g. by a still-draining worker) are dropped.
func (l *Log) Close() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.ch)
	}
	l.mu.Unlock()
	<-l.done
}

// Record enqueues an audit decision built from the given fields.
// Recording never blocks or propagates errors to the caller.
func (l *Log) Record(ctx context.Context, decisionType string, characterSlug, projectName *string, inputContext any, decisionMade string, confidence float64, reasoning string) {
	var raw json.RawMessage
	if inputContext != nil {
		raw, _ = json.Marshal(inputContext)
	}
	d := models.AuditDecision{
		DecisionType:    decisionType,
		CharacterSlug:   characterSlug,
		ProjectName:     projectName,
		InputContext:    raw,
		DecisionMade:    decisionMade,
		ConfidenceScore: confidence,
		Reasoning:       reasoning,
		Outcome:         models.OutcomeOK,
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.logger.Warn("audit log closed, dropping decision", "decision_type", decisionType)
		return
	}
	select {
	case l.ch <- d:
	default:
		l.logger.Warn("audit channel full, dropping decision", "decision_type", decisionType)
	}
}

// Recent returns the most recent audit decisions for the operator surface.
func (l *Log) Recent(ctx context.Context, limit int) []models.AuditDecision {
	return l.repo.Recent(ctx, limit)
}

// StrPtr is a small helper for the common case of an optional string field.
func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
