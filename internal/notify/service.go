package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/pvestal/tower-anime-orchestrator/internal/config"
	"github.com/pvestal/tower-anime-orchestrator/internal/eventbus"
)

// Service delivers Slack notifications for pipeline events.
// Nil-safe: every method is a no-op when Service is nil, so callers never
// need to branch on whether Slack is configured.
type Service struct {
	client  *Client
	logger  *slog.Logger
}

// NewService builds a Service from configuration. Returns nil if Slack
// notifications are disabled or the token/channel is unset, matching the
// teacher's "construct to nil" pattern for optional dependencies.
func NewService(cfg config.SlackConfig) *Service {
	if !cfg.Enabled || cfg.Token == "" || cfg.Channel == "" {
		return nil
	}
	return &Service{
		client: NewClient(cfg.Token, cfg.Channel),
		logger: slog.Default().With("component", "notify-service"),
	}
}

// Subscribe wires the service's handlers to the bus events it cares about.
// Safe to call with a nil Service (no-op).
func (s *Service) Subscribe(bus *eventbus.Bus) {
	if s == nil {
		return
	}
	bus.Subscribe(eventbus.EpisodePublished, s.handleEpisodePublished)
	bus.Subscribe(eventbus.TrainingComplete, s.handleTrainingComplete)
	bus.Subscribe(eventbus.PipelinePhaseAdvanced, s.handlePhaseAdvanced)
}

func (s *Service) handleEpisodePublished(ctx context.Context, payload eventbus.Payload) error {
	projectID, _ := payload["project_id"].(string)
	episodeID, _ := payload["episode_id"].(string)
	blocks := buildEpisodeMessage(projectID, episodeID)
	if err := s.client.PostMessage(ctx, blocks, 10*time.Second); err != nil {
		s.logger.Error("posting episode-published notification failed", "error", err)
	}
	return nil
}

func (s *Service) handleTrainingComplete(ctx context.Context, payload eventbus.Payload) error {
	slug, _ := payload["character_slug"].(string)
	blocks := buildTrainingCompleteMessage(slug)
	if err := s.client.PostMessage(ctx, blocks, 5*time.Second); err != nil {
		s.logger.Error("posting training-complete notification failed", "error", err)
	}
	return nil
}

// handlePhaseAdvanced only notifies when a character reaches its terminal
// "ready" phase; every other phase advance is too frequent to page anyone.
func (s *Service) handlePhaseAdvanced(ctx context.Context, payload eventbus.Payload) error {
	entityType, _ := payload["entity_type"].(string)
	nextPhase, _ := payload["next_phase"].(string)
	if entityType != "character" || nextPhase != "" {
		return nil
	}
	entityID, _ := payload["entity_id"].(string)
	blocks := buildCharacterReadyMessage(entityID)
	if err := s.client.PostMessage(ctx, blocks, 5*time.Second); err != nil {
		s.logger.Error("posting character-ready notification failed", "error", err)
	}
	return nil
}

// NotifyPipelineFailed reports a worker failure directly (not bus-driven,
// since no event is emitted for a failed row per spec §4.7.8).
func (s *Service) NotifyPipelineFailed(ctx context.Context, entityType, entityID, phase, reason string) {
	if s == nil {
		return
	}
	blocks := buildPipelineFailureMessage(entityType, entityID, phase, reason)
	if err := s.client.PostMessage(ctx, blocks, 10*time.Second); err != nil {
		s.logger.Error("posting pipeline-failure notification failed", "error", err)
	}
}

// NotifyCorrectionDepthLimitHit reports auto-correction exhausting its
// retry budget for a character.
func (s *Service) NotifyCorrectionDepthLimitHit(ctx context.Context, characterSlug string, depth int) {
	if s == nil {
		return
	}
	blocks := buildCorrectionDepthLimitMessage(characterSlug, depth)
	if err := s.client.PostMessage(ctx, blocks, 5*time.Second); err != nil {
		s.logger.Error("posting correction-depth-limit notification failed", "error", err)
	}
}
