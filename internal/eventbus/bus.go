// Package eventbus implements the Event Bus (C3): a process-local async
// pub/sub. Handlers run after Emit returns; handler panics/errors are
// caught, logged, and counted, never propagated to the emitter. Delivery
// order between subscribers of the same event, and between different
// events, is unspecified — consumers must be idempotent. Grounded on the
// teacher's pkg/events/manager.go fan-out shape, restructured from a
// Postgres LISTEN/NOTIFY broadcast to an in-memory handler registry per
// spec §4.3.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Reserved event names, per spec §4.3.
const (
	ImageApproved          = "IMAGE_APPROVED"
	ImageRejected          = "IMAGE_REJECTED"
	TrainingStarted        = "TRAINING_STARTED"
	TrainingComplete       = "TRAINING_COMPLETE"
	ScenePlanningComplete  = "SCENE_PLANNING_COMPLETE"
	SceneReady             = "SCENE_READY"
	EpisodeAssembled       = "EPISODE_ASSEMBLED"
	EpisodePublished       = "EPISODE_PUBLISHED"
	PipelinePhaseAdvanced  = "PIPELINE_PHASE_ADVANCED"
)

// Payload is the stable dictionary shape every event carries. Handlers
// must tolerate unknown extra keys.
type Payload map[string]any

// Handler is an async subscriber callback. It receives a background
// context (not the emitter's request context — emit returns before
// handlers run, so there is no caller context to inherit) and the event
// payload. A returned error is logged and counted, same as a panic; it
// never reaches the emitter.
type Handler func(ctx context.Context, payload Payload) error

// Bus is the in-process pub/sub registry.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler

	emitsTotal  atomic.Int64
	errorsTotal atomic.Int64
	logger      *slog.Logger
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{
		handlers: make(map[string][]Handler),
		logger:   slog.Default().With("component", "eventbus"),
	}
}

// Subscribe registers handler for eventName. Multiple handlers per event
// are allowed; order of delivery between them is unspecified.
func (b *Bus) Subscribe(eventName string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventName] = append(b.handlers[eventName], handler)
}

// Emit schedules every handler registered for eventName at call time and
// returns immediately. Handler panics are recovered, logged, and counted;
// they never propagate to the caller.
func (b *Bus) Emit(eventName string, payload Payload) {
	b.emitsTotal.Add(1)

	b.mu.RLock()
	// Snapshot the slice under the lock; handlers registered after this
	// point do not see this emit (consistent with "subscribers registered
	// at emit time", invariant 6 in spec §8).
	hs := make([]Handler, len(b.handlers[eventName]))
	copy(hs, b.handlers[eventName])
	b.mu.RUnlock()

	for _, h := range hs {
		go b.invoke(eventName, h, payload)
	}
}

func (b *Bus) invoke(eventName string, h Handler, payload Payload) {
	defer func() {
		if r := recover(); r != nil {
			b.errorsTotal.Add(1)
			b.logger.Error("event handler panicked", "event", eventName, "panic", r)
		}
	}()
	if err := h(context.Background(), payload); err != nil {
		b.errorsTotal.Add(1)
		b.logger.Error("event handler failed", "event", eventName, "error", err)
	}
}

// Stats is the snapshot returned by Bus.Stats.
type Stats struct {
	HandlersPerEvent map[string]int `json:"handlers_per_event"`
	EmitsTotal       int64          `json:"emits_total"`
	ErrorsTotal      int64          `json:"errors_total"`
}

// Stats reports handler counts per event and lifetime emit/error totals.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	counts := make(map[string]int, len(b.handlers))
	for name, hs := range b.handlers {
		counts[name] = len(hs)
	}
	return Stats{
		HandlersPerEvent: counts,
		EmitsTotal:       b.emitsTotal.Load(),
		ErrorsTotal:      b.errorsTotal.Load(),
	}
}
