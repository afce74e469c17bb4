// Package gpu implements the Dual-GPU Router (C2.6): a static routing
// table assigning each task kind to one of two physical accelerators, and
// a mutual-exclusion admission gate for the image-generation GPU. Grounded
// on original_source/packages/core/gpu_router.py's busy→free→wait→recheck
// admission sequence, restructured around golang.org/x/sync/semaphore for
// the single-slot mutual exclusion spec §5 calls for ("GPU-A ... treated
// as a mutually exclusive resource").
package gpu

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/pvestal/tower-anime-orchestrator/internal/apperror"
	"github.com/pvestal/tower-anime-orchestrator/internal/config"
)

// Accelerator identifies one of the two physical GPUs.
type Accelerator string

const (
	GPUAccelA Accelerator = "gpu-a"
	GPUAccelB Accelerator = "gpu-b"
)

// TaskKind enumerates every task kind the router dispatches, per the
// static routing table in spec §4.2.6.
type TaskKind string

const (
	TaskImageGeneration TaskKind = "image_generation"
	TaskVideoGeneration TaskKind = "video_generation"
	TaskTraining        TaskKind = "training"
	TaskVisionTagging   TaskKind = "vision_tagging"
	TaskLLMInference    TaskKind = "llm_inference"
	TaskEmbeddings      TaskKind = "embeddings"
	TaskImageClassification TaskKind = "image_classification"
)

var routingTable = map[TaskKind]Accelerator{
	TaskImageGeneration:     GPUAccelA,
	TaskVideoGeneration:     GPUAccelA,
	TaskTraining:            GPUAccelA,
	TaskVisionTagging:       GPUAccelA,
	TaskLLMInference:        GPUAccelB,
	TaskEmbeddings:          GPUAccelB,
	TaskImageClassification: GPUAccelB,
}

// RouteOf returns the accelerator a task kind is statically routed to.
func RouteOf(kind TaskKind) Accelerator {
	if acc, ok := routingTable[kind]; ok {
		return acc
	}
	return GPUAccelB
}

// backendStatus is the subset of the image-gen adapter the router needs,
// kept as a narrow interface so the router doesn't import the adapters
// package; callers (the generation cycle, the orchestrator) go through
// Acquire.
type backendStatus interface {
	IsBusy(ctx context.Context) (bool, error)
	FreeVRAMMB(ctx context.Context) (int, error)
	FreeMemory(ctx context.Context) error
}

// Router serializes GPU-A admission across image generation, video
// rendering, and training; GPU-B tasks always admit.
type Router struct {
	backend   backendStatus
	sem       *semaphore.Weighted // weight 1: GPU-A is mutually exclusive
	minFreeMB int
}

// New constructs a Router. backend is the image-generation adapter (the
// only component the router needs to query for busy/VRAM state).
func New(backend backendStatus, cfg config.GPUConfig) *Router {
	return &Router{
		backend:   backend,
		sem:       semaphore.NewWeighted(1),
		minFreeMB: cfg.MinFreeVRAMMB,
	}
}

// Decision is the result of an admission check.
type Decision struct {
	Admitted bool
	Reason   string
	FreeMB   int
}

// Admit runs the pre-task gate for kind. GPU-B tasks always admit
// immediately. GPU-A tasks follow spec §4.2.6's three-step sequence:
// busy check, VRAM check, free-and-recheck mitigation.
func (r *Router) Admit(ctx context.Context, kind TaskKind) (Decision, error) {
	if RouteOf(kind) != GPUAccelA {
		return Decision{Admitted: true, Reason: "GPU-B manages its own memory"}, nil
	}

	busy, err := r.backend.IsBusy(ctx)
	if err != nil {
		return Decision{}, err
	}
	if busy {
		return Decision{Admitted: false, Reason: "backend busy"}, nil
	}

	free, err := r.backend.FreeVRAMMB(ctx)
	if err != nil {
		return Decision{}, err
	}
	if free >= r.minFreeMB {
		return Decision{Admitted: true, Reason: "sufficient free VRAM", FreeMB: free}, nil
	}

	if err := r.backend.FreeMemory(ctx); err != nil {
		return Decision{}, err
	}
	select {
	case <-time.After(2 * time.Second):
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}

	free, err = r.backend.FreeVRAMMB(ctx)
	if err != nil {
		return Decision{}, err
	}
	if free >= r.minFreeMB {
		return Decision{Admitted: true, Reason: "sufficient free VRAM after reclaim", FreeMB: free}, nil
	}
	return Decision{Admitted: false, Reason: "insufficient VRAM after reclaim attempt", FreeMB: free}, nil
}

// Acquire blocks until the GPU-A mutual-exclusion slot is free, runs
// Admit, and if admitted holds the slot until release is called. If
// admission is denied the slot is released immediately and the caller
// must not proceed.
func (r *Router) Acquire(ctx context.Context, kind TaskKind) (release func(), decision Decision, err error) {
	if RouteOf(kind) != GPUAccelA {
		return func() {}, Decision{Admitted: true}, nil
	}
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, Decision{}, apperror.Wrap(apperror.KindTransient, "acquiring GPU-A slot", err)
	}
	d, admitErr := r.Admit(ctx, kind)
	if admitErr != nil || !d.Admitted {
		r.sem.Release(1)
		return func() {}, d, admitErr
	}
	released := false
	return func() {
		if !released {
			released = true
			r.sem.Release(1)
		}
	}, d, nil
}

// Status is the snapshot returned by /gpu/status.
type Status struct {
	GPUABusy      bool   `json:"gpu_a_busy"`
	GPUAFreeMB    int    `json:"gpu_a_free_mb"`
	GPUAAvailable bool   `json:"gpu_a_available"`
	Reason        string `json:"reason,omitempty"`
}

// Snapshot reports the current GPU-A state without acquiring the
// mutual-exclusion slot, for the read-only operator surface.
func (r *Router) Snapshot(ctx context.Context) Status {
	busy, err := r.backend.IsBusy(ctx)
	if err != nil {
		return Status{Reason: err.Error()}
	}
	free, err := r.backend.FreeVRAMMB(ctx)
	if err != nil {
		return Status{GPUABusy: busy, Reason: err.Error()}
	}
	return Status{
		GPUABusy:      busy,
		GPUAFreeMB:    free,
		GPUAAvailable: !busy && free >= r.minFreeMB,
	}
}
