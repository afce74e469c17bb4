package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pvestal/tower-anime-orchestrator/internal/apperror"
	"github.com/pvestal/tower-anime-orchestrator/internal/config"
)

// JobStatus is the lifecycle status of a submitted image/video job,
// spec §4.2.1.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// ImageGenAdapter is the typed client for the image-generation backend
// (C2.1). The workflow graph is treated as an opaque JSON blob per spec
// §9 — the core never introspects its class-type-string dispatch, it only
// substitutes parameters into it before submission.
type ImageGenAdapter struct {
	baseURL    string
	httpClient *http.Client
	resilience *Resilience
	cfg        config.AdaptersConfig

	mu         sync.Mutex
	progress   map[string]jobProgress // jobID -> last-seen progress, for stuck-job detection
}

type jobProgress struct {
	status     JobStatus
	lastMoved  time.Time
	startedAt  time.Time
}

// NewImageGenAdapter constructs the adapter against cfg.Adapters.ImageGen.
func NewImageGenAdapter(cfg config.AdaptersConfig) *ImageGenAdapter {
	return &ImageGenAdapter{
		baseURL:    cfg.ImageGen.BaseURL,
		httpClient: &http.Client{},
		resilience: NewResilience("image_gen", cfg.CircuitBreaker, cfg.Retry),
		cfg:        cfg,
		progress:   make(map[string]jobProgress),
	}
}

// CircuitState reports the image-gen circuit breaker's current state for
// the /gpu/status operator-surface snapshot.
func (a *ImageGenAdapter) CircuitState() string { return a.resilience.State() }

// Submit POSTs workflowGraph (opaque JSON) and returns the backend job id.
func (a *ImageGenAdapter) Submit(ctx context.Context, workflowGraph json.RawMessage) (string, error) {
	v, err := a.resilience.Do(ctx, func(ctx context.Context) (any, error) {
		ctx, cancel := withTimeout(ctx, a.cfg.ImageGen.RequestTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/prompt", bytes.NewReader(workflowGraph))
		if err != nil {
			return nil, apperror.Wrap(apperror.KindValidation, "building submit request", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.httpClient.Do(req)
		if err != nil {
			return nil, classifyHTTPError(err)
		}
		defer resp.Body.Close()
		if appErr := classifyStatusCode(resp.StatusCode); appErr != nil {
			return nil, appErr
		}

		var body struct {
			PromptID string `json:"prompt_id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, apperror.Wrap(apperror.KindIntegrity, "decoding submit response", err)
		}
		return body.PromptID, nil
	})
	if err != nil {
		return "", err
	}
	jobID := v.(string)

	a.mu.Lock()
	a.progress[jobID] = jobProgress{status: JobQueued, lastMoved: time.Now(), startedAt: time.Now()}
	a.mu.Unlock()
	return jobID, nil
}

// PollStatus queries the backend's queue/history for jobID's current
// status, applying the stuck-job detection rule: no progress for 5 minutes
// on a non-queued job declares it failed (spec §4.2.1, invariant: a stuck
// job is an Integrity error).
func (a *ImageGenAdapter) PollStatus(ctx context.Context, jobID string) (JobStatus, error) {
	v, err := a.resilience.Do(ctx, func(ctx context.Context) (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/history/"+jobID, nil)
		if err != nil {
			return nil, apperror.Wrap(apperror.KindValidation, "building poll request", err)
		}
		resp, err := a.httpClient.Do(req)
		if err != nil {
			return nil, classifyHTTPError(err)
		}
		defer resp.Body.Close()
		if appErr := classifyStatusCode(resp.StatusCode); appErr != nil {
			return nil, appErr
		}
		var body struct {
			Status string `json:"status"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, apperror.Wrap(apperror.KindIntegrity, "decoding poll response", err)
		}
		return JobStatus(body.Status), nil
	})
	if err != nil {
		return "", err
	}
	status := v.(JobStatus)

	a.mu.Lock()
	p, ok := a.progress[jobID]
	now := time.Now()
	if !ok {
		p = jobProgress{startedAt: now}
	}
	moved := !ok || p.status != status
	if moved {
		p.lastMoved = now
	}
	p.status = status
	stuck := status != JobQueued && now.Sub(p.lastMoved) > a.cfg.StuckJobTimeout
	totalTimedOut := now.Sub(p.startedAt) > a.cfg.TotalJobTimeout
	a.progress[jobID] = p
	a.mu.Unlock()

	if stuck || totalTimedOut {
		return JobFailed, apperror.ErrStuckJob
	}
	return status, nil
}

// FetchOutputs returns absolute output file paths for a completed job.
func (a *ImageGenAdapter) FetchOutputs(ctx context.Context, jobID string) ([]string, error) {
	v, err := a.resilience.Do(ctx, func(ctx context.Context) (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/history/"+jobID+"/outputs", nil)
		if err != nil {
			return nil, apperror.Wrap(apperror.KindValidation, "building outputs request", err)
		}
		resp, err := a.httpClient.Do(req)
		if err != nil {
			return nil, classifyHTTPError(err)
		}
		defer resp.Body.Close()
		if appErr := classifyStatusCode(resp.StatusCode); appErr != nil {
			return nil, appErr
		}
		var body struct {
			Paths []string `json:"paths"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, apperror.Wrap(apperror.KindIntegrity, "decoding outputs response", err)
		}
		if len(body.Paths) == 0 {
			return nil, apperror.ErrMissingOutputFile
		}
		return body.Paths, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// FreeMemory instructs the backend to unload cached models, used by the
// GPU router's admission mitigation step (spec §4.2.6 step 3).
func (a *ImageGenAdapter) FreeMemory(ctx context.Context) error {
	_, err := a.resilience.Do(ctx, func(ctx context.Context) (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/free", bytes.NewReader([]byte(`{"unload_models": true}`)))
		if err != nil {
			return nil, apperror.Wrap(apperror.KindValidation, "building free-memory request", err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := a.httpClient.Do(req)
		if err != nil {
			return nil, classifyHTTPError(err)
		}
		defer resp.Body.Close()
		if appErr := classifyStatusCode(resp.StatusCode); appErr != nil {
			return nil, appErr
		}
		return nil, nil
	})
	return err
}

// IsBusy reports whether any job is running or queued on the backend,
// used by the GPU router's pre-task gate (spec §4.2.6 step 1).
func (a *ImageGenAdapter) IsBusy(ctx context.Context) (bool, error) {
	v, err := a.resilience.Do(ctx, func(ctx context.Context) (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/queue", nil)
		if err != nil {
			return nil, apperror.Wrap(apperror.KindValidation, "building queue request", err)
		}
		resp, err := a.httpClient.Do(req)
		if err != nil {
			return nil, classifyHTTPError(err)
		}
		defer resp.Body.Close()
		if appErr := classifyStatusCode(resp.StatusCode); appErr != nil {
			return nil, appErr
		}
		var body struct {
			QueueRunning []any `json:"queue_running"`
			QueuePending []any `json:"queue_pending"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, apperror.Wrap(apperror.KindIntegrity, "decoding queue response", err)
		}
		return len(body.QueueRunning) > 0 || len(body.QueuePending) > 0, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// FreeVRAMMB queries the backend's reported free VRAM, in megabytes, for
// the GPU router's admission gate.
func (a *ImageGenAdapter) FreeVRAMMB(ctx context.Context) (int, error) {
	v, err := a.resilience.Do(ctx, func(ctx context.Context) (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/system_stats", nil)
		if err != nil {
			return nil, apperror.Wrap(apperror.KindValidation, "building system_stats request", err)
		}
		resp, err := a.httpClient.Do(req)
		if err != nil {
			return nil, classifyHTTPError(err)
		}
		defer resp.Body.Close()
		if appErr := classifyStatusCode(resp.StatusCode); appErr != nil {
			return nil, appErr
		}
		var body struct {
			Devices []struct {
				VRAMFreeMB int `json:"vram_free_mb"`
			} `json:"devices"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, apperror.Wrap(apperror.KindIntegrity, "decoding system_stats response", err)
		}
		if len(body.Devices) == 0 {
			return 0, fmt.Errorf("system_stats returned no devices")
		}
		return body.Devices[0].VRAMFreeMB, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}
