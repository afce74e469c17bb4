package adapters

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pvestal/tower-anime-orchestrator/internal/apperror"
	"github.com/pvestal/tower-anime-orchestrator/internal/config"
)

// ModelTier is the requested intelligence/latency tier for an LLM query,
// spec §4.2.2.
type ModelTier string

const (
	TierFast     ModelTier = "fast"
	TierStandard ModelTier = "standard"
	TierAdvanced ModelTier = "advanced"
)

// QueryResult is the response shape for LLMAdapter.Query.
type QueryResult struct {
	Response      string  `json:"response"`
	ModelUsed     string  `json:"model_used"`
	Confidence    float64 `json:"confidence"`
	FallbackUsed  bool    `json:"fallback_used"`
}

// modelStats is the rolling window tracked per model for tier scoring,
// spec §4.2.2: score = success_rate*0.7 + (1/(avg_time+1))*0.3, excluding
// any model with <70% success rate over >=3 calls.
type modelStats struct {
	mu      sync.Mutex
	calls   []callResult // ring of up to 100 entries, oldest first
}

type callResult struct {
	success  bool
	duration time.Duration
}

const rollingWindow = 100

func (s *modelStats) record(success bool, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, callResult{success: success, duration: d})
	if len(s.calls) > rollingWindow {
		s.calls = s.calls[len(s.calls)-rollingWindow:]
	}
}

func (s *modelStats) score() (score float64, eligible bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) == 0 {
		return 0, true // no history yet: eligible, neutral score
	}
	var successes int
	var totalDur time.Duration
	for _, c := range s.calls {
		if c.success {
			successes++
		}
		totalDur += c.duration
	}
	n := float64(len(s.calls))
	successRate := float64(successes) / n
	avgSeconds := (totalDur / time.Duration(len(s.calls))).Seconds()
	if len(s.calls) >= 3 && successRate < 0.7 {
		return 0, false
	}
	return successRate*0.7 + (1/(avgSeconds+1))*0.3, true
}

// LLMAdapter is the typed client for the LLM/dialogue service (C2.2), with
// per-tier model selection, a content-hashed response cache, and local
// fallback. Grounded on original_source/packages/core/model_selector.py
// for the scoring formula and original_source/packages/core/gpu_router.py
// for the REST-polling idiom.
type LLMAdapter struct {
	baseURL      string
	fallbackURL  string
	httpClient   *http.Client
	resilience   *Resilience
	cfg          config.AdaptersConfig
	fallbackOn   bool

	preferredModels map[ModelTier][]string

	statsMu sync.Mutex
	stats   map[string]*modelStats

	redis *redis.Client
	cacheTTL time.Duration
}

// NewLLMAdapter constructs the adapter. rdb may be nil to disable response
// caching (e.g. in tests without a Redis instance; miniredis backs the
// unit tests per DESIGN.md).
func NewLLMAdapter(cfg config.AdaptersConfig, rdb *redis.Client) *LLMAdapter {
	return &LLMAdapter{
		baseURL:     cfg.LLM.BaseURL,
		fallbackURL: cfg.Vision.BaseURL, // local inference endpoint doubles as fallback target
		httpClient:  &http.Client{},
		resilience:  NewResilience("llm", cfg.CircuitBreaker, cfg.Retry),
		cfg:         cfg,
		fallbackOn:  cfg.FallbackEnabled,
		preferredModels: map[ModelTier][]string{
			TierFast:     {"llama3.2:3b", "phi3:mini"},
			TierStandard: {"llama3.1:8b", "mistral:7b"},
			TierAdvanced: {"llama3.1:70b", "mixtral:8x7b"},
		},
		stats:    make(map[string]*modelStats),
		redis:    rdb,
		cacheTTL: cfg.ResponseCacheTTL,
	}
}

// CircuitState reports the LLM circuit breaker's current state for the
// /gpu/status operator-surface snapshot.
func (a *LLMAdapter) CircuitState() string { return a.resilience.State() }

func (a *LLMAdapter) statsFor(model string) *modelStats {
	a.statsMu.Lock()
	defer a.statsMu.Unlock()
	s, ok := a.stats[model]
	if !ok {
		s = &modelStats{}
		a.stats[model] = s
	}
	return s
}

// selectModel picks the highest-scoring eligible model from the tier's
// preferred list, per spec §4.2.2.
func (a *LLMAdapter) selectModel(tier ModelTier) string {
	candidates := a.preferredModels[tier]
	if len(candidates) == 0 {
		candidates = a.preferredModels[TierStandard]
	}
	best := candidates[0]
	bestScore := -1.0
	for _, m := range candidates {
		score, eligible := a.statsFor(m).score()
		if !eligible {
			continue
		}
		if score > bestScore {
			bestScore = score
			best = m
		}
	}
	return best
}

func cacheKey(prompt, context, intelligenceLevel string) string {
	sum := sha256.Sum256([]byte(prompt + "|" + context + "|" + intelligenceLevel))
	return "llm:cache:" + hex.EncodeToString(sum[:])
}

// Query sends prompt to the best-scoring model for tier, serving a cached
// response when available, falling back to local inference when the
// primary call fails and fallback is enabled.
func (a *LLMAdapter) Query(ctx context.Context, prompt string, tier ModelTier, intelligenceLevel string) (QueryResult, error) {
	key := cacheKey(prompt, string(tier), intelligenceLevel)
	if a.redis != nil {
		if cached, err := a.redis.Get(ctx, key).Result(); err == nil {
			var result QueryResult
			if jsonErr := json.Unmarshal([]byte(cached), &result); jsonErr == nil {
				return result, nil
			}
		}
	}

	model := a.selectModel(tier)
	start := time.Now()
	result, err := a.queryModel(ctx, a.baseURL, model, prompt)
	a.statsFor(model).record(err == nil, time.Since(start))

	if err != nil {
		if !a.fallbackOn {
			return QueryResult{}, err
		}
		fallbackResult, fbErr := a.queryModel(ctx, a.fallbackURL, "fallback-small", prompt)
		if fbErr != nil {
			return QueryResult{}, fmt.Errorf("primary failed (%w) and fallback failed (%w)", err, fbErr)
		}
		fallbackResult.FallbackUsed = true
		return fallbackResult, nil
	}

	if a.redis != nil {
		if data, jsonErr := json.Marshal(result); jsonErr == nil {
			a.redis.Set(ctx, key, data, a.cacheTTL)
		}
	}
	return result, nil
}

func (a *LLMAdapter) queryModel(ctx context.Context, baseURL, model, prompt string) (QueryResult, error) {
	v, err := a.resilience.Do(ctx, func(ctx context.Context) (any, error) {
		ctx, cancel := withTimeout(ctx, a.cfg.LLM.RequestTimeout)
		defer cancel()

		reqBody, err := json.Marshal(map[string]any{
			"model":  model,
			"prompt": prompt,
			"stream": false,
		})
		if err != nil {
			return nil, apperror.Wrap(apperror.KindValidation, "encoding LLM request", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/generate", bytes.NewReader(reqBody))
		if err != nil {
			return nil, apperror.Wrap(apperror.KindValidation, "building LLM request", err)
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
			Response string `json:"response"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, apperror.Wrap(apperror.KindIntegrity, "decoding LLM response", err)
		}
		return QueryResult{Response: body.Response, ModelUsed: model, Confidence: 1.0}, nil
	})
	if err != nil {
		return QueryResult{}, err
	}
	return v.(QueryResult), nil
}
