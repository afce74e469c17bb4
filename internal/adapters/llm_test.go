package adapters

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvestal/tower-anime-orchestrator/internal/config"
)

func testAdaptersConfig(primaryURL, fallbackURL string) config.AdaptersConfig {
	return config.AdaptersConfig{
		LLM:    config.AdapterEndpoint{BaseURL: primaryURL, RequestTimeout: 5 * time.Second},
		Vision: config.AdapterEndpoint{BaseURL: fallbackURL, RequestTimeout: 5 * time.Second},
		CircuitBreaker: config.CircuitBreakerConfig{
			FailureThreshold: 100,
			RecoveryTimeout:  time.Second,
		},
		Retry:            config.RetryConfig{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		ResponseCacheTTL: time.Minute,
		FallbackEnabled:  true,
	}
}

func generateHandler(response string, calls *atomic.Int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]string{"response": response})
	}
}

func TestModelStatsScoreFormula(t *testing.T) {
	s := &modelStats{}
	s.record(true, time.Second)
	s.record(true, time.Second)

	score, eligible := s.score()
	require.True(t, eligible)
	// success_rate=1.0, avg_time=1s: 1.0*0.7 + (1/(1+1))*0.3 = 0.85
	assert.InDelta(t, 0.85, score, 0.001)
}

func TestModelStatsExcludesLowSuccessRateAfterThreeCalls(t *testing.T) {
	s := &modelStats{}
	s.record(false, time.Second)
	s.record(false, time.Second)
	s.record(true, time.Second)

	_, eligible := s.score()
	assert.False(t, eligible, "1/3 success over >=3 calls must be excluded")
}

func TestModelStatsLowSuccessRateUnderThreeCallsStaysEligible(t *testing.T) {
	s := &modelStats{}
	s.record(false, time.Second)
	s.record(false, time.Second)

	_, eligible := s.score()
	assert.True(t, eligible, "the <70%% exclusion only applies from 3 calls on")
}

func TestModelStatsNoHistoryIsEligible(t *testing.T) {
	s := &modelStats{}
	_, eligible := s.score()
	assert.True(t, eligible)
}

func TestModelStatsWindowKeepsLastHundredCalls(t *testing.T) {
	s := &modelStats{}
	for i := 0; i < rollingWindow; i++ {
		s.record(false, time.Second)
	}
	// The failures age out of the window as successes arrive.
	for i := 0; i < rollingWindow; i++ {
		s.record(true, time.Millisecond)
	}
	score, eligible := s.score()
	require.True(t, eligible)
	assert.Greater(t, score, 0.9)
}

func TestSelectModelPicksHighestScoringEligible(t *testing.T) {
	a := NewLLMAdapter(testAdaptersConfig("http://unused", "http://unused"), nil)

	// llama3.1:8b is fast and reliable; mistral:7b is slow.
	for i := 0; i < 5; i++ {
		a.statsFor("llama3.1:8b").record(true, 100*time.Millisecond)
		a.statsFor("mistral:7b").record(true, 10*time.Second)
	}
	assert.Equal(t, "llama3.1:8b", a.selectModel(TierStandard))
}

func TestSelectModelSkipsExcludedModels(t *testing.T) {
	a := NewLLMAdapter(testAdaptersConfig("http://unused", "http://unused"), nil)

	for i := 0; i < 5; i++ {
		a.statsFor("llama3.1:8b").record(false, time.Second)
	}
	a.statsFor("mistral:7b").record(true, time.Second)

	assert.Equal(t, "mistral:7b", a.selectModel(TierStandard))
}

func TestSelectModelFallsBackToFirstCandidateWhenAllExcluded(t *testing.T) {
	a := NewLLMAdapter(testAdaptersConfig("http://unused", "http://unused"), nil)

	for _, model := range []string{"llama3.1:8b", "mistral:7b"} {
		for i := 0; i < 5; i++ {
			a.statsFor(model).record(false, time.Second)
		}
	}
	assert.Equal(t, "llama3.1:8b", a.selectModel(TierStandard))
}

func TestSelectModelUnknownTierUsesStandardList(t *testing.T) {
	a := NewLLMAdapter(testAdaptersConfig("http://unused", "http://unused"), nil)
	assert.Equal(t, "llama3.1:8b", a.selectModel(ModelTier("nonsense")))
}

func TestQueryServesSecondCallFromCache(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(generateHandler("hello", &calls))
	defer server.Close()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	a := NewLLMAdapter(testAdaptersConfig(server.URL, server.URL), rdb)

	first, err := a.Query(context.Background(), "describe luigi", TierStandard, "scene_planning")
	require.NoError(t, err)
	assert.Equal(t, "hello", first.Response)
	require.Equal(t, int64(1), calls.Load())

	second, err := a.Query(context.Background(), "describe luigi", TierStandard, "scene_planning")
	require.NoError(t, err)
	assert.Equal(t, "hello", second.Response)
	assert.Equal(t, int64(1), calls.Load(), "repeat query must be served from the cache")
}

func TestQueryDifferentPromptMissesCache(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(generateHandler("hello", &calls))
	defer server.Close()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	a := NewLLMAdapter(testAdaptersConfig(server.URL, server.URL), rdb)

	_, err := a.Query(context.Background(), "describe luigi", TierStandard, "scene_planning")
	require.NoError(t, err)
	_, err = a.Query(context.Background(), "describe peach", TierStandard, "scene_planning")
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestQueryCacheExpiresWithTTL(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(generateHandler("hello", &calls))
	defer server.Close()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	a := NewLLMAdapter(testAdaptersConfig(server.URL, server.URL), rdb)

	_, err := a.Query(context.Background(), "describe luigi", TierStandard, "scene_planning")
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	_, err = a.Query(context.Background(), "describe luigi", TierStandard, "scene_planning")
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load(), "expired entry must re-query the backend")
}

func TestQueryFallsBackToLocalInferenceOnPrimaryFailure(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer primary.Close()

	var fallbackCalls atomic.Int64
	fallback := httptest.NewServer(generateHandler("from-fallback", &fallbackCalls))
	defer fallback.Close()

	a := NewLLMAdapter(testAdaptersConfig(primary.URL, fallback.URL), nil)

	result, err := a.Query(context.Background(), "describe luigi", TierStandard, "scene_planning")
	require.NoError(t, err)
	assert.True(t, result.FallbackUsed)
	assert.Equal(t, "from-fallback", result.Response)
	assert.Equal(t, int64(1), fallbackCalls.Load())
}

func TestQueryFallbackDisabledSurfacesPrimaryError(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer primary.Close()

	cfg := testAdaptersConfig(primary.URL, primary.URL)
	cfg.FallbackEnabled = false
	a := NewLLMAdapter(cfg, nil)

	_, err := a.Query(context.Background(), "describe luigi", TierStandard, "scene_planning")
	assert.Error(t, err)
}

func TestQueryFailureFeedsModelStats(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer primary.Close()

	cfg := testAdaptersConfig(primary.URL, primary.URL)
	cfg.FallbackEnabled = false
	a := NewLLMAdapter(cfg, nil)

	for i := 0; i < 3; i++ {
		_, _ = a.Query(context.Background(), "describe luigi", TierStandard, "scene_planning")
	}

	_, eligible := a.statsFor("llama3.1:8b").score()
	assert.False(t, eligible, "three recorded failures must exclude the model from selection")
}
