package adapters

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"os"

	"github.com/pvestal/tower-anime-orchestrator/internal/apperror"
	"github.com/pvestal/tower-anime-orchestrator/internal/config"
	"github.com/pvestal/tower-anime-orchestrator/internal/models"
)

// VisionReview is the structured result of a vision review, mapping the
// LLM's free-form judgment onto the fixed rejection-category enum (spec.md
// Open Question 2; resolved per original_source, see DESIGN.md).
type VisionReview struct {
	QualityScore      float64                     `json:"quality_score"`
	CharacterMatch    float64                     `json:"character_match_score"`
	Clarity           float64                     `json:"clarity_score"`
	Solo              bool                        `json:"solo"`
	SpeciesVerified   bool                        `json:"species_verified"`
	Categories        []models.RejectionCategory  `json:"rejection_categories,omitempty"`
	Feedback          string                      `json:"feedback"`
}

// VisionAdapter is the typed client for the local inference / vision
// backend (C2.3). Used for per-image quality review; there is no
// fallback — on failure, the caller must leave the generation record
// status=in_review, per spec §4.2.3.
type VisionAdapter struct {
	baseURL    string
	httpClient *http.Client
	resilience *Resilience
	cfg        config.AdaptersConfig
}

// NewVisionAdapter constructs the adapter against cfg.Adapters.Vision.
func NewVisionAdapter(cfg config.AdaptersConfig) *VisionAdapter {
	return &VisionAdapter{
		baseURL:    cfg.Vision.BaseURL,
		httpClient: &http.Client{},
		resilience: NewResilience("vision", cfg.CircuitBreaker, cfg.Retry),
		cfg:        cfg,
	}
}

// CircuitState reports the vision circuit breaker's current state for the
// /gpu/status operator-surface snapshot.
func (a *VisionAdapter) CircuitState() string { return a.resilience.State() }

// Query runs a vision/text prompt against the local inference backend.
// imagePath is optional; when set, the file is base64-encoded and attached
// to the request, matching the Ollama-style multimodal request shape used
// by original_source/packages/core/gpu_router.py.
func (a *VisionAdapter) Query(ctx context.Context, prompt string, imagePath string) (string, error) {
	v, err := a.resilience.Do(ctx, func(ctx context.Context) (any, error) {
		ctx, cancel := withTimeout(ctx, a.cfg.Vision.RequestTimeout)
		defer cancel()

		payload := map[string]any{"model": "llava", "prompt": prompt, "stream": false}
		if imagePath != "" {
			data, err := os.ReadFile(imagePath)
			if err != nil {
				return nil, apperror.Wrap(apperror.KindIntegrity, "reading image for vision review", err)
			}
			payload["images"] = []string{base64.StdEncoding.EncodeToString(data)}
		}

		reqBody, err := json.Marshal(payload)
		if err != nil {
			return nil, apperror.Wrap(apperror.KindValidation, "encoding vision request", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/generate", bytes.NewReader(reqBody))
		if err != nil {
			return nil, apperror.Wrap(apperror.KindValidation, "building vision request", err)
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
			return nil, apperror.Wrap(apperror.KindIntegrity, "decoding vision response", err)
		}
		return body.Response, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// ReviewImage queries the vision backend with a fixed review prompt and
// parses the structured JSON judgment it is instructed to return. On any
// failure the caller receives an error and must leave the generation
// record in_review rather than guessing a score.
func (a *VisionAdapter) ReviewImage(ctx context.Context, imagePath string, characterDesignPrompt string) (VisionReview, error) {
	prompt := "Review this generated character image against the design: " + characterDesignPrompt +
		". Respond ONLY with JSON: {\"quality_score\":0-1,\"character_match_score\":0-1," +
		"\"clarity_score\":0-1,\"solo\":bool,\"species_verified\":bool," +
		"\"rejection_categories\":[\"wrong_appearance\"|\"not_solo\"|\"wrong_pose\"|\"low_quality\"|\"wrong_species\"|\"bad_composition\"]," +
		"\"feedback\":\"one sentence\"}"

	raw, err := a.Query(ctx, prompt, imagePath)
	if err != nil {
		return VisionReview{}, err
	}

	var review VisionReview
	if err := json.Unmarshal([]byte(raw), &review); err != nil {
		return VisionReview{}, apperror.Wrap(apperror.KindIntegrity, "parsing vision review JSON", err)
	}
	return review, nil
}
