// Package config loads and validates the orchestrator's YAML configuration,
// merging built-in defaults with a user overlay, matching the teacher's
// Initialize → load → validate pipeline (pkg/config/loader.go) but with a
// config shape specific to the production pipeline domain.
package config

import "time"

// Config is the umbrella configuration object returned by Initialize.
type Config struct {
	configDir string

	Database      DatabaseConfig      `yaml:"database"`
	Orchestrator  OrchestratorConfig  `yaml:"orchestrator"`
	Replenishment ReplenishmentConfig `yaml:"replenishment"`
	Correction    CorrectionConfig    `yaml:"correction"`
	QualityGates  QualityGatesConfig  `yaml:"quality_gates"`
	Adapters      AdaptersConfig      `yaml:"adapters"`
	GPU           GPUConfig           `yaml:"gpu"`
	Learning      LearningConfig      `yaml:"learning"`
	Auth          AuthConfig          `yaml:"auth"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Redis         RedisConfig         `yaml:"redis"`
	Slack         SlackConfig         `yaml:"slack"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

// ConfigDir returns the configuration directory path.
func (c *Config) ConfigDir() string { return c.configDir }

// DatabaseConfig configures the persistent store's connection pool (C1).
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password,omitempty"`
	Name            string        `yaml:"name"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"omitempty,min=2"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
}

// OrchestratorConfig configures the tick loop (C7).
type OrchestratorConfig struct {
	TickInterval   time.Duration `yaml:"tick_interval" validate:"omitempty,min=1"`
	Enabled        bool          `yaml:"enabled"`
	TrainingTarget int           `yaml:"training_target" validate:"omitempty,min=1"`
	LoRAModelDir   string        `yaml:"lora_model_dir"`
	MediaLibraryDir string       `yaml:"media_library_dir"`
}

// ReplenishmentConfig configures the replenishment loop (C5). Resolves
// spec.md Open Question 4: daily cap and rejection-pause are first-class.
type ReplenishmentConfig struct {
	Enabled                   bool             `yaml:"enabled"`
	TickInterval              time.Duration    `yaml:"tick_interval"`
	TargetGlobal              int              `yaml:"target_global" validate:"omitempty,min=1"`
	TargetsByCharacter        map[string]int   `yaml:"targets_by_character"`
	DailyGenerationCap        int              `yaml:"daily_generation_cap" validate:"omitempty,min=1"`
	ConsecutiveRejectionLimit int              `yaml:"consecutive_rejection_limit" validate:"omitempty,min=1"`
	PauseCooldown             time.Duration    `yaml:"pause_cooldown"`
}

// CorrectionConfig configures auto-correction (C6). Resolves spec.md Open
// Question 3: correction depth is explicit first-class configuration.
type CorrectionConfig struct {
	Enabled          bool `yaml:"enabled"`
	MaxCorrectionDepth int `yaml:"max_correction_depth" validate:"omitempty,min=0"`
	SeedOffset       int64 `yaml:"seed_offset"`
}

// QualityGatesConfig configures the auto-approve/auto-reject thresholds.
type QualityGatesConfig struct {
	AutoRejectThreshold  float64 `yaml:"auto_reject_threshold" validate:"omitempty,min=0,max=1"`
	AutoApproveThreshold float64 `yaml:"auto_approve_threshold" validate:"omitempty,min=0,max=1"`
}

// CircuitBreakerConfig configures C2.4.
type CircuitBreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold" validate:"omitempty,min=1"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
}

// RetryConfig configures C2.5.
type RetryConfig struct {
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	MaxRetries int           `yaml:"max_retries" validate:"omitempty,min=0"`
}

// AdapterEndpoint configures one external-service adapter's transport.
type AdapterEndpoint struct {
	BaseURL        string        `yaml:"base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// AdaptersConfig configures the three external-service adapters (C2).
type AdaptersConfig struct {
	ImageGen        AdapterEndpoint      `yaml:"image_gen"`
	LLM             AdapterEndpoint      `yaml:"llm"`
	Vision          AdapterEndpoint      `yaml:"vision"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry           RetryConfig          `yaml:"retry"`
	StuckJobTimeout time.Duration        `yaml:"stuck_job_timeout"`
	TotalJobTimeout time.Duration        `yaml:"total_job_timeout"`
	PollInterval    time.Duration        `yaml:"poll_interval"`
	ResponseCacheTTL time.Duration       `yaml:"response_cache_ttl"`
	FallbackEnabled bool                 `yaml:"fallback_enabled"`
}

// GPUConfig configures the dual-GPU router (C2.6).
type GPUConfig struct {
	MinFreeVRAMMB int `yaml:"min_free_vram_mb" validate:"omitempty,min=1"`
}

// LearningConfig configures the learning/quality engine thresholds (C4).
type LearningConfig struct {
	MinSamples           int     `yaml:"min_samples" validate:"omitempty,min=1"`
	SuccessThreshold     float64 `yaml:"success_threshold" validate:"omitempty,min=0,max=1"`
	MinConfidenceSamples int     `yaml:"min_confidence_samples"`
	DriftWindow          int     `yaml:"drift_window"`
	DriftAlertThreshold  float64 `yaml:"drift_alert_threshold"`
}

// AuthConfig configures the operator surface's auth model (§6).
type AuthConfig struct {
	TrustedSubnets []string `yaml:"trusted_subnets"`
	JWTSecretEnv   string   `yaml:"jwt_secret_env"`
	AuthServiceURL string   `yaml:"auth_service_url,omitempty"`
}

// RateLimitConfig configures the per-user operator-surface rate limit.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute" validate:"omitempty,min=1"`
}

// RedisConfig configures the store backing the LLM response cache
// (model-selector statistics are kept in memory per adapter).
type RedisConfig struct {
	Addr string `yaml:"addr"`
	DB   int    `yaml:"db"`
}

// SlackConfig configures operator notifications, repurposed from the
// teacher's pkg/slack.
type SlackConfig struct {
	Enabled bool   `yaml:"enabled"`
	Channel string `yaml:"channel"`
	Token   string `yaml:"token,omitempty"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}
