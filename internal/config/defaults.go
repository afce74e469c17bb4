package config

import "time"

// builtin returns the built-in default Config, overridden by any user
// overlay found under the config directory. Mirrors the teacher's
// builtin-then-overlay merge strategy (pkg/config/builtin.go).
func builtin() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "anime",
			Name:            "anime_orchestrator",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			CacheTTL:        60 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			TickInterval:    60 * time.Second,
			Enabled:         true,
			TrainingTarget:  20,
			LoRAModelDir:    "/data/models/loras",
			MediaLibraryDir: "/data/media",
		},
		Replenishment: ReplenishmentConfig{
			Enabled:                   true,
			TickInterval:              10 * time.Minute,
			TargetGlobal:              20,
			TargetsByCharacter:        map[string]int{},
			DailyGenerationCap:        40,
			ConsecutiveRejectionLimit: 3,
			PauseCooldown:             2 * time.Hour,
		},
		Correction: CorrectionConfig{
			Enabled:            true,
			MaxCorrectionDepth: 3,
			SeedOffset:         1013904223,
		},
		QualityGates: QualityGatesConfig{
			AutoRejectThreshold:  0.4,
			AutoApproveThreshold: 0.8,
		},
		Adapters: AdaptersConfig{
			ImageGen: AdapterEndpoint{BaseURL: "http://127.0.0.1:8188", RequestTimeout: 10 * time.Minute},
			LLM:      AdapterEndpoint{BaseURL: "http://127.0.0.1:11000", RequestTimeout: 60 * time.Second},
			Vision:   AdapterEndpoint{BaseURL: "http://localhost:11434", RequestTimeout: 60 * time.Second},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				RecoveryTimeout:  60 * time.Second,
			},
			Retry: RetryConfig{
				BaseDelay:  1 * time.Second,
				MaxDelay:   60 * time.Second,
				MaxRetries: 3,
			},
			StuckJobTimeout:  5 * time.Minute,
			TotalJobTimeout:  10 * time.Minute,
			PollInterval:     3 * time.Second,
			ResponseCacheTTL: 1 * time.Hour,
			FallbackEnabled:  true,
		},
		GPU: GPUConfig{
			MinFreeVRAMMB: 4500,
		},
		Learning: LearningConfig{
			MinSamples:           5,
			SuccessThreshold:     0.7,
			MinConfidenceSamples: 5,
			DriftWindow:          20,
			DriftAlertThreshold:  0.55,
		},
		Auth: AuthConfig{
			TrustedSubnets: []string{"127.0.0.1/32", "10.0.0.0/8"},
			JWTSecretEnv:   "JWT_SECRET_KEY",
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 60,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
			DB:   0,
		},
		Slack: SlackConfig{
			Enabled: false,
			Channel: "#anime-production",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}
