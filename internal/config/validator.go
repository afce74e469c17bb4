package config

import "fmt"

// validate is the only validation pass after unmarshal: a hand-written
// check of ranges and cross-field invariants. The `validate:` struct tags
// on the config types are not evaluated by any validator.
func validate(c *Config) error {
	if c.QualityGates.AutoRejectThreshold < 0 || c.QualityGates.AutoRejectThreshold > 1 {
		return fmt.Errorf("quality_gates.auto_reject_threshold must be in [0,1]")
	}
	if c.QualityGates.AutoApproveThreshold < 0 || c.QualityGates.AutoApproveThreshold > 1 {
		return fmt.Errorf("quality_gates.auto_approve_threshold must be in [0,1]")
	}
	if c.QualityGates.AutoApproveThreshold <= c.QualityGates.AutoRejectThreshold {
		return fmt.Errorf("quality_gates.auto_approve_threshold must exceed auto_reject_threshold")
	}
	if c.Database.MaxOpenConns < c.Database.MaxIdleConns {
		return fmt.Errorf("database.max_open_conns must be >= max_idle_conns")
	}
	if c.Replenishment.TargetGlobal < 0 {
		return fmt.Errorf("replenishment.target_global must be >= 0")
	}
	if c.Replenishment.DailyGenerationCap < 1 {
		return fmt.Errorf("replenishment.daily_generation_cap must be >= 1")
	}
	if c.Correction.MaxCorrectionDepth < 0 {
		return fmt.Errorf("correction.max_correction_depth must be >= 0")
	}
	if c.Adapters.Retry.MaxRetries < 0 {
		return fmt.Errorf("adapters.retry.max_retries must be >= 0")
	}
	if c.GPU.MinFreeVRAMMB < 0 {
		return fmt.Errorf("gpu.min_free_vram_mb must be >= 0")
	}
	return nil
}
