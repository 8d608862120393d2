package engine

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadOptions reads an Options value from a YAML config file (lattice.yaml),
// per SPEC_FULL.md's domain-stack note that engine configuration should be
// loadable rather than only set programmatically. Fields absent from the
// file keep DefaultOptions' values rather than becoming zero, since a zero
// PageSize would otherwise break page layout.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()

	raw, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("engine: read options file: %w", err)
	}

	var overlay struct {
		PageSize            int    `yaml:"page_size"`
		MaxCachePages       int    `yaml:"buffer_pool_frames"`
		LockWaitTimeout     string `yaml:"lock_wait_timeout"`
		DeadlockDetectEvery string `yaml:"deadlock_detect_interval"`
		PlanCacheSize       int    `yaml:"plan_cache_size"`
		CheckpointCron      string `yaml:"checkpoint_cron"`
	}
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return Options{}, fmt.Errorf("engine: parse options file: %w", err)
	}

	if overlay.PageSize != 0 {
		opts.PageSize = overlay.PageSize
	}
	if overlay.MaxCachePages != 0 {
		opts.MaxCachePages = overlay.MaxCachePages
	}
	if overlay.LockWaitTimeout != "" {
		d, err := time.ParseDuration(overlay.LockWaitTimeout)
		if err != nil {
			return Options{}, fmt.Errorf("engine: parse lock_wait_timeout: %w", err)
		}
		opts.LockWaitTimeout = d
	}
	if overlay.DeadlockDetectEvery != "" {
		d, err := time.ParseDuration(overlay.DeadlockDetectEvery)
		if err != nil {
			return Options{}, fmt.Errorf("engine: parse deadlock_detect_interval: %w", err)
		}
		opts.DeadlockDetectEvery = d
	}
	if overlay.PlanCacheSize != 0 {
		opts.PlanCacheSize = overlay.PlanCacheSize
	}
	if overlay.CheckpointCron != "" {
		opts.CheckpointCron = overlay.CheckpointCron
	}

	return opts, nil
}
