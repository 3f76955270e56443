package worker

import (
	"errors"
	"fmt"
	"time"

	"jobmatch/src/core/registry"
)

// Config is the per-process worker configuration
type Config struct {
	WorkerID string
	Host     string

	PollInterval        time.Duration
	HeartbeatInterval   time.Duration
	ShutdownTimeout     time.Duration
	StaleThreshold      time.Duration
	InterTaskDelay      time.Duration
	MaintenanceInterval time.Duration
	TerminalRetention   time.Duration

	MemoryThreshold    float64
	MemoryPauseEnabled bool
	MemoryCooldown     time.Duration

	// An alert is raised once failures in this process exceed FailureAlertThreshold.
	FailureAlertThreshold int
	Concurrency           int
	BatchSize             int
	// MatchLimit is how many counterparts compute_similarity ranks
	MatchLimit int
}

func DefaultConfig() Config {
	return Config{
		PollInterval:          5 * time.Second,
		HeartbeatInterval:     30 * time.Second,
		ShutdownTimeout:       30 * time.Second,
		StaleThreshold:        10 * time.Minute,
		InterTaskDelay:        100 * time.Millisecond,
		MaintenanceInterval:   time.Minute,
		TerminalRetention:     7 * 24 * time.Hour,
		MemoryThreshold:       0.85,
		MemoryPauseEnabled:    true,
		MemoryCooldown:        30 * time.Second,
		FailureAlertThreshold: 10,
		Concurrency:           1,
		BatchSize:             100,
		MatchLimit:            50,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.WorkerID == "" {
		errs = append(errs, errors.New("worker id is required"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll interval must be positive, got %s", c.PollInterval))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat interval must be positive, got %s", c.HeartbeatInterval))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("shutdown timeout must be positive, got %s", c.ShutdownTimeout))
	}
	if c.StaleThreshold <= 0 {
		errs = append(errs, fmt.Errorf("stale threshold must be positive, got %s", c.StaleThreshold))
	}
	if c.MaintenanceInterval <= 0 {
		errs = append(errs, fmt.Errorf("maintenance interval must be positive, got %s", c.MaintenanceInterval))
	}
	if c.InterTaskDelay < 0 {
		errs = append(errs, fmt.Errorf("inter-task delay must not be negative, got %s", c.InterTaskDelay))
	}
	if c.MemoryPauseEnabled {
		if c.MemoryThreshold <= 0 || c.MemoryThreshold > 1 {
			errs = append(errs, fmt.Errorf("memory threshold must be in (0,1], got %v", c.MemoryThreshold))
		}
		if c.MemoryCooldown <= 0 {
			errs = append(errs, fmt.Errorf("memory cooldown must be positive, got %s", c.MemoryCooldown))
		}
	}
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency))
	}
	if c.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("batch size must be at least 1, got %d", c.BatchSize))
	}
	if c.MatchLimit < 1 {
		errs = append(errs, fmt.Errorf("match limit must be at least 1, got %d", c.MatchLimit))
	}
	return errors.Join(errs...)
}

// Snapshot is the configuration recorded in the registry
func (c Config) Snapshot() registry.WorkerConfig {
	return registry.WorkerConfig{
		PollInterval:      c.PollInterval,
		HeartbeatInterval: c.HeartbeatInterval,
		BatchSize:         c.BatchSize,
		Concurrency:       c.Concurrency,
	}
}
