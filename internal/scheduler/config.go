package scheduler

import "time"

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval    time.Duration
	JitterPct      float64
	SweepBatchSize int

	// EnabledJobs limits which jobs this instance runs. Empty runs all.
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:    time.Minute,
		JitterPct:      0.1,
		SweepBatchSize: 100,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.JitterPct < 0 {
		c.JitterPct = defaults.JitterPct
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = defaults.SweepBatchSize
	}
	return c
}
