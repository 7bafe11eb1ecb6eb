package labsync

import (
	"math/rand"
	"time"
)

const (
	DefaultCollection        = "equipment"
	DefaultTickInterval      = 20 * time.Second
	DefaultTickJitter        = 0.1
	DefaultMaxAttempts       = 5
	DefaultPerBackendTimeout = 15 * time.Second
	DefaultConcurrency       = 4
)

// Config tunes one engine instance. Zero values take the defaults above.
type Config struct {
	Collection        string        `yaml:"collection"`
	TickInterval      time.Duration `yaml:"tick_interval"`
	TickJitter        float64       `yaml:"tick_jitter"`
	MaxAttempts       int           `yaml:"max_attempts"`
	PerBackendTimeout time.Duration `yaml:"backend_timeout"`
	Concurrency       int           `yaml:"concurrency"`
}

func (c Config) withDefaults() Config {
	if c.Collection == "" {
		c.Collection = DefaultCollection
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	c.TickJitter = clampJitterRatio(c.TickJitter)
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.PerBackendTimeout <= 0 {
		c.PerBackendTimeout = DefaultPerBackendTimeout
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	return c
}

func clampJitterRatio(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func jitteredInterval(base time.Duration, ratio float64) time.Duration {
	return jitteredIntervalWithSample(base, ratio, rand.Float64())
}

func jitteredIntervalWithSample(base time.Duration, ratio, sample float64) time.Duration {
	if base <= 0 {
		return time.Second
	}
	ratio = clampJitterRatio(ratio)
	if ratio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	}
	if sample > 1 {
		sample = 1
	}
	factor := 1 + (2*sample-1)*ratio
	interval := time.Duration(float64(base) * factor)
	if interval < time.Millisecond {
		return time.Millisecond
	}
	return interval
}
