package retry

import (
	"math"
	"time"
)

// Policy decides how many attempts a track allows and how far apart they are
type Policy interface {
	// MaxAttempts is the attempt number at which scheduling stops
	MaxAttempts() int
	// NextRetryDelay returns the delay before the retry that follows attempt n
	NextRetryDelay(attempt int) time.Duration
}

// DaysPolicy retries after a fixed list of day offsets.
// Attempt n waits RetryDays[n-1] days; attempts past the list reuse the last entry.
type DaysPolicy struct {
	RetryDays []int `yaml:"retry_days" json:"retry_days"`
	// Max overrides len(RetryDays)+1 when positive
	Max int `yaml:"max_attempts" json:"max_attempts"`
}

// DefaultDaysPolicy retries business declines after 8 and then 8 more days
func DefaultDaysPolicy() *DaysPolicy {
	return &DaysPolicy{RetryDays: []int{8, 8}}
}

func (p *DaysPolicy) MaxAttempts() int {
	if p.Max > 0 {
		return p.Max
	}
	return len(p.RetryDays) + 1
}

func (p *DaysPolicy) NextRetryDelay(attempt int) time.Duration {
	if len(p.RetryDays) == 0 {
		return 24 * time.Hour
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.RetryDays) {
		idx = len(p.RetryDays) - 1
	}
	return time.Duration(p.RetryDays[idx]) * 24 * time.Hour
}

// BackoffConfig configures exponential retry delays
type BackoffConfig struct {
	MaxAttempts       int           `yaml:"max_attempts" json:"max_attempts"`
	InitialDelay      time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay          time.Duration `yaml:"max_delay" json:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" json:"backoff_multiplier"`
}

// DefaultBackoffConfig returns the default plugin-failure retry configuration
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		MaxAttempts:       5,
		InitialDelay:      1 * time.Second,
		MaxDelay:          5 * time.Minute,
		BackoffMultiplier: 2.0,
	}
}

// BackoffPolicy implements exponential backoff
type BackoffPolicy struct {
	config BackoffConfig
}

// NewBackoffPolicy creates a backoff policy, filling zero fields with defaults
func NewBackoffPolicy(config BackoffConfig) *BackoffPolicy {
	def := DefaultBackoffConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = def.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = def.MaxDelay
	}
	if config.BackoffMultiplier <= 1.0 {
		config.BackoffMultiplier = def.BackoffMultiplier
	}
	return &BackoffPolicy{config: config}
}

func (p *BackoffPolicy) MaxAttempts() int {
	return p.config.MaxAttempts
}

// NextRetryDelay returns initialDelay * multiplier^(attempt-1), capped at MaxDelay
func (p *BackoffPolicy) NextRetryDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return p.config.InitialDelay
	}

	delay := float64(p.config.InitialDelay) * math.Pow(p.config.BackoffMultiplier, float64(attempt-1))
	if delay > float64(p.config.MaxDelay) {
		return p.config.MaxDelay
	}
	return time.Duration(delay)
}
