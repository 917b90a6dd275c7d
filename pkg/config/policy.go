package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/platinummonkey/paycore/pkg/observability"
	"github.com/platinummonkey/paycore/pkg/retry"
	"gopkg.in/yaml.v3"
)

// PolicyFile is the YAML document that tunes retries and plugins without a redeploy.
// Sections left out keep their environment values.
//
//	retry:
//	  payment_failure:
//	    retry_days: [8, 8]
//	  plugin_failure:
//	    max_attempts: 5
//	    initial_delay: 1s
//	    max_delay: 5m
//	    backoff_multiplier: 2
//	plugins:
//	  default: simulated
//	  simulated:
//	    decline_rate: 0.1
type PolicyFile struct {
	Retry   RetryPolicies `yaml:"retry"`
	Plugins *PluginPolicy `yaml:"plugins,omitempty"`
}

// RetryPolicies holds one policy per retry track
type RetryPolicies struct {
	PaymentFailure *retry.DaysPolicy    `yaml:"payment_failure,omitempty"`
	PluginFailure  *retry.BackoffConfig `yaml:"plugin_failure,omitempty"`
}

// PluginPolicy overrides plugin selection and the simulated provider's behavior
type PluginPolicy struct {
	Default   string           `yaml:"default,omitempty"`
	Simulated *SimulatedPolicy `yaml:"simulated,omitempty"`
}

// SimulatedPolicy mirrors plugins.SimulatedConfig
type SimulatedPolicy struct {
	DeclineRate *float64       `yaml:"decline_rate,omitempty"`
	ErrorRate   *float64       `yaml:"error_rate,omitempty"`
	MinLatency  *time.Duration `yaml:"min_latency,omitempty"`
	MaxLatency  *time.Duration `yaml:"max_latency,omitempty"`
}

// LoadPolicyFile reads and validates a policy file
func LoadPolicyFile(path string) (*PolicyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}

	var policy PolicyFile
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy file %s: %w", path, err)
	}
	return &policy, nil
}

// Validate rejects policies that would stop or invert retries
func (p *PolicyFile) Validate() error {
	if days := p.Retry.PaymentFailure; days != nil {
		if days.MaxAttempts() < 1 {
			return fmt.Errorf("payment_failure must allow at least one attempt")
		}
		for _, d := range days.RetryDays {
			if d < 0 {
				return fmt.Errorf("payment_failure retry_days must not be negative")
			}
		}
	}
	if b := p.Retry.PluginFailure; b != nil {
		if b.MaxAttempts < 0 || b.InitialDelay < 0 || b.MaxDelay < 0 || b.BackoffMultiplier < 0 {
			return fmt.Errorf("plugin_failure values must not be negative")
		}
	}
	if p.Plugins != nil && p.Plugins.Simulated != nil {
		s := p.Plugins.Simulated
		if (s.DeclineRate != nil && (*s.DeclineRate < 0 || *s.DeclineRate > 1)) ||
			(s.ErrorRate != nil && (*s.ErrorRate < 0 || *s.ErrorRate > 1)) {
			return fmt.Errorf("simulated rates must be within [0,1]")
		}
	}
	return nil
}

// Apply overlays the policy onto cfg
func (p *PolicyFile) Apply(cfg *Config) {
	if p.Retry.PaymentFailure != nil {
		cfg.Retry.Business = *p.Retry.PaymentFailure
	}
	if p.Retry.PluginFailure != nil {
		cfg.Retry.PluginBackoff = *p.Retry.PluginFailure
	}
	if p.Plugins == nil {
		return
	}
	if p.Plugins.Default != "" {
		cfg.Plugins.Default = p.Plugins.Default
	}
	if s := p.Plugins.Simulated; s != nil {
		sim := &cfg.Plugins.Simulated
		if s.DeclineRate != nil {
			sim.DeclineRate = *s.DeclineRate
		}
		if s.ErrorRate != nil {
			sim.ErrorRate = *s.ErrorRate
		}
		if s.MinLatency != nil {
			sim.MinLatency = *s.MinLatency
		}
		if s.MaxLatency != nil {
			sim.MaxLatency = *s.MaxLatency
		}
	}
}

// RetryPolicyTarget receives reloaded retry policies; retry.Scheduler satisfies it
type RetryPolicyTarget interface {
	SetPolicy(retry.Policy)
}

// WatchPolicyFile reloads path whenever it changes and swaps the retry policies of
// business and plugin. Invalid files are logged and ignored. The directory is
// watched so that editors replacing the file by rename are picked up. It blocks
// until ctx is done.
func WatchPolicyFile(ctx context.Context, path string, business, plugin RetryPolicyTarget, logger *observability.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	logger = logger.WithField("policy_file", abs)
	logger.Info("Watching policy file")

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			policy, err := LoadPolicyFile(abs)
			if err != nil {
				logger.WithError(err).Warn("Ignoring policy file change")
				continue
			}
			applyRetryPolicies(policy, business, plugin)
			logger.Info("Reloaded retry policies")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WithError(err).Warn("Policy file watcher error")
		}
	}
}

func applyRetryPolicies(policy *PolicyFile, business, plugin RetryPolicyTarget) {
	if days := policy.Retry.PaymentFailure; days != nil && business != nil {
		business.SetPolicy(days)
	}
	if b := policy.Retry.PluginFailure; b != nil && plugin != nil {
		plugin.SetPolicy(retry.NewBackoffPolicy(*b))
	}
}
