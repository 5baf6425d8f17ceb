// Package config loads devpulse pipeline settings from YAML or JSON files
// and translates them into runtime configuration for the queue router.
package config

import (
	"fmt"
	"time"

	"github.com/yaioyaio/devpulse/pkg/devpulse/event"
	"github.com/yaioyaio/devpulse/pkg/devpulse/queue"
	"github.com/yaioyaio/devpulse/pkg/devpulse/router"
)

// QueueSettings tunes a single queue. Zero values fall back to the
// queue package defaults.
type QueueSettings struct {
	MaxSize        int           `yaml:"max_size" json:"max_size"`
	MaxMemoryMB    int           `yaml:"max_memory_mb" json:"max_memory_mb"`
	BatchSize      int           `yaml:"batch_size" json:"batch_size"`
	FlushInterval  time.Duration `yaml:"flush_interval" json:"flush_interval"`
	PriorityLevels int           `yaml:"priority_levels" json:"priority_levels"`
	RetryAttempts  int           `yaml:"retry_attempts" json:"retry_attempts"`
	RetryDelay     time.Duration `yaml:"retry_delay" json:"retry_delay"`
}

// RuleSettings declares a routing rule matching on category and minimum
// severity. Events matching both route to Target.
type RuleSettings struct {
	Name        string `yaml:"name" json:"name"`
	Category    string `yaml:"category" json:"category"`
	MinSeverity string `yaml:"min_severity" json:"min_severity"`
	Target      string `yaml:"target" json:"target"`
	Priority    int    `yaml:"priority" json:"priority"`
}

// ValidatorSettings tunes duplicate suppression.
type ValidatorSettings struct {
	DedupWindow time.Duration `yaml:"dedup_window" json:"dedup_window"`
	MaxEntries  int           `yaml:"max_entries" json:"max_entries"`
}

// RouterSettings tunes the queue router.
type RouterSettings struct {
	MetricsInterval time.Duration `yaml:"metrics_interval" json:"metrics_interval"`
	MaxQueues       int           `yaml:"max_queues" json:"max_queues"`
}

// Settings is the root configuration document.
type Settings struct {
	Router    RouterSettings           `yaml:"router" json:"router"`
	Validator ValidatorSettings        `yaml:"validator" json:"validator"`
	Queues    map[string]QueueSettings `yaml:"queues" json:"queues"`
	Rules     []RuleSettings           `yaml:"rules" json:"rules"`
}

// RouterConfig converts the router section to a runtime config. Zero
// values are backfilled by the router constructor.
func (s Settings) RouterConfig() router.Config {
	return router.Config{
		MetricsInterval: s.Router.MetricsInterval,
		MaxQueues:       s.Router.MaxQueues,
	}
}

// ValidatorConfig converts the validator section to a runtime config.
func (s Settings) ValidatorConfig() event.ValidatorConfig {
	cfg := event.DefaultValidatorConfig
	if s.Validator.DedupWindow > 0 {
		cfg.DedupWindow = s.Validator.DedupWindow
	}
	if s.Validator.MaxEntries > 0 {
		cfg.MaxEntries = s.Validator.MaxEntries
	}
	return cfg
}

// QueueConfig converts a named queue section to a runtime config. Unknown
// names return the queue defaults.
func (s Settings) QueueConfig(name string) queue.Config {
	qs := s.Queues[name]
	return queue.Config{
		Name:           name,
		MaxSize:        qs.MaxSize,
		MaxMemoryMB:    qs.MaxMemoryMB,
		BatchSize:      qs.BatchSize,
		FlushInterval:  qs.FlushInterval,
		PriorityLevels: qs.PriorityLevels,
		RetryAttempts:  qs.RetryAttempts,
		RetryDelay:     qs.RetryDelay,
	}
}

// RouterRules converts the rules section to router rules. Invalid
// severity names or unknown categories fail loading rather than silently
// matching nothing.
func (s Settings) RouterRules() ([]router.Rule, error) {
	rules := make([]router.Rule, 0, len(s.Rules))
	for i, rs := range s.Rules {
		if rs.Name == "" {
			return nil, fmt.Errorf("rule %d: name is required", i)
		}
		if rs.Target == "" {
			return nil, fmt.Errorf("rule %q: target is required", rs.Name)
		}

		var category event.Category
		if rs.Category != "" {
			category = event.Category(rs.Category)
			if !category.Known() {
				return nil, fmt.Errorf("rule %q: unknown category %q", rs.Name, rs.Category)
			}
		}

		minSeverity := event.SeverityDebug
		hasMinSeverity := rs.MinSeverity != ""
		if hasMinSeverity {
			sev, err := event.ParseSeverity(rs.MinSeverity)
			if err != nil {
				return nil, fmt.Errorf("rule %q: %w", rs.Name, err)
			}
			minSeverity = sev
		}

		rules = append(rules, router.Rule{
			Name: rs.Name,
			Match: func(evt event.Event) bool {
				if category != "" && evt.Category != category {
					return false
				}
				if hasMinSeverity && evt.Severity < minSeverity {
					return false
				}
				return true
			},
			Target:   rs.Target,
			Priority: rs.Priority,
		})
	}
	return rules, nil
}
