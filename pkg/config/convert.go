package config

import (
	"github.com/terra369/terase-offline/pkg/quota"
	"github.com/terra369/terase-offline/pkg/strategy"
	"github.com/terra369/terase-offline/pkg/syncqueue"
)

// StrategyPatterns converts the configured pattern table, preserving order.
func (c *Config) StrategyPatterns() []strategy.Pattern {
	out := make([]strategy.Pattern, 0, len(c.Patterns))
	for _, p := range c.Patterns {
		out = append(out, strategy.Pattern{
			Path:        p.Path,
			TTL:         p.TTL,
			Methods:     p.Methods,
			Invalidates: p.Invalidates,
		})
	}
	return out
}

// ImportanceTable converts the configured eviction priority rules.
// Config validation guarantees the levels parse.
func (c *Config) ImportanceTable() quota.ImportanceTable {
	out := make(quota.ImportanceTable, 0, len(c.Importance))
	for _, rule := range c.Importance {
		level, err := quota.ParseImportance(rule.Level)
		if err != nil {
			continue
		}
		out = append(out, quota.ImportanceRule{Prefix: rule.Prefix, Level: level})
	}
	return out
}

// SyncBackoff converts the configured retry timing.
func (c *Config) SyncBackoff() syncqueue.BackoffConfig {
	return syncqueue.BackoffConfig{
		Base:   c.Backoff.Base,
		Max:    c.Backoff.Max,
		Jitter: c.Backoff.Jitter,
	}
}
