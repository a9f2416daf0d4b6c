package budget

import "fmt"

// Config defines guardrails for one research run. Nil fields are unlimited.
type Config struct {
	MaxTimeSeconds *int64
	MaxToolCalls   *int64
	MaxBlocks      *int64
}

// Validate ensures the budget values are sane before use.
func (c Config) Validate() error {
	if c.MaxTimeSeconds != nil && *c.MaxTimeSeconds < 0 {
		return fmt.Errorf("max_time_seconds cannot be negative")
	}
	if c.MaxToolCalls != nil && *c.MaxToolCalls < 0 {
		return fmt.Errorf("max_tool_calls cannot be negative")
	}
	if c.MaxBlocks != nil && *c.MaxBlocks < 0 {
		return fmt.Errorf("max_blocks cannot be negative")
	}
	return nil
}

// Clone produces a deep copy of the config.
func (c Config) Clone() Config {
	return Config{
		MaxTimeSeconds: cloneInt(c.MaxTimeSeconds),
		MaxToolCalls:   cloneInt(c.MaxToolCalls),
		MaxBlocks:      cloneInt(c.MaxBlocks),
	}
}

// IsZero reports whether the config defines no limit at all.
func (c Config) IsZero() bool {
	return isUnset(c.MaxTimeSeconds) && isUnset(c.MaxToolCalls) && isUnset(c.MaxBlocks)
}

// FromValues builds a config from plain settings where zero means unlimited.
func FromValues(maxTimeSeconds, maxToolCalls, maxBlocks int64) Config {
	var c Config
	if maxTimeSeconds > 0 {
		c.MaxTimeSeconds = &maxTimeSeconds
	}
	if maxToolCalls > 0 {
		c.MaxToolCalls = &maxToolCalls
	}
	if maxBlocks > 0 {
		c.MaxBlocks = &maxBlocks
	}
	return c
}

func cloneInt(v *int64) *int64 {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}

func isUnset(v *int64) bool { return v == nil || *v == 0 }
