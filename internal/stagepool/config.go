package stagepool

import (
	"fmt"
	"strings"
	"time"
)

// Config sizes the pool against the upstream create-rate limit.
type Config struct {
	// TargetPoolSize is the number of idle stages the replenisher keeps
	// warm.
	TargetPoolSize int
	// MaxPoolSize caps total stages (idle plus in-use) owned by the pool.
	MaxPoolSize int
	// StagePrefix names pool-owned stages so they can be recovered after
	// a restart. It must be globally unique to this service.
	StagePrefix string
	Region      string
	// ReplenishInterval is the background tick period.
	ReplenishInterval time.Duration
	// StageMaxAge bounds how long an idle stage survives before cleanup.
	StageMaxAge time.Duration
	// CreateBatchLimit caps creates per replenish tick.
	CreateBatchLimit int
	// CreateSpacing is the pause between successive creates in one batch,
	// keeping the batch under the upstream create rate.
	CreateSpacing time.Duration
	// CleanupBatchLimit caps deletes per cleanup pass.
	CleanupBatchLimit int
}

// DefaultConfig returns the production pool sizing.
func DefaultConfig(region string) Config {
	return Config{
		TargetPoolSize:    50,
		MaxPoolSize:       200,
		StagePrefix:       "kid-stream",
		Region:            region,
		ReplenishInterval: 30 * time.Second,
		StageMaxAge:       time.Hour,
		CreateBatchLimit:  5,
		CreateSpacing:     250 * time.Millisecond,
		CleanupBatchLimit: 3,
	}
}

func (c Config) validate() error {
	if strings.TrimSpace(c.StagePrefix) == "" {
		return fmt.Errorf("stage prefix is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return fmt.Errorf("region is required")
	}
	if c.TargetPoolSize < 0 {
		return fmt.Errorf("target pool size must not be negative")
	}
	if c.MaxPoolSize <= 0 {
		return fmt.Errorf("max pool size must be positive")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.ReplenishInterval <= 0 {
		c.ReplenishInterval = 30 * time.Second
	}
	if c.StageMaxAge <= 0 {
		c.StageMaxAge = time.Hour
	}
	if c.CreateBatchLimit <= 0 {
		c.CreateBatchLimit = 5
	}
	if c.CreateSpacing < 0 {
		c.CreateSpacing = 250 * time.Millisecond
	}
	if c.CleanupBatchLimit <= 0 {
		c.CleanupBatchLimit = 3
	}
	return c
}
