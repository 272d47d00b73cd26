package lease

import (
	"fmt"
	"time"

	"github.com/c0deZ3R0/go-consistency-kit/errors"
	"github.com/c0deZ3R0/go-consistency-kit/logging"
)

// Config holds LeaseManager options.
type Config struct {
	DefaultLeaseDuration  time.Duration `json:"default_lease_duration"`
	MaxLeaseDuration      time.Duration `json:"max_lease_duration"`
	SweepInterval         time.Duration `json:"sweep_interval"`
	EnableMergeStrategies bool          `json:"enable_merge_strategies"`
	// ConflictRetention is how long resolved conflicts are kept.
	ConflictRetention time.Duration `json:"conflict_retention"`
}

// DefaultConfig returns 5m leases capped at 30m, a 30s sweep and a 24h
// retention of resolved conflicts.
func DefaultConfig() Config {
	return Config{
		DefaultLeaseDuration:  5 * time.Minute,
		MaxLeaseDuration:      30 * time.Minute,
		SweepInterval:         30 * time.Second,
		EnableMergeStrategies: true,
		ConflictRetention:     24 * time.Hour,
	}
}

// Validate rejects non-positive durations and a default above the maximum.
func (c Config) Validate() error {
	switch {
	case c.DefaultLeaseDuration <= 0:
		return errors.NewConfigError(string(logging.ComponentLeaseManager), fmt.Errorf("default lease duration must be positive"))
	case c.MaxLeaseDuration <= 0:
		return errors.NewConfigError(string(logging.ComponentLeaseManager), fmt.Errorf("max lease duration must be positive"))
	case c.DefaultLeaseDuration > c.MaxLeaseDuration:
		return errors.NewConfigError(string(logging.ComponentLeaseManager),
			fmt.Errorf("default lease duration %s exceeds max %s", c.DefaultLeaseDuration, c.MaxLeaseDuration))
	case c.SweepInterval <= 0:
		return errors.NewConfigError(string(logging.ComponentLeaseManager), fmt.Errorf("sweep interval must be positive"))
	case c.ConflictRetention < 0:
		return errors.NewConfigError(string(logging.ComponentLeaseManager), fmt.Errorf("conflict retention cannot be negative"))
	}
	return nil
}
