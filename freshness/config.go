package freshness

import (
	"fmt"
	"time"

	"github.com/c0deZ3R0/go-consistency-kit/errors"
	"github.com/c0deZ3R0/go-consistency-kit/logging"
)

// Config holds FreshnessTracker options.
type Config struct {
	EnableAutomaticRefresh bool          `json:"enable_automatic_refresh"`
	DefaultTTL             time.Duration `json:"default_ttl"`
	StaleThreshold         time.Duration `json:"stale_threshold"`
	ExpiredThreshold       time.Duration `json:"expired_threshold"`
	// RefreshInterval is how often stale entries are refreshed in the
	// background.
	RefreshInterval time.Duration `json:"refresh_interval"`
	// StatusCheckInterval is how often entries are reclassified.
	StatusCheckInterval time.Duration `json:"status_check_interval"`
}

func DefaultConfig() Config {
	return Config{
		EnableAutomaticRefresh: true,
		DefaultTTL:             5 * time.Minute,
		StaleThreshold:         2 * time.Minute,
		ExpiredThreshold:       10 * time.Minute,
		RefreshInterval:        30 * time.Second,
		StatusCheckInterval:    10 * time.Second,
	}
}

func (c Config) Validate() error {
	comp := string(logging.ComponentFreshness)
	switch {
	case c.DefaultTTL <= 0:
		return errors.NewConfigError(comp, fmt.Errorf("default ttl must be positive"))
	case c.StaleThreshold <= 0:
		return errors.NewConfigError(comp, fmt.Errorf("stale threshold must be positive"))
	case c.ExpiredThreshold <= c.StaleThreshold:
		return errors.NewConfigError(comp, fmt.Errorf("expired threshold %s must exceed stale threshold %s",
			c.ExpiredThreshold, c.StaleThreshold))
	case c.RefreshInterval <= 0:
		return errors.NewConfigError(comp, fmt.Errorf("refresh interval must be positive"))
	case c.StatusCheckInterval <= 0:
		return errors.NewConfigError(comp, fmt.Errorf("status check interval must be positive"))
	}
	return nil
}

// classify maps an age onto a status. Upper boundaries are inclusive: an
// entry exactly StaleThreshold old is stale.
func (c Config) classify(age time.Duration) Status {
	switch {
	case age < c.StaleThreshold:
		return Fresh
	case age < c.ExpiredThreshold:
		return Stale
	default:
		return Expired
	}
}
