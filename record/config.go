package record

import (
	"fmt"
	"time"

	"github.com/c0deZ3R0/go-consistency-kit/errors"
	"github.com/c0deZ3R0/go-consistency-kit/logging"
)

// Config holds RecordStore options.
type Config struct {
	// ContentionWindow is how recently another holder must have written a
	// record for an update to raise a timestamp conflict.
	ContentionWindow         time.Duration `json:"contention_window"`
	MaxConflictAge           time.Duration `json:"max_conflict_age"`
	ConflictSweepInterval    time.Duration `json:"conflict_sweep_interval"`
	EnableConflictDetection  bool          `json:"enable_conflict_detection"`
	EnableChecksumValidation bool          `json:"enable_checksum_validation"`
}

func DefaultConfig() Config {
	return Config{
		ContentionWindow:         5 * time.Second,
		MaxConflictAge:           24 * time.Hour,
		ConflictSweepInterval:    30 * time.Second,
		EnableConflictDetection:  true,
		EnableChecksumValidation: true,
	}
}

func (c Config) Validate() error {
	comp := string(logging.ComponentRecordStore)
	switch {
	case c.ContentionWindow < 0:
		return errors.NewConfigError(comp, fmt.Errorf("contention window cannot be negative"))
	case c.MaxConflictAge <= 0:
		return errors.NewConfigError(comp, fmt.Errorf("max conflict age must be positive"))
	case c.ConflictSweepInterval <= 0:
		return errors.NewConfigError(comp, fmt.Errorf("conflict sweep interval must be positive"))
	}
	return nil
}
