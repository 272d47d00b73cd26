package checkpoint

import (
	"fmt"
	"time"

	"github.com/c0deZ3R0/go-consistency-kit/errors"
	"github.com/c0deZ3R0/go-consistency-kit/logging"
)

// Config holds OperationCheckpointer options.
type Config struct {
	// EnableAutoResume gates resumableOperationDetected announcements.
	EnableAutoResume   bool          `json:"enable_auto_resume"`
	MaxResumeAge       time.Duration `json:"max_resume_age"`
	CheckpointInterval time.Duration `json:"checkpoint_interval"`
}

func DefaultConfig() Config {
	return Config{
		EnableAutoResume:   true,
		MaxResumeAge:       24 * time.Hour,
		CheckpointInterval: 30 * time.Second,
	}
}

func (c Config) Validate() error {
	comp := string(logging.ComponentCheckpointer)
	if c.MaxResumeAge <= 0 {
		return errors.NewConfigError(comp, fmt.Errorf("max resume age must be positive"))
	}
	if c.CheckpointInterval <= 0 {
		return errors.NewConfigError(comp, fmt.Errorf("checkpoint interval must be positive"))
	}
	return nil
}
