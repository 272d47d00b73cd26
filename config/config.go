// Package config loads the engine, storage, logging and server settings of a
// registry from a YAML, TOML or JSON file. Anything the file leaves out keeps
// its default.
package config

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/c0deZ3R0/go-consistency-kit/checkpoint"
	"github.com/c0deZ3R0/go-consistency-kit/errors"
	"github.com/c0deZ3R0/go-consistency-kit/freshness"
	"github.com/c0deZ3R0/go-consistency-kit/lease"
	"github.com/c0deZ3R0/go-consistency-kit/logging"
	"github.com/c0deZ3R0/go-consistency-kit/record"
	"github.com/c0deZ3R0/go-consistency-kit/storage"
	"github.com/c0deZ3R0/go-consistency-kit/storage/memory"
	"github.com/c0deZ3R0/go-consistency-kit/storage/postgres"
	"github.com/c0deZ3R0/go-consistency-kit/storage/sqlite"
)

const component = "config"

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// File is the on-disk configuration. Pointer fields distinguish "unset"
// from the zero value.
type File struct {
	Logging    *logging.Config  `json:"logging,omitempty" yaml:"logging,omitempty" toml:"logging,omitempty"`
	Storage    StorageConfig    `json:"storage" yaml:"storage" toml:"storage"`
	Server     ServerConfig     `json:"server" yaml:"server" toml:"server"`
	Lease      LeaseConfig      `json:"lease" yaml:"lease" toml:"lease"`
	Records    RecordConfig     `json:"records" yaml:"records" toml:"records"`
	Operations OperationsConfig `json:"operations" yaml:"operations" toml:"operations"`
	Freshness  FreshnessConfig  `json:"freshness" yaml:"freshness" toml:"freshness"`
}

type StorageConfig struct {
	// Backend is memory (default), sqlite or postgres.
	Backend string `json:"backend" yaml:"backend" toml:"backend"`
	// DSN is the sqlite file or the postgres connection string.
	DSN       string `json:"dsn" yaml:"dsn" toml:"dsn"`
	Table     string `json:"table,omitempty" yaml:"table,omitempty" toml:"table,omitempty"`
	EnableWAL bool   `json:"enable_wal,omitempty" yaml:"enable_wal,omitempty" toml:"enable_wal,omitempty"`
}

type ServerConfig struct {
	Addr         string   `json:"addr" yaml:"addr" toml:"addr"`
	AllowOrigins []string `json:"allow_origins,omitempty" yaml:"allow_origins,omitempty" toml:"allow_origins,omitempty"`
}

type LeaseConfig struct {
	DefaultLeaseDuration  *Duration `json:"default_lease_duration,omitempty" yaml:"default_lease_duration,omitempty" toml:"default_lease_duration,omitempty"`
	MaxLeaseDuration      *Duration `json:"max_lease_duration,omitempty" yaml:"max_lease_duration,omitempty" toml:"max_lease_duration,omitempty"`
	SweepInterval         *Duration `json:"sweep_interval,omitempty" yaml:"sweep_interval,omitempty" toml:"sweep_interval,omitempty"`
	EnableMergeStrategies *bool     `json:"enable_merge_strategies,omitempty" yaml:"enable_merge_strategies,omitempty" toml:"enable_merge_strategies,omitempty"`
	ConflictRetention     *Duration `json:"conflict_retention,omitempty" yaml:"conflict_retention,omitempty" toml:"conflict_retention,omitempty"`
}

type RecordConfig struct {
	ContentionWindow         *Duration `json:"contention_window,omitempty" yaml:"contention_window,omitempty" toml:"contention_window,omitempty"`
	MaxConflictAge           *Duration `json:"max_conflict_age,omitempty" yaml:"max_conflict_age,omitempty" toml:"max_conflict_age,omitempty"`
	ConflictSweepInterval    *Duration `json:"conflict_sweep_interval,omitempty" yaml:"conflict_sweep_interval,omitempty" toml:"conflict_sweep_interval,omitempty"`
	EnableConflictDetection  *bool     `json:"enable_conflict_detection,omitempty" yaml:"enable_conflict_detection,omitempty" toml:"enable_conflict_detection,omitempty"`
	EnableChecksumValidation *bool     `json:"enable_checksum_validation,omitempty" yaml:"enable_checksum_validation,omitempty" toml:"enable_checksum_validation,omitempty"`
}

type OperationsConfig struct {
	EnableAutoResume   *bool     `json:"enable_auto_resume,omitempty" yaml:"enable_auto_resume,omitempty" toml:"enable_auto_resume,omitempty"`
	MaxResumeAge       *Duration `json:"max_resume_age,omitempty" yaml:"max_resume_age,omitempty" toml:"max_resume_age,omitempty"`
	CheckpointInterval *Duration `json:"checkpoint_interval,omitempty" yaml:"checkpoint_interval,omitempty" toml:"checkpoint_interval,omitempty"`
}

type FreshnessConfig struct {
	EnableAutomaticRefresh *bool     `json:"enable_automatic_refresh,omitempty" yaml:"enable_automatic_refresh,omitempty" toml:"enable_automatic_refresh,omitempty"`
	DefaultTTL             *Duration `json:"default_ttl,omitempty" yaml:"default_ttl,omitempty" toml:"default_ttl,omitempty"`
	StaleThreshold         *Duration `json:"stale_threshold,omitempty" yaml:"stale_threshold,omitempty" toml:"stale_threshold,omitempty"`
	ExpiredThreshold       *Duration `json:"expired_threshold,omitempty" yaml:"expired_threshold,omitempty" toml:"expired_threshold,omitempty"`
	RefreshInterval        *Duration `json:"refresh_interval,omitempty" yaml:"refresh_interval,omitempty" toml:"refresh_interval,omitempty"`
	StatusCheckInterval    *Duration `json:"status_check_interval,omitempty" yaml:"status_check_interval,omitempty" toml:"status_check_interval,omitempty"`
}

// Load reads path, picking the decoder from its extension (.yaml, .yml,
// .toml or .json), and validates the result.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.E(errors.OpLoad, errors.Component(component), errors.KindNotFound,
			fmt.Errorf("failed to read config file %s: %w", path, err))
	}
	return Parse(data, DetectFormat(path))
}

// DetectFormat maps a file extension to a format name. Unknown extensions
// are treated as YAML.
func DetectFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return "toml"
	case ".json":
		return "json"
	default:
		return "yaml"
	}
}

// Parse decodes data in the given format and validates it.
func Parse(data []byte, format string) (*File, error) {
	var f File
	var err error
	switch strings.ToLower(format) {
	case "yaml", "yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err = dec.Decode(&f); stderrors.Is(err, io.EOF) {
			err = nil
		}
	case "toml":
		var meta toml.MetaData
		meta, err = toml.Decode(string(data), &f)
		if err == nil {
			if undecoded := meta.Undecoded(); len(undecoded) > 0 {
				err = fmt.Errorf("unknown keys: %v", undecoded)
			}
		}
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(&f)
	default:
		err = fmt.Errorf("unsupported config format: %s", format)
	}
	if err != nil {
		return nil, errors.NewConfigError(component, fmt.Errorf("failed to parse %s config: %w", format, err))
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Encode writes f in the given format.
func (f *File) Encode(format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case "yaml", "yml":
		return yaml.Marshal(f)
	case "toml":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(f); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case "json":
		return json.MarshalIndent(f, "", "  ")
	}
	return nil, fmt.Errorf("unsupported config format: %s", format)
}

// Validate checks the storage backend and every engine configuration after
// defaults are applied.
func (f *File) Validate() error {
	if err := f.Storage.Validate(); err != nil {
		return err
	}
	if err := f.LeaseConfig().Validate(); err != nil {
		return err
	}
	if err := f.RecordConfig().Validate(); err != nil {
		return err
	}
	if err := f.CheckpointConfig().Validate(); err != nil {
		return err
	}
	return f.FreshnessConfig().Validate()
}

func setDuration(dst *time.Duration, src *Duration) {
	if src != nil {
		*dst = src.Std()
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func (f *File) LeaseConfig() lease.Config {
	c := lease.DefaultConfig()
	setDuration(&c.DefaultLeaseDuration, f.Lease.DefaultLeaseDuration)
	setDuration(&c.MaxLeaseDuration, f.Lease.MaxLeaseDuration)
	setDuration(&c.SweepInterval, f.Lease.SweepInterval)
	setBool(&c.EnableMergeStrategies, f.Lease.EnableMergeStrategies)
	setDuration(&c.ConflictRetention, f.Lease.ConflictRetention)
	return c
}

func (f *File) RecordConfig() record.Config {
	c := record.DefaultConfig()
	setDuration(&c.ContentionWindow, f.Records.ContentionWindow)
	setDuration(&c.MaxConflictAge, f.Records.MaxConflictAge)
	setDuration(&c.ConflictSweepInterval, f.Records.ConflictSweepInterval)
	setBool(&c.EnableConflictDetection, f.Records.EnableConflictDetection)
	setBool(&c.EnableChecksumValidation, f.Records.EnableChecksumValidation)
	return c
}

func (f *File) CheckpointConfig() checkpoint.Config {
	c := checkpoint.DefaultConfig()
	setBool(&c.EnableAutoResume, f.Operations.EnableAutoResume)
	setDuration(&c.MaxResumeAge, f.Operations.MaxResumeAge)
	setDuration(&c.CheckpointInterval, f.Operations.CheckpointInterval)
	return c
}

func (f *File) FreshnessConfig() freshness.Config {
	c := freshness.DefaultConfig()
	setBool(&c.EnableAutomaticRefresh, f.Freshness.EnableAutomaticRefresh)
	setDuration(&c.DefaultTTL, f.Freshness.DefaultTTL)
	setDuration(&c.StaleThreshold, f.Freshness.StaleThreshold)
	setDuration(&c.ExpiredThreshold, f.Freshness.ExpiredThreshold)
	setDuration(&c.RefreshInterval, f.Freshness.RefreshInterval)
	setDuration(&c.StatusCheckInterval, f.Freshness.StatusCheckInterval)
	return c
}

// Logger builds the configured logger. Without a logging section the
// LOG_* environment variables apply.
func (f *File) Logger() *logging.Logger {
	if f.Logging == nil {
		return logging.NewLogger(logging.GetConfigFromEnv())
	}
	return logging.NewLogger(*f.Logging)
}

// Validate checks the backend name and that durable backends have a dsn.
func (s StorageConfig) Validate() error {
	switch s.Backend {
	case "", BackendMemory:
	case BackendSQLite, BackendPostgres:
		if s.DSN == "" {
			return errors.NewConfigError(component, fmt.Errorf("storage backend %s needs a dsn", s.Backend))
		}
	default:
		return errors.NewConfigError(component, fmt.Errorf("unknown storage backend %q", s.Backend))
	}
	return nil
}

// Open opens the configured store. A nil logger uses the backend default.
func (s StorageConfig) Open(logger *logging.Logger) (storage.Store, error) {
	switch s.Backend {
	case "", BackendMemory:
		return memory.New(), nil
	case BackendSQLite:
		st, err := sqlite.New(&sqlite.Config{
			DataSourceName: s.DSN,
			EnableWAL:      s.EnableWAL,
			TableName:      s.Table,
			Logger:         logger,
		})
		if err != nil {
			return nil, err
		}
		return st, nil
	case BackendPostgres:
		st, err := postgres.New(&postgres.Config{
			ConnectionString: s.DSN,
			TableName:        s.Table,
			Logger:           logger,
		})
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	return nil, errors.NewConfigError(component, fmt.Errorf("unknown storage backend %q", s.Backend))
}
