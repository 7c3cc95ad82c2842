package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"ledgersync/internal/domain"
)

// Trigger types.
const (
	TriggerManual    = "manual"
	TriggerSchedule  = "schedule"
	TriggerFileWatch = "file_watch"
)

// Config represents the runtime configuration of ledgersync.
type Config struct {
	LogLevel string        `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	Cache    CacheConfig   `mapstructure:"cache"`
	Metrics  MetricsConfig `mapstructure:"metrics"`
	Jobs     []JobConfig   `mapstructure:"jobs" validate:"dive"`
}

// CacheConfig locates the local cache database.
type CacheConfig struct {
	Path     string        `mapstructure:"path" validate:"required"`
	LeaseTTL time.Duration `mapstructure:"lease_ttl" validate:"gt=0"`
}

// MetricsConfig toggles the Prometheus endpoint served by `serve`.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen" validate:"required_if=Enabled true"`
}

// SourceConfig selects a registered source type and its options.
type SourceConfig struct {
	Type   string         `mapstructure:"type" validate:"required"`
	Config map[string]any `mapstructure:"config"`
}

// JobConfig binds one remote collection to one cache table.
type JobConfig struct {
	Name          string            `mapstructure:"name" validate:"required"`
	Table         string            `mapstructure:"table" validate:"required,ident"`
	Source        SourceConfig      `mapstructure:"source"`
	IdentityKey   string            `mapstructure:"identity_key"`
	OrderingField string            `mapstructure:"ordering_field"`
	Columns       []domain.Column   `mapstructure:"columns"`
	FieldMap      map[string]string `mapstructure:"field_map"`
	Defaults      map[string]any    `mapstructure:"defaults"`
	TriggerType   string            `mapstructure:"trigger_type" validate:"omitempty,oneof=manual schedule file_watch"`
	TriggerConfig string            `mapstructure:"trigger_config"`
	Timeout       time.Duration     `mapstructure:"timeout"`
}

// Schema returns the job's cache schema. Without explicit columns the
// crypto transaction schema is used; identity and ordering fields default
// to "id" and "time".
func (j JobConfig) Schema() domain.CacheSchema {
	var s domain.CacheSchema
	if len(j.Columns) == 0 {
		s = domain.TransactionSchema()
	} else {
		s = domain.CacheSchema{Columns: append([]domain.Column(nil), j.Columns...), IdentityKey: "id", OrderingField: "time"}
	}
	if j.IdentityKey != "" {
		s.IdentityKey = j.IdentityKey
	}
	if j.OrderingField != "" {
		s.OrderingField = j.OrderingField
	}
	return s
}

// Trigger returns the trigger type, defaulting to manual.
func (j JobConfig) Trigger() string {
	if j.TriggerType == "" {
		return TriggerManual
	}
	return j.TriggerType
}

// Job finds a job by name.
func (c *Config) Job(name string) (JobConfig, bool) {
	for _, j := range c.Jobs {
		if j.Name == name {
			return j, true
		}
	}
	return JobConfig{}, false
}

// Load reads configuration with Viper. An explicit file wins over the
// search paths; a missing default file is not an error.
func Load(file string, paths ...string) (*Config, error) {
	v := viper.New()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("ledgersync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		for _, p := range paths {
			v.AddConfigPath(p)
		}
	}

	setDefaults(v)

	v.SetEnvPrefix("LEDGERSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("cache.path", "./data/ledgersync.db")
	v.SetDefault("cache.lease_ttl", "10m")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9464")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate checks struct rules and the cross-field constraints of every job.
func (c *Config) Validate() error {
	if err := validateStruct(c); err != nil {
		return err
	}
	seen := map[string]bool{}
	tables := map[string]string{}
	for _, j := range c.Jobs {
		if seen[j.Name] {
			return fmt.Errorf("job %q: duplicate name", j.Name)
		}
		seen[j.Name] = true
		// One cache table has one writer and one watermark.
		if other, ok := tables[j.Table]; ok {
			return fmt.Errorf("job %q: table %q is already used by job %q", j.Name, j.Table, other)
		}
		tables[j.Table] = j.Name
		if err := j.Schema().Validate(); err != nil {
			return fmt.Errorf("job %q: %w", j.Name, err)
		}
		if j.Trigger() != TriggerManual && j.TriggerConfig == "" {
			return fmt.Errorf("job %q: trigger_config is required for %s triggers", j.Name, j.Trigger())
		}
	}
	return nil
}
