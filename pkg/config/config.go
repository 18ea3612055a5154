// Package config loads pecount settings from a YAML file, PERFCTR_*
// environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/sys/unix"

	"github.com/unvariance/perfctr/pkg/perfevent"
)

// EnvPrefix prefixes every environment variable, e.g. PERFCTR_MMAP_PAGES
const EnvPrefix = "PERFCTR"

// Config holds every pecount setting
type Config struct {
	LogLevel       string        `mapstructure:"log_level"`
	Watchdog       string        `mapstructure:"watchdog"`
	MmapPages      int           `mapstructure:"mmap_pages"`
	OverflowSignal string        `mapstructure:"overflow_signal"`
	Events         []string      `mapstructure:"events"`
	Domain         string        `mapstructure:"domain"`
	Multiplex      bool          `mapstructure:"multiplex"`
	Inherit        bool          `mapstructure:"inherit"`
	CPU            int           `mapstructure:"cpu"`
	Interval       time.Duration `mapstructure:"interval"`
	SlotLength     time.Duration `mapstructure:"slot_length"`
	WindowSize     uint          `mapstructure:"window_size"`
	Listen         string        `mapstructure:"listen"`
	Output         string        `mapstructure:"output"`
}

// New returns a viper instance with defaults set and environment lookup
// enabled
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// SetDefaults registers the default of every key on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("watchdog", "auto")
	v.SetDefault("mmap_pages", perfevent.DefaultMmapPages)
	v.SetDefault("overflow_signal", "SIGIO")
	v.SetDefault("events", []string{"cycles", "instructions"})
	v.SetDefault("domain", "user")
	v.SetDefault("multiplex", false)
	v.SetDefault("inherit", false)
	v.SetDefault("cpu", -1)
	v.SetDefault("interval", time.Second)
	v.SetDefault("slot_length", time.Second)
	v.SetDefault("window_size", 4)
	v.SetDefault("listen", ":2112")
	v.SetDefault("output", "perfctr.parquet")
}

// ReadFile merges the YAML file at path into v. An empty path looks for
// .perfctr.yaml in the working directory and accepts its absence.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config %s: %w", path, err)
		}
		return nil
	}
	v.AddConfigPath(".")
	v.SetConfigType("yaml")
	v.SetConfigName(".perfctr")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("reading config: %w", err)
	}
	return nil
}

// Load decodes and validates the settings held by v
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges that decoding cannot
func (c *Config) Validate() error {
	if len(c.Events) == 0 {
		return errors.New("no events configured")
	}
	if _, err := c.ParseDomain(); err != nil {
		return err
	}
	if _, err := c.Signal(); err != nil {
		return err
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %v", c.Interval)
	}
	if c.SlotLength <= 0 {
		return fmt.Errorf("slot_length must be positive, got %v", c.SlotLength)
	}
	if c.WindowSize == 0 {
		return errors.New("window_size must be greater than 0")
	}
	if c.CPU < -1 {
		return fmt.Errorf("invalid cpu %d", c.CPU)
	}
	return nil
}

// ParseDomain returns the configured counting domain
func (c *Config) ParseDomain() (perfevent.Domain, error) {
	d, err := perfevent.ParseDomain(c.Domain)
	if err != nil {
		return 0, fmt.Errorf("domain %q: %w", c.Domain, err)
	}
	return d, nil
}

// Signal returns the configured overflow signal. Names may omit the SIG
// prefix.
func (c *Config) Signal() (unix.Signal, error) {
	name := strings.ToUpper(strings.TrimSpace(c.OverflowSignal))
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	sig := unix.SignalNum(name)
	if sig == 0 {
		return 0, fmt.Errorf("unknown overflow signal %q", c.OverflowSignal)
	}
	return sig, nil
}
