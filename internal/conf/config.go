// Package conf loads and validates imagewall settings.
package conf

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/natefinch/atomic"
	"github.com/spf13/viper"

	"github.com/tphakala/imagewall/internal/errors"
	"github.com/tphakala/imagewall/internal/logger"
)

//go:embed config.yaml
var configFiles embed.FS

// EnvPrefix prefixes environment overrides, e.g. IMAGEWALL_CACHE_MAXSIZEMB.
const EnvPrefix = "IMAGEWALL"

// CacheSettings controls the on-disk image cache.
type CacheSettings struct {
	Enabled        bool
	Dir            string        // cache directory, relative paths resolve against the vault root
	MaxAgeDays     int           // entries older than this are evicted
	MaxSizeMB      int           // total cache budget
	MinFreeMB      int           // writes are skipped below this much free disk, 0 disables
	IndexSaveDelay time.Duration // debounce after a put
	ReadSaveDelay  time.Duration // debounce after a hit
}

// MaxAge returns the configured max age as a duration.
func (c CacheSettings) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeDays) * 24 * time.Hour
}

// MaxSizeBytes returns the configured budget in bytes.
func (c CacheSettings) MaxSizeBytes() int64 {
	return int64(c.MaxSizeMB) * 1024 * 1024
}

// RestrictedHost maps a hotlink-protected host suffix to the referer it expects.
type RestrictedHost struct {
	Suffix  string
	Referer string
}

// LoaderSettings controls the load queue and transports.
type LoaderSettings struct {
	MaxConcurrent     int
	MaxAttempts       int
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	WatchdogInterval  time.Duration
	DirectTimeout     time.Duration
	FetchTimeout      time.Duration
	RestrictedTimeout time.Duration
	Mediated          bool // false drops the mediated fetch strategy from the chain
	UserAgent         string
	DefaultReferer    string
	RestrictedHosts   []RestrictedHost
	RequestsPerSecond float64
	Burst             int
	FailureTTL        time.Duration
}

// VaultSettings locates the note vault.
type VaultSettings struct {
	Root        string
	ResourceDir string
}

// ServerSettings configures the HTTP API.
type ServerSettings struct {
	Listen string
}

// TelemetrySettings controls opt-in error reporting to a Sentry compatible
// endpoint. Nothing is sent unless Enabled is set.
type TelemetrySettings struct {
	Enabled     bool
	DSN         string
	Environment string
	SampleRate  float64
}

// Settings is the root configuration.
type Settings struct {
	Debug     bool
	Vault     VaultSettings
	Cache     CacheSettings
	Loader    LoaderSettings
	Server    ServerSettings
	Telemetry TelemetrySettings
	Logging   logger.LoggingConfig
}

// CacheDir returns the absolute cache directory.
func (s *Settings) CacheDir() string {
	if filepath.IsAbs(s.Cache.Dir) {
		return s.Cache.Dir
	}
	return filepath.Join(s.Vault.Root, s.Cache.Dir)
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaultConfig(v)
	return v
}

// Load reads configFile, or searches the default locations when it is
// empty, and returns validated settings. A default config file is written
// to the first search path when none exists.
func Load(v *viper.Viper, configFile string) (*Settings, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		paths, err := GetDefaultConfigPaths()
		if err != nil {
			return nil, err
		}
		for _, p := range paths {
			v.AddConfigPath(p)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case errors.As(err, &notFound):
			if err := createDefaultConfig(v); err != nil {
				return nil, err
			}
		default:
			return nil, errors.New(fmt.Errorf("error reading config file: %w", err)).
				Category(errors.CategoryConfiguration).
				Context("operation", "read-config").
				Build()
		}
	}

	return Unmarshal(v)
}

// Unmarshal decodes and validates the current viper state.
func Unmarshal(v *viper.Viper) (*Settings, error) {
	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, errors.New(fmt.Errorf("error unmarshaling config: %w", err)).
			Category(errors.CategoryConfiguration).
			Build()
	}
	if err := ValidateSettings(settings); err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryValidation).
			Context("operation", "validate-config").
			Build()
	}
	return settings, nil
}

func createDefaultConfig(v *viper.Viper) error {
	paths, err := GetDefaultConfigPaths()
	if err != nil {
		return err
	}
	configPath := filepath.Join(paths[0], "config.yaml")

	data, err := fs.ReadFile(configFiles, "config.yaml")
	if err != nil {
		return fmt.Errorf("error reading embedded config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return errors.New(fmt.Errorf("error creating config directory: %w", err)).
			Category(errors.CategoryFileIO).
			Build()
	}
	if err := atomic.WriteFile(configPath, bytes.NewReader(data)); err != nil {
		return errors.New(fmt.Errorf("error writing default config file: %w", err)).
			Category(errors.CategoryFileIO).
			Build()
	}

	fmt.Fprintln(os.Stderr, "Created default config file at:", configPath)
	v.SetConfigFile(configPath)
	return v.ReadInConfig()
}

// DefaultConfigYAML returns the embedded default configuration.
func DefaultConfigYAML() []byte {
	data, _ := fs.ReadFile(configFiles, "config.yaml")
	return data
}
