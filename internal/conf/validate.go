package conf

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Bounds of the user-facing cache settings.
const (
	MinMaxAgeDays = 1
	MaxMaxAgeDays = 30
	MinMaxSizeMB  = 10
	MaxMaxSizeMB  = 200
)

// ValidationError collects every problem found in a Settings value.
type ValidationError struct {
	Errors []string
}

func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation errors: %s", strings.Join(ve.Errors, "; "))
}

// ValidateSettings checks settings and clamps nothing; callers decide how
// to react to an invalid config.
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	ve.Errors = append(ve.Errors, validateCacheSettings(&settings.Cache)...)
	ve.Errors = append(ve.Errors, validateLoaderSettings(&settings.Loader)...)
	ve.Errors = append(ve.Errors, validateServerSettings(&settings.Server)...)
	ve.Errors = append(ve.Errors, validateTelemetrySettings(&settings.Telemetry)...)

	if settings.Vault.Root == "" {
		ve.Errors = append(ve.Errors, "vault.root must not be empty")
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateCacheSettings(c *CacheSettings) []string {
	var errs []string
	if c.MaxAgeDays < MinMaxAgeDays || c.MaxAgeDays > MaxMaxAgeDays {
		errs = append(errs, fmt.Sprintf("cache.maxagedays must be between %d and %d, got %d", MinMaxAgeDays, MaxMaxAgeDays, c.MaxAgeDays))
	}
	if c.MaxSizeMB < MinMaxSizeMB || c.MaxSizeMB > MaxMaxSizeMB {
		errs = append(errs, fmt.Sprintf("cache.maxsizemb must be between %d and %d, got %d", MinMaxSizeMB, MaxMaxSizeMB, c.MaxSizeMB))
	}
	if c.MinFreeMB < 0 {
		errs = append(errs, "cache.minfreemb must not be negative")
	}
	if c.Enabled && c.Dir == "" {
		errs = append(errs, "cache.dir must be set when the cache is enabled")
	}
	if c.IndexSaveDelay < 0 || c.ReadSaveDelay < 0 {
		errs = append(errs, "cache save delays must not be negative")
	}
	return errs
}

func validateLoaderSettings(l *LoaderSettings) []string {
	var errs []string
	if l.MaxConcurrent < 1 {
		errs = append(errs, "loader.maxconcurrent must be at least 1")
	}
	if l.MaxAttempts < 1 {
		errs = append(errs, "loader.maxattempts must be at least 1")
	}
	if l.BaseBackoff <= 0 || l.MaxBackoff < l.BaseBackoff {
		errs = append(errs, "loader backoff must be positive and maxbackoff >= basebackoff")
	}
	if l.WatchdogInterval <= 0 {
		errs = append(errs, "loader.watchdoginterval must be positive")
	}
	if l.DirectTimeout <= 0 || l.FetchTimeout <= 0 || l.RestrictedTimeout <= 0 {
		errs = append(errs, "loader timeouts must be positive")
	}
	if l.RequestsPerSecond < 0 {
		errs = append(errs, "loader.requestspersecond must not be negative")
	}
	if l.DefaultReferer != "" {
		if _, err := url.ParseRequestURI(l.DefaultReferer); err != nil {
			errs = append(errs, fmt.Sprintf("loader.defaultreferer is not a URL: %v", err))
		}
	}
	for i, h := range l.RestrictedHosts {
		if h.Suffix == "" {
			errs = append(errs, fmt.Sprintf("loader.restrictedhosts[%d].suffix must not be empty", i))
		}
		if _, err := url.ParseRequestURI(h.Referer); err != nil {
			errs = append(errs, fmt.Sprintf("loader.restrictedhosts[%d].referer is not a URL", i))
		}
	}
	return errs
}

func validateServerSettings(s *ServerSettings) []string {
	if s.Listen == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(s.Listen); err != nil {
		return []string{fmt.Sprintf("server.listen is not host:port: %v", err)}
	}
	return nil
}

func validateTelemetrySettings(t *TelemetrySettings) []string {
	var errs []string
	if t.SampleRate < 0 || t.SampleRate > 1 {
		errs = append(errs, "telemetry.samplerate must be between 0 and 1")
	}
	if !t.Enabled {
		return errs
	}
	if t.DSN == "" {
		errs = append(errs, "telemetry.dsn is required when telemetry is enabled")
	} else if _, err := url.ParseRequestURI(t.DSN); err != nil {
		errs = append(errs, "telemetry.dsn is not a URL")
	}
	return errs
}
