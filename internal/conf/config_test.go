package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/imagewall/internal/errors"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "debug: true\n")

	settings, err := Load(New(), path)
	require.NoError(t, err)

	assert.True(t, settings.Debug)
	assert.True(t, settings.Cache.Enabled)
	assert.Equal(t, DefaultMaxAgeDays, settings.Cache.MaxAgeDays)
	assert.Equal(t, 7*24*time.Hour, settings.Cache.MaxAge())
	assert.Equal(t, int64(100*1024*1024), settings.Cache.MaxSizeBytes())
	assert.Equal(t, 5, settings.Loader.MaxConcurrent)
	assert.Equal(t, 1500*time.Millisecond, settings.Loader.RestrictedTimeout)
	require.Len(t, settings.Loader.RestrictedHosts, 1)
	assert.Equal(t, "sinaimg.cn", settings.Loader.RestrictedHosts[0].Suffix)
	assert.Equal(t, "https://weibo.com/", settings.Loader.RestrictedHosts[0].Referer)
	assert.Equal(t, "info", settings.Logging.DefaultLevel)
}

func TestEmbeddedDefaultConfigIsValid(t *testing.T) {
	path := writeConfig(t, string(DefaultConfigYAML()))

	settings, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, "_resources", settings.Vault.ResourceDir)
	assert.Equal(t, 5*time.Second, settings.Cache.IndexSaveDelay)
	assert.True(t, settings.Loader.Mediated)
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
cache:
  maxagedays: 14
  maxsizemb: 50
loader:
  fetchtimeout: 3s
  restrictedhosts:
    - suffix: example.org
      referer: https://example.org/
`)
	settings, err := Load(New(), path)
	require.NoError(t, err)

	assert.Equal(t, 14, settings.Cache.MaxAgeDays)
	assert.Equal(t, 50, settings.Cache.MaxSizeMB)
	assert.Equal(t, 3*time.Second, settings.Loader.FetchTimeout)
	require.Len(t, settings.Loader.RestrictedHosts, 1)
	assert.Equal(t, "example.org", settings.Loader.RestrictedHosts[0].Suffix)
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("IMAGEWALL_CACHE_MAXSIZEMB", "150")
	path := writeConfig(t, "")

	settings, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, 150, settings.Cache.MaxSizeMB)
}

func TestLoadRejectsOutOfRange(t *testing.T) {
	path := writeConfig(t, `
cache:
  maxagedays: 45
  maxsizemb: 5
`)
	_, err := Load(New(), path)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	var ve ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Errors, 2)
}

func TestValidateSettings(t *testing.T) {
	valid := func() *Settings {
		v := New()
		s, err := Unmarshal(v)
		require.NoError(t, err)
		return s
	}

	tests := []struct {
		name    string
		mutate  func(s *Settings)
		wantErr bool
	}{
		{"defaults", func(*Settings) {}, false},
		{"zero concurrency", func(s *Settings) { s.Loader.MaxConcurrent = 0 }, true},
		{"backoff inverted", func(s *Settings) { s.Loader.MaxBackoff = time.Millisecond }, true},
		{"bad referer", func(s *Settings) { s.Loader.DefaultReferer = "not a url" }, true},
		{"empty suffix", func(s *Settings) {
			s.Loader.RestrictedHosts = []RestrictedHost{{Referer: "https://x/"}}
		}, true},
		{"bad listen", func(s *Settings) { s.Server.Listen = "8080" }, true},
		{"cache dir missing", func(s *Settings) { s.Cache.Dir = "" }, true},
		{"cache dir missing but disabled", func(s *Settings) {
			s.Cache.Dir = ""
			s.Cache.Enabled = false
		}, false},
		{"telemetry without dsn", func(s *Settings) { s.Telemetry.Enabled = true }, true},
		{"telemetry with dsn", func(s *Settings) {
			s.Telemetry.Enabled = true
			s.Telemetry.DSN = "https://key@errors.example/1"
		}, false},
		{"sample rate out of range", func(s *Settings) { s.Telemetry.SampleRate = 1.5 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.mutate(s)
			err := ValidateSettings(s)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCacheDir(t *testing.T) {
	s := &Settings{Vault: VaultSettings{Root: "/notes"}, Cache: CacheSettings{Dir: ".imagewall/cache"}}
	assert.Equal(t, filepath.Join("/notes", ".imagewall/cache"), s.CacheDir())

	s.Cache.Dir = "/var/cache/imagewall"
	assert.Equal(t, "/var/cache/imagewall", s.CacheDir())
}

func TestDumpRoundTripsThroughYAML(t *testing.T) {
	s, err := Unmarshal(New())
	require.NoError(t, err)

	data, err := Dump(s)
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, yaml.Unmarshal(data, &generic))
	assert.Contains(t, generic, "cache")
	assert.Contains(t, string(data), "maxagedays: 7")
}
