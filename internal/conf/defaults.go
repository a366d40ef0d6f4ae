package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Default values. They mirror config.yaml so a partial config file still
// yields a working setup.
const (
	DefaultMaxAgeDays    = 7
	DefaultMaxSizeMB     = 100
	DefaultMaxConcurrent = 5
	DefaultMaxAttempts   = 3
	DefaultUserAgent     = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	DefaultReferer       = "https://obsidian.md/"
)

func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("vault.root", ".")
	v.SetDefault("vault.resourcedir", "_resources")

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.dir", ".imagewall/cache")
	v.SetDefault("cache.maxagedays", DefaultMaxAgeDays)
	v.SetDefault("cache.maxsizemb", DefaultMaxSizeMB)
	v.SetDefault("cache.minfreemb", 50)
	v.SetDefault("cache.indexsavedelay", 5*time.Second)
	v.SetDefault("cache.readsavedelay", 2*time.Second)

	v.SetDefault("loader.maxconcurrent", DefaultMaxConcurrent)
	v.SetDefault("loader.maxattempts", DefaultMaxAttempts)
	v.SetDefault("loader.basebackoff", time.Second)
	v.SetDefault("loader.maxbackoff", 5*time.Second)
	v.SetDefault("loader.watchdoginterval", 5*time.Second)
	v.SetDefault("loader.directtimeout", 5*time.Second)
	v.SetDefault("loader.fetchtimeout", 10*time.Second)
	v.SetDefault("loader.restrictedtimeout", 1500*time.Millisecond)
	v.SetDefault("loader.mediated", true)
	v.SetDefault("loader.useragent", DefaultUserAgent)
	v.SetDefault("loader.defaultreferer", DefaultReferer)
	v.SetDefault("loader.restrictedhosts", []map[string]any{
		{"suffix": "sinaimg.cn", "referer": "https://weibo.com/"},
	})
	v.SetDefault("loader.requestspersecond", 8.0)
	v.SetDefault("loader.burst", 4)
	v.SetDefault("loader.failurettl", 10*time.Minute)

	v.SetDefault("server.listen", "127.0.0.1:8765")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.dsn", "")
	v.SetDefault("telemetry.environment", "production")
	v.SetDefault("telemetry.samplerate", 1.0)

	v.SetDefault("logging.default_level", "info")
	v.SetDefault("logging.timezone", "Local")
	v.SetDefault("logging.console.enabled", true)
	v.SetDefault("logging.console.level", "info")
	v.SetDefault("logging.file_output.enabled", false)
	v.SetDefault("logging.file_output.path", "logs/imagewall.log")
	v.SetDefault("logging.file_output.level", "info")
}
