package conf

import (
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/tphakala/imagewall/internal/logger"
)

// Watch re-reads the config file whenever it changes on disk and passes the
// new settings to apply. Invalid edits are logged and ignored so a typo in
// the file never tears down a running gallery.
func Watch(v *viper.Viper, log logger.Logger, apply func(*Settings)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		settings, err := Unmarshal(v)
		if err != nil {
			log.Warn("ignoring invalid configuration change",
				logger.String("file", e.Name),
				logger.Error(err))
			return
		}
		log.Info("configuration reloaded", logger.String("file", e.Name))
		apply(settings)
	})
	v.WatchConfig()
}
