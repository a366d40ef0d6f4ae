package app

import (
	"context"

	"github.com/spf13/viper"

	"github.com/tphakala/imagewall/internal/buildinfo"
	"github.com/tphakala/imagewall/internal/conf"
)

// Context is what the CLI commands share: the viper instance flags are
// bound to, the loaded settings and the build metadata.
type Context struct {
	Viper      *viper.Viper
	ConfigFile string
	Settings   *conf.Settings
	Build      *buildinfo.Context

	opts []Option
}

// NewContext returns a command context over a fresh viper instance.
func NewContext(build *buildinfo.Context, opts ...Option) *Context {
	return &Context{Viper: conf.New(), Build: build, opts: opts}
}

// LoadSettings reads the config file, applying bound flags on top.
func (c *Context) LoadSettings() error {
	settings, err := conf.Load(c.Viper, c.ConfigFile)
	if err != nil {
		return err
	}
	c.Settings = settings
	return nil
}

// Open builds an App from the loaded settings.
func (c *Context) Open(ctx context.Context) (*App, error) {
	if c.Settings == nil {
		if err := c.LoadSettings(); err != nil {
			return nil, err
		}
	}
	return New(ctx, c.Settings, c.opts...)
}
