package conf

import (
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"github.com/tphakala/imagewall/internal/errors"
)

const appName = "imagewall"

// GetDefaultConfigPaths returns the directories searched for config.yaml.
// When one of them already holds a config file only that directory is
// returned.
func GetDefaultConfigPaths() ([]string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryConfiguration).
			Context("operation", "get-home-directory").
			Build()
	}

	var paths []string
	switch runtime.GOOS {
	case "windows":
		paths = []string{".", filepath.Join(homeDir, "AppData", "Roaming", appName)}
	default:
		paths = []string{".", filepath.Join(homeDir, ".config", appName), "/etc/" + appName}
	}

	for _, p := range paths {
		if _, err := os.Stat(filepath.Join(p, "config.yaml")); err == nil {
			return []string{p}, nil
		}
	}
	// "." is only searched, never written to
	return paths[1:], nil
}

// Dump renders settings as YAML.
func Dump(settings *Settings) ([]byte, error) {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return nil, errors.New(err).Category(errors.CategoryConfiguration).Build()
	}
	return data, nil
}
