package logger

// LoggingConfig controls log routing.
type LoggingConfig struct {
	DefaultLevel  string                  `yaml:"default_level" mapstructure:"default_level" json:"default_level"`
	Timezone      string                  `yaml:"timezone" mapstructure:"timezone" json:"timezone"` // "Local", "UTC" or an IANA name
	Console       *ConsoleOutput          `yaml:"console" mapstructure:"console" json:"console"`
	FileOutput    *FileOutput             `yaml:"file_output" mapstructure:"file_output" json:"file_output"`
	ModuleOutputs map[string]ModuleOutput `yaml:"modules" mapstructure:"modules" json:"modules"`
	ModuleLevels  map[string]string       `yaml:"module_levels" mapstructure:"module_levels" json:"module_levels"`
}

// ConsoleOutput configures human readable output on stderr.
type ConsoleOutput struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	Level   string `yaml:"level" mapstructure:"level" json:"level"`
}

// FileOutput configures the JSON main log file.
type FileOutput struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	Path    string `yaml:"path" mapstructure:"path" json:"path"`
	Level   string `yaml:"level" mapstructure:"level" json:"level"`
}

// ModuleOutput sends one module to its own file.
type ModuleOutput struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	FilePath    string `yaml:"file_path" mapstructure:"file_path" json:"file_path"`
	Level       string `yaml:"level" mapstructure:"level" json:"level"`
	ConsoleAlso bool   `yaml:"console_also" mapstructure:"console_also" json:"console_also"`
}

const (
	DefaultLogLevel     = "info"
	DefaultLogPath      = "logs/imagewall.log"
	DefaultCacheLogPath = "logs/cache.log"
	DefaultAccessLog    = "logs/access.log"
)

// applyConfigDefaults fills nil sections so an empty config still logs to
// the console. File output stays off unless configured; the CLI is often
// run ad hoc against a vault.
func applyConfigDefaults(cfg *LoggingConfig) {
	if cfg == nil {
		return
	}
	if cfg.DefaultLevel == "" {
		cfg.DefaultLevel = DefaultLogLevel
	}
	if cfg.Console == nil {
		cfg.Console = &ConsoleOutput{Enabled: true, Level: cfg.DefaultLevel}
	}
	if cfg.FileOutput == nil {
		cfg.FileOutput = &FileOutput{Path: DefaultLogPath, Level: cfg.DefaultLevel}
	}
	if cfg.ModuleOutputs == nil {
		cfg.ModuleOutputs = make(map[string]ModuleOutput)
	}
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *LoggingConfig {
	cfg := &LoggingConfig{Timezone: "Local"}
	applyConfigDefaults(cfg)
	return cfg
}
