package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"streamconsole/internal/console"
	"streamconsole/pkg/tokens"
	"streamconsole/pkg/typedbuffer"
)

type Config struct {
	Buffer BufferConfig `mapstructure:"buffer" yaml:"buffer"`
	Sync   SyncConfig   `mapstructure:"sync" yaml:"sync"`
	Render RenderConfig `mapstructure:"render" yaml:"render"`
	Server ServerConfig `mapstructure:"server" yaml:"server"`
	Log    LogConfig    `mapstructure:"log" yaml:"log"`
}

type BufferConfig struct {
	Capacity  int      `mapstructure:"capacity" yaml:"capacity"`   // characters kept in the console
	UnitSize  int      `mapstructure:"unit_size" yaml:"unit_size"` // characters per storage block
	Protected []string `mapstructure:"protected" yaml:"protected"` // content types never evicted
}

type SyncConfig struct {
	Await time.Duration `mapstructure:"await" yaml:"await"` // grace period for an unfinished line
}

type RenderConfig struct {
	FlushDelay time.Duration `mapstructure:"flush_delay" yaml:"flush_delay"` // minimum time between live view pushes
	Color      string        `mapstructure:"color" yaml:"color"`             // "auto", "always" or "never"
}

type ServerConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"` // empty disables the live view
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"` // debug, info, warn, error
}

// SetDefaults registers the default of every key on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("buffer.capacity", 1024*1024)
	v.SetDefault("buffer.unit_size", 4096)
	v.SetDefault("buffer.protected", []string{string(tokens.System), string(tokens.UserInput)})
	v.SetDefault("sync.await", 100*time.Millisecond)
	v.SetDefault("render.flush_delay", 200*time.Millisecond)
	v.SetDefault("render.color", "auto")
	v.SetDefault("server.listen", "")
	v.SetDefault("log.level", "info")
}

// Load reads the configuration into v and decodes it. An explicit file must
// exist; otherwise streamconsole.yaml is looked up in the config directory and
// the working directory, and a missing file is not an error. Environment
// variables STREAMCONSOLE_<SECTION>_<KEY> override the file.
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix("streamconsole")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("streamconsole")
		v.SetConfigType("yaml")
		if dir, err := GetConfigDir(); err == nil {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else {
		slog.Debug("Loaded config", "file", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// GetConfigDir returns $XDG_CONFIG_HOME/streamconsole or ~/.config/streamconsole
func GetConfigDir() (string, error) {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "streamconsole"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "streamconsole"), nil
}

// Validate rejects configurations the console cannot be built from
func (c *Config) Validate() error {
	if c.Buffer.Capacity <= 0 {
		return fmt.Errorf("buffer.capacity must be positive, got %d", c.Buffer.Capacity)
	}
	if c.Buffer.UnitSize <= 0 {
		return fmt.Errorf("buffer.unit_size must be positive, got %d", c.Buffer.UnitSize)
	}
	if c.Sync.Await < 0 {
		return fmt.Errorf("sync.await must not be negative, got %s", c.Sync.Await)
	}
	if c.Render.FlushDelay <= 0 {
		return fmt.Errorf("render.flush_delay must be positive, got %s", c.Render.FlushDelay)
	}
	switch c.Render.Color {
	case "auto", "always", "never":
	default:
		return fmt.Errorf("render.color must be auto, always or never, got %q", c.Render.Color)
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// ConsoleOptions converts the configuration into console options
func (c *Config) ConsoleOptions() console.Options {
	protected := make([]tokens.ContentType, 0, len(c.Buffer.Protected))
	for _, p := range c.Buffer.Protected {
		protected = append(protected, tokens.ContentType(strings.TrimSpace(p)))
	}
	return console.Options{
		Buffer: typedbuffer.Options{
			Capacity:  c.Buffer.Capacity,
			UnitSize:  c.Buffer.UnitSize,
			Protected: protected,
		},
		Await: c.Sync.Await,
	}
}

// SlogLevel parses the configured log level
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return level, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// YAML renders the effective configuration
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
