// Package config loads server configuration from file, environment, and
// defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full server configuration.
type Config struct {
	Addr         string `mapstructure:"addr"`
	DBPath       string `mapstructure:"db_path"`
	LogLevel     string `mapstructure:"log_level"`
	GeminiAPIKey string `mapstructure:"gemini_api_key"`

	Chat ChatConfig `mapstructure:"chat"`

	// ToolServers are connected at startup. A server that fails its
	// handshake is logged and skipped.
	ToolServers []string `mapstructure:"tool_servers"`
}

// ChatConfig holds per-turn generation parameters.
type ChatConfig struct {
	Model             string        `mapstructure:"model"`
	Instructions      string        `mapstructure:"instructions"`
	ToolTimeout       time.Duration `mapstructure:"tool_timeout"`
	GenerationTimeout time.Duration `mapstructure:"generation_timeout"`
	MaxRounds         int           `mapstructure:"max_rounds"`
}

// Load reads configuration. path may be empty, in which case only defaults
// and LOOM_-prefixed environment variables apply.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetDefault("addr", ":8080")
	v.SetDefault("db_path", "loom.db")
	v.SetDefault("log_level", "info")
	v.SetDefault("chat.model", "gemini-2.5-flash")
	v.SetDefault("chat.instructions", "")
	v.SetDefault("chat.tool_timeout", 30*time.Second)
	v.SetDefault("chat.generation_timeout", 2*time.Minute)
	v.SetDefault("chat.max_rounds", 16)

	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Chat.MaxRounds <= 0 {
		return Config{}, fmt.Errorf("chat.max_rounds must be positive, got %d", cfg.Chat.MaxRounds)
	}
	return cfg, nil
}
