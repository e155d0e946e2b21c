// Package config aggregates launcher configuration from environment
// variables and an optional config file, including the per-title lookup the
// orchestrator consults for metadata endpoints and chunked-sync support.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Title is the read-only per-game configuration record.
type Title struct {
	ID            string   `mapstructure:"id"`
	MetadataURL   string   `mapstructure:"metadata_url"`
	BranchURL     string   `mapstructure:"branch_url"`
	MatchingField string   `mapstructure:"matching_field"`
	ChunkedSync   bool     `mapstructure:"chunked_sync"`
	InstallDir    string   `mapstructure:"install_dir"`
	RepairBaseURL string   `mapstructure:"repair_base_url"`
	VerifyIgnore  []string `mapstructure:"verify_ignore"`
}

// Config is the launcher-wide configuration.
type Config struct {
	DataDir        string  `mapstructure:"data_dir"`
	RegistryPath   string  `mapstructure:"registry_path"`
	MaxConcurrent  int     `mapstructure:"max_concurrent"`
	ChunkWorkers   int     `mapstructure:"chunk_workers"`
	SpeedLimit     int64   `mapstructure:"speed_limit"`
	PatcherBinary  string  `mapstructure:"patcher_binary"`
	Titles         []Title `mapstructure:"titles"`
}

// Load reads configuration from GAMEDELIVERY_* environment variables and an
// optional config.{yaml,toml,json} in the working directory.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GAMEDELIVERY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("data_dir", "data")
	v.SetDefault("registry_path", "data/registry.json")
	v.SetDefault("max_concurrent", 3)
	v.SetDefault("chunk_workers", 8)
	v.SetDefault("speed_limit", 0)
	v.SetDefault("patcher_binary", "hpatchz")

	v.SetConfigName("config")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // optional file

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// TitleByID resolves the per-title record, or an error for unknown ids.
func (c Config) TitleByID(id string) (Title, error) {
	for _, t := range c.Titles {
		if t.ID == id {
			return t, nil
		}
	}
	return Title{}, fmt.Errorf("no configuration for title %q", id)
}

// VerifyIgnoreDefaults is applied when a title lists no ignore patterns:
// logs, config and screenshots are user data, never flagged or deleted.
var VerifyIgnoreDefaults = []string{"*.log", "config.ini", "ScreenShot/", "webCaches/"}
