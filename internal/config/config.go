package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"xleth/internal/miner"
)

// EnvPrefix namespaces every environment override, e.g. XLETH_BACKEND.
const EnvPrefix = "XLETH"

// Config holds the runtime settings of the miner and its servers.
type Config struct {
	// Zero values defer to the platform profile.
	LocalWorkSize            uint32 `mapstructure:"local_work_size"`
	GlobalWorkSizeMultiplier uint32 `mapstructure:"global_work_size_multiplier"`
	NoExit                   *bool  `mapstructure:"no_exit"`
	NoBinary                 bool   `mapstructure:"no_binary"`

	Backend   string `mapstructure:"backend"`
	TestMode  bool   `mapstructure:"test_mode"`
	CachePath string `mapstructure:"cache_path"`

	APIAddr  string `mapstructure:"api_addr"`
	GRPCAddr string `mapstructure:"grpc_addr"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	LogOutput string `mapstructure:"log_output"`
}

var defaults = map[string]any{
	"local_work_size":             0,
	"global_work_size_multiplier": 0,
	"no_binary":                   false,
	"backend":                     "opencl",
	"test_mode":                   false,
	"cache_path":                  "",
	"api_addr":                    "",
	"grpc_addr":                   "",
	"log_level":                   "info",
	"log_format":                  "text",
	"log_output":                  "stdout",
}

// Load reads, in increasing precedence: defaults, the .env file in the
// project root, the optional config file at path and XLETH_* variables.
func Load(path string) (Config, error) {
	loadDotEnv()

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	// no_exit has no default so that an unset value falls through to the profile
	if err := v.BindEnv("no_exit"); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the miner cannot run with.
func (c Config) Validate() error {
	switch c.Backend {
	case "opencl", "sim", "auto":
	default:
		return fmt.Errorf("unknown backend %q (want opencl, sim or auto)", c.Backend)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

// Settings resolves the launch settings for a platform: the platform
// profile with any configured values laid over it.
func (c Config) Settings(platform string) miner.Settings {
	s := miner.ProfileFor(platform)
	if c.LocalWorkSize != 0 {
		s.LocalWorkSize = c.LocalWorkSize
	}
	if c.GlobalWorkSizeMultiplier != 0 {
		s.GlobalWorkSizeMultiplier = c.GlobalWorkSizeMultiplier
	}
	if c.NoExit != nil {
		s.NoExit = *c.NoExit
	}
	s.NoBinary = c.NoBinary
	return s
}

func loadDotEnv() {
	envPath := filepath.Join(findProjectRoot(), ".env")
	if _, err := os.Stat(envPath); err == nil {
		// existing environment variables win over the file
		_ = godotenv.Load(envPath)
	}
}

func findProjectRoot() string {
	cwd, _ := os.Getwd()
	// First check CWD for .env file
	if _, err := os.Stat(filepath.Join(cwd, ".env")); err == nil {
		return cwd
	}
	// Then walk up looking for go.mod
	for {
		if _, err := os.Stat(filepath.Join(cwd, "go.mod")); err == nil {
			return cwd
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return cwd
		}
		cwd = parent
	}
}
