package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. COMPCACHE_DIR
const EnvPrefix = "COMPCACHE"

// Loader handles configuration loading from various sources
type Loader struct{}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{}
}

// Load reads defaults, the global config file, the nearest project config
// above dir, environment overrides and finally cmd's flags. cmd may be nil.
func (l *Loader) Load(cmd *cobra.Command, dir string) (*Config, error) {
	l.setupViperDefaults()
	l.loadGlobalConfig()
	l.loadLocalConfig(dir)
	l.bindEnv()
	if cmd != nil {
		l.bindCommandFlags(cmd)
	}

	return Load()
}

// setupViperDefaults sets up default values for viper
func (l *Loader) setupViperDefaults() {
	viper.SetDefault("cache_size", DefaultCacheSize)
	viper.SetDefault("idle_timeout", DefaultIdleTimeout)
	viper.SetDefault("log", DefaultLogLevel)
	viper.SetDefault("remote_timeout", DefaultRemoteTimeout)
	viper.SetDefault("server_startup_timeout", DefaultServerStartupTimeout)

	// Keys without a default still need registering so AutomaticEnv sees them
	for _, key := range []string{
		"dir", "socket", "log_file", "metrics_addr", "rules_file",
		"s3.bucket", "s3.region", "s3.endpoint", "s3.key_prefix", "s3.path_style",
		"s3.access_key_id", "s3.secret_access_key",
		"http.url", "http.token",
		"encryption.recipient", "encryption.identity_file",
	} {
		viper.SetDefault(key, "")
	}
}

// loadGlobalConfig loads global configuration from the XDG config directory
func (l *Loader) loadGlobalConfig() {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return
		}
		configHome = filepath.Join(home, ".config")
	}

	// A broken global file is skipped rather than failing every compile
	if path := findIn(filepath.Join(configHome, "compcache"), "config"); path != "" {
		viper.SetConfigFile(path)
		_ = viper.ReadInConfig()
	}
}

// loadLocalConfig merges the nearest project config file above dir
func (l *Loader) loadLocalConfig(dir string) {
	if dir == "" {
		return
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return // silently ignore, config.Load() will handle validation
	}

	localPath := FindLocalConfig(abs)
	if localPath != "" {
		viper.SetConfigFile(localPath)
		_ = viper.MergeInConfig()
	}
}

// bindEnv enables COMPCACHE_* overrides, with nested keys joined by
// underscores (COMPCACHE_S3_BUCKET)
func (l *Loader) bindEnv() {
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// flagKeys maps command-line flag names to config keys
var flagKeys = map[string]string{
	"dir":          "dir",
	"socket":       "socket",
	"cache-size":   "cache_size",
	"idle-timeout": "idle_timeout",
	"log-level":    "log",
	"metrics-addr": "metrics_addr",
	"rules":        "rules_file",
}

// bindCommandFlags binds command flags to viper
func (l *Loader) bindCommandFlags(cmd *cobra.Command) {
	for name, key := range flagKeys {
		if flag := cmd.Flags().Lookup(name); flag != nil {
			_ = viper.BindPFlag(key, flag)
		}
	}
}
