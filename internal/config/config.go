package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/viper"

	"github.com/Norgate-AV/compcache/internal/storage"
)

// Default configuration values
const (
	DefaultCacheSize            = "10G"
	DefaultIdleTimeout          = "600"
	DefaultLogLevel             = "info"
	DefaultRemoteTimeout        = "5s"
	DefaultServerStartupTimeout = "10s"
)

// Holds the configuration options for compcache
type Config struct {
	// Cache directory for the local store
	Dir string

	// Maximum size of the local store in bytes
	CacheSize int64

	// Server exits after this long without requests. Zero never exits.
	IdleTimeout time.Duration

	// Unix socket the server listens on
	Socket string

	// Server log level and destination
	LogLevel slog.Level
	LogFile  string

	// Prometheus endpoint address, empty to disable
	MetricsAddr string

	// Flag classification table overriding the built-in one
	RulesFile string

	S3            storage.S3Config
	HTTP          storage.HTTPConfig
	RemoteTimeout time.Duration

	// age recipient and identity file for remote entries
	EncryptionRecipient    string
	EncryptionIdentityFile string

	// How long a client waits for a freshly started server
	ServerStartupTimeout time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Dir:         viper.GetString("dir"),
		Socket:      viper.GetString("socket"),
		LogFile:     viper.GetString("log_file"),
		MetricsAddr: viper.GetString("metrics_addr"),
		RulesFile:   viper.GetString("rules_file"),
		S3: storage.S3Config{
			Bucket:          viper.GetString("s3.bucket"),
			Region:          viper.GetString("s3.region"),
			Endpoint:        viper.GetString("s3.endpoint"),
			KeyPrefix:       viper.GetString("s3.key_prefix"),
			PathStyle:       viper.GetBool("s3.path_style"),
			AccessKeyID:     viper.GetString("s3.access_key_id"),
			SecretAccessKey: viper.GetString("s3.secret_access_key"),
		},
		HTTP: storage.HTTPConfig{
			URL:   viper.GetString("http.url"),
			Token: viper.GetString("http.token"),
		},
		EncryptionRecipient:    viper.GetString("encryption.recipient"),
		EncryptionIdentityFile: viper.GetString("encryption.identity_file"),
	}

	var err error

	if cfg.CacheSize, err = ParseSize(viper.GetString("cache_size")); err != nil {
		return nil, fmt.Errorf("invalid cache_size: %w", err)
	}

	if cfg.IdleTimeout, err = ParseDuration(viper.GetString("idle_timeout")); err != nil {
		return nil, fmt.Errorf("invalid idle_timeout: %w", err)
	}

	if cfg.RemoteTimeout, err = ParseDuration(viper.GetString("remote_timeout")); err != nil {
		return nil, fmt.Errorf("invalid remote_timeout: %w", err)
	}

	if cfg.ServerStartupTimeout, err = ParseDuration(viper.GetString("server_startup_timeout")); err != nil {
		return nil, fmt.Errorf("invalid server_startup_timeout: %w", err)
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(viper.GetString("log"))); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	// Apply defaults if not set
	if cfg.Dir == "" {
		cfg.Dir = DefaultDir()
	}

	if cfg.Socket == "" {
		cfg.Socket = DefaultSocket()
	}

	if cfg.LogFile == "" {
		cfg.LogFile = filepath.Join(cfg.Dir, "server.log")
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	for _, p := range []*string{&c.Dir, &c.Socket, &c.LogFile} {
		abs, err := filepath.Abs(*p)
		if err != nil {
			return fmt.Errorf("invalid path %s: %v", *p, err)
		}

		*p = abs
	}

	if c.RulesFile != "" {
		abs, err := filepath.Abs(c.RulesFile)
		if err != nil {
			return fmt.Errorf("invalid rules file path: %v", err)
		}

		c.RulesFile = abs
	}

	if c.CacheSize <= 0 {
		return fmt.Errorf("cache_size must be positive")
	}

	if c.IdleTimeout < 0 || c.RemoteTimeout < 0 || c.ServerStartupTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}

	if c.HTTP.URL != "" && !strings.HasPrefix(c.HTTP.URL, "http://") && !strings.HasPrefix(c.HTTP.URL, "https://") {
		return fmt.Errorf("invalid http.url: %s", c.HTTP.URL)
	}

	return nil
}

// StorageOptions describes the backends to open
func (c *Config) StorageOptions() storage.Options {
	return storage.Options{
		Dir:                    c.Dir,
		MaxSize:                c.CacheSize,
		S3:                     c.S3,
		HTTP:                   c.HTTP,
		RemoteTimeout:          c.RemoteTimeout,
		EncryptionRecipient:    c.EncryptionRecipient,
		EncryptionIdentityFile: c.EncryptionIdentityFile,
	}
}

// ParseSize parses a byte count such as 10G, 512M or 1048576. Suffixes are binary.
func ParseSize(s string) (int64, error) {
	return units.RAMInBytes(strings.TrimSpace(s))
}

// ParseDuration accepts plain seconds or a Go duration
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(n) * time.Second, nil
	}

	return time.ParseDuration(s)
}

// DefaultDir is $XDG_CACHE_HOME/compcache, falling back to the user cache directory
func DefaultDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "compcache")
	}

	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "compcache")
	}

	return filepath.Join(os.TempDir(), "compcache")
}

// DefaultSocket is $XDG_RUNTIME_DIR/compcache.sock, or a per-user path in the
// temporary directory
func DefaultSocket() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "compcache.sock")
	}

	return filepath.Join(os.TempDir(), fmt.Sprintf("compcache-%d.sock", os.Getuid()))
}
