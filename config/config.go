// Package config loads the runtime configuration from file and
// environment, with hot reload of the log level.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const envPrefix = "CONN_RUNTIME"

type Config struct {
	Log     Log     `mapstructure:"log"`
	Runtime Runtime `mapstructure:"runtime"`
	Server  Server  `mapstructure:"server"`
	Client  Client  `mapstructure:"client"`

	// Path is the file the configuration was loaded from, empty when only
	// defaults and environment applied. Used for hot reload.
	Path string `mapstructure:"-"`
}

type Log struct {
	Level string `mapstructure:"level"`
}

type Runtime struct {
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	IOMsgBufSize     int           `mapstructure:"iomsg_buf_size"`
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
}

type Server struct {
	ListenAddr  string `mapstructure:"listen_addr"`
	UpgradePath string `mapstructure:"upgrade_path"`
}

type Client struct {
	Target      string `mapstructure:"target"`
	Sessions    int    `mapstructure:"sessions"`
	Messages    int    `mapstructure:"messages"`
	PayloadSize int    `mapstructure:"payload_size"`
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()

	v.SetDefault("log.level", "info")
	v.SetDefault("runtime.connect_timeout", 30*time.Second)
	v.SetDefault("runtime.iomsg_buf_size", 4096)
	v.SetDefault("runtime.progress_interval", time.Millisecond)
	v.SetDefault("server.listen_addr", "127.0.0.1:8585")
	v.SetDefault("server.upgrade_path", "/ws")
	v.SetDefault("client.target", "127.0.0.1:8585")
	v.SetDefault("client.sessions", 1)
	v.SetDefault("client.messages", 16)
	v.SetDefault("client.payload_size", 4096)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	return v, nil
}

// LoadConfig reads the configuration. An empty path means defaults plus
// environment only.
func LoadConfig(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.Path = path
	return &cfg, nil
}

// SlogLevel parses the configured log level, defaulting to info.
func (l Log) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// WatchLevel re-applies log.level whenever the config file changes. No-op
// without a config file.
func WatchLevel(path string, lvl *slog.LevelVar, log *slog.Logger) error {
	if path == "" {
		return nil
	}
	v, err := newViper(path)
	if err != nil {
		return err
	}
	v.OnConfigChange(func(_ fsnotify.Event) {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			log.Warn("config reload failed", "error", err)
			return
		}
		lvl.Set(cfg.Log.SlogLevel())
		log.Info("log level updated", "level", cfg.Log.SlogLevel().String())
	})
	v.WatchConfig()
	return nil
}
