// Package config loads server settings from config.yaml, ROOMSYNC_* environment
// variables and command line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Port            int           `mapstructure:"port"`
		AllowedOrigins  []string      `mapstructure:"allowed_origins"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	Database struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"database"`
	Auth struct {
		// Mode is "jwt" or "header".
		Mode           string `mapstructure:"mode"`
		JWTSecret      string `mapstructure:"jwt_secret"`
		AllowAnonymous bool   `mapstructure:"allow_anonymous"`
	} `mapstructure:"auth"`
	Room struct {
		LockIdle         time.Duration `mapstructure:"lock_idle"`
		PresenceInterval time.Duration `mapstructure:"presence_interval"`
		GracePeriod      time.Duration `mapstructure:"grace_period"`
		HistoryLimit     int           `mapstructure:"history_limit"`
		SweepInterval    time.Duration `mapstructure:"sweep_interval"`
		Autosave         bool          `mapstructure:"autosave"`
	} `mapstructure:"room"`
	Websocket struct {
		SendBuffer    int     `mapstructure:"send_buffer"`
		MaxFrameBytes int64   `mapstructure:"max_frame_bytes"`
		RateLimit     float64 `mapstructure:"rate_limit"`
		RateBurst     int     `mapstructure:"rate_burst"`
	} `mapstructure:"websocket"`
	Redis struct {
		Addr     string        `mapstructure:"addr"`
		Password string        `mapstructure:"password"`
		DB       int           `mapstructure:"db"`
		TTL      time.Duration `mapstructure:"ttl"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
		Workers int      `mapstructure:"workers"`
	} `mapstructure:"kafka"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("database.path", "./data/roomsync.db")
	v.SetDefault("auth.mode", "header")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.allow_anonymous", true)
	v.SetDefault("room.lock_idle", 30*time.Second)
	v.SetDefault("room.presence_interval", 50*time.Millisecond)
	v.SetDefault("room.grace_period", 5*time.Minute)
	v.SetDefault("room.history_limit", 200)
	v.SetDefault("room.sweep_interval", 5*time.Second)
	v.SetDefault("room.autosave", true)
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("websocket.max_frame_bytes", 64*1024)
	v.SetDefault("websocket.rate_limit", 100.0)
	v.SetDefault("websocket.rate_burst", 200)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 30*time.Second)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "roomsync.operations")
	v.SetDefault("kafka.workers", 2)
}

// Load parses args and reads the configuration. A missing config file is not
// an error; every key has a default.
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("roomsync", pflag.ContinueOnError)
	configFile := fs.String("config", "", "path to config file")
	fs.Int("port", 8080, "HTTP listen port")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ROOMSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlag("server.port", fs.Lookup("port")); err != nil {
		return nil, err
	}
	if err := v.BindPFlag("log.level", fs.Lookup("log-level")); err != nil {
		return nil, err
	}

	if *configFile != "" {
		v.SetConfigFile(*configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || *configFile != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Auth.Mode {
	case "header":
	case "jwt":
		if c.Auth.JWTSecret == "" {
			return errors.New("auth.jwt_secret is required when auth.mode is jwt")
		}
	default:
		return fmt.Errorf("unknown auth.mode %q", c.Auth.Mode)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	if c.Websocket.SendBuffer <= 0 {
		return errors.New("websocket.send_buffer must be positive")
	}
	return nil
}

// ConfigureLogging applies the log settings to the standard logrus logger.
func (c *Config) ConfigureLogging() error {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	if c.Log.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
