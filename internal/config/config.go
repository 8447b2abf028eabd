package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	QueueDriverMemory = "memory"
	QueueDriverRedis  = "redis"

	StoreDriverMemory   = "memory"
	StoreDriverPostgres = "postgres"
)

type Config struct {
	HTTPAddr string

	StoreDriver string
	PostgresDSN string

	QueueDriver     string
	RedisAddr       string
	RedisQueueKey   string
	RedisProcessing string

	Workers      int
	MaxAttempts  int
	RetryBackoff time.Duration

	MaxTimeoutSeconds int

	SSH SSHConfig
}

type SSHConfig struct {
	Host           string
	Port           int
	User           string
	KeyPath        string
	ConnectTimeout time.Duration
	ConnectRetries int
	ConnectBackoff time.Duration
	KillGrace      time.Duration
}

// Addr returns the dialable host:port of the remote target.
func (c SSHConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Load reads an optional config file (config.toml in the working
// directory) and lets environment variables override every key, e.g.
// RJE_SSH_HOST overrides ssh.host.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("RJE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("store.driver", StoreDriverMemory)
	v.SetDefault("store.postgres_dsn", "")
	v.SetDefault("queue.driver", QueueDriverMemory)
	v.SetDefault("queue.redis_addr", "localhost:6379")
	v.SetDefault("queue.redis_queue_key", "jobs:queue")
	v.SetDefault("queue.redis_processing_key", "jobs:processing")
	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("worker.retry_backoff", "2s")
	v.SetDefault("job.max_timeout_seconds", 3600)
	v.SetDefault("ssh.host", "")
	v.SetDefault("ssh.port", 22)
	v.SetDefault("ssh.user", "")
	v.SetDefault("ssh.key_path", "")
	v.SetDefault("ssh.connect_timeout", "10s")
	v.SetDefault("ssh.connect_retries", 3)
	v.SetDefault("ssh.connect_backoff", "1s")
	v.SetDefault("ssh.kill_grace", "5s")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{
		HTTPAddr:          v.GetString("http.addr"),
		StoreDriver:       v.GetString("store.driver"),
		PostgresDSN:       v.GetString("store.postgres_dsn"),
		QueueDriver:       v.GetString("queue.driver"),
		RedisAddr:         v.GetString("queue.redis_addr"),
		RedisQueueKey:     v.GetString("queue.redis_queue_key"),
		RedisProcessing:   v.GetString("queue.redis_processing_key"),
		Workers:           v.GetInt("worker.count"),
		MaxAttempts:       v.GetInt("worker.max_attempts"),
		RetryBackoff:      v.GetDuration("worker.retry_backoff"),
		MaxTimeoutSeconds: v.GetInt("job.max_timeout_seconds"),
		SSH: SSHConfig{
			Host:           v.GetString("ssh.host"),
			Port:           v.GetInt("ssh.port"),
			User:           v.GetString("ssh.user"),
			KeyPath:        v.GetString("ssh.key_path"),
			ConnectTimeout: v.GetDuration("ssh.connect_timeout"),
			ConnectRetries: v.GetInt("ssh.connect_retries"),
			ConnectBackoff: v.GetDuration("ssh.connect_backoff"),
			KillGrace:      v.GetDuration("ssh.kill_grace"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.MaxTimeoutSeconds <= 0 {
		return fmt.Errorf("job.max_timeout_seconds must be positive, got %d", c.MaxTimeoutSeconds)
	}
	switch c.StoreDriver {
	case StoreDriverMemory:
	case StoreDriverPostgres:
		if c.PostgresDSN == "" {
			return errors.New("store.postgres_dsn is required for the postgres store driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}
	switch c.QueueDriver {
	case QueueDriverMemory, QueueDriverRedis:
	default:
		return fmt.Errorf("unknown queue driver %q", c.QueueDriver)
	}
	return nil
}
