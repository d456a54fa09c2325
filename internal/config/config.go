// Package config loads the optional YAML configuration file for the control
// plane. Values from the file sit below command-line flags and environment
// variables in precedence; callers merge the three layers themselves.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config mirrors the YAML configuration file.
type Config struct {
	Addr     string        `yaml:"addr"`
	Mode     string        `yaml:"mode"`
	LogLevel string        `yaml:"log_level"`
	TLS      TLSConfig     `yaml:"tls"`
	Storage  StorageConfig `yaml:"storage"`
	Engine   EngineConfig  `yaml:"engine"`
	Queue    QueueConfig   `yaml:"queue"`
	Rate     RateConfig    `yaml:"rate"`
	CORS     CORSConfig    `yaml:"cors"`
	Prober   ProberConfig  `yaml:"prober"`
}

type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type StorageConfig struct {
	Driver          string        `yaml:"driver"`
	PostgresDSN     string        `yaml:"postgres_dsn"`
	MaxConns        int           `yaml:"max_conns"`
	MinConns        int           `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdle     time.Duration `yaml:"max_conn_idle"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	AppName         string        `yaml:"app_name"`
}

type EngineConfig struct {
	Driver         string        `yaml:"driver"`
	URL            string        `yaml:"url"`
	Token          string        `yaml:"token"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type QueueConfig struct {
	Driver     string   `yaml:"driver"`
	RedisAddr  string   `yaml:"redis_addr"`
	RedisAddrs []string `yaml:"redis_addrs"`
	Username   string   `yaml:"username"`
	Password   string   `yaml:"password"`
	Stream     string   `yaml:"stream"`
	Group      string   `yaml:"group"`
	MasterName string   `yaml:"sentinel_master"`
	PoolSize   int      `yaml:"pool_size"`
	TLS        RedisTLS `yaml:"tls"`
}

type RedisTLS struct {
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

type RateConfig struct {
	GlobalRPS   float64 `yaml:"global_rps"`
	GlobalBurst int     `yaml:"global_burst"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type ProberConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Concurrency int           `yaml:"concurrency"`
}

// Load reads and parses the file at path. A missing path returns the zero
// Config so the file stays optional.
func Load(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
