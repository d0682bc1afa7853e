// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

// Package config loads the taskd server configuration from taskd.yaml via
// viper, with environment overrides under the TASKD_ prefix.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Storage backend names accepted in the configuration.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// ServerConfig is the taskd server configuration.
type ServerConfig struct {
	Server struct {
		// Port is the HTTP listen port for the status API.
		Port string `json:"port" yaml:"port"`
	} `json:"server" yaml:"server"`

	Storage struct {
		// Backend selects the persistence backend: memory, redis, postgres.
		Backend string `json:"backend" yaml:"backend"`

		Redis struct {
			Addr     string `json:"addr" yaml:"addr"`
			Password string `json:"password" yaml:"password"`
			DB       int    `json:"db" yaml:"db"`
			PoolSize int    `json:"pool_size" yaml:"pool_size"`
			Prefix   string `json:"prefix" yaml:"prefix"`
		} `json:"redis" yaml:"redis"`

		Postgres struct {
			DSN          string `json:"dsn" yaml:"dsn"`
			MaxOpenConns int    `json:"max_open_conns" yaml:"max_open_conns"`
			AutoMigrate  bool   `json:"auto_migrate" yaml:"auto_migrate"`
		} `json:"postgres" yaml:"postgres"`
	} `json:"storage" yaml:"storage"`

	Engine struct {
		// KeyTTL is the idempotency key retention period.
		KeyTTL time.Duration `json:"key_ttl" yaml:"key_ttl"`

		// LeaseDuration is the saga execution lease.
		LeaseDuration time.Duration `json:"lease_duration" yaml:"lease_duration"`

		// CleanupInterval is the janitor's sweep interval for expired keys.
		CleanupInterval time.Duration `json:"cleanup_interval" yaml:"cleanup_interval"`
	} `json:"engine" yaml:"engine"`

	Metrics struct {
		// Enabled exposes /metrics when true.
		Enabled bool `json:"enabled" yaml:"enabled"`
	} `json:"metrics" yaml:"metrics"`
}

// Load reads taskd.yaml from the working directory. A missing file yields
// the defaults; a malformed file is an error.
func Load() (*ServerConfig, error) {
	v := viper.New()
	v.SetConfigName("taskd")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/taskd")
	v.SetEnvPrefix("TASKD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.port", "9320")
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.prefix", "tasks:")
	v.SetDefault("storage.postgres.auto_migrate", true)
	v.SetDefault("engine.key_ttl", 24*time.Hour)
	v.SetDefault("engine.lease_duration", 2*time.Minute)
	v.SetDefault("engine.cleanup_interval", 5*time.Minute)
	v.SetDefault("metrics.enabled", true)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &ServerConfig{}
	// The yaml tags carry the snake_case key names.
	tagName := func(dc *mapstructure.DecoderConfig) { dc.TagName = "yaml" }
	if err := v.Unmarshal(cfg, tagName); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *ServerConfig) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory, BackendRedis:
	case BackendPostgres:
		if c.Storage.Postgres.DSN == "" {
			return errors.New("storage.postgres.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Server.Port == "" {
		return errors.New("server.port cannot be empty")
	}
	return nil
}
