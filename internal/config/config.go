// Package config loads the flowpool YAML configuration and builds the
// process logger from it.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 完整設定檔
type Config struct {
	Log     LogConfig      `yaml:"log"`
	Pool    PoolConfig     `yaml:"pool"`
	Workers []WorkerConfig `yaml:"workers"`
	HTTP    struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`
	GRPC struct {
		Addr string `yaml:"addr"`
	} `yaml:"grpc"`
	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`
	Archive struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"archive"`
}

// LogConfig 日誌設定
type LogConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // text 或 json
	File       string `yaml:"file"`   // 空字串表示只寫 stderr
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// PoolConfig 排程與 runner 的時間參數
type PoolConfig struct {
	MaxAttempts          int           `yaml:"max_attempts"`
	RetryDelay           time.Duration `yaml:"retry_delay"`
	SuccessGrace         time.Duration `yaml:"success_grace"`
	HistoryRetries       int           `yaml:"history_retries"`
	HistoryRetryInterval time.Duration `yaml:"history_retry_interval"`
	DisconnectGrace      time.Duration `yaml:"disconnect_grace"`
	HealthPollInterval   time.Duration `yaml:"health_poll_interval"`
}

// WorkerConfig 描述一個 worker；URL 與 Sim 擇一
type WorkerConfig struct {
	ID       string     `yaml:"id"`
	URL      string     `yaml:"url"`
	Priority int        `yaml:"priority"`
	Affinity []string   `yaml:"affinity"` // workflow JSON 檔案路徑
	Sim      *SimConfig `yaml:"sim"`
}

// SimConfig 模擬 worker 參數
type SimConfig struct {
	MaxLatency  time.Duration `yaml:"max_latency"`
	FailureRate float64       `yaml:"failure_rate"`
	CacheRate   float64       `yaml:"cache_rate"`
}

// Default 回傳預設設定
func Default() Config {
	cfg := Config{
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Pool: PoolConfig{
			MaxAttempts:          3,
			SuccessGrace:         100 * time.Millisecond,
			HistoryRetries:       5,
			HistoryRetryInterval: 100 * time.Millisecond,
			DisconnectGrace:      5 * time.Second,
			HealthPollInterval:   2 * time.Second,
		},
	}
	cfg.HTTP.Addr = ":8080"
	cfg.Metrics.Enabled = true
	cfg.Archive.Path = "flowpool.db"
	return cfg
}

// Load 讀取 YAML 設定檔並疊加在預設值上
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate 檢查設定值
func (c Config) Validate() error {
	var errs []error
	if c.Pool.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("pool.max_attempts must be at least 1, got %d", c.Pool.MaxAttempts))
	}
	for name, d := range map[string]time.Duration{
		"retry_delay":            c.Pool.RetryDelay,
		"success_grace":          c.Pool.SuccessGrace,
		"history_retry_interval": c.Pool.HistoryRetryInterval,
		"disconnect_grace":       c.Pool.DisconnectGrace,
		"health_poll_interval":   c.Pool.HealthPollInterval,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("pool.%s must not be negative", name))
		}
	}
	if c.Pool.HistoryRetries < 0 {
		errs = append(errs, errors.New("pool.history_retries must not be negative"))
	}

	seen := make(map[string]bool)
	for i, w := range c.Workers {
		switch {
		case w.ID == "":
			errs = append(errs, fmt.Errorf("workers[%d]: id is required", i))
		case seen[w.ID]:
			errs = append(errs, fmt.Errorf("workers[%d]: duplicate id %q", i, w.ID))
		}
		seen[w.ID] = true
		if (w.URL == "") == (w.Sim == nil) {
			errs = append(errs, fmt.Errorf("workers[%d]: exactly one of url or sim must be set", i))
		}
		if w.Sim != nil && (w.Sim.FailureRate < 0 || w.Sim.FailureRate > 1 || w.Sim.CacheRate < 0 || w.Sim.CacheRate > 1) {
			errs = append(errs, fmt.Errorf("workers[%d]: sim rates must be within [0, 1]", i))
		}
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if c.Archive.Enabled && c.Archive.Path == "" {
		errs = append(errs, errors.New("archive.path is required when the archive is enabled"))
	}
	return errors.Join(errs...)
}
