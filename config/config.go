// Package config loads server and client settings.
//
// Settings are resolved in order: defaults, then an optional .json or
// .yaml/.yml file, then PATCHWIRE_* environment variables. Command line
// flags are applied by the binaries on top.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"patchwire/protocol"
)

type LogConfig struct {
	Level       string `json:"level" yaml:"level"`
	Development bool   `json:"development" yaml:"development"`
	// File enables a rotated log file next to stderr output.
	File       string `json:"file" yaml:"file"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
}

type EtcdConfig struct {
	Endpoints      []string `json:"endpoints" yaml:"endpoints"`
	Prefix         string   `json:"prefix" yaml:"prefix"`
	DialTimeoutSec int      `json:"dial_timeout_sec" yaml:"dial_timeout_sec"`
}

// Enabled reports whether any endpoint is configured.
func (e EtcdConfig) Enabled() bool {
	return len(e.Endpoints) > 0
}

func (e EtcdConfig) DialTimeout() time.Duration {
	return time.Duration(e.DialTimeoutSec) * time.Second
}

type FrameConfig struct {
	ChunkSize      int `json:"chunk_size" yaml:"chunk_size"`
	MaxChunkSize   int `json:"max_chunk_size" yaml:"max_chunk_size"`
	MaxMessageSize int `json:"max_message_size" yaml:"max_message_size"`
}

// Framer builds a protocol.Framer; zero values take the protocol defaults.
func (f FrameConfig) Framer() *protocol.Framer {
	return protocol.NewFramer(f.ChunkSize, uint32(max(f.MaxChunkSize, 0)), f.MaxMessageSize)
}

type ServerConfig struct {
	Addr       string `json:"addr" yaml:"addr"`
	WorkerPath string `json:"worker_path" yaml:"worker_path"`
	// BackupPath defaults to "<worker_path>.bak".
	BackupPath string `json:"backup_path" yaml:"backup_path"`
	Digest     string `json:"digest" yaml:"digest"`
	Watch      bool   `json:"watch" yaml:"watch"`

	Frame FrameConfig `json:"frame" yaml:"frame"`

	// RateLimit is requests per second across all sessions, 0 disables it.
	RateLimit float64 `json:"rate_limit" yaml:"rate_limit"`
	RateBurst int     `json:"rate_burst" yaml:"rate_burst"`

	ShutdownTimeoutSec int `json:"shutdown_timeout_sec" yaml:"shutdown_timeout_sec"`

	Etcd          EtcdConfig `json:"etcd" yaml:"etcd"`
	AdvertiseAddr string     `json:"advertise_addr" yaml:"advertise_addr"`
	Weight        int        `json:"weight" yaml:"weight"`
	TTLSec        int64      `json:"ttl_sec" yaml:"ttl_sec"`

	Log LogConfig `json:"log" yaml:"log"`
}

func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSec) * time.Second
}

type ClientConfig struct {
	Addr   string `json:"addr" yaml:"addr"`
	Digest string `json:"digest" yaml:"digest"`
	// TimeoutSec bounds each call, 0 waits indefinitely.
	TimeoutSec int `json:"timeout_sec" yaml:"timeout_sec"`

	Frame FrameConfig `json:"frame" yaml:"frame"`

	Etcd     EtcdConfig `json:"etcd" yaml:"etcd"`
	Balancer string     `json:"balancer" yaml:"balancer"`

	Log LogConfig `json:"log" yaml:"log"`
}

func (c ClientConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

func defaultLog() LogConfig {
	return LogConfig{
		Level:      "info",
		MaxSizeMB:  10,
		MaxBackups: 3,
		MaxAgeDays: 7,
	}
}

func defaultEtcd() EtcdConfig {
	return EtcdConfig{
		Prefix:         "/patchwire/servers/",
		DialTimeoutSec: 5,
	}
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:               "0.0.0.0:12345",
		WorkerPath:         "worker.yaml",
		Digest:             "md5",
		Watch:              true,
		RateBurst:          10,
		ShutdownTimeoutSec: 10,
		Etcd:               defaultEtcd(),
		Weight:             1,
		TTLSec:             10,
		Log:                defaultLog(),
	}
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Addr:     "localhost:12345",
		Digest:   "md5",
		Etcd:     defaultEtcd(),
		Balancer: "round_robin",
		Log:      defaultLog(),
	}
}

// LoadServerConfig resolves the server configuration. A missing file at path
// is not an error.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := loadFile(path, &cfg); err != nil {
		return cfg, err
	}

	if v := os.Getenv("PATCHWIRE_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("PATCHWIRE_WORKER_PATH"); v != "" {
		cfg.WorkerPath = v
	}
	if v := os.Getenv("PATCHWIRE_BACKUP_PATH"); v != "" {
		cfg.BackupPath = v
	}
	if v := os.Getenv("PATCHWIRE_DIGEST"); v != "" {
		cfg.Digest = v
	}
	if v := os.Getenv("PATCHWIRE_WATCH"); v != "" {
		cfg.Watch = parseBool(v)
	}
	if v := os.Getenv("PATCHWIRE_RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return cfg, fmt.Errorf("PATCHWIRE_RATE_LIMIT: %w", err)
		}
		cfg.RateLimit = f
	}
	cfg.RateBurst = envInt("PATCHWIRE_RATE_BURST", cfg.RateBurst)
	cfg.ShutdownTimeoutSec = envInt("PATCHWIRE_SHUTDOWN_TIMEOUT_SEC", cfg.ShutdownTimeoutSec)
	if v := os.Getenv("PATCHWIRE_ADVERTISE_ADDR"); v != "" {
		cfg.AdvertiseAddr = v
	}
	cfg.Weight = envInt("PATCHWIRE_WEIGHT", cfg.Weight)
	applyEtcdEnv(&cfg.Etcd)
	applyFrameEnv(&cfg.Frame)
	applyLogEnv(&cfg.Log)

	if cfg.BackupPath == "" {
		cfg.BackupPath = cfg.WorkerPath + ".bak"
	}
	if cfg.AdvertiseAddr == "" {
		cfg.AdvertiseAddr = cfg.Addr
	}
	return cfg, nil
}

// LoadClientConfig resolves the client configuration. A missing file at path
// is not an error.
func LoadClientConfig(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	if err := loadFile(path, &cfg); err != nil {
		return cfg, err
	}

	if v := os.Getenv("PATCHWIRE_SERVER"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("PATCHWIRE_DIGEST"); v != "" {
		cfg.Digest = v
	}
	cfg.TimeoutSec = envInt("PATCHWIRE_TIMEOUT_SEC", cfg.TimeoutSec)
	if v := os.Getenv("PATCHWIRE_BALANCER"); v != "" {
		cfg.Balancer = v
	}
	applyEtcdEnv(&cfg.Etcd)
	applyFrameEnv(&cfg.Frame)
	applyLogEnv(&cfg.Log)
	return cfg, nil
}

func loadFile(path string, v any) error {
	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		if err := json.Unmarshal(b, v); err != nil {
			return fmt.Errorf("parse json: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, v); err != nil {
			return fmt.Errorf("parse yaml: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config extension: %s", ext)
	}
	return nil
}

func applyEtcdEnv(e *EtcdConfig) {
	if v := os.Getenv("PATCHWIRE_ETCD_ENDPOINTS"); v != "" {
		e.Endpoints = splitCSV(v)
	}
	if v := os.Getenv("PATCHWIRE_ETCD_PREFIX"); v != "" {
		e.Prefix = v
	}
}

func applyFrameEnv(f *FrameConfig) {
	f.ChunkSize = envInt("PATCHWIRE_CHUNK_SIZE", f.ChunkSize)
	f.MaxChunkSize = envInt("PATCHWIRE_MAX_CHUNK_SIZE", f.MaxChunkSize)
	f.MaxMessageSize = envInt("PATCHWIRE_MAX_MESSAGE_SIZE", f.MaxMessageSize)
}

func applyLogEnv(l *LogConfig) {
	if v := os.Getenv("PATCHWIRE_LOG_LEVEL"); v != "" {
		l.Level = v
	}
	if v := os.Getenv("PATCHWIRE_LOG_FILE"); v != "" {
		l.File = v
	}
	if v := os.Getenv("PATCHWIRE_LOG_DEVELOPMENT"); v != "" {
		l.Development = parseBool(v)
	}
}

func parseBool(v string) bool {
	return v == "1" || strings.EqualFold(v, "true")
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
