package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel string        `json:"log_level" yaml:"log_level"`
	Storage  StorageConfig `json:"storage" yaml:"storage"`
	Sharing  SharingConfig `json:"sharing" yaml:"sharing"`
	API      APIConfig     `json:"api" yaml:"api"`
	Events   EventsConfig  `json:"events" yaml:"events"`
}

type StorageConfig struct {
	Driver      string      `json:"driver" yaml:"driver"`
	DSN         string      `json:"dsn" yaml:"dsn"`
	MaxAttempts int         `json:"max_attempts" yaml:"max_attempts"`
	Redis       RedisConfig `json:"redis" yaml:"redis"`
}

type RedisConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// SharingConfig throttles sharing toggles. A zero cooldown or daily limit
// disables that check.
type SharingConfig struct {
	Timezone   string         `json:"timezone" yaml:"timezone"`
	Preference ThrottleConfig `json:"preference" yaml:"preference"`
	Group      ThrottleConfig `json:"group" yaml:"group"`
}

type ThrottleConfig struct {
	Cooldown   time.Duration `json:"cooldown" yaml:"cooldown"`
	DailyLimit int           `json:"daily_limit" yaml:"daily_limit"`
}

type APIConfig struct {
	Enabled           bool    `json:"enabled" yaml:"enabled"`
	Addr              string  `json:"addr" yaml:"addr"`
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `json:"burst" yaml:"burst"`
}

type EventsConfig struct {
	DedupeWindow time.Duration `json:"dedupe_window" yaml:"dedupe_window"`
	Kafka        KafkaConfig   `json:"kafka" yaml:"kafka"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Storage: StorageConfig{
			Driver:      "sqlite",
			DSN:         "file:spendsync.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)",
			MaxAttempts: 5,
			Redis:       RedisConfig{Addr: "localhost:6379", KeyPrefix: "spendsync:docs"},
		},
		Sharing: SharingConfig{
			Timezone:   "UTC",
			Preference: ThrottleConfig{Cooldown: 5 * time.Minute, DailyLimit: 3},
			Group:      ThrottleConfig{Cooldown: 15 * time.Minute, DailyLimit: 3},
		},
		API: APIConfig{Enabled: true, Addr: ":8080", RequestsPerSecond: 20, Burst: 40},
		Events: EventsConfig{
			DedupeWindow: 10 * time.Minute,
			Kafka:        KafkaConfig{Enabled: false, Topic: "scan-completed", GroupID: "spendsync"},
		},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	ApplyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides file settings from SPENDSYNC_* variables, which is how
// deployments inject secrets.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("SPENDSYNC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SPENDSYNC_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("SPENDSYNC_STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("SPENDSYNC_REDIS_ADDR"); v != "" {
		cfg.Storage.Redis.Addr = v
	}
	if v := os.Getenv("SPENDSYNC_REDIS_PASSWORD"); v != "" {
		cfg.Storage.Redis.Password = v
	}
	if v := os.Getenv("SPENDSYNC_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Storage.Redis.DB = n
		}
	}
	if v := os.Getenv("SPENDSYNC_API_ADDR"); v != "" {
		cfg.API.Addr = v
	}
	if v := os.Getenv("SPENDSYNC_KAFKA_BROKERS"); v != "" {
		cfg.Events.Kafka.Brokers = splitList(v)
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.MaxAttempts <= 0 {
		cfg.Storage.MaxAttempts = 5
	}
	if cfg.Sharing.Timezone == "" {
		cfg.Sharing.Timezone = "UTC"
	}
	if cfg.API.RequestsPerSecond <= 0 {
		cfg.API.RequestsPerSecond = 20
	}
	if cfg.API.Burst <= 0 {
		cfg.API.Burst = 40
	}
	if cfg.Events.DedupeWindow < 0 {
		cfg.Events.DedupeWindow = 0
	}
}

func Validate(cfg *Config) error {
	switch strings.ToLower(cfg.Storage.Driver) {
	case "memory", "sqlite", "postgres", "postgresql", "redis":
	default:
		return fmt.Errorf("storage.driver %q is not one of memory, sqlite, postgres, redis", cfg.Storage.Driver)
	}
	if _, err := time.LoadLocation(cfg.Sharing.Timezone); err != nil {
		return fmt.Errorf("sharing.timezone: %w", err)
	}
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Events.Kafka.Enabled {
		if len(cfg.Events.Kafka.Brokers) == 0 || cfg.Events.Kafka.Topic == "" || cfg.Events.Kafka.GroupID == "" {
			return errors.New("events.kafka requires brokers, topic, group_id")
		}
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager serves cfg without a backing file.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
