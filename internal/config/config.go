package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig        `yaml:"server" toml:"server"`
	Storage   StorageConfig       `yaml:"storage" toml:"storage"`
	Limits    LimitsConfig        `yaml:"limits" toml:"limits"`
	HTTP      HTTPConfig          `yaml:"http" toml:"http"`
	Task      TaskConfig          `yaml:"task" toml:"task"`
	Queue     QueueConfig         `yaml:"queue" toml:"queue"`
	Challenge ChallengeConfig     `yaml:"challenge" toml:"challenge"`
	Logging   LoggingConfig       `yaml:"logging" toml:"logging"`
	Proxies   map[string][]string `yaml:"proxies" toml:"proxies"`
	Notify    NotifyConfig        `yaml:"notify" toml:"notify"`
}

type ServerConfig struct {
	Addr string     `yaml:"addr" toml:"addr"`
	Cors CorsConfig `yaml:"cors" toml:"cors"`
}

type CorsConfig struct {
	AllowOrigins     []string `yaml:"allowOrigins" toml:"allowOrigins"`
	AllowCredentials bool     `yaml:"allowCredentials" toml:"allowCredentials"`
}

type StorageConfig struct {
	SQLitePath string `yaml:"sqlitePath" toml:"sqlitePath"`
}

type LimitsConfig struct {
	GlobalQPS     float64 `yaml:"globalQPS" toml:"globalQPS"`
	GlobalBurst   int     `yaml:"globalBurst" toml:"globalBurst"`
	PerStoreQPS   float64 `yaml:"perStoreQPS" toml:"perStoreQPS"`
	PerStoreBurst int     `yaml:"perStoreBurst" toml:"perStoreBurst"`
	// MaxWorkers caps concurrently running workers; zero means unlimited.
	MaxWorkers  int `yaml:"maxWorkers" toml:"maxWorkers"`
	MaxRestarts int `yaml:"maxRestarts" toml:"maxRestarts"`
}

type HTTPConfig struct {
	TimeoutMs          int          `yaml:"timeoutMs" toml:"timeoutMs"`
	MaxTimeoutMs       int          `yaml:"maxTimeoutMs" toml:"maxTimeoutMs"`
	Retry              HTTPRetryCfg `yaml:"retry" toml:"retry"`
	IgnoreServerErrors *bool        `yaml:"ignoreServerErrors" toml:"ignoreServerErrors"`
	HideTimedOut       bool         `yaml:"hideTimedOut" toml:"hideTimedOut"`
}

type HTTPRetryCfg struct {
	Count     int `yaml:"count" toml:"count"`
	WaitMs    int `yaml:"waitMs" toml:"waitMs"`
	MaxWaitMs int `yaml:"maxWaitMs" toml:"maxWaitMs"`
}

func (c HTTPConfig) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return 20 * time.Second
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c HTTPConfig) MaxTimeout() time.Duration {
	if c.MaxTimeoutMs <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.MaxTimeoutMs) * time.Millisecond
}

// ServerErrorsRetried defaults to true when unset.
func (c HTTPConfig) ServerErrorsRetried() bool {
	if c.IgnoreServerErrors == nil {
		return true
	}
	return *c.IgnoreServerErrors
}

func (c HTTPRetryCfg) Wait() time.Duration {
	if c.WaitMs <= 0 {
		return 200 * time.Millisecond
	}
	return time.Duration(c.WaitMs) * time.Millisecond
}

func (c HTTPRetryCfg) MaxWait() time.Duration {
	if c.MaxWaitMs <= 0 {
		return 1200 * time.Millisecond
	}
	return time.Duration(c.MaxWaitMs) * time.Millisecond
}

type TaskConfig struct {
	RetryDelayMs   int  `yaml:"retryDelayMs" toml:"retryDelayMs"`
	ErrorDelayMs   int  `yaml:"errorDelayMs" toml:"errorDelayMs"`
	MonitorDelayMs int  `yaml:"monitorDelayMs" toml:"monitorDelayMs"`
	SnapToMinute   bool `yaml:"snapToMinute" toml:"snapToMinute"`
	MinDelayMs     int  `yaml:"minDelayMs" toml:"minDelayMs"`
}

func (c TaskConfig) RetryDelay() time.Duration {
	if c.RetryDelayMs <= 0 {
		return 3 * time.Second
	}
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

func (c TaskConfig) ErrorDelay() time.Duration {
	if c.ErrorDelayMs <= 0 {
		return 3 * time.Second
	}
	return time.Duration(c.ErrorDelayMs) * time.Millisecond
}

func (c TaskConfig) MonitorDelay() time.Duration {
	if c.MonitorDelayMs <= 0 {
		return 1500 * time.Millisecond
	}
	return time.Duration(c.MonitorDelayMs) * time.Millisecond
}

func (c TaskConfig) MinDelay() time.Duration {
	if c.MinDelayMs <= 0 {
		return 250 * time.Millisecond
	}
	return time.Duration(c.MinDelayMs) * time.Millisecond
}

type QueueConfig struct {
	PollIntervalMs     int `yaml:"pollIntervalMs" toml:"pollIntervalMs"`
	PresolveTTLSeconds int `yaml:"presolveTTLSeconds" toml:"presolveTTLSeconds"`
}

func (c QueueConfig) PollInterval() time.Duration {
	if c.PollIntervalMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c QueueConfig) PresolveTTL() time.Duration {
	if c.PresolveTTLSeconds <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(c.PresolveTTLSeconds) * time.Second
}

type ChallengeConfig struct {
	TokenTTLSeconds int `yaml:"tokenTTLSeconds" toml:"tokenTTLSeconds"`
	BankSize        int `yaml:"bankSize" toml:"bankSize"`
}

func (c ChallengeConfig) TokenTTL() time.Duration {
	if c.TokenTTLSeconds <= 0 {
		return 110 * time.Second
	}
	return time.Duration(c.TokenTTLSeconds) * time.Second
}

type LoggingConfig struct {
	Level string `yaml:"level" toml:"level"`
}

type NotifyConfig struct {
	Email EmailConfig `yaml:"email" toml:"email"`
}

type EmailConfig struct {
	Enabled        bool   `yaml:"enabled" toml:"enabled"`
	To             string `yaml:"to" toml:"to"`
	From           string `yaml:"from" toml:"from"`
	Host           string `yaml:"host" toml:"host"`
	Port           int    `yaml:"port" toml:"port"`
	Username       string `yaml:"username" toml:"username"`
	Password       string `yaml:"password" toml:"password"`
	SummaryWindowS int    `yaml:"summaryWindowSeconds" toml:"summaryWindowSeconds"`
}

func (c EmailConfig) SummaryWindow() time.Duration {
	if c.SummaryWindowS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.SummaryWindowS) * time.Second
}

// Load reads YAML, or TOML when the file has a .toml extension.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(b, &cfg)
	} else {
		err = yaml.Unmarshal(b, &cfg)
	}
	if err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default is the configuration used when no file is given.
func Default() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8090"
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "./data/checkout_engine.db"
	}
	if c.Limits.GlobalBurst <= 0 {
		c.Limits.GlobalBurst = 20
	}
	if c.Limits.PerStoreBurst <= 0 {
		c.Limits.PerStoreBurst = 5
	}
	if c.Limits.MaxRestarts < 0 {
		c.Limits.MaxRestarts = 0
	} else if c.Limits.MaxRestarts == 0 {
		c.Limits.MaxRestarts = 3
	}
	if c.HTTP.Retry.Count < 0 {
		c.HTTP.Retry.Count = 0
	}
	if c.Challenge.BankSize <= 0 {
		c.Challenge.BankSize = 50
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Notify.Email.Port == 0 {
		c.Notify.Email.Port = 465
	}
}

func (c Config) validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.HTTP.TimeoutMs > 0 && c.HTTP.MaxTimeoutMs > 0 && c.HTTP.MaxTimeoutMs < c.HTTP.TimeoutMs {
		return errors.New("http.maxTimeoutMs must not be below http.timeoutMs")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug|info|warn|error", c.Logging.Level)
	}
	for name, urls := range c.Proxies {
		if strings.TrimSpace(name) == "" {
			return errors.New("proxies: group name is required")
		}
		if len(urls) == 0 {
			return fmt.Errorf("proxies.%s: at least one proxy is required", name)
		}
	}
	if c.Notify.Email.Enabled && (c.Notify.Email.To == "" || c.Notify.Email.Host == "") {
		return errors.New("notify.email: to and host are required when enabled")
	}
	return nil
}
