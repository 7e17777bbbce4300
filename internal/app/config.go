package app

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	defaultPython                  = "python3"
	defaultScanIntervalSeconds     = 30
	defaultDebounceMs              = 200
	defaultInvokeTimeoutSeconds    = 60
	defaultProvisionTimeoutSeconds = 600
	defaultRetryBaseSeconds        = 5
	defaultRetryMaxSeconds         = 300
	defaultMaxIdleSeconds          = 1800
	defaultMaxEnvironments         = 16
	defaultSweepIntervalSeconds    = 60
	defaultObservabilityAddr       = "0.0.0.0:9090"
)

// Config is the normalized runtime configuration.
type Config struct {
	ToolsDir         string
	EnvironsDir      string
	HistoryPath      string
	Python           string
	PipIndexURL      string
	ScanInterval     time.Duration
	Debounce         time.Duration
	InvokeTimeout    time.Duration
	ProvisionTimeout time.Duration
	RetryBase        time.Duration
	RetryMax         time.Duration
	Eviction         EvictionConfig
	Observability    ObservabilityConfig
}

type EvictionConfig struct {
	MaxIdle         time.Duration
	MaxEnvironments int
	SweepInterval   time.Duration
}

type ObservabilityConfig struct {
	ListenAddress  string
	MetricsEnabled bool
	HealthzEnabled bool
}

type rawConfig struct {
	ToolsDir                string               `mapstructure:"toolsDir"`
	EnvironsDir             string               `mapstructure:"environsDir"`
	HistoryPath             string               `mapstructure:"historyPath"`
	Python                  string               `mapstructure:"python"`
	PipIndexURL             string               `mapstructure:"pipIndexURL"`
	ScanIntervalSeconds     int                  `mapstructure:"scanIntervalSeconds"`
	DebounceMs              int                  `mapstructure:"debounceMs"`
	InvokeTimeoutSeconds    int                  `mapstructure:"invokeTimeoutSeconds"`
	ProvisionTimeoutSeconds int                  `mapstructure:"provisionTimeoutSeconds"`
	RetryBaseSeconds        int                  `mapstructure:"retryBaseSeconds"`
	RetryMaxSeconds         int                  `mapstructure:"retryMaxSeconds"`
	Eviction                rawEvictionConfig    `mapstructure:"eviction"`
	Observability           rawObservabilityConf `mapstructure:"observability"`
}

type rawEvictionConfig struct {
	MaxIdleSeconds       int `mapstructure:"maxIdleSeconds"`
	MaxEnvironments      int `mapstructure:"maxEnvironments"`
	SweepIntervalSeconds int `mapstructure:"sweepIntervalSeconds"`
}

type rawObservabilityConf struct {
	ListenAddress  string `mapstructure:"listenAddress"`
	MetricsEnabled bool   `mapstructure:"metricsEnabled"`
	HealthzEnabled bool   `mapstructure:"healthzEnabled"`
}

func newConfigViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetDefault("python", defaultPython)
	v.SetDefault("scanIntervalSeconds", defaultScanIntervalSeconds)
	v.SetDefault("debounceMs", defaultDebounceMs)
	v.SetDefault("invokeTimeoutSeconds", defaultInvokeTimeoutSeconds)
	v.SetDefault("provisionTimeoutSeconds", defaultProvisionTimeoutSeconds)
	v.SetDefault("retryBaseSeconds", defaultRetryBaseSeconds)
	v.SetDefault("retryMaxSeconds", defaultRetryMaxSeconds)
	v.SetDefault("eviction.maxIdleSeconds", defaultMaxIdleSeconds)
	v.SetDefault("eviction.maxEnvironments", defaultMaxEnvironments)
	v.SetDefault("eviction.sweepIntervalSeconds", defaultSweepIntervalSeconds)
	v.SetDefault("observability.listenAddress", defaultObservabilityAddr)
	v.SetDefault("observability.metricsEnabled", true)
	v.SetDefault("observability.healthzEnabled", true)
	return v
}

// LoadConfig reads, expands, and validates the YAML config at path.
func LoadConfig(path string, logger *zap.Logger) (Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		return Config{}, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	expanded, missing := expandConfigEnv(string(data))
	if len(missing) > 0 {
		logger.Warn("missing environment variables in config",
			zap.String("path", path), zap.Strings("missing", missing))
	}

	v := newConfigViper()
	if err := v.ReadConfig(bytes.NewBufferString(expanded)); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	var raw rawConfig
	if err := v.Unmarshal(&raw); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return normalizeConfig(raw)
}

func normalizeConfig(raw rawConfig) (Config, error) {
	var errs []string

	toolsDir := strings.TrimSpace(raw.ToolsDir)
	if toolsDir == "" {
		errs = append(errs, "toolsDir is required")
	}
	python := strings.TrimSpace(raw.Python)
	if python == "" {
		python = defaultPython
	}
	if raw.ScanIntervalSeconds < 0 {
		errs = append(errs, "scanIntervalSeconds must be >= 0")
	}
	if raw.DebounceMs <= 0 {
		errs = append(errs, "debounceMs must be > 0")
	}
	if raw.InvokeTimeoutSeconds <= 0 {
		errs = append(errs, "invokeTimeoutSeconds must be > 0")
	}
	if raw.ProvisionTimeoutSeconds <= 0 {
		errs = append(errs, "provisionTimeoutSeconds must be > 0")
	}
	if raw.RetryBaseSeconds <= 0 {
		errs = append(errs, "retryBaseSeconds must be > 0")
	}
	if raw.RetryMaxSeconds < raw.RetryBaseSeconds {
		errs = append(errs, "retryMaxSeconds must be >= retryBaseSeconds")
	}
	if raw.Eviction.MaxIdleSeconds < 0 {
		errs = append(errs, "eviction.maxIdleSeconds must be >= 0")
	}
	if raw.Eviction.MaxEnvironments < 0 {
		errs = append(errs, "eviction.maxEnvironments must be >= 0")
	}
	if raw.Eviction.SweepIntervalSeconds <= 0 {
		errs = append(errs, "eviction.sweepIntervalSeconds must be > 0")
	}
	if len(errs) > 0 {
		return Config{}, errors.New(strings.Join(errs, "; "))
	}

	return Config{
		ToolsDir:         toolsDir,
		EnvironsDir:      strings.TrimSpace(raw.EnvironsDir),
		HistoryPath:      strings.TrimSpace(raw.HistoryPath),
		Python:           python,
		PipIndexURL:      strings.TrimSpace(raw.PipIndexURL),
		ScanInterval:     time.Duration(raw.ScanIntervalSeconds) * time.Second,
		Debounce:         time.Duration(raw.DebounceMs) * time.Millisecond,
		InvokeTimeout:    time.Duration(raw.InvokeTimeoutSeconds) * time.Second,
		ProvisionTimeout: time.Duration(raw.ProvisionTimeoutSeconds) * time.Second,
		RetryBase:        time.Duration(raw.RetryBaseSeconds) * time.Second,
		RetryMax:         time.Duration(raw.RetryMaxSeconds) * time.Second,
		Eviction: EvictionConfig{
			MaxIdle:         time.Duration(raw.Eviction.MaxIdleSeconds) * time.Second,
			MaxEnvironments: raw.Eviction.MaxEnvironments,
			SweepInterval:   time.Duration(raw.Eviction.SweepIntervalSeconds) * time.Second,
		},
		Observability: ObservabilityConfig{
			ListenAddress:  strings.TrimSpace(raw.Observability.ListenAddress),
			MetricsEnabled: raw.Observability.MetricsEnabled,
			HealthzEnabled: raw.Observability.HealthzEnabled,
		},
	}, nil
}

var configEnvPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandConfigEnv substitutes ${VAR} references with environment values and
// reports variables that were referenced but unset.
func expandConfigEnv(data string) (string, []string) {
	var missing []string
	expanded := configEnvPattern.ReplaceAllStringFunc(data, func(match string) string {
		name := configEnvPattern.FindStringSubmatch(match)[1]
		value, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
			return ""
		}
		return value
	})
	return expanded, missing
}
