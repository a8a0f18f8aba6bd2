// Package catalog loads and validates the daemon configuration file.
package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"orchd/internal/domain"
)

type Loader struct {
	logger *zap.Logger
}

func NewLoader(logger *zap.Logger) *Loader {
	if logger == nil {
		return &Loader{logger: zap.NewNop()}
	}
	return &Loader{logger: logger.Named("catalog")}
}

func newConfigViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("registry.ttlSeconds", domain.DefaultDynamicTTLSeconds)
	v.SetDefault("registry.maxDynamicTools", domain.DefaultMaxDynamicTools)
	v.SetDefault("registry.sweepIntervalSeconds", domain.DefaultSweepIntervalSeconds)
	v.SetDefault("sandbox.poolSize", domain.DefaultPoolSize)
	v.SetDefault("sandbox.poolWarm", domain.DefaultPoolWarm)
	v.SetDefault("sandbox.acquireTimeoutSeconds", domain.DefaultPoolAcquireTimeoutSeconds)
	v.SetDefault("sandbox.runTimeoutSeconds", domain.DefaultRunTimeoutSeconds)
	v.SetDefault("sandbox.memoryBytes", domain.DefaultMemoryCeilingBytes)
	v.SetDefault("sandbox.stackDepth", domain.DefaultStackDepthCeiling)
	v.SetDefault("sandbox.dryRunTimeoutSeconds", domain.DefaultDryRunTimeoutSeconds)
	v.SetDefault("planner.timeoutSeconds", domain.DefaultPlannerTimeoutSeconds)
	v.SetDefault("planner.maxRepairs", domain.DefaultMaxRepairAttempts)
	v.SetDefault("fallback.maxCandidates", domain.DefaultMaxCandidates)
	v.SetDefault("fallback.coarseShortlist", domain.DefaultCoarseShortlist)
	v.SetDefault("fallback.embedDimension", domain.DefaultEmbedDimension)
	v.SetDefault("fallback.fastPathThreshold", domain.DefaultFastPathThreshold)
	v.SetDefault("fallback.clusterThreshold", domain.DefaultClusterThreshold)
	v.SetDefault("observability.logLevel", domain.DefaultLogLevel)
	v.SetDefault("observability.metricsAddress", domain.DefaultMetricsListenAddress)
}

type rawConfig struct {
	Servers       []rawServerSpec        `mapstructure:"servers"`
	Registry      rawRegistryConfig      `mapstructure:"registry"`
	Sandbox       rawSandboxConfig       `mapstructure:"sandbox"`
	Planner       rawPlannerConfig       `mapstructure:"planner"`
	Fallback      rawFallbackConfig      `mapstructure:"fallback"`
	Observability rawObservabilityConfig `mapstructure:"observability"`
}

type rawServerSpec struct {
	Name    string            `mapstructure:"name"`
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
	Cwd     string            `mapstructure:"cwd"`
}

type rawRegistryConfig struct {
	TTLSeconds           int `mapstructure:"ttlSeconds"`
	MaxDynamicTools      int `mapstructure:"maxDynamicTools"`
	SweepIntervalSeconds int `mapstructure:"sweepIntervalSeconds"`
}

type rawSandboxConfig struct {
	PoolSize              int    `mapstructure:"poolSize"`
	PoolWarm              int    `mapstructure:"poolWarm"`
	AcquireTimeoutSeconds int    `mapstructure:"acquireTimeoutSeconds"`
	RunTimeoutSeconds     int    `mapstructure:"runTimeoutSeconds"`
	MemoryBytes           uint64 `mapstructure:"memoryBytes"`
	StackDepth            int    `mapstructure:"stackDepth"`
	DryRunTimeoutSeconds  int    `mapstructure:"dryRunTimeoutSeconds"`
}

type rawPlannerConfig struct {
	Provider       string `mapstructure:"provider"`
	Model          string `mapstructure:"model"`
	APIKey         string `mapstructure:"apiKey"`
	APIKeyEnvVar   string `mapstructure:"apiKeyEnvVar"`
	BaseURL        string `mapstructure:"baseURL"`
	TimeoutSeconds int    `mapstructure:"timeoutSeconds"`
	MaxRepairs     int    `mapstructure:"maxRepairs"`
}

type rawFallbackConfig struct {
	Path              string  `mapstructure:"path"`
	MaxCandidates     int     `mapstructure:"maxCandidates"`
	CoarseShortlist   int     `mapstructure:"coarseShortlist"`
	EmbedDimension    int     `mapstructure:"embedDimension"`
	FastPathThreshold float64 `mapstructure:"fastPathThreshold"`
	ClusterThreshold  float64 `mapstructure:"clusterThreshold"`
}

type rawObservabilityConfig struct {
	LogLevel       string `mapstructure:"logLevel"`
	MetricsEnabled bool   `mapstructure:"metricsEnabled"`
	MetricsAddress string `mapstructure:"metricsAddress"`
}

// Load reads, expands, and validates the configuration file.
func (l *Loader) Load(ctx context.Context, path string) (domain.Config, error) {
	if path == "" {
		return domain.Config{}, errors.New("config path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Config{}, fmt.Errorf("read config: %w", err)
	}

	expanded, missing, err := expandConfigEnv(data)
	if err != nil {
		return domain.Config{}, err
	}
	if len(missing) > 0 {
		l.logger.Warn("missing environment variables in config",
			zap.String("path", path), zap.Strings("missing", missing))
	}

	v := newConfigViper()
	if err := v.ReadConfig(bytes.NewBufferString(expanded)); err != nil {
		return domain.Config{}, fmt.Errorf("parse config: %w", err)
	}

	var cfg rawConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return domain.Config{}, fmt.Errorf("decode config: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return domain.Config{}, err
	}

	return normalizeConfig(cfg)
}

func normalizeConfig(cfg rawConfig) (domain.Config, error) {
	var errs []string

	servers := make([]domain.ServerSpec, 0, len(cfg.Servers))
	nameSeen := make(map[string]struct{})
	for i, raw := range cfg.Servers {
		name := strings.TrimSpace(raw.Name)
		if name == "" {
			errs = append(errs, fmt.Sprintf("servers[%d]: name is required", i))
		}
		if strings.TrimSpace(raw.Command) == "" {
			errs = append(errs, fmt.Sprintf("servers[%d]: command is required", i))
		}
		if _, exists := nameSeen[name]; exists {
			errs = append(errs, fmt.Sprintf("servers[%d]: duplicate name %q", i, name))
		} else if name != "" {
			nameSeen[name] = struct{}{}
		}
		servers = append(servers, domain.ServerSpec{
			Name:    name,
			Command: raw.Command,
			Args:    raw.Args,
			Env:     raw.Env,
			Cwd:     raw.Cwd,
		})
	}

	if cfg.Registry.TTLSeconds <= 0 {
		errs = append(errs, "registry.ttlSeconds must be > 0")
	}
	if cfg.Registry.MaxDynamicTools <= 0 {
		errs = append(errs, "registry.maxDynamicTools must be > 0")
	}
	if cfg.Registry.SweepIntervalSeconds <= 0 {
		errs = append(errs, "registry.sweepIntervalSeconds must be > 0")
	}

	if cfg.Sandbox.PoolSize <= 0 {
		errs = append(errs, "sandbox.poolSize must be > 0")
	}
	if cfg.Sandbox.PoolWarm < 0 || cfg.Sandbox.PoolWarm > cfg.Sandbox.PoolSize {
		errs = append(errs, "sandbox.poolWarm must be between 0 and sandbox.poolSize")
	}
	if cfg.Sandbox.AcquireTimeoutSeconds <= 0 {
		errs = append(errs, "sandbox.acquireTimeoutSeconds must be > 0")
	}
	if cfg.Sandbox.RunTimeoutSeconds <= 0 {
		errs = append(errs, "sandbox.runTimeoutSeconds must be > 0")
	}
	if cfg.Sandbox.StackDepth <= 0 {
		errs = append(errs, "sandbox.stackDepth must be > 0")
	}
	if cfg.Sandbox.DryRunTimeoutSeconds <= 0 {
		errs = append(errs, "sandbox.dryRunTimeoutSeconds must be > 0")
	}

	if cfg.Planner.Model != "" {
		provider := strings.ToLower(strings.TrimSpace(cfg.Planner.Provider))
		if provider != "" && provider != "openai" {
			errs = append(errs, "planner.provider must be openai")
		}
		if cfg.Planner.APIKey == "" && cfg.Planner.APIKeyEnvVar == "" {
			errs = append(errs, "planner.apiKey or planner.apiKeyEnvVar is required when a model is set")
		}
	}
	if cfg.Planner.TimeoutSeconds <= 0 {
		errs = append(errs, "planner.timeoutSeconds must be > 0")
	}
	if cfg.Planner.MaxRepairs < 0 {
		errs = append(errs, "planner.maxRepairs must be >= 0")
	}

	if cfg.Fallback.MaxCandidates <= 0 {
		errs = append(errs, "fallback.maxCandidates must be > 0")
	}
	if cfg.Fallback.CoarseShortlist < cfg.Fallback.MaxCandidates {
		errs = append(errs, "fallback.coarseShortlist must be >= fallback.maxCandidates")
	}
	if cfg.Fallback.EmbedDimension <= 0 {
		errs = append(errs, "fallback.embedDimension must be > 0")
	}
	if cfg.Fallback.FastPathThreshold < 0 || cfg.Fallback.FastPathThreshold > 1 {
		errs = append(errs, "fallback.fastPathThreshold must be between 0 and 1")
	}
	if cfg.Fallback.ClusterThreshold < 0 || cfg.Fallback.ClusterThreshold > 1 {
		errs = append(errs, "fallback.clusterThreshold must be between 0 and 1")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Observability.LogLevel)) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "observability.logLevel must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return domain.Config{}, errors.New(strings.Join(errs, "; "))
	}

	return domain.Config{
		Servers: servers,
		Registry: domain.RegistryConfig{
			TTL:           time.Duration(cfg.Registry.TTLSeconds) * time.Second,
			MaxDynamic:    cfg.Registry.MaxDynamicTools,
			SweepInterval: time.Duration(cfg.Registry.SweepIntervalSeconds) * time.Second,
		},
		Sandbox: domain.SandboxConfig{
			PoolSize:       cfg.Sandbox.PoolSize,
			PoolWarm:       cfg.Sandbox.PoolWarm,
			AcquireTimeout: time.Duration(cfg.Sandbox.AcquireTimeoutSeconds) * time.Second,
			RunTimeout:     time.Duration(cfg.Sandbox.RunTimeoutSeconds) * time.Second,
			MemoryBytes:    cfg.Sandbox.MemoryBytes,
			StackDepth:     cfg.Sandbox.StackDepth,
			DryRunTimeout:  time.Duration(cfg.Sandbox.DryRunTimeoutSeconds) * time.Second,
		},
		Planner: domain.PlannerConfig{
			Provider:     strings.ToLower(strings.TrimSpace(cfg.Planner.Provider)),
			Model:        cfg.Planner.Model,
			APIKey:       cfg.Planner.APIKey,
			APIKeyEnvVar: cfg.Planner.APIKeyEnvVar,
			BaseURL:      cfg.Planner.BaseURL,
			Timeout:      time.Duration(cfg.Planner.TimeoutSeconds) * time.Second,
			MaxRepairs:   cfg.Planner.MaxRepairs,
		},
		Fallback: domain.FallbackConfig{
			Path:              cfg.Fallback.Path,
			MaxCandidates:     cfg.Fallback.MaxCandidates,
			CoarseShortlist:   cfg.Fallback.CoarseShortlist,
			EmbedDimension:    cfg.Fallback.EmbedDimension,
			FastPathThreshold: cfg.Fallback.FastPathThreshold,
			ClusterThreshold:  cfg.Fallback.ClusterThreshold,
		},
		Observability: domain.ObservabilityConfig{
			LogLevel:       strings.ToLower(strings.TrimSpace(cfg.Observability.LogLevel)),
			MetricsEnabled: cfg.Observability.MetricsEnabled,
			MetricsAddress: cfg.Observability.MetricsAddress,
		},
	}, nil
}
