package domain

import "time"

// ServerSpec describes one upstream tool server launched over stdio.
type ServerSpec struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
	Cwd     string
}

// RegistryConfig tunes the tool registry.
type RegistryConfig struct {
	TTL           time.Duration
	MaxDynamic    int
	SweepInterval time.Duration
}

// SandboxConfig tunes the execution engine and its pool.
type SandboxConfig struct {
	PoolSize       int
	PoolWarm       int
	AcquireTimeout time.Duration
	RunTimeout     time.Duration
	MemoryBytes    uint64
	StackDepth     int
	DryRunTimeout  time.Duration
}

// PlannerConfig configures the model collaborator. An empty Model
// disables orchestration entirely; routing then goes straight to
// fallback search.
type PlannerConfig struct {
	Provider     string
	Model        string
	APIKey       string
	APIKeyEnvVar string
	BaseURL      string
	Timeout      time.Duration
	MaxRepairs   int
}

// Enabled reports whether a model collaborator is configured.
func (c PlannerConfig) Enabled() bool { return c.Model != "" }

// FallbackConfig tunes vector fallback search.
type FallbackConfig struct {
	Path              string // sqlite database path, empty for in-memory
	MaxCandidates     int
	CoarseShortlist   int
	EmbedDimension    int
	FastPathThreshold float64
	ClusterThreshold  float64
}

// ObservabilityConfig covers logging and metrics exposure.
type ObservabilityConfig struct {
	LogLevel       string
	MetricsEnabled bool
	MetricsAddress string
}

// Config is the full daemon configuration.
type Config struct {
	Servers       []ServerSpec
	Registry      RegistryConfig
	Sandbox       SandboxConfig
	Planner       PlannerConfig
	Fallback      FallbackConfig
	Observability ObservabilityConfig
}
