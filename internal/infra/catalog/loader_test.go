package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"orchd/internal/domain"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoader_Success(t *testing.T) {
	file := writeTempConfig(t, `
servers:
  - name: files
    command: ./files-server
    args: ["--root", "/data"]
    env:
      FILES_MODE: readonly
`)

	loader := NewLoader(zap.NewNop())
	cfg, err := loader.Load(context.Background(), file)
	require.NoError(t, err)
	require.Len(t, cfg.Servers, 1)

	expect := domain.ServerSpec{
		Name:    "files",
		Command: "./files-server",
		Args:    []string{"--root", "/data"},
		Env:     map[string]string{"FILES_MODE": "readonly"},
	}
	if diff := cmp.Diff(expect, cfg.Servers[0]); diff != "" {
		t.Fatalf("spec mismatch (-want +got):\n%s", diff)
	}

	require.Equal(t, domain.DefaultDynamicTTLSeconds*time.Second, cfg.Registry.TTL)
	require.Equal(t, domain.DefaultMaxDynamicTools, cfg.Registry.MaxDynamic)
	require.Equal(t, domain.DefaultSweepIntervalSeconds*time.Second, cfg.Registry.SweepInterval)
	require.Equal(t, domain.DefaultPoolSize, cfg.Sandbox.PoolSize)
	require.Equal(t, domain.DefaultPoolWarm, cfg.Sandbox.PoolWarm)
	require.Equal(t, uint64(domain.DefaultMemoryCeilingBytes), cfg.Sandbox.MemoryBytes)
	require.Equal(t, domain.DefaultStackDepthCeiling, cfg.Sandbox.StackDepth)
	require.Equal(t, domain.DefaultPlannerTimeoutSeconds*time.Second, cfg.Planner.Timeout)
	require.Equal(t, domain.DefaultMaxRepairAttempts, cfg.Planner.MaxRepairs)
	require.Equal(t, domain.DefaultMaxCandidates, cfg.Fallback.MaxCandidates)
	require.Equal(t, domain.DefaultCoarseShortlist, cfg.Fallback.CoarseShortlist)
	require.Equal(t, domain.DefaultEmbedDimension, cfg.Fallback.EmbedDimension)
	require.InDelta(t, domain.DefaultFastPathThreshold, cfg.Fallback.FastPathThreshold, 1e-9)
	require.Equal(t, domain.DefaultLogLevel, cfg.Observability.LogLevel)
	require.Equal(t, domain.DefaultMetricsListenAddress, cfg.Observability.MetricsAddress)
	require.False(t, cfg.Planner.Enabled())
}

func TestLoader_EnvExpansion(t *testing.T) {
	t.Setenv("FILES_ROOT", "/srv/data")
	file := writeTempConfig(t, `
servers:
  - name: files
    command: ./files-server
    args: ["--root", "${FILES_ROOT}"]
`)

	loader := NewLoader(zap.NewNop())
	cfg, err := loader.Load(context.Background(), file)
	require.NoError(t, err)
	require.Equal(t, []string{"--root", "/srv/data"}, cfg.Servers[0].Args)
}

func TestLoader_MissingEnvExpandsEmpty(t *testing.T) {
	file := writeTempConfig(t, `
servers:
  - name: files
    command: ./files-server
planner:
  model: gpt-4o-mini
  apiKey: "${ORCHD_UNSET_KEY_FOR_TEST}"
  apiKeyEnvVar: OPENAI_API_KEY
`)

	loader := NewLoader(zap.NewNop())
	cfg, err := loader.Load(context.Background(), file)
	require.NoError(t, err)
	require.Empty(t, cfg.Planner.APIKey)
	require.Equal(t, "OPENAI_API_KEY", cfg.Planner.APIKeyEnvVar)
	require.True(t, cfg.Planner.Enabled())
}

func TestLoader_PlannerOverrides(t *testing.T) {
	file := writeTempConfig(t, `
planner:
  provider: openai
  model: gpt-4o
  apiKey: sk-test
  baseURL: https://proxy.example.com/v1
  timeoutSeconds: 60
  maxRepairs: 2
registry:
  ttlSeconds: 30
  maxDynamicTools: 10
sandbox:
  poolSize: 4
  poolWarm: 1
`)

	loader := NewLoader(zap.NewNop())
	cfg, err := loader.Load(context.Background(), file)
	require.NoError(t, err)
	require.Equal(t, "gpt-4o", cfg.Planner.Model)
	require.Equal(t, 60*time.Second, cfg.Planner.Timeout)
	require.Equal(t, 2, cfg.Planner.MaxRepairs)
	require.Equal(t, 30*time.Second, cfg.Registry.TTL)
	require.Equal(t, 10, cfg.Registry.MaxDynamic)
	require.Equal(t, 4, cfg.Sandbox.PoolSize)
	require.Equal(t, 1, cfg.Sandbox.PoolWarm)
}

func TestLoader_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		config  string
		wantErr string
	}{
		{
			name: "missing server name",
			config: `
servers:
  - command: ./x
`,
			wantErr: "name is required",
		},
		{
			name: "missing command",
			config: `
servers:
  - name: files
`,
			wantErr: "command is required",
		},
		{
			name: "duplicate server name",
			config: `
servers:
  - name: files
    command: ./a
  - name: files
    command: ./b
`,
			wantErr: "duplicate name",
		},
		{
			name: "planner without credentials",
			config: `
planner:
  model: gpt-4o
`,
			wantErr: "apiKey or planner.apiKeyEnvVar",
		},
		{
			name: "bad provider",
			config: `
planner:
  provider: anthropic
  model: claude
  apiKey: k
`,
			wantErr: "provider must be openai",
		},
		{
			name: "shortlist below candidates",
			config: `
fallback:
  maxCandidates: 10
  coarseShortlist: 5
`,
			wantErr: "coarseShortlist must be >=",
		},
		{
			name: "bad threshold",
			config: `
fallback:
  fastPathThreshold: 1.5
`,
			wantErr: "fastPathThreshold must be between",
		},
		{
			name: "bad log level",
			config: `
observability:
  logLevel: verbose
`,
			wantErr: "logLevel must be one of",
		},
		{
			name: "warm above pool size",
			config: `
sandbox:
  poolSize: 2
  poolWarm: 5
`,
			wantErr: "poolWarm must be between",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file := writeTempConfig(t, tt.config)
			loader := NewLoader(zap.NewNop())
			_, err := loader.Load(context.Background(), file)
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoader_MissingFile(t *testing.T) {
	loader := NewLoader(zap.NewNop())
	_, err := loader.Load(context.Background(), filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoader_EmptyPath(t *testing.T) {
	loader := NewLoader(zap.NewNop())
	_, err := loader.Load(context.Background(), "")
	require.Error(t, err)
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	file := writeTempConfig(t, `
servers:
  - name: files
    command: ./a
`)

	loader := NewLoader(zap.NewNop())
	updates := make(chan domain.Config, 1)
	watcher := NewWatcher(loader, file, func(cfg domain.Config) {
		select {
		case updates <- cfg:
		default:
		}
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- watcher.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(file, []byte(`
servers:
  - name: files
    command: ./b
`), 0o644))

	select {
	case cfg := <-updates:
		require.Equal(t, "./b", cfg.Servers[0].Command)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatcher_KeepsPreviousOnInvalidEdit(t *testing.T) {
	file := writeTempConfig(t, `
servers:
  - name: files
    command: ./a
`)

	loader := NewLoader(zap.NewNop())
	updates := make(chan domain.Config, 1)
	watcher := NewWatcher(loader, file, func(cfg domain.Config) {
		updates <- cfg
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = watcher.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(file, []byte(`
servers:
  - command: ./no-name
`), 0o644))

	select {
	case cfg := <-updates:
		t.Fatalf("invalid config should not be delivered, got %+v", cfg)
	case <-time.After(time.Second):
	}
}
