package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Pipeline.Iterations)
	assert.Equal(t, 5, cfg.Pipeline.DelaySeconds)
	assert.Equal(t, 600, cfg.Pipeline.Timeouts.Build)
	assert.Equal(t, 300, cfg.Pipeline.Timeouts.Test)
	assert.Equal(t, "info", cfg.Global.LogLevel)
	assert.Equal(t, "docker", cfg.Global.ContainerRuntime)
	assert.Equal(t, "pipeloor", cfg.Global.DockerNetwork)
	assert.Equal(t, "main", cfg.Git.BaseBranch)
	assert.Equal(t, "origin", cfg.Git.Remote)
	assert.Equal(t, "sqlite", cfg.Tracker.Index.Driver)

	limit, err := cfg.Pipeline.OutputLimitBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(64*1024), limit)
}

func TestLoad_FromFile(t *testing.T) {
	path := writeConfig(t, `
global:
  log_level: debug
  container_runtime: podman
pipeline:
  iterations: 5
  delay_seconds: 1
  output_limit: 1MiB
  commands:
    build: make build
naming:
  team_name: RIFT ORGANISERS
  leader_name: Saiyam Kumar
docker:
  image_name: riftops/app
  container_name: riftops-app
deploy:
  target: railway
  railway:
    project_id: prj-123
    token: tok-456
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Global.LogLevel)
	assert.Equal(t, "podman", cfg.Global.ContainerRuntime)
	assert.Equal(t, 5, cfg.Pipeline.Iterations)
	assert.Equal(t, 1, cfg.Pipeline.DelaySeconds)
	assert.Equal(t, "make build", cfg.Pipeline.Commands.Build)
	assert.Equal(t, "RIFT ORGANISERS", cfg.Naming.TeamName)
	assert.Equal(t, "riftops/app", cfg.Docker.ImageName)
	assert.Equal(t, "railway", cfg.Deploy.Target)
	assert.Equal(t, "prj-123", cfg.Deploy.Railway.ProjectID)

	limit, err := cfg.Pipeline.OutputLimitBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(1024*1024), limit)
}

func TestLoad_LegacyEnvOverrides(t *testing.T) {
	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name:    "PIPELINE_ITERATIONS",
			envVars: map[string]string{"PIPELINE_ITERATIONS": "7"},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 7, cfg.Pipeline.Iterations)
			},
		},
		{
			name:    "PIPELINE_DELAY",
			envVars: map[string]string{"PIPELINE_DELAY": "0"},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 0, cfg.Pipeline.DelaySeconds)
			},
		},
		{
			name: "TEAM_NAME and LEADER_NAME",
			envVars: map[string]string{
				"TEAM_NAME":   "RIFT ORGANISERS",
				"LEADER_NAME": "Saiyam Kumar",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "RIFT ORGANISERS", cfg.Naming.TeamName)
				assert.Equal(t, "Saiyam Kumar", cfg.Naming.LeaderName)
			},
		},
		{
			name:    "DOCKER_IMAGE_NAME",
			envVars: map[string]string{"DOCKER_IMAGE_NAME": "riftops/app:latest"},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "riftops/app:latest", cfg.Docker.ImageName)
			},
		},
		{
			name:    "LOG_LEVEL",
			envVars: map[string]string{"LOG_LEVEL": "warning"},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "warning", cfg.Global.LogLevel)
			},
		},
		{
			name:    "prefixed key wins over bare key",
			envVars: map[string]string{"PIPELOOR_PIPELINE_ITERATIONS": "9", "PIPELINE_ITERATIONS": "2"},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 9, cfg.Pipeline.Iterations)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg, err := Load("")
			require.NoError(t, err)
			tt.validate(t, cfg)
		})
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:    "iterations below one",
			mutate:  func(cfg *Config) { cfg.Pipeline.Iterations = 0 },
			wantErr: "iterations",
		},
		{
			name:    "negative delay",
			mutate:  func(cfg *Config) { cfg.Pipeline.DelaySeconds = -1 },
			wantErr: "delay_seconds",
		},
		{
			name:    "zero build timeout",
			mutate:  func(cfg *Config) { cfg.Pipeline.Timeouts.Build = 0 },
			wantErr: "timeouts",
		},
		{
			name:    "bad output limit",
			mutate:  func(cfg *Config) { cfg.Pipeline.OutputLimit = "lots" },
			wantErr: "output_limit",
		},
		{
			name:    "unknown runtime",
			mutate:  func(cfg *Config) { cfg.Global.ContainerRuntime = "lxc" },
			wantErr: "container_runtime",
		},
		{
			name:    "railway without token",
			mutate:  func(cfg *Config) { cfg.Deploy.Target = "railway"; cfg.Deploy.Railway.ProjectID = "p" },
			wantErr: "token",
		},
		{
			name:    "lambda without function",
			mutate:  func(cfg *Config) { cfg.Deploy.Target = "lambda" },
			wantErr: "function_name",
		},
		{
			name:    "unknown deploy target",
			mutate:  func(cfg *Config) { cfg.Deploy.Target = "heroku" },
			wantErr: "deploy target",
		},
		{
			name:    "auth without users",
			mutate:  func(cfg *Config) { cfg.API.AuthEnabled = true },
			wantErr: "at least one user",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)

			tt.mutate(cfg)

			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
