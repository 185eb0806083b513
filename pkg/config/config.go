// Package config loads the pipeloor configuration from YAML with
// environment overrides. The documented legacy environment keys
// (PIPELINE_ITERATIONS, TEAM_NAME, ...) bind directly to their
// configuration fields.
package config

import (
	"fmt"
	"strings"

	units "github.com/docker/go-units"
	"github.com/spf13/viper"
)

const (
	// DefaultIterations is the bounded number of pipeline iterations.
	DefaultIterations = 3

	// DefaultDelaySeconds is the wait between iterations.
	DefaultDelaySeconds = 5

	// DefaultBuildTimeoutSeconds bounds the build stage.
	DefaultBuildTimeoutSeconds = 600

	// DefaultTestTimeoutSeconds bounds the test stage.
	DefaultTestTimeoutSeconds = 300

	// DefaultDeployTimeoutSeconds bounds the deploy stage unless the
	// target brings its own policy.
	DefaultDeployTimeoutSeconds = 600

	// DefaultDockerNetwork is the network managed containers join.
	DefaultDockerNetwork = "pipeloor"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultResultsDir holds per-run artifacts and summaries.
	DefaultResultsDir = "./results"

	// DefaultTrackerDir holds the append-only run logs.
	DefaultTrackerDir = "./tracker"

	// DefaultOutputLimit caps captured stage output.
	DefaultOutputLimit = "64KiB"

	// DefaultPullPolicy is the default image pull policy.
	DefaultPullPolicy = "if-not-present"
)

// Config is the root configuration for pipeloor. It is immutable after
// Load returns.
type Config struct {
	Global   GlobalConfig   `mapstructure:"global" yaml:"global"`
	Pipeline PipelineConfig `mapstructure:"pipeline" yaml:"pipeline"`
	Naming   NamingConfig   `mapstructure:"naming" yaml:"naming"`
	Git      GitConfig      `mapstructure:"git" yaml:"git"`
	Docker   DockerConfig   `mapstructure:"docker" yaml:"docker"`
	Deploy   DeployConfig   `mapstructure:"deploy" yaml:"deploy"`
	Tracker  TrackerConfig  `mapstructure:"tracker" yaml:"tracker"`
	Upload   UploadConfig   `mapstructure:"upload" yaml:"upload"`
	API      APIConfig      `mapstructure:"api" yaml:"api"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel         string `mapstructure:"log_level" yaml:"log_level"`
	ContainerRuntime string `mapstructure:"container_runtime" yaml:"container_runtime"`
	DockerNetwork    string `mapstructure:"docker_network" yaml:"docker_network"`
	CleanupOnStart   bool   `mapstructure:"cleanup_on_start" yaml:"cleanup_on_start"`
}

// StageTimeouts holds per-stage timeout bounds in seconds.
type StageTimeouts struct {
	Build  int `mapstructure:"build" yaml:"build"`
	Test   int `mapstructure:"test" yaml:"test"`
	Deploy int `mapstructure:"deploy" yaml:"deploy"`
}

// StageCommands optionally overrides collaborator-backed stages with
// shell commands run by the stage runner.
type StageCommands struct {
	Build  string `mapstructure:"build" yaml:"build,omitempty"`
	Test   string `mapstructure:"test" yaml:"test,omitempty"`
	Deploy string `mapstructure:"deploy" yaml:"deploy,omitempty"`
}

// PipelineConfig contains the iteration and stage settings.
type PipelineConfig struct {
	Iterations   int           `mapstructure:"iterations" yaml:"iterations"`
	DelaySeconds int           `mapstructure:"delay_seconds" yaml:"delay_seconds"`
	Timeouts     StageTimeouts `mapstructure:"timeouts" yaml:"timeouts"`
	Commands     StageCommands `mapstructure:"commands" yaml:"commands"`
	WorkDir      string        `mapstructure:"work_dir" yaml:"work_dir,omitempty"`
	ResultsDir   string        `mapstructure:"results_dir" yaml:"results_dir"`
	OutputLimit  string        `mapstructure:"output_limit" yaml:"output_limit"`
}

// OutputLimitBytes parses the configured output cap ("64KiB", "1MB").
func (p *PipelineConfig) OutputLimitBytes() (int64, error) {
	n, err := units.RAMInBytes(p.OutputLimit)
	if err != nil {
		return 0, fmt.Errorf("parsing output_limit %q: %w", p.OutputLimit, err)
	}

	return n, nil
}

// NamingConfig feeds the branch naming convention.
type NamingConfig struct {
	TeamName   string `mapstructure:"team_name" yaml:"team_name"`
	LeaderName string `mapstructure:"leader_name" yaml:"leader_name"`
}

// GitConfig controls the git automation collaborator.
type GitConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	RepoPath   string `mapstructure:"repo_path" yaml:"repo_path,omitempty"`
	CloneURL   string `mapstructure:"clone_url" yaml:"clone_url,omitempty"`
	CloneDepth int    `mapstructure:"clone_depth" yaml:"clone_depth,omitempty"`
	BaseBranch string `mapstructure:"base_branch" yaml:"base_branch"`
	Remote     string `mapstructure:"remote" yaml:"remote"`
	Push       bool   `mapstructure:"push" yaml:"push"`
}

// DockerConfig controls the container runtime collaborator.
type DockerConfig struct {
	ImageName     string `mapstructure:"image_name" yaml:"image_name"`
	ContainerName string `mapstructure:"container_name" yaml:"container_name"`
	BuildContext  string `mapstructure:"build_context" yaml:"build_context"`
	Dockerfile    string `mapstructure:"dockerfile" yaml:"dockerfile,omitempty"`
	PullPolicy    string `mapstructure:"pull_policy" yaml:"pull_policy"`
}

// TrackerConfig controls run persistence.
type TrackerConfig struct {
	Dir   string      `mapstructure:"dir" yaml:"dir"`
	Index IndexConfig `mapstructure:"index" yaml:"index"`
}

// IndexConfig controls the queryable run index database.
type IndexConfig struct {
	Enabled  bool           `mapstructure:"enabled" yaml:"enabled"`
	Driver   string         `mapstructure:"driver" yaml:"driver"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite" yaml:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
}

// SQLiteConfig for the sqlite index driver.
type SQLiteConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// PostgresConfig for the postgres index driver.
type PostgresConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password"`
	Database string `mapstructure:"database" yaml:"database"`
	SSLMode  string `mapstructure:"sslmode" yaml:"sslmode"`
}

// UploadConfig controls S3 upload of artifacts and results.
type UploadConfig struct {
	S3 *S3Config `mapstructure:"s3" yaml:"s3,omitempty"`
}

// S3Config for S3-compatible storage.
type S3Config struct {
	Enabled         bool   `mapstructure:"enabled" yaml:"enabled"`
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	Prefix          string `mapstructure:"prefix" yaml:"prefix,omitempty"`
	Region          string `mapstructure:"region" yaml:"region,omitempty"`
	EndpointURL     string `mapstructure:"endpoint_url" yaml:"endpoint_url,omitempty"`
	ForcePathStyle  bool   `mapstructure:"force_path_style" yaml:"force_path_style,omitempty"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key,omitempty"`
	UploadResults   bool   `mapstructure:"upload_results" yaml:"upload_results,omitempty"`
}

// BasicAuthUser is an API user with a bcrypt password hash.
type BasicAuthUser struct {
	Username     string `mapstructure:"username" yaml:"username"`
	PasswordHash string `mapstructure:"password_hash" yaml:"password_hash"`
}

// APIConfig controls the read-only runs API.
type APIConfig struct {
	ListenAddr        string          `mapstructure:"listen_addr" yaml:"listen_addr"`
	AllowedOrigins    []string        `mapstructure:"allowed_origins" yaml:"allowed_origins,omitempty"`
	RequestsPerMinute int             `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	AuthEnabled       bool            `mapstructure:"auth_enabled" yaml:"auth_enabled"`
	Users             []BasicAuthUser `mapstructure:"users" yaml:"users,omitempty"`
}

// legacyEnvBindings maps configuration keys to the documented
// environment variable names.
var legacyEnvBindings = map[string]string{
	"global.log_level":            "LOG_LEVEL",
	"pipeline.iterations":         "PIPELINE_ITERATIONS",
	"pipeline.delay_seconds":      "PIPELINE_DELAY",
	"naming.team_name":            "TEAM_NAME",
	"naming.leader_name":          "LEADER_NAME",
	"docker.image_name":           "DOCKER_IMAGE_NAME",
	"docker.container_name":       "DOCKER_CONTAINER_NAME",
	"deploy.railway.project_id":   "RAILWAY_PROJECT_ID",
	"deploy.railway.token":        "RAILWAY_TOKEN",
	"deploy.lambda.function_name": "AWS_FUNCTION_NAME",
}

// Load reads the configuration file (optional) and applies environment
// overrides, defaults and validation.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("PIPELOOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, env := range legacyEnvBindings {
		// Bind both the prefixed and the documented bare key.
		if err := v.BindEnv(key, "PIPELOOR_"+env, env); err != nil {
			return nil, fmt.Errorf("binding env %s: %w", env, err)
		}
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults registers defaults for every key so environment-only
// configuration works without a config file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", DefaultLogLevel)
	v.SetDefault("global.container_runtime", "docker")
	v.SetDefault("global.docker_network", DefaultDockerNetwork)
	v.SetDefault("global.cleanup_on_start", false)

	v.SetDefault("pipeline.iterations", DefaultIterations)
	v.SetDefault("pipeline.delay_seconds", DefaultDelaySeconds)
	v.SetDefault("pipeline.timeouts.build", DefaultBuildTimeoutSeconds)
	v.SetDefault("pipeline.timeouts.test", DefaultTestTimeoutSeconds)
	v.SetDefault("pipeline.timeouts.deploy", DefaultDeployTimeoutSeconds)
	v.SetDefault("pipeline.results_dir", DefaultResultsDir)
	v.SetDefault("pipeline.output_limit", DefaultOutputLimit)

	v.SetDefault("naming.team_name", "")
	v.SetDefault("naming.leader_name", "")

	v.SetDefault("git.enabled", false)
	v.SetDefault("git.base_branch", "main")
	v.SetDefault("git.remote", "origin")
	v.SetDefault("git.push", true)

	v.SetDefault("docker.image_name", "")
	v.SetDefault("docker.container_name", "")
	v.SetDefault("docker.build_context", ".")
	v.SetDefault("docker.pull_policy", DefaultPullPolicy)

	v.SetDefault("deploy.target", "none")
	v.SetDefault("deploy.railway.project_id", "")
	v.SetDefault("deploy.railway.token", "")
	v.SetDefault("deploy.lambda.function_name", "")

	v.SetDefault("tracker.dir", DefaultTrackerDir)
	v.SetDefault("tracker.index.enabled", true)
	v.SetDefault("tracker.index.driver", "sqlite")
	v.SetDefault("tracker.index.sqlite.path", "./tracker/index.db")

	v.SetDefault("api.listen_addr", ":8080")
	v.SetDefault("api.requests_per_minute", 120)
	v.SetDefault("api.auth_enabled", false)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Pipeline.Iterations < 1 {
		return fmt.Errorf("pipeline.iterations must be >= 1, got %d", c.Pipeline.Iterations)
	}

	if c.Pipeline.DelaySeconds < 0 {
		return fmt.Errorf("pipeline.delay_seconds must be >= 0, got %d", c.Pipeline.DelaySeconds)
	}

	if c.Pipeline.Timeouts.Build <= 0 || c.Pipeline.Timeouts.Test <= 0 || c.Pipeline.Timeouts.Deploy <= 0 {
		return fmt.Errorf("pipeline.timeouts must all be > 0")
	}

	if _, err := c.Pipeline.OutputLimitBytes(); err != nil {
		return err
	}

	switch c.Global.ContainerRuntime {
	case "", "docker", "podman":
	default:
		return fmt.Errorf(
			"unsupported container_runtime %q (use \"docker\" or \"podman\")",
			c.Global.ContainerRuntime,
		)
	}

	switch c.Docker.PullPolicy {
	case "", "always", "if-not-present", "never":
	default:
		return fmt.Errorf("unsupported pull_policy %q", c.Docker.PullPolicy)
	}

	if err := c.Deploy.validate(); err != nil {
		return err
	}

	if c.Tracker.Index.Enabled {
		switch c.Tracker.Index.Driver {
		case "sqlite", "postgres":
		default:
			return fmt.Errorf("unsupported tracker index driver %q", c.Tracker.Index.Driver)
		}
	}

	if c.API.AuthEnabled && len(c.API.Users) == 0 {
		return fmt.Errorf("api.auth_enabled requires at least one user")
	}

	return nil
}
