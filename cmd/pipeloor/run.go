package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/riftops/pipeloor/pkg/config"
	"github.com/riftops/pipeloor/pkg/deploy"
	"github.com/riftops/pipeloor/pkg/docker"
	"github.com/riftops/pipeloor/pkg/gitx"
	"github.com/riftops/pipeloor/pkg/orchestrator"
	"github.com/riftops/pipeloor/pkg/pipeline"
	"github.com/riftops/pipeloor/pkg/podman"
	"github.com/riftops/pipeloor/pkg/stage"
	"github.com/riftops/pipeloor/pkg/sysinfo"
	"github.com/riftops/pipeloor/pkg/tracker"
	"github.com/riftops/pipeloor/pkg/tracker/indexstore"
	"github.com/riftops/pipeloor/pkg/upload"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	runBranch     string
	runIterations int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline loop",
	Long: `Execute the bounded iteration loop: build, test and deploy until the
first success or until the iteration limit is reached.`,
	RunE: runPipeline,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runBranch, "branch", "",
		"Branch name override (must follow the TEAM_LEADER_AI_Fix convention)")
	runCmd.Flags().IntVar(&runIterations, "iterations", 0,
		"Override the configured iteration limit")
}

func runPipeline(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	applyConfigLogLevel(cmd, cfg)

	if runIterations > 0 {
		cfg.Pipeline.Iterations = runIterations
	}

	// Setup context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
	}()

	tr := tracker.NewTracker(log, cfg.Tracker.Dir)
	if err := tr.Start(ctx); err != nil {
		return fmt.Errorf("starting tracker: %w", err)
	}

	defer func() {
		if err := tr.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop tracker")
		}
	}()

	collab, stop, err := buildCollaborators(ctx, cfg)
	if err != nil {
		return err
	}

	defer stop()

	limit, err := cfg.Pipeline.OutputLimitBytes()
	if err != nil {
		return err
	}

	runner := stage.NewRunner(log, &stage.Config{
		WorkDir:     cfg.Pipeline.WorkDir,
		OutputLimit: limit,
	})

	orch := orchestrator.New(log, cfg, tr, runner, collab)

	run, err := orch.Execute(ctx, &orchestrator.Request{
		Branch:      runBranch,
		Environment: sysinfo.Collect(ctx, log, version),
	})
	if err != nil {
		return fmt.Errorf("executing pipeline: %w", err)
	}

	if run.Status != pipeline.StatusSucceeded {
		return fmt.Errorf("pipeline %s after %d iterations", run.Status, len(run.Iterations))
	}

	return nil
}

// buildCollaborators wires the configured external systems. The
// returned stop function releases everything that was started.
func buildCollaborators(
	ctx context.Context,
	cfg *config.Config,
) (*orchestrator.Collaborators, func(), error) {
	collab := &orchestrator.Collaborators{}

	var stops []func()

	stop := func() {
		for i := len(stops) - 1; i >= 0; i-- {
			stops[i]()
		}
	}

	// Container runtime, unless both container-backed stages are
	// overridden with shell commands.
	if cfg.Pipeline.Commands.Build == "" || cfg.Pipeline.Commands.Test == "" {
		rt, err := buildRuntime(ctx, cfg)
		if err != nil {
			stop()

			return nil, nil, err
		}

		stops = append(stops, func() {
			if err := rt.Stop(); err != nil {
				log.WithError(err).Warn("Failed to stop container runtime")
			}
		})

		collab.Runtime = rt
	}

	if cfg.Git.Enabled {
		git := gitx.NewClient(log, &gitx.Config{
			RepoPath:   cfg.Git.RepoPath,
			BaseBranch: cfg.Git.BaseBranch,
			CloneDepth: cfg.Git.CloneDepth,
		})

		if cfg.Git.CloneURL != "" {
			if err := git.Clone(ctx, cfg.Git.CloneURL, cfg.Git.BaseBranch); err != nil {
				stop()

				return nil, nil, fmt.Errorf("cloning repository: %w", err)
			}
		}

		collab.Git = git
	}

	dep, err := deploy.New(log, &cfg.Deploy)
	if err != nil {
		stop()

		return nil, nil, fmt.Errorf("creating deploy client: %w", err)
	}

	collab.Deploy = dep

	if cfg.Upload.S3 != nil && cfg.Upload.S3.Enabled {
		uploader, err := upload.NewS3Uploader(log, cfg.Upload.S3)
		if err != nil {
			stop()

			return nil, nil, fmt.Errorf("creating s3 uploader: %w", err)
		}

		if err := uploader.Preflight(ctx); err != nil {
			stop()

			return nil, nil, fmt.Errorf("s3 preflight: %w", err)
		}

		collab.Uploader = uploader
	}

	if cfg.Tracker.Index.Enabled {
		index := indexstore.NewStore(log, &cfg.Tracker.Index)

		if err := index.Start(ctx); err != nil {
			stop()

			return nil, nil, fmt.Errorf("starting run index: %w", err)
		}

		stops = append(stops, func() {
			if err := index.Stop(); err != nil {
				log.WithError(err).Warn("Failed to stop run index")
			}
		})

		collab.Index = index
	}

	return collab, stop, nil
}

// buildRuntime creates and starts the configured container runtime and
// makes sure the managed network exists.
func buildRuntime(ctx context.Context, cfg *config.Config) (docker.ContainerRuntime, error) {
	var (
		rt  docker.ContainerRuntime
		err error
	)

	switch cfg.Global.ContainerRuntime {
	case "podman":
		rt, err = podman.NewRuntime(log)
	default:
		rt, err = docker.NewRuntime(log)
	}

	if err != nil {
		return nil, fmt.Errorf("creating container runtime: %w", err)
	}

	if err := rt.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting container runtime: %w", err)
	}

	if cfg.Global.CleanupOnStart {
		if err := performCleanup(ctx, []docker.ContainerRuntime{rt}, true); err != nil {
			log.WithError(err).Warn("Startup cleanup failed")
		}
	}

	if cfg.Global.DockerNetwork != "" {
		if err := rt.EnsureNetwork(ctx, cfg.Global.DockerNetwork); err != nil {
			return nil, fmt.Errorf("ensuring network: %w", err)
		}
	}

	// When the build stage is handled outside the runtime, the test
	// image has to come from a registry.
	if cfg.Pipeline.Commands.Build != "" && cfg.Docker.ImageName != "" {
		if err := rt.PullImage(ctx, cfg.Docker.ImageName, cfg.Docker.PullPolicy); err != nil {
			return nil, fmt.Errorf("pulling image: %w", err)
		}
	}

	return rt, nil
}

// applyConfigLogLevel applies the configured log level unless the flag
// was set explicitly.
func applyConfigLogLevel(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("log-level") || cfg.Global.LogLevel == "" {
		return
	}

	level, err := logrus.ParseLevel(cfg.Global.LogLevel)
	if err != nil {
		log.WithField("log_level", cfg.Global.LogLevel).
			Warn("Invalid log level in config, keeping current level")

		return
	}

	log.SetLevel(level)
}
