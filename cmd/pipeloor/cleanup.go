package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/riftops/pipeloor/pkg/config"
	"github.com/riftops/pipeloor/pkg/docker"
	"github.com/riftops/pipeloor/pkg/podman"
	"github.com/spf13/cobra"
)

var forceCleanup bool

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove dangling pipeloor containers and volumes",
	Long: `Remove all containers and volumes created by pipeloor. This is useful
for cleaning up after failed or interrupted runs.`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVarP(&forceCleanup, "force", "f", false, "Skip confirmation prompt")
}

// managedContainer associates a container with the runtime that owns it.
type managedContainer struct {
	info docker.ContainerInfo
	rt   docker.ContainerRuntime
}

// managedVolume associates a volume with the runtime that owns it.
type managedVolume struct {
	info docker.VolumeInfo
	rt   docker.ContainerRuntime
}

func runCleanup(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	runtimes := buildCleanupRuntimes(ctx)
	if len(runtimes) == 0 {
		return fmt.Errorf("no container runtimes available (tried Docker and Podman)")
	}

	defer func() {
		for _, rt := range runtimes {
			if err := rt.Stop(); err != nil {
				log.WithError(err).Warn("Failed to stop container runtime")
			}
		}
	}()

	return performCleanup(ctx, runtimes, forceCleanup)
}

// buildCleanupRuntimes returns every container runtime that is
// reachable on this host. Cleanup sweeps all of them since a previous
// run may have used either engine.
func buildCleanupRuntimes(ctx context.Context) []docker.ContainerRuntime {
	var runtimes []docker.ContainerRuntime

	if rt, err := docker.NewRuntime(log); err == nil {
		if err := rt.Start(ctx); err == nil {
			runtimes = append(runtimes, rt)
		} else {
			log.WithError(err).Debug("Docker runtime not available")
		}
	}

	if rt, err := podman.NewRuntime(log); err == nil {
		if err := rt.Start(ctx); err == nil {
			runtimes = append(runtimes, rt)
		} else {
			log.WithError(err).Debug("Podman runtime not available")
		}
	}

	return runtimes
}

// performCleanup lists and removes all pipeloor-labelled resources
// across the provided runtimes.
func performCleanup(ctx context.Context, runtimes []docker.ContainerRuntime, force bool) error {
	var containers []managedContainer

	var volumes []managedVolume

	for _, rt := range runtimes {
		cl, err := rt.ListContainers(ctx)
		if err != nil {
			log.WithError(err).Warn("Failed to list containers from a runtime")
		}

		for _, c := range cl {
			containers = append(containers, managedContainer{info: c, rt: rt})
		}

		vl, err := rt.ListVolumes(ctx)
		if err != nil {
			log.WithError(err).Warn("Failed to list volumes from a runtime")
		}

		for _, v := range vl {
			volumes = append(volumes, managedVolume{info: v, rt: rt})
		}
	}

	if len(containers) == 0 && len(volumes) == 0 {
		log.Info("No pipeloor resources found")

		return nil
	}

	// Display resources to be deleted.
	if len(containers) > 0 {
		fmt.Printf("\nContainers to be removed (%d):\n", len(containers))

		for _, c := range containers {
			id := c.info.ID
			if len(id) > 12 {
				id = id[:12]
			}

			fmt.Printf("  - %s (%s)\n", c.info.Name, id)
		}
	}

	if len(volumes) > 0 {
		fmt.Printf("\nVolumes to be removed (%d):\n", len(volumes))

		for _, v := range volumes {
			fmt.Printf("  - %s\n", v.info.Name)
		}
	}

	fmt.Println()

	// Prompt for confirmation if not forced.
	if !force {
		fmt.Print("Are you sure you want to remove these resources? [y/N] ")

		reader := bufio.NewReader(os.Stdin)

		response, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("reading response: %w", err)
		}

		response = strings.TrimSpace(strings.ToLower(response))
		if response != "y" && response != "yes" {
			log.Info("Cleanup cancelled")

			return nil
		}
	}

	// Remove containers first.
	for _, c := range containers {
		log.WithField("container", c.info.Name).Info("Removing container")

		if err := c.rt.RemoveContainer(ctx, c.info.ID); err != nil {
			log.WithError(err).WithField("container", c.info.Name).Warn("Failed to remove container")
		}
	}

	// Remove volumes.
	for _, v := range volumes {
		log.WithField("volume", v.info.Name).Info("Removing volume")

		if err := v.rt.RemoveVolume(ctx, v.info.Name); err != nil {
			log.WithError(err).WithField("volume", v.info.Name).Warn("Failed to remove volume")
		}
	}

	// Remove the managed network now that nothing is attached to it.
	for _, rt := range runtimes {
		if err := rt.RemoveNetwork(ctx, config.DefaultDockerNetwork); err != nil {
			log.WithError(err).Debug("Failed to remove network")
		}
	}

	log.Info("Cleanup complete")

	return nil
}
