// Package podman implements the container runtime on rootful Podman via
// its Go bindings. It mirrors the Docker runtime's behavior so either
// engine can back the build and test stages.
package podman

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	buildahDefine "github.com/containers/buildah/define"
	"github.com/containers/podman/v5/pkg/bindings"
	"github.com/containers/podman/v5/pkg/bindings/containers"
	"github.com/containers/podman/v5/pkg/bindings/images"
	"github.com/containers/podman/v5/pkg/bindings/network"
	"github.com/containers/podman/v5/pkg/bindings/system"
	"github.com/containers/podman/v5/pkg/bindings/volumes"
	entitiesTypes "github.com/containers/podman/v5/pkg/domain/entities/types"
	"github.com/containers/podman/v5/pkg/specgen"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/riftops/pipeloor/pkg/docker"
	"github.com/sirupsen/logrus"
	nettypes "go.podman.io/common/libnetwork/types"
)

// DefaultSocket is the default rootful Podman socket path.
const DefaultSocket = "unix:///run/podman/podman.sock"

// qualifyImageName ensures the image name is fully qualified for Podman.
// Docker defaults short names like "riftops/app:tag" to
// "docker.io/riftops/app:tag", but Podman requires fully-qualified names
// unless unqualified-search registries are configured.
func qualifyImageName(name string) string {
	// Already has a registry (contains a dot before the first slash).
	parts := strings.SplitN(name, "/", 2)
	if len(parts) == 2 && strings.Contains(parts[0], ".") {
		return name
	}

	return "docker.io/" + name
}

// runtime implements docker.ContainerRuntime using Podman Go bindings.
type runtime struct {
	log  logrus.FieldLogger
	conn context.Context // Podman connection context.
	done chan struct{}
	wg   sync.WaitGroup
}

// Ensure interface compliance.
var _ docker.ContainerRuntime = (*runtime)(nil)

// NewRuntime creates a Podman-backed container runtime.
func NewRuntime(log logrus.FieldLogger) (docker.ContainerRuntime, error) {
	return &runtime{
		log:  log.WithField("component", "podman"),
		done: make(chan struct{}),
	}, nil
}

// Start initializes the Podman connection and validates the runtime mode.
func (r *runtime) Start(ctx context.Context) error {
	conn, err := bindings.NewConnection(ctx, DefaultSocket)
	if err != nil {
		return fmt.Errorf(
			"connecting to podman socket (%s): %w\n"+
				"Ensure the Podman service is running: systemctl start podman.socket",
			DefaultSocket, err,
		)
	}

	r.conn = conn

	// Validate the connection and check runtime mode.
	info, err := system.Info(r.conn, nil)
	if err != nil {
		return fmt.Errorf("querying podman info: %w", err)
	}

	if info.Host.Security.Rootless {
		return fmt.Errorf(
			"podman is running in rootless mode, but rootful podman is required; " +
				"run the podman service as root or use: sudo systemctl start podman.socket",
		)
	}

	r.log.WithFields(logrus.Fields{
		"version": info.Version.Version,
		"runtime": info.Host.OCIRuntime.Name,
	}).Debug("Connected to Podman daemon")

	return nil
}

// Stop cleans up the Podman runtime.
func (r *runtime) Stop() error {
	close(r.done)
	r.wg.Wait()

	return nil
}

// EnsureNetwork creates a Podman network if it doesn't exist.
func (r *runtime) EnsureNetwork(ctx context.Context, name string) error {
	nets, err := network.List(r.conn, &network.ListOptions{
		Filters: map[string][]string{"name": {name}},
	})
	if err != nil {
		return fmt.Errorf("listing networks: %w", err)
	}

	for _, n := range nets {
		if n.Name == name {
			r.log.WithField("network", name).Debug("Network already exists")

			return nil
		}
	}

	netCfg := nettypes.Network{
		Name:   name,
		Driver: "bridge",
		Labels: docker.ManagedLabels(""),
	}

	if _, err := network.Create(r.conn, &netCfg); err != nil {
		return fmt.Errorf("creating network %s: %w", name, err)
	}

	r.log.WithField("network", name).Info("Created Podman network")

	return nil
}

// RemoveNetwork removes a Podman network.
func (r *runtime) RemoveNetwork(ctx context.Context, name string) error {
	if _, err := network.Remove(r.conn, name, nil); err != nil {
		return fmt.Errorf("removing network %s: %w", name, err)
	}

	r.log.WithField("network", name).Info("Removed Podman network")

	return nil
}

// BuildImage builds an image from the context directory via the Podman
// build endpoint.
func (r *runtime) BuildImage(
	ctx context.Context,
	contextDir, dockerfile, imageName string,
	output io.Writer,
) error {
	log := r.log.WithFields(logrus.Fields{
		"image":   imageName,
		"context": contextDir,
	})

	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}

	if output == nil {
		output = io.Discard
	}

	log.Info("Building image")

	_, err := images.Build(r.conn, []string{filepath.Join(contextDir, dockerfile)}, entitiesTypes.BuildOptions{
		BuildOptions: buildahDefine.BuildOptions{
			ContextDirectory: contextDir,
			Output:           imageName,
			Labels:           []string{docker.ManagedByLabel + "=" + docker.ManagedByValue},
			Out:              output,
			Err:              output,
		},
	})
	if err != nil {
		return fmt.Errorf("building image %s: %w", imageName, err)
	}

	log.Info("Image built successfully")

	return nil
}

// PullImage pulls a container image according to the pull policy.
func (r *runtime) PullImage(ctx context.Context, imageName string, policy string) error {
	imageName = qualifyImageName(imageName)
	log := r.log.WithField("image", imageName)

	if policy == "never" {
		log.Debug("Skipping image pull (policy: never)")

		return nil
	}

	if policy == "if-not-present" {
		_, err := images.GetImage(r.conn, imageName, nil)
		if err == nil {
			log.Debug("Image already exists (policy: if-not-present)")

			return nil
		}
	}

	log.Info("Pulling image")

	if _, err := images.Pull(r.conn, imageName, nil); err != nil {
		return fmt.Errorf("pulling image %s: %w", imageName, err)
	}

	log.Info("Image pulled successfully")

	return nil
}

// GetImageDigest returns the SHA256 digest of an image.
func (r *runtime) GetImageDigest(ctx context.Context, imageName string) (string, error) {
	imageName = qualifyImageName(imageName)

	inspect, err := images.GetImage(r.conn, imageName, nil)
	if err != nil {
		return "", fmt.Errorf("inspecting image: %w", err)
	}

	// RepoDigests contains "image@sha256:hash" format.
	if len(inspect.RepoDigests) > 0 {
		digest := inspect.RepoDigests[0]
		if idx := strings.Index(digest, "sha256:"); idx != -1 {
			return digest[idx:], nil
		}

		return digest, nil
	}

	// Fallback to image ID.
	return inspect.ID, nil
}

// CreateContainer creates a new container from the spec using Podman's
// specgen.
func (r *runtime) CreateContainer(
	ctx context.Context, spec *docker.ContainerSpec,
) (string, error) {
	log := r.log.WithField("container", spec.Name)

	s := &specgen.SpecGenerator{}
	s.Name = spec.Name
	s.Image = qualifyImageName(spec.Image)
	s.HealthLogDestination = "local"
	s.Entrypoint = spec.Entrypoint
	s.Command = spec.Command
	s.WorkDir = spec.WorkDir

	s.Labels = docker.ManagedLabels("")
	for k, v := range spec.Labels {
		s.Labels[k] = v
	}

	// Convert env map.
	if len(spec.Env) > 0 {
		s.Env = make(map[string]string, len(spec.Env))
		for k, v := range spec.Env {
			s.Env[k] = v
		}
	}

	// Convert mounts. Docker-style "volume" mounts must be mapped to
	// Podman's NamedVolume type; OCI runtimes (crun/runc) don't recognise
	// "volume" as a mount type and would fail with "No such device".
	if len(spec.Mounts) > 0 {
		s.Mounts = make([]specs.Mount, 0, len(spec.Mounts))

		for _, mnt := range spec.Mounts {
			if mnt.Type == "volume" {
				nv := &specgen.NamedVolume{
					Name: mnt.Source,
					Dest: mnt.Target,
				}

				if mnt.ReadOnly {
					nv.Options = append(nv.Options, "ro")
				}

				s.Volumes = append(s.Volumes, nv)

				continue
			}

			m := specs.Mount{
				Destination: mnt.Target,
				Source:      mnt.Source,
				Type:        mnt.Type,
			}

			if mnt.ReadOnly {
				m.Options = append(m.Options, "ro")
			}

			s.Mounts = append(s.Mounts, m)
		}
	}

	// Configure network.
	if spec.NetworkName != "" {
		s.Networks = map[string]nettypes.PerNetworkOptions{
			spec.NetworkName: {},
		}
	}

	resp, err := containers.CreateWithSpec(r.conn, s, nil)
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}

	log.WithField("id", resp.ID[:12]).Debug("Created container")

	return resp.ID, nil
}

// StartContainer starts a container.
func (r *runtime) StartContainer(ctx context.Context, containerID string) error {
	if err := containers.Start(r.conn, containerID, nil); err != nil {
		return fmt.Errorf("starting container %s: %w", containerID[:12], err)
	}

	r.log.WithField("id", containerID[:12]).Debug("Started container")

	return nil
}

// StopContainer stops a container.
func (r *runtime) StopContainer(ctx context.Context, containerID string) error {
	if err := containers.Stop(r.conn, containerID, nil); err != nil {
		return fmt.Errorf("stopping container %s: %w", containerID[:12], err)
	}

	r.log.WithField("id", containerID[:12]).Debug("Stopped container")

	return nil
}

// RemoveContainer removes a container.
func (r *runtime) RemoveContainer(ctx context.Context, containerID string) error {
	force := true
	vols := true
	timeout := uint(0) // SIGKILL immediately, skip SIGTERM grace period.

	if _, err := containers.Remove(r.conn, containerID, &containers.RemoveOptions{
		Force:   &force,
		Volumes: &vols,
		Timeout: &timeout,
	}); err != nil {
		return fmt.Errorf("removing container %s: %w", containerID[:12], err)
	}

	r.log.WithField("id", containerID[:12]).Debug("Removed container")

	return nil
}

// RunContainer runs a one-shot container to completion and returns its
// exit code. The container is always removed afterwards. A zero timeout
// means no limit; on timeout the container is stopped and the error
// wraps context.DeadlineExceeded.
func (r *runtime) RunContainer(
	ctx context.Context,
	spec *docker.ContainerSpec,
	timeout time.Duration,
	stdout, stderr io.Writer,
) (int64, error) {
	log := r.log.WithField("container", spec.Name)

	containerID, err := r.CreateContainer(ctx, spec)
	if err != nil {
		return -1, err
	}

	defer func() {
		if rmErr := r.RemoveContainer(context.Background(), containerID); rmErr != nil {
			log.WithError(rmErr).Warn("Failed to remove container")
		}
	}()

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc

		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := r.StartContainer(runCtx, containerID); err != nil {
		return -1, err
	}

	// Stream logs in background if writers provided.
	if stdout != nil || stderr != nil {
		go func() {
			if streamErr := r.StreamLogs(runCtx, containerID, stdout, stderr); streamErr != nil {
				log.WithError(streamErr).Debug("Container log streaming ended")
			}
		}()
	}

	statusCh, errCh := r.WaitForContainerExit(runCtx, containerID)

	select {
	case code := <-statusCh:
		return code, nil
	case err := <-errCh:
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			if stopErr := r.StopContainer(context.Background(), containerID); stopErr != nil {
				log.WithError(stopErr).Warn("Failed to stop timed-out container")
			}

			return -1, fmt.Errorf("container %s timed out after %s: %w",
				spec.Name, timeout, context.DeadlineExceeded)
		}

		return -1, fmt.Errorf("waiting for container: %w", err)
	}
}

// StreamLogs streams container logs to the provided writers.
func (r *runtime) StreamLogs(
	ctx context.Context,
	containerID string,
	stdout, stderr io.Writer,
) error {
	// Unlike Docker's ContainerLogs (which waits for a "created" container
	// to start producing output), Podman's Logs API returns immediately
	// with EOF when the container hasn't started yet. Poll until the
	// container is running so we don't silently lose all log output.
	if err := r.waitForRunning(ctx, containerID); err != nil {
		return fmt.Errorf("waiting for container to start: %w", err)
	}

	follow := true
	showStdout := true
	showStderr := true

	// Derive a context from r.conn (carries Podman connection info) that
	// also cancels when the caller's ctx is cancelled, so follow-mode
	// streaming terminates with the caller.
	logConn, cancel := context.WithCancel(r.conn)
	defer cancel()

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-logConn.Done():
		}
	}()

	stdoutCh := make(chan string, 100)
	stderrCh := make(chan string, 100)

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()

		for line := range stdoutCh {
			if stdout != nil {
				_, _ = io.WriteString(stdout, line+"\n")
			}
		}
	}()

	wg.Add(1)

	go func() {
		defer wg.Done()

		for line := range stderrCh {
			if stderr != nil {
				_, _ = io.WriteString(stderr, line+"\n")
			}
		}
	}()

	err := containers.Logs(logConn, containerID, &containers.LogOptions{
		Follow: &follow,
		Stdout: &showStdout,
		Stderr: &showStderr,
	}, stdoutCh, stderrCh)

	// Podman's Logs does not close the channels on return. Close them so
	// the reader goroutines exit their range loops.
	close(stdoutCh)
	close(stderrCh)

	wg.Wait()

	if err != nil {
		return fmt.Errorf("streaming logs: %w", err)
	}

	return nil
}

// waitForRunning polls container state until it is running or the
// context is cancelled.
func (r *runtime) waitForRunning(ctx context.Context, containerID string) error {
	for {
		inspect, err := containers.Inspect(r.conn, containerID, nil)
		if err != nil {
			return fmt.Errorf("inspecting container: %w", err)
		}

		if inspect.State != nil && !inspect.State.Running && inspect.State.Status != "created" {
			// Already exited; logs are still retrievable.
			return nil
		}

		if inspect.State != nil && inspect.State.Running {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// WaitForContainerExit returns channels that signal when a container
// exits.
func (r *runtime) WaitForContainerExit(
	ctx context.Context,
	containerID string,
) (<-chan int64, <-chan error) {
	statusCh := make(chan int64, 1)
	errCh := make(chan error, 1)

	go func() {
		defer close(statusCh)
		defer close(errCh)

		exitCode, err := containers.Wait(r.conn, containerID, nil)
		if err != nil {
			errCh <- err

			return
		}

		statusCh <- int64(exitCode)
	}()

	return statusCh, errCh
}

// CreateVolume creates a Podman volume.
func (r *runtime) CreateVolume(
	ctx context.Context,
	name string,
	labels map[string]string,
) error {
	merged := docker.ManagedLabels("")
	for k, v := range labels {
		merged[k] = v
	}

	_, err := volumes.Create(r.conn, entitiesTypes.VolumeCreateOptions{
		Name:   name,
		Labels: merged,
	}, nil)
	if err != nil {
		return fmt.Errorf("creating volume %s: %w", name, err)
	}

	r.log.WithField("volume", name).Debug("Created volume")

	return nil
}

// RemoveVolume removes a Podman volume.
func (r *runtime) RemoveVolume(ctx context.Context, name string) error {
	force := true

	if err := volumes.Remove(r.conn, name, &volumes.RemoveOptions{
		Force: &force,
	}); err != nil {
		return fmt.Errorf("removing volume %s: %w", name, err)
	}

	r.log.WithField("volume", name).Info("Removed volume")

	return nil
}

// ListContainers returns all managed containers.
func (r *runtime) ListContainers(ctx context.Context) ([]docker.ContainerInfo, error) {
	all := true

	podmanContainers, err := containers.List(r.conn, &containers.ListOptions{
		All: &all,
		Filters: map[string][]string{
			"label": {docker.ManagedByLabel + "=" + docker.ManagedByValue},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	result := make([]docker.ContainerInfo, 0, len(podmanContainers))

	for _, c := range podmanContainers {
		name := ""

		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}

		result = append(result, docker.ContainerInfo{
			ID:     c.ID,
			Name:   name,
			Labels: c.Labels,
		})
	}

	return result, nil
}

// ListVolumes returns all managed volumes.
func (r *runtime) ListVolumes(ctx context.Context) ([]docker.VolumeInfo, error) {
	podmanVolumes, err := volumes.List(r.conn, &volumes.ListOptions{
		Filters: map[string][]string{
			"label": {docker.ManagedByLabel + "=" + docker.ManagedByValue},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("listing volumes: %w", err)
	}

	result := make([]docker.VolumeInfo, 0, len(podmanVolumes))

	for _, v := range podmanVolumes {
		result = append(result, docker.VolumeInfo{
			Name:   v.Name,
			Labels: v.Labels,
		})
	}

	return result, nil
}
