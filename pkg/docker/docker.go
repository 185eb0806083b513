// Package docker implements the container runtime on top of the Docker
// Engine API: image builds and pulls, one-shot stage containers and the
// labelled resource cleanup the CLI exposes.
package docker

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	buildtypes "github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/sirupsen/logrus"
)

// Labels applied to every resource the runtime creates. Cleanup only
// touches resources carrying ManagedByLabel=ManagedByValue.
const (
	ManagedByLabel = "pipeloor.managed-by"
	ManagedByValue = "pipeloor"
	RunIDLabel     = "pipeloor.run-id"
)

// ManagedLabels returns the label set for resources belonging to a run.
func ManagedLabels(runID string) map[string]string {
	labels := map[string]string{ManagedByLabel: ManagedByValue}
	if runID != "" {
		labels[RunIDLabel] = runID
	}

	return labels
}

// ContainerRuntime abstracts the container engine behind the build and
// test stages. Implemented by this package for Docker and by pkg/podman
// for Podman.
type ContainerRuntime interface {
	Start(ctx context.Context) error
	Stop() error

	// Network operations.
	EnsureNetwork(ctx context.Context, name string) error
	RemoveNetwork(ctx context.Context, name string) error

	// Image operations.
	BuildImage(ctx context.Context, contextDir, dockerfile, imageName string, output io.Writer) error
	PullImage(ctx context.Context, imageName string, policy string) error
	GetImageDigest(ctx context.Context, imageName string) (string, error)

	// Container operations.
	CreateContainer(ctx context.Context, spec *ContainerSpec) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string) error
	RemoveContainer(ctx context.Context, containerID string) error

	// RunContainer creates and starts a container from the spec,
	// streams its output and waits for it to exit within the timeout.
	// Returns the container exit code.
	RunContainer(ctx context.Context, spec *ContainerSpec, timeout time.Duration, stdout, stderr io.Writer) (int64, error)

	// Log streaming.
	StreamLogs(ctx context.Context, containerID string, stdout, stderr io.Writer) error

	// WaitForContainerExit returns channels that signal when a container
	// exits. The statusCh receives the exit code, errCh receives any
	// wait errors.
	WaitForContainerExit(ctx context.Context, containerID string) (<-chan int64, <-chan error)

	// Volume operations.
	CreateVolume(ctx context.Context, name string, labels map[string]string) error
	RemoveVolume(ctx context.Context, name string) error

	// Cleanup operations.
	ListContainers(ctx context.Context) ([]ContainerInfo, error)
	ListVolumes(ctx context.Context) ([]VolumeInfo, error)
}

// ContainerSpec defines container configuration.
type ContainerSpec struct {
	Name        string
	Image       string
	Entrypoint  []string
	Command     []string
	Env         map[string]string
	WorkDir     string
	Mounts      []Mount
	NetworkName string
	Labels      map[string]string
}

// Mount defines a volume mount.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
	Type     string // "bind", "volume", "tmpfs"
}

// ContainerInfo contains information about a container for cleanup.
type ContainerInfo struct {
	ID     string
	Name   string
	Labels map[string]string
}

// VolumeInfo contains information about a volume for cleanup.
type VolumeInfo struct {
	Name   string
	Labels map[string]string
}

// NewRuntime creates a Docker-backed container runtime.
func NewRuntime(log logrus.FieldLogger) (ContainerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	return &runtime{
		log:    log.WithField("component", "docker"),
		client: cli,
		done:   make(chan struct{}),
	}, nil
}

type runtime struct {
	log    logrus.FieldLogger
	client *client.Client
	done   chan struct{}
	wg     sync.WaitGroup
}

// Ensure interface compliance.
var _ ContainerRuntime = (*runtime)(nil)

// Start verifies the daemon is reachable.
func (r *runtime) Start(ctx context.Context) error {
	_, err := r.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("connecting to docker daemon: %w", err)
	}

	r.log.Debug("Connected to Docker daemon")

	return nil
}

// Stop closes the client connection.
func (r *runtime) Stop() error {
	close(r.done)
	r.wg.Wait()

	if err := r.client.Close(); err != nil {
		return fmt.Errorf("closing docker client: %w", err)
	}

	return nil
}

// EnsureNetwork creates a Docker network if it doesn't exist.
func (r *runtime) EnsureNetwork(ctx context.Context, name string) error {
	networks, err := r.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return fmt.Errorf("listing networks: %w", err)
	}

	for _, net := range networks {
		if net.Name == name {
			r.log.WithField("network", name).Debug("Network already exists")

			return nil
		}
	}

	_, err = r.client.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Labels: ManagedLabels(""),
	})
	if err != nil {
		return fmt.Errorf("creating network %s: %w", name, err)
	}

	r.log.WithField("network", name).Info("Created Docker network")

	return nil
}

// RemoveNetwork removes a Docker network.
func (r *runtime) RemoveNetwork(ctx context.Context, name string) error {
	if err := r.client.NetworkRemove(ctx, name); err != nil {
		return fmt.Errorf("removing network %s: %w", name, err)
	}

	r.log.WithField("network", name).Info("Removed Docker network")

	return nil
}

// BuildImage builds an image from the context directory and tags it.
// The daemon's build output is decoded and written to output when a
// writer is provided; build errors reported in the stream are returned.
func (r *runtime) BuildImage(ctx context.Context, contextDir, dockerfile, imageName string, output io.Writer) error {
	log := r.log.WithFields(logrus.Fields{
		"image":   imageName,
		"context": contextDir,
	})

	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}

	buildCtx, err := tarBuildContext(contextDir)
	if err != nil {
		return fmt.Errorf("preparing build context: %w", err)
	}
	defer func() { _ = buildCtx.Close() }()

	log.Info("Building image")

	resp, err := r.client.ImageBuild(ctx, buildCtx, buildtypes.ImageBuildOptions{
		Tags:       []string{imageName},
		Dockerfile: dockerfile,
		Remove:     true,
		Labels:     ManagedLabels(""),
	})
	if err != nil {
		return fmt.Errorf("building image %s: %w", imageName, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := drainBuildOutput(resp.Body, output); err != nil {
		return fmt.Errorf("building image %s: %w", imageName, err)
	}

	log.Info("Image built successfully")

	return nil
}

// drainBuildOutput consumes the daemon's JSON message stream, copying
// build log lines to out and surfacing any error message.
func drainBuildOutput(body io.Reader, out io.Writer) error {
	if out == nil {
		out = io.Discard
	}

	return jsonmessage.DisplayJSONMessagesStream(body, out, 0, false, nil)
}

// tarBuildContext streams the context directory as a tar archive. The
// .git directory is excluded; everything else is sent to the daemon.
func tarBuildContext(contextDir string) (io.ReadCloser, error) {
	if _, err := os.Stat(contextDir); err != nil {
		return nil, fmt.Errorf("stat context dir: %w", err)
	}

	pr, pw := io.Pipe()

	go func() {
		tw := tar.NewWriter(pw)

		err := filepath.Walk(contextDir, func(path string, info os.FileInfo, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}

			rel, relErr := filepath.Rel(contextDir, path)
			if relErr != nil {
				return relErr
			}

			if rel == "." {
				return nil
			}

			if info.IsDir() && info.Name() == ".git" {
				return filepath.SkipDir
			}

			hdr, hdrErr := tar.FileInfoHeader(info, "")
			if hdrErr != nil {
				return hdrErr
			}

			hdr.Name = filepath.ToSlash(rel)

			if writeErr := tw.WriteHeader(hdr); writeErr != nil {
				return writeErr
			}

			if info.IsDir() || !info.Mode().IsRegular() {
				return nil
			}

			f, openErr := os.Open(path)
			if openErr != nil {
				return openErr
			}
			defer func() { _ = f.Close() }()

			_, copyErr := io.Copy(tw, f)

			return copyErr
		})

		if err == nil {
			err = tw.Close()
		}

		_ = pw.CloseWithError(err)
	}()

	return pr, nil
}

// PullImage pulls a Docker image according to the pull policy.
func (r *runtime) PullImage(ctx context.Context, imageName string, policy string) error {
	log := r.log.WithField("image", imageName)

	if policy == "never" {
		log.Debug("Skipping image pull (policy: never)")

		return nil
	}

	if policy == "if-not-present" {
		images, err := r.client.ImageList(ctx, image.ListOptions{
			Filters: filters.NewArgs(filters.Arg("reference", imageName)),
		})
		if err != nil {
			return fmt.Errorf("listing images: %w", err)
		}

		if len(images) > 0 {
			log.Debug("Image already exists (policy: if-not-present)")

			return nil
		}
	}

	log.Info("Pulling image")

	reader, err := r.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", imageName, err)
	}
	defer func() { _ = reader.Close() }()

	// Consume the pull output.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("reading pull response: %w", err)
	}

	log.Info("Image pulled successfully")

	return nil
}

// GetImageDigest returns the SHA256 digest of an image (just the
// "sha256:..." portion).
func (r *runtime) GetImageDigest(ctx context.Context, imageName string) (string, error) {
	inspect, _, err := r.client.ImageInspectWithRaw(ctx, imageName)
	if err != nil {
		return "", fmt.Errorf("inspecting image: %w", err)
	}

	// RepoDigests entries have "image@sha256:hash" format.
	if len(inspect.RepoDigests) > 0 {
		digest := inspect.RepoDigests[0]
		if idx := strings.Index(digest, "sha256:"); idx != -1 {
			return digest[idx:], nil
		}

		return digest, nil
	}

	// Fallback to image ID (already in sha256:... format).
	return inspect.ID, nil
}

// CreateContainer creates a new container from the spec.
func (r *runtime) CreateContainer(ctx context.Context, spec *ContainerSpec) (string, error) {
	log := r.log.WithField("container", spec.Name)

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	mounts := make([]mount.Mount, 0, len(spec.Mounts))

	for _, mnt := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.Type(mnt.Type),
			Source:   mnt.Source,
			Target:   mnt.Target,
			ReadOnly: mnt.ReadOnly,
		})
	}

	labels := ManagedLabels("")
	for k, v := range spec.Labels {
		labels[k] = v
	}

	containerCfg := &container.Config{
		Image:      spec.Image,
		Env:        env,
		Labels:     labels,
		Entrypoint: spec.Entrypoint,
		Cmd:        spec.Command,
		WorkingDir: spec.WorkDir,
	}

	hostCfg := &container.HostConfig{
		Mounts: mounts,
	}

	if spec.NetworkName != "" {
		hostCfg.NetworkMode = container.NetworkMode(spec.NetworkName)
	}

	networkCfg := &network.NetworkingConfig{}

	resp, err := r.client.ContainerCreate(ctx, containerCfg, hostCfg, networkCfg, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}

	log.WithField("id", resp.ID[:12]).Debug("Created container")

	return resp.ID, nil
}

// StartContainer starts a container.
func (r *runtime) StartContainer(ctx context.Context, containerID string) error {
	if err := r.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("starting container %s: %w", containerID[:12], err)
	}

	r.log.WithField("id", containerID[:12]).Debug("Started container")

	return nil
}

// StopContainer stops a container.
func (r *runtime) StopContainer(ctx context.Context, containerID string) error {
	if err := r.client.ContainerStop(ctx, containerID, container.StopOptions{}); err != nil {
		return fmt.Errorf("stopping container %s: %w", containerID[:12], err)
	}

	r.log.WithField("id", containerID[:12]).Debug("Stopped container")

	return nil
}

// RemoveContainer removes a container.
func (r *runtime) RemoveContainer(ctx context.Context, containerID string) error {
	if err := r.client.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
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
	spec *ContainerSpec,
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

	statusCh, errCh := r.client.ContainerWait(runCtx, containerID, container.WaitConditionNotRunning)

	select {
	case status := <-statusCh:
		return status.StatusCode, nil
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
func (r *runtime) StreamLogs(ctx context.Context, containerID string, stdout, stderr io.Writer) error {
	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	}

	reader, err := r.client.ContainerLogs(ctx, containerID, opts)
	if err != nil {
		return fmt.Errorf("getting container logs: %w", err)
	}
	defer func() { _ = reader.Close() }()

	if stdout == nil {
		stdout = io.Discard
	}

	if stderr == nil {
		stderr = io.Discard
	}

	_, err = stdcopy.StdCopy(stdout, stderr, reader)
	if err != nil && err != io.EOF {
		return fmt.Errorf("copying logs: %w", err)
	}

	return nil
}

// WaitForContainerExit returns channels that signal when a container
// exits. The statusCh receives the exit code, errCh receives any wait
// errors.
func (r *runtime) WaitForContainerExit(
	ctx context.Context,
	containerID string,
) (<-chan int64, <-chan error) {
	statusCh := make(chan int64, 1)
	errCh := make(chan error, 1)

	go func() {
		defer close(statusCh)
		defer close(errCh)

		waitStatusCh, waitErrCh := r.client.ContainerWait(
			ctx, containerID, container.WaitConditionNotRunning,
		)

		select {
		case status := <-waitStatusCh:
			statusCh <- status.StatusCode
		case err := <-waitErrCh:
			errCh <- err
		case <-ctx.Done():
			errCh <- ctx.Err()
		}
	}()

	return statusCh, errCh
}

// CreateVolume creates a Docker volume with the given name and labels.
func (r *runtime) CreateVolume(ctx context.Context, name string, labels map[string]string) error {
	merged := ManagedLabels("")
	for k, v := range labels {
		merged[k] = v
	}

	_, err := r.client.VolumeCreate(ctx, volume.CreateOptions{
		Name:   name,
		Labels: merged,
	})
	if err != nil {
		return fmt.Errorf("creating volume %s: %w", name, err)
	}

	r.log.WithField("volume", name).Debug("Created volume")

	return nil
}

// RemoveVolume removes a Docker volume.
func (r *runtime) RemoveVolume(ctx context.Context, name string) error {
	if err := r.client.VolumeRemove(ctx, name, true); err != nil {
		return fmt.Errorf("removing volume %s: %w", name, err)
	}

	r.log.WithField("volume", name).Info("Removed volume")

	return nil
}

// ListContainers returns all managed containers.
func (r *runtime) ListContainers(ctx context.Context) ([]ContainerInfo, error) {
	containers, err := r.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", ManagedByLabel+"="+ManagedByValue),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	result := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}

		result = append(result, ContainerInfo{
			ID:     c.ID,
			Name:   name,
			Labels: c.Labels,
		})
	}

	return result, nil
}

// ListVolumes returns all managed volumes.
func (r *runtime) ListVolumes(ctx context.Context) ([]VolumeInfo, error) {
	volumes, err := r.client.VolumeList(ctx, volume.ListOptions{
		Filters: filters.NewArgs(
			filters.Arg("label", ManagedByLabel+"="+ManagedByValue),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("listing volumes: %w", err)
	}

	result := make([]VolumeInfo, 0, len(volumes.Volumes))
	for _, v := range volumes.Volumes {
		result = append(result, VolumeInfo{
			Name:   v.Name,
			Labels: v.Labels,
		})
	}

	return result, nil
}
