package runtime

import (
	"context"
	"fmt"
	"io"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/quentingllmt/host-supervisor/internal/types"
)

const (
	// Namespace isolates the supervisor's containers from anything else
	// resident on the same containerd daemon.
	Namespace = "supervisor"

	// DefaultSocketPath is the standard containerd control socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// ContainerdAdapter implements Adapter against a local containerd
// daemon. It owns no state of its own beyond the client connection; all
// target/current bookkeeping lives in the state store.
type ContainerdAdapter struct {
	client    *containerd.Client
	namespace string
}

// NewContainerdAdapter dials the containerd socket at socketPath,
// defaulting to DefaultSocketPath when empty.
func NewContainerdAdapter(socketPath string) (*ContainerdAdapter, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to containerd at %s: %w", socketPath, err)
	}

	return &ContainerdAdapter{client: client, namespace: Namespace}, nil
}

// Close releases the containerd client connection.
func (r *ContainerdAdapter) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *ContainerdAdapter) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, r.namespace)
}

// PullImage fetches and unpacks imageRef into the local content store.
func (r *ContainerdAdapter) PullImage(ctx context.Context, imageRef string) error {
	ctx = r.ctx(ctx)
	if _, err := r.client.Pull(ctx, imageRef, containerd.WithPullUnpack); err != nil {
		return fmt.Errorf("pull image %s: %w", imageRef, err)
	}
	return nil
}

// RemoveImage deletes imageRef from the local content store.
func (r *ContainerdAdapter) RemoveImage(ctx context.Context, imageRef string) error {
	ctx = r.ctx(ctx)
	if err := r.client.ImageService().Delete(ctx, imageRef); err != nil {
		return fmt.Errorf("remove image %s: %w", imageRef, err)
	}
	return nil
}

func toSpecMounts(mounts []MountSpec) []specs.Mount {
	out := make([]specs.Mount, 0, len(mounts))
	for _, m := range mounts {
		opts := []string{"bind"}
		if m.ReadOnly {
			opts = append(opts, "ro")
		} else {
			opts = append(opts, "rw")
		}
		out = append(out, specs.Mount{
			Source:      m.Source,
			Destination: m.Destination,
			Type:        "bind",
			Options:     opts,
		})
	}
	return out
}

// CreateContainer materializes containerID from imageRef with the given
// environment, resource limits and bind mounts.
func (r *ContainerdAdapter) CreateContainer(ctx context.Context, containerID, imageRef string, opts StartOptions) error {
	ctx = r.ctx(ctx)

	image, err := r.client.GetImage(ctx, imageRef)
	if err != nil {
		return fmt.Errorf("get image %s: %w", imageRef, err)
	}

	specOpts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(envSlice(opts.Env)),
	}

	if opts.CPU > 0 {
		shares := uint64(opts.CPU * 1024)
		period := uint64(100000)
		quota := int64(opts.CPU * float64(period))
		specOpts = append(specOpts, oci.WithCPUShares(shares), oci.WithCPUCFS(quota, period))
	}
	if opts.Memory > 0 {
		specOpts = append(specOpts, oci.WithMemoryLimit(uint64(opts.Memory)))
	}
	if mounts := toSpecMounts(opts.Mounts); len(mounts) > 0 {
		specOpts = append(specOpts, oci.WithMounts(mounts))
	}

	container, err := r.client.NewContainer(
		ctx,
		containerID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(containerID+"-snapshot", image),
		containerd.WithNewSpec(specOpts...),
		containerd.WithContainerLabels(opts.Labels),
	)
	if err != nil {
		return fmt.Errorf("create container %s: %w", containerID, err)
	}
	_ = container
	return nil
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// StartContainer creates and starts a task for an already-created
// container.
func (r *ContainerdAdapter) StartContainer(ctx context.Context, containerID string) error {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return fmt.Errorf("load container %s: %w", containerID, err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("create task for %s: %w", containerID, err)
	}

	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("start task for %s: %w", containerID, err)
	}
	return nil
}

// StopContainer sends SIGTERM and escalates to SIGKILL if the container
// has not exited within timeout.
func (r *ContainerdAdapter) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return fmt.Errorf("load container %s: %w", containerID, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// No task: already stopped.
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("send SIGTERM to %s: %w", containerID, err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("wait for task %s: %w", containerID, err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("send SIGKILL to %s: %w", containerID, err)
		}
		<-statusC
	}

	if _, err := task.Delete(ctx); err != nil {
		return fmt.Errorf("delete task for %s: %w", containerID, err)
	}
	return nil
}

// RemoveContainer deletes containerID and its snapshot. It is a no-op if
// the container does not exist.
func (r *ContainerdAdapter) RemoveContainer(ctx context.Context, containerID string) error {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil
	}

	if err := r.StopContainer(ctx, containerID, 10*time.Second); err != nil {
		return fmt.Errorf("stop before remove %s: %w", containerID, err)
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("delete container %s: %w", containerID, err)
	}
	return nil
}

// ContainerStatus maps the containerd task state onto ServiceStatus.
func (r *ContainerdAdapter) ContainerStatus(ctx context.Context, containerID string) (types.ServiceStatus, error) {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return types.StatusDead, fmt.Errorf("load container %s: %w", containerID, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return types.StatusStopped, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return types.StatusDead, fmt.Errorf("task status for %s: %w", containerID, err)
	}

	switch status.Status {
	case containerd.Running:
		return types.StatusRunning, nil
	case containerd.Stopped:
		if status.ExitStatus == 0 {
			return types.StatusExited, nil
		}
		return types.StatusDead, nil
	case containerd.Paused:
		return types.StatusRunning, nil
	default:
		return types.StatusStarting, nil
	}
}

// ContainerLogs is not yet implemented; log retrieval goes through
// cio.LogFile wiring, deferred until a concrete log sink is chosen.
func (r *ContainerdAdapter) ContainerLogs(ctx context.Context, containerID string) (io.ReadCloser, error) {
	return nil, fmt.Errorf("container logs not implemented for %s", containerID)
}

// ListContainers returns every container ID in the supervisor's
// namespace.
func (r *ContainerdAdapter) ListContainers(ctx context.Context) ([]string, error) {
	ctx = r.ctx(ctx)

	containers, err := r.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID())
	}
	return ids, nil
}

// CreateNetwork is a no-op on the default containerd backend: network
// isolation here is delegated to the CNI plugin configured for the
// daemon rather than managed per-call. Implementations backed by a
// userland network manager override this.
func (r *ContainerdAdapter) CreateNetwork(ctx context.Context, name string, config map[string]any) error {
	return nil
}

// RemoveNetwork mirrors CreateNetwork's no-op.
func (r *ContainerdAdapter) RemoveNetwork(ctx context.Context, name string) error {
	return nil
}

// CreateVolume is a no-op: the adapter creates no storage for named
// volumes. CreateContainer accepts bind mounts through
// StartOptions.Mounts, but the executor passes none, so a service's
// named volumes are not mounted into its container.
func (r *ContainerdAdapter) CreateVolume(ctx context.Context, name string, config map[string]any) error {
	return nil
}

// RemoveVolume mirrors CreateVolume's no-op.
func (r *ContainerdAdapter) RemoveVolume(ctx context.Context, name string) error {
	return nil
}
