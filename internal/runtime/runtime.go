// Package runtime is the Runtime Adapter (C3): the narrow boundary
// between the supervisor's own state model and the container engine
// actually carrying out fetch/start/stop/remove actions.
package runtime

import (
	"context"
	"io"
	"time"

	"github.com/quentingllmt/host-supervisor/internal/types"
)

// MountSpec describes one bind mount applied when starting a service's
// container: secrets, named volumes and the host's resolv.conf all go
// through this same shape.
type MountSpec struct {
	Source      string
	Destination string
	ReadOnly    bool
}

// StartOptions carries everything the adapter needs to instantiate one
// service container beyond the image reference itself.
type StartOptions struct {
	Env     map[string]string
	Labels  map[string]string
	Mounts  []MountSpec
	CPU     float64 // cores; 0 means unlimited
	Memory  int64   // bytes; 0 means unlimited
	Network string  // name of an already-created network to join
}

// Adapter is implemented by every container engine backend the
// supervisor can drive. All methods are safe to call concurrently for
// distinct containerIDs; callers serialize same-ID calls themselves via
// the per-app lock.
type Adapter interface {
	PullImage(ctx context.Context, imageRef string) error
	RemoveImage(ctx context.Context, imageRef string) error

	CreateContainer(ctx context.Context, containerID, imageRef string, opts StartOptions) error
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, containerID string) error

	ContainerStatus(ctx context.Context, containerID string) (types.ServiceStatus, error)
	ContainerLogs(ctx context.Context, containerID string) (io.ReadCloser, error)
	ListContainers(ctx context.Context) ([]string, error)

	CreateNetwork(ctx context.Context, name string, config map[string]any) error
	RemoveNetwork(ctx context.Context, name string) error

	CreateVolume(ctx context.Context, name string, config map[string]any) error
	RemoveVolume(ctx context.Context, name string) error

	Close() error
}
