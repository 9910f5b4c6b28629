package types

import "time"

// AppID identifies an application in both target and current state.
type AppID int64

// Application is a set of services, networks and volumes under one
// numeric appId. An application has at most one target and at most one
// current instantiation at any time.
type Application struct {
	AppID     AppID
	Name      string
	Source    string
	ReleaseID string
	Commit    string

	Services []*Service
	Networks []*Network
	Volumes  []*Volume
}

// ServiceStatus mirrors the lifecycle of a service's container.
type ServiceStatus string

const (
	StatusInstalling ServiceStatus = "Installing"
	StatusInstalled  ServiceStatus = "Installed"
	StatusStarting   ServiceStatus = "Starting"
	StatusRunning    ServiceStatus = "Running"
	StatusStopping   ServiceStatus = "Stopping"
	StatusStopped    ServiceStatus = "Stopped"
	StatusDead       ServiceStatus = "Dead"
	StatusExited     ServiceStatus = "exited"
	StatusDownload   ServiceStatus = "Downloading"
)

// VolatileOverlay is per-service runtime intent superimposed on stored
// target state without mutating it (e.g. after an explicit API stop).
// It is cleared whenever target state changes for the owning app.
type VolatileOverlay struct {
	Running bool
}

// Service is keyed by (AppID, Name) and uniquely by ImageID within its
// release.
type Service struct {
	AppID       AppID
	ServiceID   int64
	ServiceName string
	ReleaseID   string
	ImageID     int64
	Image       string
	ContainerID string // present only when instantiated in the runtime
	Status      ServiceStatus
	Env         map[string]string
	Labels      map[string]string
	Volumes     []ServiceVolumeMount
	Networks    []string
	Config      map[string]any // structural comparison for "config differs"

	// CreatedAt is the observed container's creation time, set only on
	// services read back from the runtime. It breaks ties when the same
	// (AppID, ServiceName) has more than one container (§3 invariant 2,
	// §4.4 edge case): the newest survives, the rest are torn down.
	CreatedAt time.Time

	Overlay *VolatileOverlay
}

// ServiceVolumeMount binds a named Volume into a service's filesystem.
type ServiceVolumeMount struct {
	VolumeName string
	Target     string
	ReadOnly   bool
}

// ImageStatus tracks the lifecycle of an image pull.
type ImageStatus string

const (
	ImageDownloading ImageStatus = "Downloading"
	ImageDownloaded  ImageStatus = "Downloaded"
	ImageDeleting    ImageStatus = "Deleting"
)

// Image is keyed by ImageID.
type Image struct {
	ImageID         int64
	Name            string
	AppID           AppID
	ServiceName     string
	ReleaseID       string
	DockerImageID   string
	Status          ImageStatus
	DownloadProgress *int // 0-100, nil when not downloading
}

// Network is keyed by (AppID, Name); Config is compared structurally.
type Network struct {
	AppID  AppID
	Name   string
	Config map[string]any
}

// Volume is keyed by (AppID, Name); Config is compared structurally.
type Volume struct {
	AppID  AppID
	Name   string
	Config map[string]any
}

// CurrentApps is the observed-from-runtime view of all applications,
// joined from Runtime Adapter snapshots.
type CurrentApps map[AppID]*Application

// TargetApps is the stored desired view of all applications.
type TargetApps map[AppID]*Application

// LocalConfig carries the "local" object required by every target
// state write (§4.2): device-level settings applied before any app
// steps.
type LocalConfig struct {
	LockOverride bool
	LocalMode    bool
	DeviceName   string
	Env          map[string]string
}

// TargetState is the full declared state written via setTarget.
type TargetState struct {
	Local LocalConfig
	Apps  TargetApps
}

// StepAction names one kind of composition step the planner can emit.
type StepAction string

const (
	ActionFetch           StepAction = "fetch"
	ActionKill            StepAction = "kill"
	ActionRemove          StepAction = "remove"
	ActionStart           StepAction = "start"
	ActionUpdateMetadata  StepAction = "updateMetadata"
	ActionHandover        StepAction = "handover"
	ActionRestart         StepAction = "restart"
	ActionStop            StepAction = "stop"
	ActionPurge           StepAction = "purge"
	ActionCreateNetwork   StepAction = "createNetwork"
	ActionRemoveNetwork   StepAction = "removeNetwork"
	ActionCreateVolume    StepAction = "createVolume"
	ActionRemoveVolume    StepAction = "removeVolume"
	ActionNoop            StepAction = "noop"
	// ActionDeviceConfig applies a host-level device-config setting
	// (§4.4 step 2); it carries no AppID and is computed and executed
	// before any app steps in a cycle that has one.
	ActionDeviceConfig StepAction = "deviceConfig"
)

// lockFreeActions never require the executor's in-process per-app lock
// (§4.5 item 2).
var lockFreeActions = map[StepAction]bool{
	ActionFetch:          true,
	ActionUpdateMetadata: true,
	ActionNoop:           true,
	ActionDeviceConfig:   true,
}

// RequiresLockByDefault reports whether an action makes the executor
// hold the in-process per-app lock unless the step sets SkipLock. The
// Control API's own start-service action is lock-free by policy and is
// handled separately by its caller (it is not an intrinsic property of
// ActionStart, which other callers still lock).
func (a StepAction) RequiresLockByDefault() bool {
	return !lockFreeActions[a]
}

// Step is one atomic action on a service, network, volume or image.
type Step struct {
	AppID   AppID
	Action  StepAction
	Service *Service // target shape, when applicable
	Current *Service // observed shape, when applicable
	Network *Network
	Volume  *Volume
	Image   *Image

	// Local carries the target device-config values for an
	// ActionDeviceConfig step; nil for every other action.
	Local *LocalConfig

	// Wait, when true, tells the executor to block the caller until the
	// step completes — used by the Control API's single-step dispatch
	// path (§4.7 item 3).
	Wait bool

	// Force and SkipLock mirror the executor's per-cycle options but can
	// be set per-step for API-originated steps.
	Force    bool
	SkipLock bool

	// BypassAdvisoryLock marks steps (like the Control API's start
	// action and intermediate-target steps) that explicitly skip the
	// on-host advisory lock even though their action otherwise takes it.
	BypassAdvisoryLock bool
}

// StepResult is emitted on the executor's step-completed/step-error
// channels.
type StepResult struct {
	Step      Step
	Err       error
	StartedAt time.Time
	EndedAt   time.Time
}

// KeyScope is the set of app IDs an API key may observe or mutate. A
// nil Apps with All=true means every app ("*").
type KeyScope struct {
	All  bool
	Apps map[AppID]bool
}

// Includes reports whether the scope grants access to appID.
func (s KeyScope) Includes(appID AppID) bool {
	if s.All {
		return true
	}
	return s.Apps[appID]
}
