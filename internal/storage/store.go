// Package storage is the State Store (C2): durable target state plus a
// cached view of current state, behind a narrow interface so the
// BoltDB-backed implementation can be swapped in tests.
package storage

import (
	"github.com/quentingllmt/host-supervisor/internal/types"
)

// Store is the durable state backing the Apply Loop. Target writes go
// through SetTargetApps/SetLocalConfig; current state is a cache refreshed
// from the Runtime Adapter and read back by the planner.
type Store interface {
	// Target state, written only under the caller-held "target" lock.
	GetTargetApps() (types.TargetApps, error)
	SetTargetApps(apps types.TargetApps) error
	GetTargetApp(appID types.AppID) (*types.Application, error)
	SetTargetApp(app *types.Application) error
	DeleteTargetApp(appID types.AppID) error

	GetLocalConfig() (types.LocalConfig, error)
	SetLocalConfig(cfg types.LocalConfig) error

	// Commit tracks the last fully-applied release per app (§3 invariant
	// 5): set once every step of an apply cycle for that app succeeds,
	// never while a release is still in progress.
	GetCommitForApp(appID types.AppID) (string, error)
	SetCommitForApp(appID types.AppID, commit string) error

	// AppliedLocalConfig tracks the device config last successfully
	// applied by a device-config step (§4.4 algorithm step 2), separate
	// from GetLocalConfig's target value.
	GetAppliedLocalConfig() (types.LocalConfig, error)
	SetAppliedLocalConfig(cfg types.LocalConfig) error

	// Intermediate target apps back getTarget({intermediate}) (§4.2) and
	// the phased-transition apply path (§4.5, §4.6): a short-lived target
	// installed and cleared independently of the main target document.
	GetIntermediateTargetApps() (types.TargetApps, error)
	SetIntermediateTargetApps(apps types.TargetApps) error
	ClearIntermediateTargetApps() error

	// Current state, refreshed from runtime snapshots.
	GetCurrentApps() (types.CurrentApps, error)
	SetCurrentApps(apps types.CurrentApps) error
	SetCurrentApp(app *types.Application) error
	DeleteCurrentApp(appID types.AppID) error

	// Images tracked across pulls, independent of any one app's current
	// service list so a shared base image need not be re-pulled.
	GetImage(imageID int64) (*types.Image, error)
	PutImage(img *types.Image) error
	ListImages() ([]*types.Image, error)
	DeleteImage(imageID int64) error

	Close() error
}
