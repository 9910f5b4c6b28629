package planner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/quentingllmt/host-supervisor/internal/types"
)

func svc(name string, imageID int64, status types.ServiceStatus) *types.Service {
	return &types.Service{ServiceName: name, ImageID: imageID, Status: status}
}

func TestPlan_NewAppFetchesEveryService(t *testing.T) {
	target := types.TargetApps{
		1: {AppID: 1, Services: []*types.Service{svc("web", 1, ""), svc("db", 2, "")}},
	}
	current := types.CurrentApps{}

	steps := Plan(target, current)

	assert.Len(t, steps, 2)
	assert.Equal(t, types.ActionFetch, steps[0].Action)
	assert.Equal(t, "web", steps[0].Service.ServiceName)
	assert.Equal(t, types.ActionFetch, steps[1].Action)
	assert.Equal(t, "db", steps[1].Service.ServiceName)
}

func TestPlan_ReleaseChangeKillsRemovesThenFetches(t *testing.T) {
	target := types.TargetApps{
		1: {AppID: 1, Services: []*types.Service{svc("web", 2, "")}},
	}
	current := types.CurrentApps{
		1: {AppID: 1, Services: []*types.Service{svc("web", 1, types.StatusRunning)}},
	}

	steps := Plan(target, current)

	assert.Equal(t, []types.StepAction{types.ActionKill, types.ActionRemove, types.ActionFetch}, actions(steps))
}

func TestPlan_StartsStoppedServiceMatchingImage(t *testing.T) {
	target := types.TargetApps{
		1: {AppID: 1, Services: []*types.Service{svc("web", 1, "")}},
	}
	current := types.CurrentApps{
		1: {AppID: 1, Services: []*types.Service{svc("web", 1, types.StatusStopped)}},
	}

	steps := Plan(target, current)

	assert.Equal(t, []types.StepAction{types.ActionStart}, actions(steps))
}

func TestPlan_StopsRunningServiceWhenOverlayWantsStopped(t *testing.T) {
	s := svc("web", 1, "")
	s.Overlay = &types.VolatileOverlay{Running: false}
	target := types.TargetApps{
		1: {AppID: 1, Services: []*types.Service{s}},
	}
	current := types.CurrentApps{
		1: {AppID: 1, Services: []*types.Service{svc("web", 1, types.StatusRunning)}},
	}

	steps := Plan(target, current)

	assert.Equal(t, []types.StepAction{types.ActionStop}, actions(steps))
}

func TestPlan_NoDriftProducesNoSteps(t *testing.T) {
	target := types.TargetApps{
		1: {AppID: 1, Services: []*types.Service{svc("web", 1, "")}},
	}
	current := types.CurrentApps{
		1: {AppID: 1, Services: []*types.Service{svc("web", 1, types.StatusRunning)}},
	}

	steps := Plan(target, current)

	assert.Empty(t, steps)
}

func TestPlan_AppRemovedFromTargetKillsAndRemovesAllServices(t *testing.T) {
	target := types.TargetApps{}
	current := types.CurrentApps{
		1: {AppID: 1, Services: []*types.Service{svc("web", 1, types.StatusRunning), svc("db", 2, types.StatusStopped)}},
	}

	steps := Plan(target, current)

	assert.Equal(t, []types.StepAction{types.ActionKill, types.ActionRemove, types.ActionRemove}, actions(steps))
}

func TestPlan_ServiceRemovedFromTargetIsTornDown(t *testing.T) {
	target := types.TargetApps{
		1: {AppID: 1, Services: []*types.Service{svc("web", 1, "")}},
	}
	current := types.CurrentApps{
		1: {AppID: 1, Services: []*types.Service{
			svc("web", 1, types.StatusRunning),
			svc("old", 2, types.StatusRunning),
		}},
	}

	steps := Plan(target, current)

	assert.Equal(t, []types.StepAction{types.ActionKill, types.ActionRemove}, actions(steps))
	assert.Equal(t, "old", steps[0].Current.ServiceName)
}

func TestPlan_DeterministicAppOrdering(t *testing.T) {
	target := types.TargetApps{
		5: {AppID: 5, Services: []*types.Service{svc("a", 1, "")}},
		1: {AppID: 1, Services: []*types.Service{svc("b", 1, "")}},
		3: {AppID: 3, Services: []*types.Service{svc("c", 1, "")}},
	}
	current := types.CurrentApps{}

	var order []types.AppID
	for _, s := range Plan(target, current) {
		order = append(order, s.AppID)
	}

	assert.Equal(t, []types.AppID{1, 3, 5}, order)
}

func TestPlan_ServiceOrderFollowsTargetDeclarationOrder(t *testing.T) {
	target := types.TargetApps{
		1: {AppID: 1, Services: []*types.Service{svc("z", 1, ""), svc("a", 2, "")}},
	}
	current := types.CurrentApps{}

	steps := Plan(target, current)

	assert.Equal(t, "z", steps[0].Service.ServiceName)
	assert.Equal(t, "a", steps[1].Service.ServiceName)
}

func TestPlan_NetworkAndVolumeCreatedWhenMissing(t *testing.T) {
	target := types.TargetApps{
		1: {
			AppID:    1,
			Networks: []*types.Network{{AppID: 1, Name: "net1"}},
			Volumes:  []*types.Volume{{AppID: 1, Name: "vol1"}},
		},
	}
	current := types.CurrentApps{}

	steps := Plan(target, current)

	assert.Equal(t, []types.StepAction{types.ActionCreateNetwork, types.ActionCreateVolume}, actions(steps))
}

func TestPlan_NetworkAndVolumeRemovedWhenNoLongerWanted(t *testing.T) {
	target := types.TargetApps{
		1: {AppID: 1},
	}
	current := types.CurrentApps{
		1: {
			AppID:    1,
			Networks: []*types.Network{{AppID: 1, Name: "net1"}},
			Volumes:  []*types.Volume{{AppID: 1, Name: "vol1"}},
		},
	}

	steps := Plan(target, current)

	assert.ElementsMatch(t, []types.StepAction{types.ActionRemoveNetwork, types.ActionRemoveVolume}, actions(steps))
}

func TestPlan_MetadataChangeEmitsUpdateMetadata(t *testing.T) {
	targetSvc := svc("web", 1, "")
	targetSvc.Env = map[string]string{"FOO": "bar"}
	target := types.TargetApps{
		1: {AppID: 1, Services: []*types.Service{targetSvc}},
	}
	current := types.CurrentApps{
		1: {AppID: 1, Services: []*types.Service{svc("web", 1, types.StatusRunning)}},
	}

	steps := Plan(target, current)

	assert.Equal(t, []types.StepAction{types.ActionUpdateMetadata}, actions(steps))
}

func TestPlan_DuplicateCurrentServiceKeepsNewestKillsRest(t *testing.T) {
	older := svc("web", 1, types.StatusRunning)
	older.CreatedAt = time.Unix(100, 0)
	newer := svc("web", 1, types.StatusRunning)
	newer.CreatedAt = time.Unix(200, 0)

	target := types.TargetApps{
		1: {AppID: 1, Services: []*types.Service{svc("web", 1, "")}},
	}
	current := types.CurrentApps{
		1: {AppID: 1, Services: []*types.Service{older, newer}},
	}

	steps := Plan(target, current)

	assert.Equal(t, []types.StepAction{types.ActionKill, types.ActionRemove}, actions(steps))
	assert.Equal(t, older, steps[0].Current)
}

func TestPlan_DuplicateCurrentServiceNotInTargetStillTornDownOnce(t *testing.T) {
	older := svc("old", 1, types.StatusRunning)
	older.CreatedAt = time.Unix(100, 0)
	newer := svc("old", 1, types.StatusRunning)
	newer.CreatedAt = time.Unix(200, 0)

	target := types.TargetApps{
		1: {AppID: 1},
	}
	current := types.CurrentApps{
		1: {AppID: 1, Services: []*types.Service{older, newer}},
	}

	steps := Plan(target, current)

	assert.Equal(t, []types.StepAction{types.ActionKill, types.ActionRemove, types.ActionKill, types.ActionRemove}, actions(steps))
}

func TestPlanDeviceConfig_NoopWhenConverged(t *testing.T) {
	cfg := types.LocalConfig{DeviceName: "host-1"}

	steps := PlanDeviceConfig(cfg, cfg)

	assert.Empty(t, steps)
}

func TestPlanDeviceConfig_EmitsStepWhenDiverged(t *testing.T) {
	applied := types.LocalConfig{DeviceName: "host-1"}
	target := types.LocalConfig{DeviceName: "host-2"}

	steps := PlanDeviceConfig(applied, target)

	assert.Equal(t, []types.StepAction{types.ActionDeviceConfig}, actions(steps))
	assert.Equal(t, "host-2", steps[0].Local.DeviceName)
}

func actions(steps []types.Step) []types.StepAction {
	out := make([]types.StepAction, len(steps))
	for i, s := range steps {
		out[i] = s.Action
	}
	return out
}
