// Package planner is the Step Planner (C4): a pure function comparing
// target state against current state and emitting the composition steps
// needed to close the gap. It performs no I/O and holds no locks itself;
// the Apply Loop serializes its calls to Plan under the "inferSteps"
// lock.
package planner

import (
	"reflect"
	"sort"

	"github.com/quentingllmt/host-supervisor/internal/types"
)

// Plan compares target against current and returns the steps required
// to converge, one application at a time. Steps for independent
// applications never interleave within the returned slice, so the
// executor can safely dispatch each app's steps in its own goroutine.
func Plan(target types.TargetApps, current types.CurrentApps) []types.Step {
	var steps []types.Step

	// Apps are processed in ascending appId order (§4.4 tie-breaks) so
	// repeated planning passes over the same state always emit steps in
	// the same order, which keeps executor fan-out and test assertions
	// deterministic.
	for _, appID := range sortedAppIDs(target) {
		steps = append(steps, planApp(appID, target[appID], current[appID])...)
	}

	for _, appID := range sortedAppIDs(current) {
		if _, wanted := target[appID]; wanted {
			continue
		}
		steps = append(steps, planAppRemoval(appID, current[appID])...)
	}

	return steps
}

// PlanDeviceConfig compares the last-applied device config against the
// target and returns a single device-config step when they differ, or
// nil when already converged (§4.4 algorithm step 2). The Apply Loop
// runs this ahead of Plan every cycle and, when it is non-empty,
// executes only this step and withholds app-level planning until the
// device config converges.
func PlanDeviceConfig(applied, target types.LocalConfig) []types.Step {
	if reflect.DeepEqual(applied, target) {
		return nil
	}
	t := target
	return []types.Step{
		{Action: types.ActionDeviceConfig, Local: &t},
	}
}

func sortedAppIDs[M ~map[types.AppID]*types.Application](m M) []types.AppID {
	ids := make([]types.AppID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func planApp(appID types.AppID, target *types.Application, current *types.Application) []types.Step {
	var steps []types.Step

	currentNetworks := indexNetworks(current)
	for _, net := range target.Networks {
		if _, ok := currentNetworks[net.Name]; !ok {
			steps = append(steps, types.Step{AppID: appID, Action: types.ActionCreateNetwork, Network: net})
		}
	}

	currentVolumes := indexVolumes(current)
	for _, vol := range target.Volumes {
		if _, ok := currentVolumes[vol.Name]; !ok {
			steps = append(steps, types.Step{AppID: appID, Action: types.ActionCreateVolume, Volume: vol})
		}
	}

	currentServices, duplicates := indexCurrentServices(current)
	targetServices := indexServices(target)

	// A duplicate container for (appId, serviceName) is torn down before
	// anything else is planned for that service: only the newest survives
	// planning, the rest just get killed and removed (§3 invariant 2,
	// §4.4 edge case).
	for _, dup := range duplicates {
		steps = append(steps, planServiceRemoval(appID, dup)...)
	}

	// Service order follows target declaration order (§4.4 tie-breaks),
	// not map iteration order.
	for _, svc := range target.Services {
		cur, exists := currentServices[svc.ServiceName]
		steps = append(steps, planService(appID, svc, cur, exists)...)
	}

	if current != nil {
		for _, cur := range current.Services {
			if _, wanted := targetServices[cur.ServiceName]; wanted {
				continue
			}
			if cur != currentServices[cur.ServiceName] {
				// Already queued for removal above as a duplicate.
				continue
			}
			steps = append(steps, planServiceRemoval(appID, cur)...)
		}
	}

	for name := range currentNetworks {
		if !hasNetwork(target, name) {
			steps = append(steps, types.Step{AppID: appID, Action: types.ActionRemoveNetwork, Network: currentNetworks[name]})
		}
	}
	for name := range currentVolumes {
		if !hasVolume(target, name) {
			steps = append(steps, types.Step{AppID: appID, Action: types.ActionRemoveVolume, Volume: currentVolumes[name]})
		}
	}

	return steps
}

func planService(appID types.AppID, target *types.Service, current *types.Service, exists bool) []types.Step {
	if !exists {
		return []types.Step{
			{AppID: appID, Action: types.ActionFetch, Service: target},
		}
	}

	if current.ImageID != target.ImageID {
		// Release changed: stop the old instance, remove it and fetch
		// the new image; the next planning pass starts the new image
		// once it has been pulled.
		return []types.Step{
			{AppID: appID, Action: types.ActionKill, Service: target, Current: current},
			{AppID: appID, Action: types.ActionRemove, Service: target, Current: current},
			{AppID: appID, Action: types.ActionFetch, Service: target},
		}
	}

	var steps []types.Step

	if !reflect.DeepEqual(current.Config, target.Config) ||
		!reflect.DeepEqual(current.Env, target.Env) ||
		!reflect.DeepEqual(current.Labels, target.Labels) {
		steps = append(steps, types.Step{AppID: appID, Action: types.ActionUpdateMetadata, Service: target, Current: current})
	}

	wantRunning := desiredRunning(target)
	isRunning := current.Status == types.StatusRunning

	switch {
	case wantRunning && !isRunning:
		steps = append(steps, types.Step{AppID: appID, Action: types.ActionStart, Service: target, Current: current})
	case !wantRunning && isRunning:
		steps = append(steps, types.Step{AppID: appID, Action: types.ActionStop, Service: target, Current: current})
	}

	return steps
}

// desiredRunning resolves a service's intended run state, letting a
// volatile overlay override the stored target without mutating it.
func desiredRunning(svc *types.Service) bool {
	if svc.Overlay != nil {
		return svc.Overlay.Running
	}
	return true
}

func planServiceRemoval(appID types.AppID, current *types.Service) []types.Step {
	var steps []types.Step
	if current.Status == types.StatusRunning || current.Status == types.StatusStarting {
		steps = append(steps, types.Step{AppID: appID, Action: types.ActionKill, Current: current})
	}
	steps = append(steps, types.Step{AppID: appID, Action: types.ActionRemove, Current: current})
	return steps
}

func planAppRemoval(appID types.AppID, current *types.Application) []types.Step {
	var steps []types.Step
	for _, svc := range current.Services {
		steps = append(steps, planServiceRemoval(appID, svc)...)
	}
	for _, net := range current.Networks {
		steps = append(steps, types.Step{AppID: appID, Action: types.ActionRemoveNetwork, Network: net})
	}
	for _, vol := range current.Volumes {
		steps = append(steps, types.Step{AppID: appID, Action: types.ActionRemoveVolume, Volume: vol})
	}
	return steps
}

func indexServices(app *types.Application) map[string]*types.Service {
	out := make(map[string]*types.Service)
	if app == nil {
		return out
	}
	for _, s := range app.Services {
		out[s.ServiceName] = s
	}
	return out
}

// indexCurrentServices indexes an application's observed services by
// name. When more than one observed container shares a name, the one
// with the latest CreatedAt is kept in the returned index and the rest
// are returned as duplicates, destined for kill+remove (§3 invariant 2,
// §4.4 edge case). Ties (equal or zero CreatedAt) keep the first one
// seen, so planning stays deterministic.
func indexCurrentServices(app *types.Application) (map[string]*types.Service, []*types.Service) {
	out := make(map[string]*types.Service)
	var duplicates []*types.Service
	if app == nil {
		return out, duplicates
	}
	for _, s := range app.Services {
		existing, ok := out[s.ServiceName]
		if !ok {
			out[s.ServiceName] = s
			continue
		}
		if s.CreatedAt.After(existing.CreatedAt) {
			out[s.ServiceName] = s
			duplicates = append(duplicates, existing)
		} else {
			duplicates = append(duplicates, s)
		}
	}
	return out, duplicates
}

func indexNetworks(app *types.Application) map[string]*types.Network {
	out := make(map[string]*types.Network)
	if app == nil {
		return out
	}
	for _, n := range app.Networks {
		out[n.Name] = n
	}
	return out
}

func indexVolumes(app *types.Application) map[string]*types.Volume {
	out := make(map[string]*types.Volume)
	if app == nil {
		return out
	}
	for _, v := range app.Volumes {
		out[v.Name] = v
	}
	return out
}

func hasNetwork(app *types.Application, name string) bool {
	for _, n := range app.Networks {
		if n.Name == name {
			return true
		}
	}
	return false
}

func hasVolume(app *types.Application, name string) bool {
	for _, v := range app.Volumes {
		if v.Name == name {
			return true
		}
	}
	return false
}
