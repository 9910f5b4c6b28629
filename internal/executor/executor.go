// Package executor is the Step Executor (C5): it carries out the steps
// the planner emits, one application's steps in its own goroutine so a
// slow or locked app never stalls unrelated ones, while the on-host
// advisory lock and per-app in-process lock are honored per step.
package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/quentingllmt/host-supervisor/internal/apierr"
	"github.com/quentingllmt/host-supervisor/internal/events"
	"github.com/quentingllmt/host-supervisor/internal/lock"
	"github.com/quentingllmt/host-supervisor/internal/log"
	"github.com/quentingllmt/host-supervisor/internal/metrics"
	"github.com/quentingllmt/host-supervisor/internal/runtime"
	"github.com/quentingllmt/host-supervisor/internal/types"
)

// StopTimeout bounds how long a stop/kill step waits for graceful exit
// before the runtime adapter escalates to SIGKILL.
const StopTimeout = 10 * time.Second

// AdvisoryLockPath resolves the on-host advisory lock file paths for a
// service's volume directory — both updates.lock and the legacy
// resin-updates.lock (§4.1, §9) — so co-resident workloads honoring
// either name are respected.
type AdvisoryLockPath func(svc *types.Service) []string

// Executor dispatches planned steps against a Runtime Adapter, fanning
// out by application and serializing within an application via the
// shared keyed in-process lock.
type Executor struct {
	rt     runtime.Adapter
	locks  *lock.Keyed
	broker *events.Broker
	logger zerolog.Logger

	lockPath AdvisoryLockPath

	advisoryMu    sync.Mutex
	advisoryLocks map[string]*lock.Advisory

	// fetches counts in-flight image pulls, read by the Apply Loop's
	// healthcheck (§4.6) so a long-running fetch is not mistaken for a
	// stuck apply cycle.
	fetches int64
}

// FetchesInProgress reports how many fetch steps are currently
// dispatched against the runtime adapter.
func (e *Executor) FetchesInProgress() int64 {
	return atomic.LoadInt64(&e.fetches)
}

// New creates an Executor bound to rt for step execution, locks for
// in-process mutual exclusion, and broker for step outcome notification.
func New(rt runtime.Adapter, locks *lock.Keyed, broker *events.Broker, lockPath AdvisoryLockPath) *Executor {
	return &Executor{
		rt:            rt,
		locks:         locks,
		broker:        broker,
		logger:        log.WithComponent("executor"),
		lockPath:      lockPath,
		advisoryLocks: make(map[string]*lock.Advisory),
	}
}

// Execute runs one batch of steps, grouping by AppID so each
// application's steps run in their own goroutine and steps within an
// application run in planner order. It returns once every step has
// completed or ctx is cancelled; Wait-flagged steps whose caller is
// blocked are represented only by their StepResult appearing on the
// returned slice in addition to the event broker.
func (e *Executor) Execute(ctx context.Context, steps []types.Step) []types.StepResult {
	byApp := make(map[types.AppID][]types.Step)
	var order []types.AppID
	for _, s := range steps {
		if _, seen := byApp[s.AppID]; !seen {
			order = append(order, s.AppID)
		}
		byApp[s.AppID] = append(byApp[s.AppID], s)
	}

	results := make([][]types.StepResult, len(order))
	var wg sync.WaitGroup
	for i, appID := range order {
		i, appID := i, appID
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = e.executeAppSteps(ctx, appID, byApp[appID])
		}()
	}
	wg.Wait()

	var flat []types.StepResult
	for _, r := range results {
		flat = append(flat, r...)
	}
	return flat
}

// executeAppSteps runs one application's steps in order, holding the
// per-app in-process lock for the duration if at least one step neither
// sets SkipLock nor has an action on the lock-free list (see
// Action.RequiresLockByDefault). Force only bypasses the on-host advisory lock (§4.1); it
// never skips this in-process lock, which serializes against the
// supervisor's own concurrent apply cycles rather than co-resident
// workloads.
func (e *Executor) executeAppSteps(ctx context.Context, appID types.AppID, steps []types.Step) []types.StepResult {
	needsLock := false
	for _, s := range steps {
		if !s.SkipLock && s.Action.RequiresLockByDefault() {
			needsLock = true
			break
		}
	}

	if needsLock {
		e.locks.Lock(lock.AppKey(appID))
		defer e.locks.Unlock(lock.AppKey(appID))
	}

	results := make([]types.StepResult, 0, len(steps))
	for _, step := range steps {
		res := e.executeStep(ctx, step)
		results = append(results, res)
		if res.Err != nil {
			e.broker.PublishStepError(res)
		} else {
			e.broker.PublishStepCompleted(res)
		}
	}
	return results
}

func (e *Executor) executeStep(ctx context.Context, step types.Step) types.StepResult {
	res := types.StepResult{Step: step, StartedAt: time.Now()}

	timer := metrics.NewTimer()
	defer func() {
		res.EndedAt = time.Now()
		timer.ObserveDurationVec(metrics.StepDuration, string(step.Action))
		outcome := "success"
		if res.Err != nil {
			outcome = "error"
		}
		metrics.StepsTotal.WithLabelValues(string(step.Action), outcome).Inc()
	}()

	if !step.BypassAdvisoryLock && e.requiresAdvisoryLock(step) {
		unlock, err := e.acquireAdvisory(ctx, step)
		if err != nil {
			res.Err = err
			return res
		}
		defer unlock()
	}

	err := e.dispatch(ctx, step)
	if err != nil {
		e.logger.Error().
			Err(err).
			Int64("app_id", int64(step.AppID)).
			Str("action", string(step.Action)).
			Msg("step failed")
	}
	res.Err = err
	return res
}

// requiresAdvisoryLock reports whether a step touches a service whose
// volume directory has an advisory lock path at all; network/volume
// steps and metadata-only updates never need it.
func (e *Executor) requiresAdvisoryLock(step types.Step) bool {
	if e.lockPath == nil || step.Service == nil {
		return false
	}
	switch step.Action {
	case types.ActionKill, types.ActionStop, types.ActionRemove, types.ActionStart, types.ActionRestart, types.ActionPurge:
		return true
	default:
		return false
	}
}

// acquireAdvisory takes both advisory lock files for a service (§4.1:
// "two filenames must both be created for full coverage"), atomically
// from the caller's point of view: if the second path fails to lock,
// the first is released before returning UpdatesLocked.
func (e *Executor) acquireAdvisory(ctx context.Context, step types.Step) (func(), error) {
	paths := e.lockPath(step.Service)
	if len(paths) == 0 {
		return func() {}, nil
	}

	held := make([]*lock.Advisory, 0, len(paths))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			_ = held[i].Unlock()
		}
	}

	for _, path := range paths {
		e.advisoryMu.Lock()
		al, ok := e.advisoryLocks[path]
		if !ok {
			al = lock.NewAdvisory(path)
			e.advisoryLocks[path] = al
		}
		e.advisoryMu.Unlock()

		var err error
		if step.Force {
			err = al.LockForce(ctx)
		} else {
			err = al.Lock(ctx)
		}
		if err != nil {
			release()
			metrics.UpdatesLockedTotal.Inc()
			return nil, apierr.UpdatesLocked("advisory lock held for %s", path)
		}
		held = append(held, al)
	}

	return release, nil
}

func (e *Executor) dispatch(ctx context.Context, step types.Step) error {
	switch step.Action {
	case types.ActionFetch:
		atomic.AddInt64(&e.fetches, 1)
		defer atomic.AddInt64(&e.fetches, -1)
		return e.rt.PullImage(ctx, step.Service.Image)
	case types.ActionStart:
		return e.start(ctx, step.Service)
	case types.ActionStop:
		return e.rt.StopContainer(ctx, step.Current.ContainerID, StopTimeout)
	case types.ActionKill:
		return e.rt.StopContainer(ctx, step.Current.ContainerID, StopTimeout)
	case types.ActionRemove:
		return e.rt.RemoveContainer(ctx, step.Current.ContainerID)
	case types.ActionRestart:
		if err := e.rt.StopContainer(ctx, step.Current.ContainerID, StopTimeout); err != nil {
			return err
		}
		return e.start(ctx, step.Service)
	case types.ActionPurge:
		if err := e.rt.StopContainer(ctx, step.Current.ContainerID, StopTimeout); err != nil {
			return err
		}
		return e.rt.RemoveContainer(ctx, step.Current.ContainerID)
	case types.ActionUpdateMetadata:
		// Metadata (env/labels/config) changes that do not require a
		// container replacement are reflected directly in state store
		// by the caller; no runtime action is needed here.
		return nil
	case types.ActionCreateNetwork:
		return e.rt.CreateNetwork(ctx, step.Network.Name, step.Network.Config)
	case types.ActionRemoveNetwork:
		return e.rt.RemoveNetwork(ctx, step.Network.Name)
	case types.ActionCreateVolume:
		return e.rt.CreateVolume(ctx, step.Volume.Name, step.Volume.Config)
	case types.ActionRemoveVolume:
		return e.rt.RemoveVolume(ctx, step.Volume.Name)
	case types.ActionHandover:
		return e.start(ctx, step.Service)
	case types.ActionNoop:
		return nil
	case types.ActionDeviceConfig:
		// Applying a host-level device-config setting reaches outside the
		// container runtime entirely (§1 scopes that collaborator out of
		// this module); the Apply Loop itself persists the new applied
		// value once this step reports success.
		return nil
	default:
		return apierr.InternalInconsistency("unknown step action %q", step.Action)
	}
}

func (e *Executor) start(ctx context.Context, svc *types.Service) error {
	containerID := fmt.Sprintf("svc-%d-%d", svc.AppID, svc.ServiceID)

	opts := runtime.StartOptions{
		Env:    svc.Env,
		Labels: svc.Labels,
	}
	if len(svc.Networks) > 0 {
		opts.Network = svc.Networks[0]
	}

	if err := e.rt.CreateContainer(ctx, containerID, svc.Image, opts); err != nil {
		return fmt.Errorf("create container for service %s: %w", svc.ServiceName, err)
	}
	if err := e.rt.StartContainer(ctx, containerID); err != nil {
		return fmt.Errorf("start container for service %s: %w", svc.ServiceName, err)
	}
	return nil
}
