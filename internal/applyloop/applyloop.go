// Package applyloop is the Apply Loop (C6): the scheduling state machine
// that turns target/current state changes into calls through the Step
// Planner and Step Executor, with exponential backoff on failure and a
// single in-flight apply at a time.
package applyloop

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quentingllmt/host-supervisor/internal/apierr"
	"github.com/quentingllmt/host-supervisor/internal/events"
	"github.com/quentingllmt/host-supervisor/internal/executor"
	"github.com/quentingllmt/host-supervisor/internal/lock"
	"github.com/quentingllmt/host-supervisor/internal/log"
	"github.com/quentingllmt/host-supervisor/internal/metrics"
	"github.com/quentingllmt/host-supervisor/internal/planner"
	"github.com/quentingllmt/host-supervisor/internal/storage"
	"github.com/quentingllmt/host-supervisor/internal/types"
)

// Config tunes the loop's cadence and backoff policy.
type Config struct {
	// PollInterval is the ticker period that triggers a cycle even
	// without an explicit Trigger call, catching drift between the
	// stored current state and what the runtime actually reports.
	PollInterval time.Duration

	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// DefaultConfig mirrors the cadence the supervisor ships with.
func DefaultConfig() Config {
	return Config{
		PollInterval: 10 * time.Second,
		MinBackoff:   1 * time.Second,
		MaxBackoff:   5 * time.Minute,
	}
}

// Loop owns the single apply-target-state cycle: plan against stored
// state, execute the resulting steps, and persist outcomes back to the
// current-state cache.
type Loop struct {
	cfg      Config
	store    storage.Store
	exec     *executor.Executor
	broker   *events.Broker
	locks    *lock.Keyed
	snapshot func(ctx context.Context) (types.CurrentApps, error)
	logger   zerolog.Logger

	mu                sync.Mutex
	applyInProgress   bool
	shuttingDown      bool
	applyCancelled    bool
	scheduledApply    bool
	backoff           time.Duration
	lastApplyStart    time.Time

	trigger chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}

	// pauseHolders counts active pause requests from the Control API
	// (spec §4.7 lockOverride/force-pause semantics); cycles are skipped
	// while pauseHolders > 0.
	pauseMu      sync.Mutex
	pauseHolders int
}

// New builds an idle Loop. snapshot is called once per cycle to refresh
// the current-state cache from the Runtime Adapter before planning.
func New(cfg Config, store storage.Store, exec *executor.Executor, broker *events.Broker, locks *lock.Keyed, snapshot func(ctx context.Context) (types.CurrentApps, error)) *Loop {
	return &Loop{
		cfg:      cfg,
		store:    store,
		exec:     exec,
		broker:   broker,
		locks:    locks,
		snapshot: snapshot,
		logger:   log.WithComponent("applyloop"),
		backoff:  cfg.MinBackoff,
		trigger:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs the loop in its own goroutine until Stop is called.
func (l *Loop) Start() {
	go l.run()
}

// Stop requests the loop exit after its current cycle, if any, and
// blocks until it has.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.shuttingDown = true
	if l.applyInProgress {
		l.applyCancelled = true
	}
	l.mu.Unlock()

	close(l.stopCh)
	<-l.doneCh
	l.broker.PublishShutdown("apply loop stopped")
}

// Trigger requests an apply cycle as soon as possible, coalescing with
// any already-pending request.
func (l *Loop) Trigger() {
	select {
	case l.trigger <- struct{}{}:
	default:
	}
}

// Pause increments the pause-hold count; while held, scheduled and
// triggered cycles are skipped. It returns a function that releases the
// hold. Used by the Control API's maintenance endpoints.
func (l *Loop) Pause() func() {
	l.pauseMu.Lock()
	l.pauseHolders++
	l.pauseMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.pauseMu.Lock()
			l.pauseHolders--
			l.pauseMu.Unlock()
		})
	}
}

// Healthy implements the Apply Loop's §4.6 healthcheck: an apply cycle
// in progress is only unhealthy once it has run for more than twice the
// maximum poll interval with no fetch still in flight, which would
// otherwise mask a genuinely stuck cycle.
func (l *Loop) Healthy() bool {
	l.mu.Lock()
	inProgress := l.applyInProgress
	start := l.lastApplyStart
	l.mu.Unlock()

	if !inProgress {
		return true
	}
	if l.exec.FetchesInProgress() > 0 {
		return true
	}
	return time.Since(start) < 2*l.cfg.MaxBackoff
}

func (l *Loop) paused() bool {
	l.pauseMu.Lock()
	defer l.pauseMu.Unlock()
	return l.pauseHolders > 0
}

func (l *Loop) run() {
	defer close(l.doneCh)

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	l.logger.Info().Msg("apply loop started")

	for {
		select {
		case <-ticker.C:
			l.runCycle()
		case <-l.trigger:
			l.runCycle()
		case <-l.stopCh:
			l.logger.Info().Msg("apply loop stopped")
			return
		}
	}
}

func (l *Loop) runCycle() {
	if l.paused() {
		return
	}

	l.mu.Lock()
	if l.applyInProgress || l.shuttingDown {
		l.scheduledApply = true
		l.mu.Unlock()
		return
	}
	l.applyInProgress = true
	l.applyCancelled = false
	l.lastApplyStart = time.Now()
	l.mu.Unlock()

	timer := metrics.NewTimer()
	err := l.apply()
	timer.ObserveDuration(metrics.ApplyCycleDuration)
	metrics.ApplyCyclesTotal.Inc()

	l.mu.Lock()
	l.applyInProgress = false
	rerun := l.scheduledApply
	l.scheduledApply = false
	l.mu.Unlock()

	if err != nil {
		metrics.ApplyFailuresTotal.Inc()
		if kind, ok := apierr.KindOf(err); ok && kind == apierr.KindUpdatesLocked {
			l.logger.Info().Err(err).Msg("apply cycle deferred, updates locked")
		} else {
			l.logger.Error().Err(err).Msg("apply cycle failed")
		}
		l.backoffAndWait()
	} else {
		l.backoff = l.cfg.MinBackoff
		metrics.ApplyBackoffSeconds.Set(0)
	}

	l.broker.PublishApplyEnd(err)

	if rerun {
		l.Trigger()
	}
}

// recordCommits persists the target commit for every app whose steps
// this cycle all succeeded, so commitForApp only ever reflects a fully
// applied release (§3 invariant 5), never one still in progress.
func (l *Loop) recordCommits(target types.TargetApps, results []types.StepResult, failedApps map[types.AppID]bool) {
	touched := make(map[types.AppID]bool)
	for _, res := range results {
		touched[res.Step.AppID] = true
	}
	for appID := range touched {
		if failedApps[appID] {
			continue
		}
		app, ok := target[appID]
		if !ok {
			continue
		}
		if err := l.store.SetCommitForApp(appID, app.Commit); err != nil {
			l.logger.Warn().Int64("app_id", int64(appID)).Err(err).Msg("failed to record commit")
		}
	}
}

func (l *Loop) backoffAndWait() {
	metrics.ApplyBackoffSeconds.Set(l.backoff.Seconds())
	wait := l.backoff
	l.backoff *= 2
	if l.backoff > l.cfg.MaxBackoff {
		l.backoff = l.cfg.MaxBackoff
	}

	select {
	case <-time.After(wait):
	case <-l.stopCh:
	}
}

func (l *Loop) apply() error {
	ctx := context.Background()

	l.locks.RLock(lock.KeyTarget)
	targetLocal, err := l.store.GetLocalConfig()
	l.locks.RUnlock(lock.KeyTarget)
	if err != nil {
		return err
	}
	appliedLocal, err := l.store.GetAppliedLocalConfig()
	if err != nil {
		return err
	}

	// Device-config steps run to the exclusion of app steps: a cycle
	// that finds device config diverged applies only that this time and
	// leaves app-level planning for the next cycle (§4.4 algorithm step
	// 2).
	l.locks.Lock(lock.KeyInferSteps)
	deviceSteps := planner.PlanDeviceConfig(appliedLocal, targetLocal)
	l.locks.Unlock(lock.KeyInferSteps)

	if len(deviceSteps) > 0 {
		results := l.exec.Execute(ctx, deviceSteps)
		for _, res := range results {
			if res.Err != nil {
				return res.Err
			}
		}
		return l.store.SetAppliedLocalConfig(targetLocal)
	}

	l.locks.RLock(lock.KeyTarget)
	target, err := l.store.GetTargetApps()
	l.locks.RUnlock(lock.KeyTarget)
	if err != nil {
		return err
	}

	current, err := l.snapshot(ctx)
	if err != nil {
		return err
	}
	if err := l.store.SetCurrentApps(current); err != nil {
		return err
	}

	l.locks.Lock(lock.KeyInferSteps)
	steps := planner.Plan(target, current)
	l.locks.Unlock(lock.KeyInferSteps)

	if len(steps) == 0 {
		return nil
	}

	results := l.exec.Execute(ctx, steps)
	failedApps := make(map[types.AppID]bool)
	for _, res := range results {
		l.mu.Lock()
		cancelled := l.applyCancelled
		l.mu.Unlock()
		if cancelled {
			break
		}
		if res.Err != nil {
			failedApps[res.Step.AppID] = true
			l.logger.Warn().
				Int64("app_id", int64(res.Step.AppID)).
				Str("action", string(res.Step.Action)).
				Err(res.Err).
				Msg("step did not complete")
		}
	}
	l.recordCommits(target, results, failedApps)

	refreshed, err := l.snapshot(ctx)
	if err != nil {
		return err
	}
	return l.store.SetCurrentApps(refreshed)
}

// ApplyIntermediate plans and executes apps as a one-off intermediate
// target (§4.2 getTarget({intermediate}), §4.5, §4.6, Glossary). Every
// resulting step carries SkipLock and BypassAdvisoryLock so it bypasses
// both the in-process per-app lock and the on-host advisory lock, and
// the call does not wait on an active Pause — both
// the scheduled loop and its backoff/in-progress bookkeeping are left
// untouched, so an intermediate apply can run concurrently with a
// paused or in-flight regular cycle.
func (l *Loop) ApplyIntermediate(ctx context.Context, apps types.TargetApps) error {
	current, err := l.snapshot(ctx)
	if err != nil {
		return err
	}

	l.locks.Lock(lock.KeyInferSteps)
	steps := planner.Plan(apps, current)
	l.locks.Unlock(lock.KeyInferSteps)

	for i := range steps {
		steps[i].SkipLock = true
		steps[i].BypassAdvisoryLock = true
	}

	if len(steps) == 0 {
		return nil
	}

	results := l.exec.Execute(ctx, steps)
	for _, res := range results {
		if res.Err != nil {
			return res.Err
		}
	}
	return nil
}
