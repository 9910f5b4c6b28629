package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/quentingllmt/host-supervisor/internal/apierr"
	"github.com/quentingllmt/host-supervisor/internal/lock"
	"github.com/quentingllmt/host-supervisor/internal/planner"
	"github.com/quentingllmt/host-supervisor/internal/types"
)

// blinkDuration is how long the identification pattern runs before it
// is stopped automatically (§4.7).
const blinkDuration = 15 * time.Second

// statusResponse is the single-app view GET /v2/state/status returns
// (§6).
type statusResponse struct {
	Status                  string            `json:"status"`
	AppState                string            `json:"appState"`
	OverallDownloadProgress *int              `json:"overallDownloadProgress"`
	Containers              []containerStatus `json:"containers"`
	Images                  []imageStatus     `json:"images"`
	Release                 string            `json:"release"`
}

type containerStatus struct {
	ServiceName string              `json:"serviceName"`
	ContainerID string              `json:"containerId"`
	Status      types.ServiceStatus `json:"status"`
}

type imageStatus struct {
	Name             string            `json:"name"`
	DockerImageID    string            `json:"dockerImageId"`
	Status           types.ImageStatus `json:"status"`
	DownloadProgress *int              `json:"downloadProgress"`
}

// handleStateStatus reports a single application's status: the one the
// caller's key scopes to, or, for an unscoped key with more than one
// app present, the lowest appId (§9's Open Question picks this
// deterministically rather than the source's arbitrary first-seen app).
func (s *Server) handleStateStatus(w http.ResponseWriter, r *http.Request, scope types.KeyScope) {
	current, err := s.store.GetCurrentApps()
	if err != nil {
		writeError(w, err)
		return
	}
	target, err := s.store.GetTargetApps()
	if err != nil {
		writeError(w, err)
		return
	}

	appID, ok := selectStatusApp(scope, current, target)
	if !ok {
		writeJSON(w, http.StatusOK, statusResponse{Status: "success", AppState: "applied"})
		return
	}

	images, err := s.store.ListImages()
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, buildStatusResponse(appID, target[appID], current[appID], images))
}

func selectStatusApp(scope types.KeyScope, current types.CurrentApps, target types.TargetApps) (types.AppID, bool) {
	seen := make(map[types.AppID]bool)
	var ids []int64
	for id := range target {
		if scope.Includes(id) && !seen[id] {
			seen[id] = true
			ids = append(ids, int64(id))
		}
	}
	for id := range current {
		if scope.Includes(id) && !seen[id] {
			seen[id] = true
			ids = append(ids, int64(id))
		}
	}
	if len(ids) == 0 {
		return 0, false
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return types.AppID(ids[0]), true
}

func buildStatusResponse(appID types.AppID, target, current *types.Application, images []*types.Image) statusResponse {
	appState := "applied"
	if len(planner.Plan(singleTargetApps(appID, target), singleCurrentApps(appID, current))) > 0 {
		appState = "applying"
	}

	var release string
	switch {
	case target != nil:
		release = target.ReleaseID
	case current != nil:
		release = current.ReleaseID
	}

	var containers []containerStatus
	if current != nil {
		for _, svc := range current.Services {
			containers = append(containers, containerStatus{
				ServiceName: svc.ServiceName,
				ContainerID: svc.ContainerID,
				Status:      svc.Status,
			})
		}
	}

	var appImages []imageStatus
	var progressSum, progressCount int
	for _, img := range images {
		if img.AppID != appID {
			continue
		}
		appImages = append(appImages, imageStatus{
			Name:             img.Name,
			DockerImageID:    img.DockerImageID,
			Status:           img.Status,
			DownloadProgress: img.DownloadProgress,
		})
		if img.DownloadProgress != nil {
			progressSum += *img.DownloadProgress
			progressCount++
		}
	}

	var overall *int
	if progressCount > 0 {
		avg := progressSum / progressCount
		overall = &avg
	}

	return statusResponse{
		Status:                  "success",
		AppState:                appState,
		OverallDownloadProgress: overall,
		Containers:              containers,
		Images:                  appImages,
		Release:                 release,
	}
}

func singleTargetApps(appID types.AppID, app *types.Application) types.TargetApps {
	if app == nil {
		return types.TargetApps{}
	}
	return types.TargetApps{appID: app}
}

func singleCurrentApps(appID types.AppID, app *types.Application) types.CurrentApps {
	if app == nil {
		return types.CurrentApps{}
	}
	return types.CurrentApps{appID: app}
}

func formatAppID(id types.AppID) string {
	return strconv.FormatInt(int64(id), 10)
}

// appStateResponse is the body GET /v2/applications/:appId/state
// returns (§6): the app's commit plus its local instantiation, keyed by
// appId, alongside an always-empty dependent-apps object — multi-app
// dependency reporting is out of scope (§1).
type appStateResponse struct {
	Commit    string                    `json:"commit"`
	Local     map[string]localAppState  `json:"local"`
	Dependent map[string]any            `json:"dependent"`
}

type localAppState struct {
	AppID    types.AppID             `json:"appId"`
	Name     string                  `json:"name"`
	Services map[string]serviceState `json:"services"`
}

type serviceState struct {
	Status  types.ServiceStatus `json:"status"`
	Image   string              `json:"image"`
	ImageID int64               `json:"imageId"`
}

func (s *Server) handleAppState(w http.ResponseWriter, r *http.Request, scope types.KeyScope) {
	appID, err := parseAppID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := requireAppScope(scope, appID); err != nil {
		writeError(w, err)
		return
	}

	current, err := s.store.GetCurrentApps()
	if err != nil {
		writeError(w, err)
		return
	}
	app, ok := current[appID]
	if !ok {
		writeError(w, apierr.AppNotFound("application %d", appID))
		return
	}

	services := make(map[string]serviceState, len(app.Services))
	for _, svc := range app.Services {
		services[svc.ServiceName] = serviceState{Status: svc.Status, Image: svc.Image, ImageID: svc.ImageID}
	}

	writeJSON(w, http.StatusOK, appStateResponse{
		Commit: app.Commit,
		Local: map[string]localAppState{
			formatAppID(appID): {AppID: appID, Name: app.Name, Services: services},
		},
		Dependent: map[string]any{},
	})
}

// serviceSelector identifies one service within an application's
// request body, by either imageId or serviceName. When both are
// supplied imageId takes precedence, since it uniquely identifies a
// service within a release while a name alone may be ambiguous across
// concurrently-applying releases.
type serviceSelector struct {
	ImageID     int64  `json:"imageId"`
	ServiceName string `json:"serviceName"`
	Force       bool   `json:"force"`
}

func (s *Server) findService(appID types.AppID, sel serviceSelector) (*types.Service, error) {
	app, err := s.store.GetTargetApp(appID)
	if err != nil {
		if kind, ok := apierr.KindOf(err); ok && kind == apierr.KindNotFound {
			return nil, apierr.AppNotFound("application %d", appID)
		}
		return nil, err
	}

	if sel.ImageID != 0 {
		for _, svc := range app.Services {
			if svc.ImageID == sel.ImageID {
				return svc, nil
			}
		}
		return nil, apierr.NotFound("service with imageId %d in application %d", sel.ImageID, appID)
	}

	if sel.ServiceName != "" {
		for _, svc := range app.Services {
			if svc.ServiceName == sel.ServiceName {
				return svc, nil
			}
		}
		return nil, apierr.NotFound("service %q in application %d", sel.ServiceName, appID)
	}

	return nil, apierr.Validation("request must set imageId or serviceName")
}

func decodeSelector(r *http.Request) (serviceSelector, error) {
	var sel serviceSelector
	if r.ContentLength == 0 {
		return sel, nil
	}
	if err := json.NewDecoder(r.Body).Decode(&sel); err != nil {
		return sel, apierr.Validation("malformed request body: %v", err)
	}
	return sel, nil
}

// runSingleStep plans nothing: the Control API dispatches an explicit,
// caller-specified step directly to the executor rather than going
// through a full plan/execute cycle, matching the "single-step dispatch"
// path the Apply Loop itself does not take.
func (s *Server) runSingleStep(w http.ResponseWriter, r *http.Request, appID types.AppID, action types.StepAction, bypassAdvisory bool) {
	sel, err := decodeSelector(r)
	if err != nil {
		writeError(w, err)
		return
	}

	svc, err := s.findService(appID, sel)
	if err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := ctxWithTimeout()
	defer cancel()

	step := types.Step{
		AppID:              appID,
		Action:             action,
		Service:            svc,
		Current:            svc,
		Wait:               true,
		Force:              sel.Force,
		BypassAdvisoryLock: bypassAdvisory,
	}

	results := s.exec.Execute(ctx, []types.Step{step})
	if len(results) == 0 {
		writeError(w, apierr.InternalInconsistency("executor returned no result for step"))
		return
	}
	if results[0].Err != nil {
		writeError(w, results[0].Err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

// handleStartService bypasses the per-app advisory lock by policy: an
// explicit operator start request is allowed even while a co-resident
// workload holds updates.lock, matching the "start-service is lock-free"
// exception noted for this one action.
func (s *Server) handleStartService(w http.ResponseWriter, r *http.Request, scope types.KeyScope) {
	appID, err := parseAppID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := requireAppScope(scope, appID); err != nil {
		writeError(w, err)
		return
	}
	s.runSingleStep(w, r, appID, types.ActionStart, true)
}

func (s *Server) handleStopService(w http.ResponseWriter, r *http.Request, scope types.KeyScope) {
	appID, err := parseAppID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := requireAppScope(scope, appID); err != nil {
		writeError(w, err)
		return
	}
	s.runSingleStep(w, r, appID, types.ActionStop, false)
}

func (s *Server) handleRestartService(w http.ResponseWriter, r *http.Request, scope types.KeyScope) {
	appID, err := parseAppID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := requireAppScope(scope, appID); err != nil {
		writeError(w, err)
		return
	}
	s.runSingleStep(w, r, appID, types.ActionRestart, false)
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request, scope types.KeyScope) {
	appID, err := parseAppID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := requireAppScope(scope, appID); err != nil {
		writeError(w, err)
		return
	}
	s.runSingleStep(w, r, appID, types.ActionPurge, false)
}

// handleRestartApp restarts every service of one application, unlike
// restart-service which targets a single named/imageId-addressed
// service (§6's "restart" row).
func (s *Server) handleRestartApp(w http.ResponseWriter, r *http.Request, scope types.KeyScope) {
	appID, err := parseAppID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := requireAppScope(scope, appID); err != nil {
		writeError(w, err)
		return
	}

	var body struct {
		Force bool `json:"force"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, apierr.Validation("malformed request body: %v", err))
			return
		}
	}

	app, err := s.store.GetTargetApp(appID)
	if err != nil {
		if kind, ok := apierr.KindOf(err); ok && kind == apierr.KindNotFound {
			writeError(w, apierr.AppNotFound("application %d", appID))
			return
		}
		writeError(w, err)
		return
	}

	steps := make([]types.Step, 0, len(app.Services))
	for _, svc := range app.Services {
		steps = append(steps, types.Step{
			AppID:   appID,
			Action:  types.ActionRestart,
			Service: svc,
			Current: svc,
			Wait:    true,
			Force:   body.Force,
		})
	}

	ctx, cancel := ctxWithTimeout()
	defer cancel()

	results := s.exec.Execute(ctx, steps)
	for _, res := range results {
		if res.Err != nil {
			writeError(w, res.Err)
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

// handleSetTargetState writes a full target state document. It holds
// the "target" write lock for the duration of the write so a
// concurrent apply cycle never reads a partially-written document.
// Per §4.7's local-mode constraint, this endpoint is rejected unless the
// device's stored local configuration already has localMode set —
// local mode itself is enabled out-of-band (device provisioning), not
// by the body of this same request.
//
// A request with `?intermediate=true` installs an *intermediate*
// target instead (§4.2 `getTarget({intermediate})`, Glossary): it
// skips the local-mode and full-document checks and drives the apps
// through Loop.ApplyIntermediate, which bypasses both the pause
// blocker and the per-app advisory lock, so a phased transition can
// run its intermediate step even while the regular loop is paused.
func (s *Server) handleSetTargetState(w http.ResponseWriter, r *http.Request, scope types.KeyScope) {
	if !scope.All {
		writeError(w, apierr.Validation("setting target state requires an unscoped API key"))
		return
	}

	if r.URL.Query().Get("intermediate") == "true" {
		s.handleSetIntermediateTargetState(w, r)
		return
	}

	existing, err := s.store.GetLocalConfig()
	if err != nil {
		writeError(w, err)
		return
	}
	if !existing.LocalMode {
		writeError(w, apierr.Validation("device is not in local mode"))
		return
	}

	var target types.TargetState
	if err := json.NewDecoder(r.Body).Decode(&target); err != nil {
		writeError(w, apierr.Validation("malformed target state: %v", err))
		return
	}
	if target.Apps == nil {
		writeError(w, apierr.Validation("target state must set apps"))
		return
	}
	target.Local.LocalMode = true

	s.locks.Lock(lock.KeyTarget)
	defer s.locks.Unlock(lock.KeyTarget)

	if err := s.store.SetLocalConfig(target.Local); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.SetTargetApps(target.Apps); err != nil {
		writeError(w, err)
		return
	}

	s.broker.PublishChange(map[string]any{"reason": "target-state-set"})
	s.loop.Trigger()

	writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

func (s *Server) handleSetIntermediateTargetState(w http.ResponseWriter, r *http.Request) {
	var apps types.TargetApps
	if err := json.NewDecoder(r.Body).Decode(&apps); err != nil {
		writeError(w, apierr.Validation("malformed intermediate target state: %v", err))
		return
	}

	if err := s.store.SetIntermediateTargetApps(apps); err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := ctxWithTimeout()
	defer cancel()
	if err := s.loop.ApplyIntermediate(ctx, apps); err != nil {
		writeError(w, err)
		return
	}

	if err := s.store.ClearIntermediateTargetApps(); err != nil {
		writeError(w, err)
		return
	}

	s.broker.PublishChange(map[string]any{"reason": "intermediate-target-applied"})
	writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

func (s *Server) handleGetTargetState(w http.ResponseWriter, r *http.Request, scope types.KeyScope) {
	if r.URL.Query().Get("intermediate") == "true" {
		apps, err := s.store.GetIntermediateTargetApps()
		if err != nil {
			writeError(w, err)
			return
		}
		filtered := make(types.TargetApps, len(apps))
		for id, app := range apps {
			if scope.Includes(id) {
				filtered[id] = app
			}
		}
		writeJSON(w, http.StatusOK, types.TargetState{Apps: filtered})
		return
	}

	s.locks.RLock(lock.KeyTarget)
	apps, err := s.store.GetTargetApps()
	if err != nil {
		s.locks.RUnlock(lock.KeyTarget)
		writeError(w, err)
		return
	}
	local, err := s.store.GetLocalConfig()
	s.locks.RUnlock(lock.KeyTarget)
	if err != nil {
		writeError(w, err)
		return
	}

	filtered := make(types.TargetApps, len(apps))
	for id, app := range apps {
		if scope.Includes(id) {
			filtered[id] = app
		}
	}

	writeJSON(w, http.StatusOK, types.TargetState{Local: local, Apps: filtered})
}

// stopAll issues a stop step for every service of every target
// application, honoring each service's advisory lock unless force is
// set, matching applicationManager.stopAll's contract (§4.7) used
// ahead of both reboot and shutdown.
func (s *Server) stopAll(ctx context.Context, force bool) error {
	apps, err := s.store.GetTargetApps()
	if err != nil {
		return err
	}

	var steps []types.Step
	for appID, app := range apps {
		for _, svc := range app.Services {
			steps = append(steps, types.Step{
				AppID:   appID,
				Action:  types.ActionStop,
				Service: svc,
				Current: svc,
				Wait:    true,
				Force:   force,
			})
		}
	}

	for _, res := range s.exec.Execute(ctx, steps) {
		if res.Err != nil {
			return res.Err
		}
	}
	return nil
}

func (s *Server) rebootOrShutdown(w http.ResponseWriter, r *http.Request, scope types.KeyScope, op string, primitive func(context.Context) error) {
	if !scope.All {
		writeError(w, apierr.Validation("%s the device requires an unscoped API key", op))
		return
	}

	var body struct {
		Force bool `json:"force"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, apierr.Validation("malformed request body: %v", err))
			return
		}
	}

	ctx, cancel := ctxWithTimeout()
	defer cancel()

	if err := s.stopAll(ctx, body.Force); err != nil {
		writeError(w, err)
		return
	}

	s.logger.Info().Str("op", op).Msg("system requested")

	if err := primitive(ctx); err != nil {
		writeError(w, apierr.RuntimeError(err, "%s device", op))
		return
	}

	s.broker.PublishShutdown(op)
	writeJSON(w, http.StatusAccepted, map[string]any{"Data": "OK", "Error": nil})
}

func (s *Server) handleReboot(w http.ResponseWriter, r *http.Request, scope types.KeyScope) {
	s.rebootOrShutdown(w, r, scope, "reboot", s.host.Reboot)
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request, scope types.KeyScope) {
	s.rebootOrShutdown(w, r, scope, "shutdown", s.host.Shutdown)
}

// handleVPN reports the host's VPN tunnel status; the system-bus
// integration behind it is an external collaborator (§1).
func (s *Server) handleVPN(w http.ResponseWriter, r *http.Request, _ types.KeyScope) {
	ctx, cancel := ctxWithTimeout()
	defer cancel()

	state, err := s.vpn.Status(ctx)
	if err != nil {
		writeError(w, apierr.RuntimeError(err, "read VPN status"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"vpn":    map[string]bool{"enabled": state.Enabled, "connected": state.Connected},
	})
}

// handleContainerID resolves a service name to its runtime container
// ID, or lists every service's container ID when none is given.
func (s *Server) handleContainerID(w http.ResponseWriter, r *http.Request, scope types.KeyScope) {
	current, err := s.store.GetCurrentApps()
	if err != nil {
		writeError(w, err)
		return
	}

	name := r.URL.Query().Get("serviceName")

	services := make(map[string]string)
	for appID, app := range current {
		if !scope.Includes(appID) {
			continue
		}
		for _, svc := range app.Services {
			if svc.ContainerID == "" {
				continue
			}
			services[svc.ServiceName] = svc.ContainerID
		}
	}

	if name != "" {
		id, ok := services[name]
		if !ok {
			writeError(w, apierr.NotFound("no running container for service %q", name))
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"containerId": id})
		return
	}

	if len(services) == 0 {
		writeError(w, apierr.NotFound("no running containers"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]map[string]string{"services": services})
}

// handleBlink starts the host's visual identification pattern and
// schedules its stop after blinkDuration, without blocking the caller.
func (s *Server) handleBlink(w http.ResponseWriter, r *http.Request, _ types.KeyScope) {
	if err := s.blink.StartPattern(); err != nil {
		writeError(w, apierr.RuntimeError(err, "start blink pattern"))
		return
	}

	go func() {
		time.Sleep(blinkDuration)
		if err := s.blink.StopPattern(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to stop blink pattern")
		}
	}()

	w.WriteHeader(http.StatusOK)
}

// handleRegenerateKey issues a fresh token for the caller's own key and
// revokes the old one. The cloud key's regeneration is additionally
// reported upstream via the CloudReporter so the cloud side learns the
// new token (§4.7); a scoped key's regeneration is only visible to the
// caller.
func (s *Server) handleRegenerateKey(w http.ResponseWriter, r *http.Request, _ types.KeyScope) {
	old := callerToken(r)
	if old == "" {
		writeError(w, apierr.Validation("missing API key"))
		return
	}

	next, err := s.keys.Regenerate(old)
	if err != nil {
		writeError(w, err)
		return
	}

	if next.Cloud {
		ctx, cancel := ctxWithTimeout()
		defer cancel()
		if err := s.cloud.ReportState(ctx, map[string]any{"apiKey": next.Token}); err != nil {
			s.logger.Warn().Err(err).Msg("failed to report regenerated cloud key")
		}
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(next.Token))
}

// handlePause and handleResume back the Control API's maintenance-window
// endpoints, letting an operator hold off scheduled applies around an
// unrelated manual operation without touching the advisory lock files.
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request, scope types.KeyScope) {
	appID, err := parseAppID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := requireAppScope(scope, appID); err != nil {
		writeError(w, err)
		return
	}

	release := s.loop.Pause()
	s.pauseReleases.store(appID, release)

	writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request, scope types.KeyScope) {
	appID, err := parseAppID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := requireAppScope(scope, appID); err != nil {
		writeError(w, err)
		return
	}

	if !s.pauseReleases.release(appID) {
		writeError(w, apierr.Validation("application %d is not paused", appID))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}
