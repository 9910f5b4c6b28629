package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quentingllmt/host-supervisor/internal/apierr"
	"github.com/quentingllmt/host-supervisor/internal/applyloop"
	"github.com/quentingllmt/host-supervisor/internal/events"
	"github.com/quentingllmt/host-supervisor/internal/executor"
	"github.com/quentingllmt/host-supervisor/internal/hostctl"
	"github.com/quentingllmt/host-supervisor/internal/lock"
	"github.com/quentingllmt/host-supervisor/internal/runtime"
	"github.com/quentingllmt/host-supervisor/internal/security"
	"github.com/quentingllmt/host-supervisor/internal/storage"
	"github.com/quentingllmt/host-supervisor/internal/types"
)

// memStore is a minimal in-memory storage.Store for Control API tests.
type memStore struct {
	target        types.TargetApps
	current       types.CurrentApps
	local         types.LocalConfig
	commits       map[types.AppID]string
	appliedLocal  types.LocalConfig
	intermediate  types.TargetApps
}

func newMemStore() *memStore {
	return &memStore{
		target:       types.TargetApps{},
		current:      types.CurrentApps{},
		commits:      map[types.AppID]string{},
		intermediate: types.TargetApps{},
	}
}

func (m *memStore) GetTargetApps() (types.TargetApps, error)  { return m.target, nil }
func (m *memStore) SetTargetApps(apps types.TargetApps) error { m.target = apps; return nil }
func (m *memStore) GetTargetApp(id types.AppID) (*types.Application, error) {
	app, ok := m.target[id]
	if !ok {
		return nil, apierr.NotFound("application %d", id)
	}
	return app, nil
}
func (m *memStore) SetTargetApp(app *types.Application) error { m.target[app.AppID] = app; return nil }
func (m *memStore) DeleteTargetApp(id types.AppID) error       { delete(m.target, id); return nil }
func (m *memStore) GetLocalConfig() (types.LocalConfig, error) { return m.local, nil }
func (m *memStore) SetLocalConfig(cfg types.LocalConfig) error { m.local = cfg; return nil }
func (m *memStore) GetCurrentApps() (types.CurrentApps, error) { return m.current, nil }
func (m *memStore) SetCurrentApps(apps types.CurrentApps) error {
	m.current = apps
	return nil
}
func (m *memStore) SetCurrentApp(app *types.Application) error {
	m.current[app.AppID] = app
	return nil
}
func (m *memStore) DeleteCurrentApp(id types.AppID) error { delete(m.current, id); return nil }
func (m *memStore) GetCommitForApp(id types.AppID) (string, error) { return m.commits[id], nil }
func (m *memStore) SetCommitForApp(id types.AppID, commit string) error {
	m.commits[id] = commit
	return nil
}
func (m *memStore) GetAppliedLocalConfig() (types.LocalConfig, error) { return m.appliedLocal, nil }
func (m *memStore) SetAppliedLocalConfig(cfg types.LocalConfig) error {
	m.appliedLocal = cfg
	return nil
}
func (m *memStore) GetIntermediateTargetApps() (types.TargetApps, error) { return m.intermediate, nil }
func (m *memStore) SetIntermediateTargetApps(apps types.TargetApps) error {
	m.intermediate = apps
	return nil
}
func (m *memStore) ClearIntermediateTargetApps() error {
	m.intermediate = types.TargetApps{}
	return nil
}
func (m *memStore) GetImage(id int64) (*types.Image, error) { return nil, nil }
func (m *memStore) PutImage(img *types.Image) error          { return nil }
func (m *memStore) ListImages() ([]*types.Image, error)       { return nil, nil }
func (m *memStore) DeleteImage(id int64) error                { return nil }
func (m *memStore) Close() error                              { return nil }

var _ storage.Store = (*memStore)(nil)

// noopAdapter implements runtime.Adapter doing nothing.
type noopAdapter struct{}

func (noopAdapter) PullImage(ctx context.Context, imageRef string) error   { return nil }
func (noopAdapter) RemoveImage(ctx context.Context, imageRef string) error { return nil }
func (noopAdapter) CreateContainer(ctx context.Context, containerID, imageRef string, opts runtime.StartOptions) error {
	return nil
}
func (noopAdapter) StartContainer(ctx context.Context, containerID string) error { return nil }
func (noopAdapter) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	return nil
}
func (noopAdapter) RemoveContainer(ctx context.Context, containerID string) error { return nil }
func (noopAdapter) ContainerStatus(ctx context.Context, containerID string) (types.ServiceStatus, error) {
	return types.StatusRunning, nil
}
func (noopAdapter) ContainerLogs(ctx context.Context, containerID string) (io.ReadCloser, error) {
	return nil, nil
}
func (noopAdapter) ListContainers(ctx context.Context) ([]string, error) { return nil, nil }
func (noopAdapter) CreateNetwork(ctx context.Context, name string, config map[string]any) error {
	return nil
}
func (noopAdapter) RemoveNetwork(ctx context.Context, name string) error { return nil }
func (noopAdapter) CreateVolume(ctx context.Context, name string, config map[string]any) error {
	return nil
}
func (noopAdapter) RemoveVolume(ctx context.Context, name string) error { return nil }
func (noopAdapter) Close() error                                        { return nil }

// fakeHost records reboot/shutdown primitive invocations instead of
// touching the real host.
type fakeHost struct {
	rebootCalled, shutdownCalled bool
	err                          error
}

func (f *fakeHost) Reboot(ctx context.Context) error {
	f.rebootCalled = true
	return f.err
}
func (f *fakeHost) Shutdown(ctx context.Context) error {
	f.shutdownCalled = true
	return f.err
}

// fakeCloudReporter records ReportState calls instead of reaching any
// real cloud backend.
type fakeCloudReporter struct {
	reported []map[string]any
}

func (f *fakeCloudReporter) ReportState(ctx context.Context, fields map[string]any) error {
	f.reported = append(f.reported, fields)
	return nil
}
func (f *fakeCloudReporter) ReportLog(ctx context.Context, line string) error { return nil }

type testServer struct {
	srv   *Server
	store *memStore
	keys  *security.Store
	host  *fakeHost
	loop  *applyloop.Loop
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store := newMemStore()
	keys, err := security.NewStore(filepath.Join(t.TempDir(), "keys.db"), security.DeriveKey("test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = keys.Close() })

	locks := lock.NewKeyed()
	broker := events.NewBroker()
	exec := executor.New(noopAdapter{}, locks, broker, nil)

	loop := applyloop.New(
		applyloop.Config{PollInterval: time.Hour, MinBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
		store, exec, broker, locks,
		func(ctx context.Context) (types.CurrentApps, error) { return store.current, nil },
	)

	host := &fakeHost{}

	srv := New(Deps{
		Store:          store,
		Executor:       exec,
		Loop:           loop,
		Broker:         broker,
		Keys:           keys,
		Host:           host,
		VPN:            hostctl.NewNoopVPNStatus(),
		Blink:          hostctl.NewNoopBlinkController(),
		Locks:          locks,
		RateLimitHz:    1000,
		RateLimitBurst: 1000,
	})

	return &testServer{srv: srv, store: store, keys: keys, host: host, loop: loop}
}

func (ts *testServer) issueKey(t *testing.T, scope types.KeyScope) string {
	t.Helper()
	key, err := ts.keys.Issue(scope)
	require.NoError(t, err)
	return key.Token
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.srv.ServeHTTP(rec, req)
	return rec
}

func TestPing_OK(t *testing.T) {
	ts := newTestServer(t)
	token := ts.issueKey(t, types.KeyScope{All: true})

	rec := ts.do(t, http.MethodGet, "/ping", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthy_UnauthenticatedAndOKWhenIdle(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v2/healthy", nil)
	rec := httptest.NewRecorder()
	ts.srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthy_ReportsUnhealthyWhenCycleStuck(t *testing.T) {
	store := newMemStore()
	locks := lock.NewKeyed()
	broker := events.NewBroker()
	exec := executor.New(noopAdapter{}, locks, broker, nil)

	blocked := make(chan struct{})
	loop := applyloop.New(
		applyloop.Config{PollInterval: time.Hour, MinBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
		store, exec, broker, locks,
		func(ctx context.Context) (types.CurrentApps, error) { <-blocked; return store.current, nil },
	)

	keys, err := security.NewStore(filepath.Join(t.TempDir(), "keys.db"), security.DeriveKey("test"))
	require.NoError(t, err)
	defer keys.Close()

	srv := New(Deps{
		Store: store, Executor: exec, Loop: loop, Broker: broker, Keys: keys,
		Host: &fakeHost{}, Locks: locks, RateLimitHz: 1000, RateLimitBurst: 1000,
	})

	loop.Start()
	defer func() {
		close(blocked)
		loop.Stop()
	}()
	loop.Trigger()

	require.Eventually(t, func() bool {
		req := httptest.NewRequest(http.MethodGet, "/v2/healthy", nil)
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		return rec.Code == http.StatusInternalServerError
	}, time.Second, 2*time.Millisecond)
}

func TestMissingAPIKey_ReturnsBadRequest(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/v2/state/status", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScopedKey_OutOfScopeApp_Returns401(t *testing.T) {
	ts := newTestServer(t)
	token := ts.issueKey(t, types.KeyScope{Apps: map[types.AppID]bool{1: true}})

	rec := ts.do(t, http.MethodGet, "/v2/applications/2/state", token, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUnknownAppId_Returns409(t *testing.T) {
	ts := newTestServer(t)
	token := ts.issueKey(t, types.KeyScope{All: true})

	rec := ts.do(t, http.MethodGet, "/v2/applications/404/state", token, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestInvalidAppId_Returns400(t *testing.T) {
	ts := newTestServer(t)
	token := ts.issueKey(t, types.KeyScope{All: true})

	rec := ts.do(t, http.MethodGet, "/v2/applications/not-a-number/state", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStateStatus_ScopedKeySeesOnlyItsApp(t *testing.T) {
	ts := newTestServer(t)
	ts.store.current[1] = &types.Application{AppID: 1, ReleaseID: "rel-1"}
	ts.store.current[2] = &types.Application{AppID: 2, ReleaseID: "rel-2"}
	ts.store.target[1] = &types.Application{AppID: 1, ReleaseID: "rel-1"}
	ts.store.target[2] = &types.Application{AppID: 2, ReleaseID: "rel-2"}

	token := ts.issueKey(t, types.KeyScope{Apps: map[types.AppID]bool{1: true}})
	rec := ts.do(t, http.MethodGet, "/v2/state/status", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "success", out.Status)
	assert.Equal(t, "applied", out.AppState)
	assert.Equal(t, "rel-1", out.Release)
}

func TestStateStatus_UnscopedKeyPicksLowestAppId(t *testing.T) {
	ts := newTestServer(t)
	ts.store.current[5] = &types.Application{AppID: 5, ReleaseID: "rel-5"}
	ts.store.current[2] = &types.Application{AppID: 2, ReleaseID: "rel-2"}
	ts.store.target[5] = &types.Application{AppID: 5, ReleaseID: "rel-5"}
	ts.store.target[2] = &types.Application{AppID: 2, ReleaseID: "rel-2"}

	token := ts.issueKey(t, types.KeyScope{All: true})
	rec := ts.do(t, http.MethodGet, "/v2/state/status", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "rel-2", out.Release)
}

func TestAppState_ReturnsCommitAndLocalShape(t *testing.T) {
	ts := newTestServer(t)
	ts.store.current[1] = &types.Application{
		AppID: 1, Name: "myapp", Commit: "deadbeef",
		Services: []*types.Service{{ServiceName: "web", Status: types.StatusRunning, ImageID: 1, Image: "web:1"}},
	}

	token := ts.issueKey(t, types.KeyScope{All: true})
	rec := ts.do(t, http.MethodGet, "/v2/applications/1/state", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out appStateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "deadbeef", out.Commit)
	require.Contains(t, out.Local, "1")
	assert.Equal(t, "myapp", out.Local["1"].Name)
	assert.Equal(t, types.StatusRunning, out.Local["1"].Services["web"].Status)
	assert.Empty(t, out.Dependent)
}

func TestStartService_BypassesHeldAdvisoryLock(t *testing.T) {
	ts := newTestServer(t)
	ts.store.target[1] = &types.Application{AppID: 1, Services: []*types.Service{
		{AppID: 1, ServiceID: 1, ServiceName: "web", ImageID: 1, Image: "web:1"},
	}}

	lockFile := filepath.Join(t.TempDir(), "updates.lock")
	lockPath := func(svc *types.Service) []string { return []string{lockFile} }
	ts.srv.exec = executor.New(noopAdapter{}, ts.srv.locks, ts.srv.broker, lockPath)

	held := lock.NewAdvisory(lockFile)
	require.NoError(t, held.Lock(context.Background()))
	defer held.Unlock()

	token := ts.issueKey(t, types.KeyScope{All: true})
	rec := ts.do(t, http.MethodPost, "/v2/applications/1/start-service", token, map[string]any{"serviceName": "web"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRestartService_LockedWithoutForce_Returns423(t *testing.T) {
	ts := newTestServer(t)
	ts.store.target[1] = &types.Application{AppID: 1, Services: []*types.Service{
		{AppID: 1, ServiceID: 1, ServiceName: "web", ImageID: 1, Image: "web:1"},
	}}

	lockFile := filepath.Join(t.TempDir(), "updates.lock")
	lockPath := func(svc *types.Service) []string { return []string{lockFile} }
	ts.srv.exec = executor.New(noopAdapter{}, ts.srv.locks, ts.srv.broker, lockPath)

	held := lock.NewAdvisory(lockFile)
	require.NoError(t, held.Lock(context.Background()))
	defer held.Unlock()

	token := ts.issueKey(t, types.KeyScope{All: true})
	rec := ts.do(t, http.MethodPost, "/v2/applications/1/restart-service", token, map[string]any{"serviceName": "web"})
	assert.Equal(t, http.StatusLocked, rec.Code)
}

func TestRestartService_LockedWithForce_Returns200(t *testing.T) {
	ts := newTestServer(t)
	ts.store.target[1] = &types.Application{AppID: 1, Services: []*types.Service{
		{AppID: 1, ServiceID: 1, ServiceName: "web", ImageID: 1, Image: "web:1"},
	}}

	lockFile := filepath.Join(t.TempDir(), "updates.lock")
	lockPath := func(svc *types.Service) []string { return []string{lockFile} }
	ts.srv.exec = executor.New(noopAdapter{}, ts.srv.locks, ts.srv.broker, lockPath)

	held := lock.NewAdvisory(lockFile)
	require.NoError(t, held.Lock(context.Background()))

	token := ts.issueKey(t, types.KeyScope{All: true})
	rec := ts.do(t, http.MethodPost, "/v2/applications/1/restart-service", token, map[string]any{"serviceName": "web", "force": true})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReboot_LockedWithoutForce_DoesNotCallPrimitive(t *testing.T) {
	ts := newTestServer(t)
	ts.store.target[1] = &types.Application{AppID: 1, Services: []*types.Service{
		{AppID: 1, ServiceID: 1, ServiceName: "web", ImageID: 1, Image: "web:1"},
	}}

	lockFile := filepath.Join(t.TempDir(), "updates.lock")
	lockPath := func(svc *types.Service) []string { return []string{lockFile} }
	ts.srv.exec = executor.New(noopAdapter{}, ts.srv.locks, ts.srv.broker, lockPath)

	held := lock.NewAdvisory(lockFile)
	require.NoError(t, held.Lock(context.Background()))
	defer held.Unlock()

	token := ts.issueKey(t, types.KeyScope{All: true})
	rec := ts.do(t, http.MethodPost, "/v2/reboot", token, nil)

	assert.Equal(t, http.StatusLocked, rec.Code)
	assert.False(t, ts.host.rebootCalled)
}

func TestReboot_WithForce_StopsAllThenReboots(t *testing.T) {
	ts := newTestServer(t)
	ts.store.target[1] = &types.Application{AppID: 1, Services: []*types.Service{
		{AppID: 1, ServiceID: 1, ServiceName: "web", ImageID: 1, Image: "web:1"},
	}}

	lockFile := filepath.Join(t.TempDir(), "updates.lock")
	lockPath := func(svc *types.Service) []string { return []string{lockFile} }
	ts.srv.exec = executor.New(noopAdapter{}, ts.srv.locks, ts.srv.broker, lockPath)

	token := ts.issueKey(t, types.KeyScope{All: true})
	rec := ts.do(t, http.MethodPost, "/v2/reboot", token, map[string]any{"force": true})

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, ts.host.rebootCalled)
}

func TestShutdown_RequiresUnscopedKey(t *testing.T) {
	ts := newTestServer(t)
	token := ts.issueKey(t, types.KeyScope{Apps: map[types.AppID]bool{1: true}})

	rec := ts.do(t, http.MethodPost, "/v2/shutdown", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, ts.host.shutdownCalled)
}

func TestBlink_ReturnsOKImmediately(t *testing.T) {
	ts := newTestServer(t)
	token := ts.issueKey(t, types.KeyScope{All: true})

	rec := ts.do(t, http.MethodPost, "/v2/blink", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRegenerateKey_IssuesFreshTokenAndRevokesOld(t *testing.T) {
	ts := newTestServer(t)
	token := ts.issueKey(t, types.KeyScope{All: true})

	rec := ts.do(t, http.MethodPost, "/v2/regenerate-api-key", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	newToken := rec.Body.String()
	assert.NotEqual(t, token, newToken)

	rec2 := ts.do(t, http.MethodGet, "/v2/state/status", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec2.Code)

	rec3 := ts.do(t, http.MethodGet, "/v2/state/status", newToken, nil)
	assert.Equal(t, http.StatusOK, rec3.Code)
}

func TestRegenerateKey_CloudKeyReportsUpstream(t *testing.T) {
	store := newMemStore()
	locks := lock.NewKeyed()
	broker := events.NewBroker()
	exec := executor.New(noopAdapter{}, locks, broker, nil)
	loop := applyloop.New(
		applyloop.Config{PollInterval: time.Hour, MinBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
		store, exec, broker, locks,
		func(ctx context.Context) (types.CurrentApps, error) { return store.current, nil },
	)

	keys, err := security.NewStore(filepath.Join(t.TempDir(), "keys.db"), security.DeriveKey("test"))
	require.NoError(t, err)
	defer keys.Close()

	cloud := &fakeCloudReporter{}
	srv := New(Deps{
		Store: store, Executor: exec, Loop: loop, Broker: broker, Keys: keys,
		Host: &fakeHost{}, CloudReporter: cloud, Locks: locks,
		RateLimitHz: 1000, RateLimitBurst: 1000,
	})

	cloudKey, err := keys.IssueCloudKey()
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v2/regenerate-api-key", nil)
	req.Header.Set("Authorization", "Bearer "+cloudKey.Token)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, cloud.reported, 1)
	assert.Equal(t, rec.Body.String(), cloud.reported[0]["apiKey"])
}

func TestSetTargetState_RejectedWithoutLocalMode(t *testing.T) {
	ts := newTestServer(t)
	token := ts.issueKey(t, types.KeyScope{All: true})

	rec := ts.do(t, http.MethodPost, "/v2/local/target-state", token, map[string]any{"apps": map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetTargetState_AcceptedInLocalMode(t *testing.T) {
	ts := newTestServer(t)
	ts.store.local.LocalMode = true
	token := ts.issueKey(t, types.KeyScope{All: true})

	rec := ts.do(t, http.MethodPost, "/v2/local/target-state", token, map[string]any{"apps": map[string]any{}})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSetIntermediateTargetState_BypassesLocalModeAndAppliesImmediately(t *testing.T) {
	ts := newTestServer(t)
	token := ts.issueKey(t, types.KeyScope{All: true})

	body := types.TargetApps{
		1: {AppID: 1, Services: []*types.Service{
			{AppID: 1, ServiceID: 1, ServiceName: "web", Image: "web:1"},
		}},
	}
	rec := ts.do(t, http.MethodPost, "/v2/local/target-state?intermediate=true", token, body)
	require.Equal(t, http.StatusOK, rec.Code)

	// The intermediate target is cleared once applied, leaving nothing
	// for a later getTarget({intermediate}) to return.
	stored, err := ts.store.GetIntermediateTargetApps()
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestGetIntermediateTargetState_ReturnsInstalledIntermediate(t *testing.T) {
	ts := newTestServer(t)
	token := ts.issueKey(t, types.KeyScope{All: true})

	apps := types.TargetApps{2: {AppID: 2}}
	require.NoError(t, ts.store.SetIntermediateTargetApps(apps))

	rec := ts.do(t, http.MethodGet, "/v2/local/target-state?intermediate=true", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out types.TargetState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Contains(t, out.Apps, types.AppID(2))
}

func TestPauseThenResume_RoundTrips(t *testing.T) {
	ts := newTestServer(t)
	token := ts.issueKey(t, types.KeyScope{All: true})

	rec := ts.do(t, http.MethodPost, "/v2/applications/1/pause", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v2/applications/1/resume", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v2/applications/1/resume", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
