// Package api is the Control API (C7): the HTTP surface applications on
// the device (and operators) use to read state and request privileged
// mutations, funneled through the same locks and executor the Apply
// Loop itself uses.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/quentingllmt/host-supervisor/internal/apierr"
	"github.com/quentingllmt/host-supervisor/internal/applyloop"
	"github.com/quentingllmt/host-supervisor/internal/events"
	"github.com/quentingllmt/host-supervisor/internal/executor"
	"github.com/quentingllmt/host-supervisor/internal/hostctl"
	"github.com/quentingllmt/host-supervisor/internal/lock"
	"github.com/quentingllmt/host-supervisor/internal/log"
	"github.com/quentingllmt/host-supervisor/internal/metrics"
	"github.com/quentingllmt/host-supervisor/internal/security"
	"github.com/quentingllmt/host-supervisor/internal/storage"
	"github.com/quentingllmt/host-supervisor/internal/types"
)

// Server is the Control API's HTTP server. Every handler that mutates
// state routes through the same in-process locks and Executor the Apply
// Loop uses, so concurrent API calls and apply cycles never race.
type Server struct {
	store   storage.Store
	exec    *executor.Executor
	loop    *applyloop.Loop
	broker  *events.Broker
	keys    *security.Store
	host    hostctl.HostPrimitive
	vpn     hostctl.VPNStatus
	blink   hostctl.BlinkController
	cloud   hostctl.CloudReporter
	locks   *lock.Keyed
	logger  zerolog.Logger

	mux *http.ServeMux

	rlMu     sync.Mutex
	limiters map[string]*rate.Limiter
	rlRate   rate.Limit
	rlBurst  int

	pauseReleases pauseTracker
}

// pauseTracker remembers which Loop.Pause release function belongs to
// which app's pause request, so a later resume call releases the
// correct hold instead of guessing at the Apply Loop's internal count.
type pauseTracker struct {
	mu       sync.Mutex
	releases map[types.AppID]func()
}

func (t *pauseTracker) store(appID types.AppID, release func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.releases == nil {
		t.releases = make(map[types.AppID]func())
	}
	if existing, ok := t.releases[appID]; ok {
		existing()
	}
	t.releases[appID] = release
}

func (t *pauseTracker) release(appID types.AppID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	release, ok := t.releases[appID]
	if !ok {
		return false
	}
	delete(t.releases, appID)
	release()
	return true
}

// Deps bundles the collaborators a Server needs; kept as a struct so
// New's signature does not grow every time a component gains a
// dependency.
type Deps struct {
	Store          storage.Store
	Executor       *executor.Executor
	Loop           *applyloop.Loop
	Broker         *events.Broker
	Keys           *security.Store
	Host           hostctl.HostPrimitive
	VPN            hostctl.VPNStatus
	Blink          hostctl.BlinkController
	CloudReporter  hostctl.CloudReporter
	Locks          *lock.Keyed
	RateLimitHz    float64
	RateLimitBurst int
}

// New builds a Server and registers its routes.
func New(d Deps) *Server {
	vpn := d.VPN
	if vpn == nil {
		vpn = hostctl.NewNoopVPNStatus()
	}
	blink := d.Blink
	if blink == nil {
		blink = hostctl.NewNoopBlinkController()
	}
	cloud := d.CloudReporter
	if cloud == nil {
		cloud = hostctl.NewNoopReporter()
	}

	s := &Server{
		store:    d.Store,
		exec:     d.Executor,
		loop:     d.Loop,
		broker:   d.Broker,
		keys:     d.Keys,
		host:     d.Host,
		vpn:      vpn,
		blink:    blink,
		cloud:    cloud,
		locks:    d.Locks,
		logger:   log.WithComponent("api"),
		limiters: make(map[string]*rate.Limiter),
		rlRate:   rate.Limit(d.RateLimitHz),
		rlBurst:  d.RateLimitBurst,
	}
	s.mux = http.NewServeMux()
	s.routes()
	return s
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.Handle("/metrics", metrics.Handler())
	s.mux.HandleFunc("GET /ping", s.withMiddleware("ping", s.handlePing))
	s.mux.HandleFunc("GET /v2/healthy", s.handleHealthy)

	s.mux.HandleFunc("GET /v2/device/vpn", s.withMiddleware("device-vpn", s.handleVPN))
	s.mux.HandleFunc("GET /v2/containerId", s.withMiddleware("container-id", s.handleContainerID))

	s.mux.HandleFunc("GET /v2/state/status", s.withMiddleware("state-status", s.handleStateStatus))
	s.mux.HandleFunc("GET /v2/applications/{appId}/state", s.withMiddleware("app-state", s.handleAppState))

	s.mux.HandleFunc("POST /v2/applications/{appId}/start-service", s.withMiddleware("start-service", s.handleStartService))
	s.mux.HandleFunc("POST /v2/applications/{appId}/stop-service", s.withMiddleware("stop-service", s.handleStopService))
	s.mux.HandleFunc("POST /v2/applications/{appId}/restart-service", s.withMiddleware("restart-service", s.handleRestartService))
	s.mux.HandleFunc("POST /v2/applications/{appId}/restart", s.withMiddleware("restart-app", s.handleRestartApp))
	s.mux.HandleFunc("POST /v2/applications/{appId}/purge", s.withMiddleware("purge", s.handlePurge))

	s.mux.HandleFunc("POST /v2/local/target-state", s.withMiddleware("set-target-state", s.handleSetTargetState))
	s.mux.HandleFunc("GET /v2/local/target-state", s.withMiddleware("get-target-state", s.handleGetTargetState))

	s.mux.HandleFunc("POST /v2/reboot", s.withMiddleware("reboot", s.handleReboot))
	s.mux.HandleFunc("POST /v2/shutdown", s.withMiddleware("shutdown", s.handleShutdown))

	s.mux.HandleFunc("POST /v2/blink", s.withMiddleware("blink", s.handleBlink))
	s.mux.HandleFunc("POST /v2/regenerate-api-key", s.withMiddleware("regenerate-api-key", s.handleRegenerateKey))

	s.mux.HandleFunc("POST /v2/applications/{appId}/pause", s.withMiddleware("pause", s.handlePause))
	s.mux.HandleFunc("POST /v2/applications/{appId}/resume", s.withMiddleware("resume", s.handleResume))
}

// withMiddleware wraps a handler with request metrics, rate limiting
// and API key authentication, in that order so a rejected request is
// still counted.
func (s *Server) withMiddleware(route string, next func(w http.ResponseWriter, r *http.Request, scope types.KeyScope)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(sw.status)).Inc()
			metrics.APIRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}()

		if !s.allow(r) {
			writeError(sw, apierr.UpdatesLocked("rate limit exceeded"))
			return
		}

		scope, token, err := s.authenticate(r)
		if err != nil {
			writeError(sw, err)
			return
		}

		r = r.WithContext(context.WithValue(r.Context(), tokenContextKey{}, token))
		next(sw, r, scope)
	}
}

type tokenContextKey struct{}

// callerToken extracts the bearer token the withMiddleware auth step
// validated, for the one handler (regenerate-api-key) that needs to act
// on the caller's own token rather than just its scope.
func callerToken(r *http.Request) string {
	token, _ := r.Context().Value(tokenContextKey{}).(string)
	return token
}

func (s *Server) allow(r *http.Request) bool {
	ip := clientIP(r)

	s.rlMu.Lock()
	limiter, ok := s.limiters[ip]
	if !ok {
		limiter = rate.NewLimiter(s.rlRate, s.rlBurst)
		s.limiters[ip] = limiter
	}
	s.rlMu.Unlock()

	return limiter.Allow()
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}

func (s *Server) authenticate(r *http.Request) (types.KeyScope, string, error) {
	token := r.URL.Query().Get("apikey")
	if token == "" {
		token = r.Header.Get("Authorization")
		if len(token) > 7 && token[:7] == "Bearer " {
			token = token[7:]
		}
	}
	if token == "" {
		return types.KeyScope{}, "", apierr.Validation("missing API key")
	}
	scope, err := s.keys.Validate(token)
	return scope, token, err
}

func requireAppScope(scope types.KeyScope, appID types.AppID) error {
	if !scope.Includes(appID) {
		return apierr.OutOfScope("API key does not grant access to application %d", appID)
	}
	return nil
}

func parseAppID(r *http.Request) (types.AppID, error) {
	raw := r.PathValue("appId")
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, apierr.Validation("invalid appId %q", raw)
	}
	return types.AppID(n), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	if sw, ok := w.(*statusWriter); ok {
		sw.status = status
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind, ok := apierr.KindOf(err)
	if ok {
		switch kind {
		case apierr.KindUpdatesLocked:
			status = http.StatusLocked
		case apierr.KindNotFound:
			status = http.StatusNotFound
		case apierr.KindValidation:
			status = http.StatusBadRequest
		case apierr.KindRuntimeError:
			status = http.StatusInternalServerError
		case apierr.KindInternalInconsistency:
			status = http.StatusInternalServerError
		case apierr.KindAppNotFound:
			status = http.StatusConflict
		case apierr.KindOutOfScope:
			status = http.StatusUnauthorized
		}
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusWriter records the status code written so middleware can report
// it to the request metrics after the handler returns.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request, _ types.KeyScope) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

// handleHealthy is deliberately unauthenticated and outside the
// middleware chain: an orchestrator probing liveness should not need an
// API key, and a probe failure must never be masked by a 401.
func (s *Server) handleHealthy(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if s.loop.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
		return
	}
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = w.Write([]byte("Unhealthy"))
}

func ctxWithTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}
