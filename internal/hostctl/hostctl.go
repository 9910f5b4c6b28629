// Package hostctl holds the supervisor's external collaborator
// interfaces: operations that reach outside the container runtime into
// the host OS or the cloud-facing reporting channel. HostPrimitive's
// default implementation shells a single systemctl command; the VPN,
// blink and cloud-reporter defaults are no-ops, and ConfigStore has no
// implementation in this package.
package hostctl

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/quentingllmt/host-supervisor/internal/log"
)

// HostPrimitive performs device-level actions the supervisor itself has
// no safe way to simulate: rebooting or shutting down the host.
type HostPrimitive interface {
	Reboot(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// execHostPrimitive shells out to the standard system reboot/shutdown
// commands. It is intentionally the only place in the supervisor that
// can bring the host down.
type execHostPrimitive struct{}

// NewHostPrimitive returns the default HostPrimitive, which shells out
// to `systemctl reboot` and `systemctl poweroff`.
func NewHostPrimitive() HostPrimitive {
	return execHostPrimitive{}
}

func (execHostPrimitive) Reboot(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, "systemctl", "reboot").CombinedOutput()
	if err != nil {
		return fmt.Errorf("reboot host: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (execHostPrimitive) Shutdown(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, "systemctl", "poweroff").CombinedOutput()
	if err != nil {
		return fmt.Errorf("shut down host: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// VPNState reports the host's VPN tunnel status for GET /v2/device/vpn.
type VPNState struct {
	Enabled   bool
	Connected bool
}

// VPNStatus is the system-bus-backed VPN status collaborator (§1 scopes
// the bus integration itself out of this module); the default
// implementation reports the tunnel as disabled until one is wired in.
type VPNStatus interface {
	Status(ctx context.Context) (VPNState, error)
}

type noopVPNStatus struct{}

// NewNoopVPNStatus returns a VPNStatus that always reports the tunnel
// disabled, for hosts with no VPN integration configured.
func NewNoopVPNStatus() VPNStatus { return noopVPNStatus{} }

func (noopVPNStatus) Status(ctx context.Context) (VPNState, error) {
	return VPNState{}, nil
}

// BlinkController drives the host's visual identification pattern for
// POST /v2/blink: a fire-and-forget start, stopped automatically after
// a fixed interval by the caller.
type BlinkController interface {
	StartPattern() error
	StopPattern() error
}

type noopBlink struct{}

// NewNoopBlinkController returns a BlinkController with no physical
// indicator wired in; StartPattern logs at debug level, and both
// StartPattern and StopPattern are otherwise no-ops.
func NewNoopBlinkController() BlinkController { return noopBlink{} }

func (noopBlink) StartPattern() error {
	log.Debug("blink pattern requested, no indicator configured")
	return nil
}

func (noopBlink) StopPattern() error { return nil }

// ConfigStore persists the handful of device-level settings that live
// outside the target-state document itself (e.g. the supervisor's own
// poll interval override), as opposed to storage.Store's application
// state.
type ConfigStore interface {
	Get(key string) (string, bool)
	Set(key, value string) error
}

// CloudReporter sends the device's current state and log lines to
// whatever backend tracks fleet status; its default implementation is a
// no-op so the supervisor runs standalone until one is wired in.
type CloudReporter interface {
	ReportState(ctx context.Context, fields map[string]any) error
	ReportLog(ctx context.Context, line string) error
}

// noopReporter discards everything, used when no cloud endpoint is
// configured.
type noopReporter struct{}

// NewNoopReporter returns a CloudReporter that does nothing, for
// standalone/local-mode operation.
func NewNoopReporter() CloudReporter {
	return noopReporter{}
}

func (noopReporter) ReportState(ctx context.Context, fields map[string]any) error {
	log.Debug("cloud reporter not configured, dropping state report")
	return nil
}

func (noopReporter) ReportLog(ctx context.Context, line string) error {
	return nil
}
