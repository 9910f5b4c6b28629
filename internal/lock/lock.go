// Package lock provides the supervisor's two layers of mutual exclusion:
// an in-process keyed RWMutex guarding target/current state transitions,
// and an on-host advisory file lock cooperating with co-resident
// workloads that also honor updates.lock/resin-updates.lock.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/gofrs/flock"

	"github.com/quentingllmt/host-supervisor/internal/types"
)

// Keyed is an in-process RWMutex keyed by an arbitrary comparable value,
// used for the "target", "inferSteps", "pause" and per-appId critical
// sections (spec §5).
type Keyed struct {
	mu    sync.Mutex
	locks map[any]*sync.RWMutex
}

// NewKeyed creates an empty keyed lock set.
func NewKeyed() *Keyed {
	return &Keyed{locks: make(map[any]*sync.RWMutex)}
}

func (k *Keyed) entry(key any) *sync.RWMutex {
	k.mu.Lock()
	defer k.mu.Unlock()

	l, ok := k.locks[key]
	if !ok {
		l = &sync.RWMutex{}
		k.locks[key] = l
	}
	return l
}

// Lock acquires the exclusive lock for key.
func (k *Keyed) Lock(key any) { k.entry(key).Lock() }

// Unlock releases the exclusive lock for key.
func (k *Keyed) Unlock(key any) { k.entry(key).Unlock() }

// RLock acquires the shared lock for key.
func (k *Keyed) RLock(key any) { k.entry(key).RLock() }

// RUnlock releases the shared lock for key.
func (k *Keyed) RUnlock(key any) { k.entry(key).RUnlock() }

// Well-known keys for the fixed in-process critical sections (§5).
const (
	KeyTarget     = "target"
	KeyInferSteps = "inferSteps"
	KeyPause      = "pause"
)

// AppKey builds the per-app key used to serialize target writes and step
// execution for one application.
func AppKey(appID types.AppID) string {
	return fmt.Sprintf("app:%d", appID)
}

// Advisory is an on-host file lock honored cooperatively by the
// supervisor and any co-resident workload that takes the same path, e.g.
// updates.lock or resin-updates.lock under a service's volume. It
// combines an in-process token with a flock(2) acquisition so repeated
// calls on the same Advisory from different goroutines serialize
// correctly in addition to excluding other processes.
type Advisory struct {
	path string
	ch   chan struct{}
	fl   *flock.Flock
}

// NewAdvisory creates an advisory lock bound to path. The file at path is
// created on first acquisition if it does not already exist.
func NewAdvisory(path string) *Advisory {
	return &Advisory{path: path, ch: make(chan struct{}, 1)}
}

// Lock attempts to acquire the advisory lock file once and fails
// immediately if another holder has it (§4.1: "fails with 'already
// locked'"), rather than blocking for ctx's lifetime — a held advisory
// lock reports UpdatesLocked to the caller right away instead of
// stalling a request behind a co-resident workload's update window.
// A caller contending with another holder of this same Advisory in the
// process waits for it to be released or for ctx to be done.
func (a *Advisory) Lock(ctx context.Context) error {
	return a.lock(ctx, false)
}

// LockForce behaves like Lock but first pre-unlinks any existing lock
// file (§4.1: "If force, pre-unlink any existing lock file before
// taking it"), so a workload holding the file cannot block a forced
// Control API mutation.
func (a *Advisory) LockForce(ctx context.Context) error {
	return a.lock(ctx, true)
}

func (a *Advisory) lock(ctx context.Context, force bool) error {
	select {
	case a.ch <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("acquire advisory lock %s: %w", a.path, ctx.Err())
	}

	if force {
		if err := os.Remove(a.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			<-a.ch
			return fmt.Errorf("pre-unlink advisory lock %s: %w", a.path, err)
		}
	}

	fl := flock.New(a.path)
	ok, err := fl.TryLock()
	if err != nil {
		<-a.ch
		return fmt.Errorf("acquire advisory lock %s: %w", a.path, err)
	}
	if !ok {
		<-a.ch
		return fmt.Errorf("advisory lock %s already locked", a.path)
	}
	a.fl = fl
	return nil
}

// TryLock attempts a non-blocking acquisition. It returns false, nil if
// the path is currently locked by this or another process.
func (a *Advisory) TryLock() (bool, error) {
	select {
	case a.ch <- struct{}{}:
	default:
		return false, nil
	}
	fl := flock.New(a.path)
	ok, err := fl.TryLock()
	if err != nil {
		<-a.ch
		return false, fmt.Errorf("try advisory lock %s: %w", a.path, err)
	}
	if !ok {
		<-a.ch
		return false, nil
	}
	a.fl = fl
	return true, nil
}

// Unlock releases the advisory lock.
func (a *Advisory) Unlock() error {
	var err error
	if a.fl != nil {
		err = a.fl.Unlock()
		a.fl = nil
	}
	select {
	case <-a.ch:
	default:
	}
	if err != nil {
		return fmt.Errorf("release advisory lock %s: %w", a.path, err)
	}
	return nil
}

// ServiceLockPaths returns the two advisory lock file paths honored for a
// service's volume directory: the supervisor's own updates.lock and the
// legacy resin-updates.lock name some co-resident tooling still expects.
func ServiceLockPaths(serviceVolumeDir string) []string {
	return []string{
		serviceVolumeDir + "/updates.lock",
		serviceVolumeDir + "/resin-updates.lock",
	}
}
