// Package remote drives system updates towards a target version pinned by a
// remote party.
package remote

import (
	"sync"
	"time"

	"github.com/the-lightning-land/softwared/operation"
	"github.com/the-lightning-land/softwared/orchestrator"
	"github.com/the-lightning-land/softwared/update"
)

// DefaultSettleDelay is waited after an update became available and after
// it was downloaded before moving on.
const DefaultSettleDelay = 10 * time.Second

type Orchestrator interface {
	CheckForUpdates(preferred update.Type) *operation.Operation
	DownloadSystemUpdate() *operation.Operation
	UpdateSystem() *operation.Operation
	AddListener(fn func(orchestrator.Event)) func()
}

type VersionReader interface {
	Version() (string, error)
}

// TargetStore persists the pinned target version.
type TargetStore interface {
	TargetVersion() (string, error)
	SetTargetVersion(version string) error
}

type Config struct {
	Orchestrator  Orchestrator
	Versions      VersionReader
	Store         TargetStore
	PreferredType update.Type
	SettleDelay   time.Duration
	Logger        Logger
}

type Remote struct {
	orchestrator  Orchestrator
	versions      VersionReader
	store         TargetStore
	preferredType update.Type
	settleDelay   time.Duration
	log           Logger

	mtx     sync.Mutex
	target  string
	timers  map[*time.Timer]struct{}
	closed  bool
	removal func()
}

func New(config *Config) *Remote {
	r := &Remote{
		orchestrator:  config.Orchestrator,
		versions:      config.Versions,
		store:         config.Store,
		preferredType: config.PreferredType,
		settleDelay:   config.SettleDelay,
		log:           config.Logger,
		timers:        make(map[*time.Timer]struct{}),
	}

	if r.log == nil {
		r.log = noopLogger{}
	}

	if r.preferredType == update.None {
		r.preferredType = update.Recovery
	}

	if r.settleDelay == 0 {
		r.settleDelay = DefaultSettleDelay
	}

	if r.store != nil {
		target, err := r.store.TargetVersion()
		if err != nil {
			r.log.Warnf("Could not restore target version: %v", err)
		}

		r.target = target
	}

	r.removal = r.orchestrator.AddListener(func(event orchestrator.Event) {
		if event == orchestrator.SystemUpdateAvailable {
			r.after(r.settleDelay, r.onSystemUpdateAvailable)
		}
	})

	return r
}

// Start checks for updates when a restored target is still ahead of the
// installed version.
func (r *Remote) Start() {
	if target := r.TargetVersion(); target != "" && r.targetNewer() {
		r.log.Infof("Resuming update to %s", target)
		r.check()
	}
}

// Close stops every pending step of the chain.
func (r *Remote) Close() {
	r.mtx.Lock()
	r.closed = true
	for timer := range r.timers {
		timer.Stop()
	}
	r.timers = nil
	r.mtx.Unlock()

	r.removal()
}

func (r *Remote) TargetVersion() string {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	return r.target
}

// SetTargetVersion pins version and checks for updates when it is newer
// than the installed version.
func (r *Remote) SetTargetVersion(version string) error {
	r.mtx.Lock()
	if r.target == version {
		r.mtx.Unlock()
		r.log.Debugf("Target version %s is already set", version)
		return nil
	}
	r.target = version
	r.mtx.Unlock()

	r.log.Infof("Requested update to version %s", version)

	if r.store != nil {
		if err := r.store.SetTargetVersion(version); err != nil {
			r.log.Errorf("Could not save target version: %v", err)
			return err
		}
	}

	if r.targetNewer() {
		r.check()
	}

	return nil
}

func (r *Remote) UnsetTargetVersion() error {
	r.mtx.Lock()
	r.target = ""
	r.mtx.Unlock()

	r.log.Infof("Unset target version")

	if r.store != nil {
		return r.store.SetTargetVersion("")
	}

	return nil
}

func (r *Remote) check() {
	r.orchestrator.CheckForUpdates(r.preferredType).OnFinished(func(op *operation.Operation) {
		if err := op.Err(); err != nil {
			r.log.Warnf("Checking for updates failed: %v", err)
			return
		}

		r.log.Debugf("Updates checked")
	})
}

// targetNewer reports whether the target is strictly newer than the
// installed version.
func (r *Remote) targetNewer() bool {
	target := r.TargetVersion()
	if target == "" {
		return false
	}

	installed, err := r.versions.Version()
	if err != nil {
		r.log.Warnf("Could not read installed version: %v", err)
	}

	if !update.IsNewer(target, installed) {
		r.log.Debugf("Installed version %s is not older than %s", installed, target)
		return false
	}

	r.log.Debugf("Installed version %s is older than %s", installed, target)

	return true
}

func (r *Remote) onSystemUpdateAvailable() {
	if !r.targetNewer() {
		return
	}

	r.orchestrator.DownloadSystemUpdate().OnFinished(func(op *operation.Operation) {
		if err := op.Err(); err != nil {
			r.log.Warnf("Download failed: %v", err)
			return
		}

		r.after(r.settleDelay, r.apply)
	})
}

func (r *Remote) apply() {
	r.log.Infof("Download completed, starting system update")

	r.orchestrator.UpdateSystem().OnFinished(func(op *operation.Operation) {
		if err := op.Err(); err != nil {
			r.log.Warnf("System update failed: %v", err)
			return
		}

		r.log.Infof("System update completed")
	})
}

// after runs fn once d has passed unless the remote was closed.
func (r *Remote) after(d time.Duration, fn func()) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if r.closed {
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		r.mtx.Lock()
		_, pending := r.timers[timer]
		delete(r.timers, timer)
		r.mtx.Unlock()

		if pending {
			fn()
		}
	})

	r.timers[timer] = struct{}{}
}
