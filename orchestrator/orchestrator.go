// Package orchestrator arbitrates between update sources and drives the
// check, download and apply pipeline of system updates.
package orchestrator

import (
	"sort"
	"sync"
	"time"

	"github.com/the-lightning-land/softwared/operation"
	"github.com/the-lightning-land/softwared/source"
	"github.com/the-lightning-land/softwared/update"
)

type Event int

const (
	// SystemUpdateChanged is emitted whenever the candidate changes,
	// including when it is cleared.
	SystemUpdateChanged Event = iota
	// SystemUpdateAvailable is emitted when a newer candidate is adopted.
	SystemUpdateAvailable
	LastCheckForUpdatesChanged
)

func (e Event) String() string {
	switch e {
	case SystemUpdateChanged:
		return "systemUpdateChanged"
	case SystemUpdateAvailable:
		return "systemUpdateAvailable"
	case LastCheckForUpdatesChanged:
		return "lastCheckForUpdatesChanged"
	default:
		return "unknown"
	}
}

// Cache is the artifact cache as seen by the orchestrator.
type Cache interface {
	Pin(version string) func()
	Clean(keep ...string) error
	FreeSpace() (uint64, error)
}

// VersionReader reads the installed appliance version.
type VersionReader interface {
	Version() (string, error)
}

// StateStore persists the time of the last check.
type StateStore interface {
	LastCheckForUpdates() (time.Time, error)
	SetLastCheckForUpdates(t time.Time) error
}

// Applier starts applying a system update. onComplete must be called once
// all of its work, cleanup included, is done.
type Applier interface {
	Apply(u update.SystemUpdate, onComplete func()) *operation.Operation
}

type Config struct {
	Sources  []source.Source
	Cache    Cache
	Versions VersionReader
	State    StateStore
	Applier  Applier
	Logger   Logger
}

type candidate struct {
	source source.Source
	update update.SystemUpdate
}

func (c candidate) valid() bool {
	return c.source != nil && c.update.IsValid()
}

type Orchestrator struct {
	sources  []source.Source
	cache    Cache
	versions VersionReader
	state    StateStore
	applier  Applier
	log      Logger

	computeMtx sync.Mutex

	mtx       sync.Mutex
	candidate candidate
	applying  bool
	lastCheck time.Time

	listenerMtx    sync.Mutex
	listeners      map[uint32]func(Event)
	nextListenerID uint32
}

func New(config *Config) *Orchestrator {
	o := &Orchestrator{
		sources:   config.Sources,
		cache:     config.Cache,
		versions:  config.Versions,
		state:     config.State,
		applier:   config.Applier,
		log:       config.Logger,
		listeners: make(map[uint32]func(Event)),
	}

	if o.log == nil {
		o.log = noopLogger{}
	}

	if o.state != nil {
		lastCheck, err := o.state.LastCheckForUpdates()
		if err != nil {
			o.log.Warnf("Could not read time of the last check: %v", err)
		}

		o.lastCheck = lastCheck
	}

	for _, s := range o.sources {
		s.OnUpdateChanged(o.computeAvailableUpdate)
	}

	return o
}

// AddListener registers fn for every event. The returned func removes it.
func (o *Orchestrator) AddListener(fn func(Event)) func() {
	o.listenerMtx.Lock()
	id := o.nextListenerID
	o.nextListenerID++
	o.listeners[id] = fn
	o.listenerMtx.Unlock()

	return func() {
		o.listenerMtx.Lock()
		delete(o.listeners, id)
		o.listenerMtx.Unlock()
	}
}

func (o *Orchestrator) emit(events ...Event) {
	o.listenerMtx.Lock()
	ids := make([]uint32, 0, len(o.listeners))
	for id := range o.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	listeners := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, o.listeners[id])
	}
	o.listenerMtx.Unlock()

	for _, event := range events {
		o.log.Debugf("Emitting %s", event)

		for _, fn := range listeners {
			fn(event)
		}
	}
}

// SystemUpdate returns the current candidate, or the empty update.
func (o *Orchestrator) SystemUpdate() update.SystemUpdate {
	o.mtx.Lock()
	defer o.mtx.Unlock()

	return o.candidate.update
}

// LastCheckForUpdates returns when updates were last checked for.
func (o *Orchestrator) LastCheckForUpdates() time.Time {
	o.mtx.Lock()
	defer o.mtx.Unlock()

	return o.lastCheck
}

// Applying reports whether an update is being applied right now.
func (o *Orchestrator) Applying() bool {
	o.mtx.Lock()
	defer o.mtx.Unlock()

	return o.applying
}

func (o *Orchestrator) installedVersion() string {
	if o.versions == nil {
		return ""
	}

	version, err := o.versions.Version()
	if err != nil {
		o.log.Warnf("Could not read installed version: %v", err)
		return ""
	}

	return version
}
