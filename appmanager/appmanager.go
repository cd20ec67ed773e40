// Package appmanager manages the applications installed on the appliance
// through the package backend and checks for application updates
// periodically.
package appmanager

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/go-errors/errors"
	"github.com/the-lightning-land/softwared/backend"
)

const (
	DefaultCheckInterval = 3 * 24 * time.Hour
	DefaultRetryInterval = time.Hour
	DefaultCallTimeout   = 15 * time.Minute
)

type Event int

const (
	ApplicationUpdatesChanged Event = iota
	InstalledApplicationsChanged
	LastCheckChanged
)

// StateStore persists the time of the last application update check.
type StateStore interface {
	LastApplicationCheck() (time.Time, error)
	SetLastApplicationCheck(t time.Time) error
}

type Config struct {
	Backend backend.Backend
	State   StateStore

	// CheckInterval is the time between two automatic checks.
	CheckInterval time.Duration
	// RetryInterval is waited after an automatic check failed.
	RetryInterval time.Duration
	CallTimeout   time.Duration

	Logger Logger
}

type Manager struct {
	backend       backend.Backend
	state         StateStore
	checkInterval time.Duration
	retryInterval time.Duration
	callTimeout   time.Duration
	log           Logger

	mtx                   sync.Mutex
	lastCheck             time.Time
	applicationUpdates    []byte
	installedApplications []byte
	listeners             []func(Event)
}

func New(config *Config) *Manager {
	m := &Manager{
		backend:       config.Backend,
		state:         config.State,
		checkInterval: config.CheckInterval,
		retryInterval: config.RetryInterval,
		callTimeout:   config.CallTimeout,
		log:           config.Logger,
	}

	if m.log == nil {
		m.log = noopLogger{}
	}

	if m.checkInterval == 0 {
		m.checkInterval = DefaultCheckInterval
	}

	if m.retryInterval == 0 {
		m.retryInterval = DefaultRetryInterval
	}

	if m.callTimeout == 0 {
		m.callTimeout = DefaultCallTimeout
	}

	if m.state != nil {
		lastCheck, err := m.state.LastApplicationCheck()
		if err != nil {
			m.log.Warnf("Could not read time of the last application check: %v", err)
		}

		m.lastCheck = lastCheck
	}

	return m
}

func (m *Manager) AddListener(fn func(Event)) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.listeners = append(m.listeners, fn)
}

func (m *Manager) emit(event Event) {
	m.mtx.Lock()
	listeners := append([]func(Event){}, m.listeners...)
	m.mtx.Unlock()

	for _, fn := range listeners {
		fn(event)
	}
}

func (m *Manager) LastCheck() time.Time {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	return m.lastCheck
}

// ApplicationUpdates returns the JSON encoded list of available updates.
func (m *Manager) ApplicationUpdates() []byte {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	return m.applicationUpdates
}

// InstalledApplications returns the JSON encoded list of installed
// applications.
func (m *Manager) InstalledApplications() []byte {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	return m.installedApplications
}

func (m *Manager) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.callTimeout)
}

// CheckForApplicationUpdates refreshes the repositories and, once that
// succeeded, the list of available updates.
func (m *Manager) CheckForApplicationUpdates(ctx context.Context) error {
	callCtx, cancel := m.callContext(ctx)
	defer cancel()

	m.log.Infof("Checking for application updates")

	if err := m.backend.RefreshRepositories(callCtx); err != nil {
		return err
	}

	now := time.Now()

	m.mtx.Lock()
	m.lastCheck = now
	m.mtx.Unlock()

	if m.state != nil {
		if err := m.state.SetLastApplicationCheck(now); err != nil {
			m.log.Errorf("Could not save time of the last application check: %v", err)
		}
	}

	m.emit(LastCheckChanged)

	m.RefreshUpdateList(ctx)

	return nil
}

// RefreshUpdateList fetches the available application updates. A failure
// clears the list.
func (m *Manager) RefreshUpdateList(ctx context.Context) {
	callCtx, cancel := m.callContext(ctx)
	defer cancel()

	updates, err := m.backend.ListUpdates(callCtx)
	if err != nil {
		m.log.Warnf("Could not retrieve the update list: %v", err)
		updates = nil
	}

	m.mtx.Lock()
	changed := !bytes.Equal(m.applicationUpdates, updates)
	m.applicationUpdates = updates
	m.mtx.Unlock()

	if changed {
		m.emit(ApplicationUpdatesChanged)
	}
}

// RefreshInstalledApplications fetches the installed applications. A failure
// clears the list.
func (m *Manager) RefreshInstalledApplications(ctx context.Context) {
	callCtx, cancel := m.callContext(ctx)
	defer cancel()

	applications, err := m.backend.ListInstalledApplications(callCtx)
	if err != nil {
		m.log.Warnf("Could not retrieve the installed applications: %v", err)
		applications = nil
	}

	m.mtx.Lock()
	changed := !bytes.Equal(m.installedApplications, applications)
	m.installedApplications = applications
	m.mtx.Unlock()

	if changed {
		m.emit(InstalledApplicationsChanged)
	}
}

func (m *Manager) InstallApplications(ctx context.Context, applications []byte) error {
	callCtx, cancel := m.callContext(ctx)
	defer cancel()

	if err := m.backend.InstallApplications(callCtx, applications); err != nil {
		return err
	}

	m.RefreshInstalledApplications(ctx)

	return nil
}

func (m *Manager) RemoveApplications(ctx context.Context, applications []byte) error {
	callCtx, cancel := m.callContext(ctx)
	defer cancel()

	if err := m.backend.RemoveApplications(callCtx, applications); err != nil {
		return err
	}

	m.RefreshInstalledApplications(ctx)

	return nil
}

func (m *Manager) DownloadApplicationUpdates(ctx context.Context, updates []byte) error {
	callCtx, cancel := m.callContext(ctx)
	defer cancel()

	return m.backend.DownloadApplicationUpdates(callCtx, updates)
}

func (m *Manager) UpdateApplications(ctx context.Context, updates []byte) error {
	callCtx, cancel := m.callContext(ctx)
	defer cancel()

	if err := m.backend.UpdateApplications(callCtx, updates); err != nil {
		return err
	}

	m.RefreshUpdateList(ctx)
	m.RefreshInstalledApplications(ctx)

	return nil
}

func (m *Manager) AddRepository(ctx context.Context, name string, urls []string) error {
	if name == "" || len(urls) == 0 {
		return errors.New("a repository needs a name and at least one url")
	}

	callCtx, cancel := m.callContext(ctx)
	defer cancel()

	return m.backend.AddRepository(callCtx, name, urls)
}

func (m *Manager) RemoveRepository(ctx context.Context, name string) error {
	callCtx, cancel := m.callContext(ctx)
	defer cancel()

	return m.backend.RemoveRepository(callCtx, name)
}

// nextCheck returns how long to wait before the next automatic check.
func (m *Manager) nextCheck(now time.Time) time.Duration {
	since := now.Sub(m.LastCheck())
	if since >= m.checkInterval {
		return 0
	}

	return m.checkInterval - since
}

// Run refreshes both lists and then checks for application updates every
// check interval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	m.RefreshUpdateList(ctx)
	m.RefreshInstalledApplications(ctx)

	for {
		delay := m.nextCheck(time.Now())

		if delay > 0 {
			m.log.Infof("Scheduling an application update check in %v", delay.Round(time.Minute))
		} else {
			m.log.Infof("Application updates were last checked %v ago, checking now",
				time.Since(m.LastCheck()).Round(time.Hour))
		}

		timer := time.NewTimer(delay)

		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		if err := m.CheckForApplicationUpdates(ctx); err != nil {
			m.log.Errorf("Automatic application update check failed: %v", err)

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(m.retryInterval):
			}
		}
	}
}
