package dbusapi

import (
	"encoding/json"

	"github.com/godbus/dbus/v5"
	"github.com/the-lightning-land/softwared/operation"
	"github.com/the-lightning-land/softwared/orchestrator"
	"github.com/the-lightning-land/softwared/update"
)

type emitter interface {
	Emit(path dbus.ObjectPath, name string, values ...interface{}) error
}

// propertySetter is satisfied by *prop.Properties.
type propertySetter interface {
	SetMust(iface, property string, v interface{})
}

// manager is the object exported at ManagerPath. Every exported method
// ending in *dbus.Error is callable from the bus.
type manager struct {
	orchestrator Orchestrator
	remote       Remote
	bus          emitter
	props        propertySetter
	log          Logger
}

// track reports operations that failed before they started as a bus
// error. Everything else completes through the OperationFinished signal.
func (m *manager) track(op *operation.Operation) *dbus.Error {
	if op.IsFinished() && op.IsError() {
		return busError(op.Err())
	}

	op.OnFinished(func(op *operation.Operation) {
		errorName, message := "", ""
		if err := op.Err(); err != nil {
			e := operation.Wrap(operation.FailedRequest, err)
			errorName, message = ErrorName(e.Kind), e.Message
		}

		m.signal("OperationFinished", op.Name(), errorName, message)
	})

	return nil
}

func (m *manager) signal(name string, values ...interface{}) {
	if m.bus == nil {
		return
	}

	err := m.bus.Emit(ManagerPath, ManagerInterface+"."+name, values...)
	if err != nil {
		m.log.Errorf("Could not emit %s: %v", name, err)
	}
}

func (m *manager) setProperty(name string, value interface{}) {
	if m.props == nil {
		return
	}

	m.props.SetMust(ManagerInterface, name, value)
}

func (m *manager) systemUpdate() []byte {
	u := m.orchestrator.SystemUpdate()

	data, err := json.Marshal(u)
	if err != nil {
		m.log.Errorf("Could not serialize %s: %v", u, err)
		return []byte("{}")
	}

	return data
}

func (m *manager) lastCheckForUpdates() int64 {
	last := m.orchestrator.LastCheckForUpdates()
	if last.IsZero() {
		return 0
	}

	return last.UnixMilli()
}

func (m *manager) targetVersion() string {
	if m.remote == nil {
		return ""
	}

	return m.remote.TargetVersion()
}

// onEvent mirrors orchestrator events onto properties and signals.
func (m *manager) onEvent(event orchestrator.Event) {
	switch event {
	case orchestrator.SystemUpdateChanged:
		m.setProperty("SystemUpdate", m.systemUpdate())
		m.signal("SystemUpdateChanged")
	case orchestrator.SystemUpdateAvailable:
		m.signal("SystemUpdateAvailable")
	case orchestrator.LastCheckForUpdatesChanged:
		last := m.lastCheckForUpdates()
		m.setProperty("LastCheckForUpdates", last)
		m.signal("LastCheckForUpdatesChanged", last)
	}
}

func (m *manager) CheckForUpdates(preferredType uint16) *dbus.Error {
	preferred := update.Type(preferredType)
	if preferred != update.Incremental && preferred != update.Recovery {
		return busError(operation.Errorf(operation.BadRequest, "unknown update type %d", preferredType))
	}

	return m.track(m.orchestrator.CheckForUpdates(preferred))
}

func (m *manager) DownloadSystemUpdate() *dbus.Error {
	return m.track(m.orchestrator.DownloadSystemUpdate())
}

func (m *manager) UpdateSystem() *dbus.Error {
	return m.track(m.orchestrator.UpdateSystem())
}

func (m *manager) CleanCache() *dbus.Error {
	return busError(m.orchestrator.CleanCache())
}

func (m *manager) ClearCache() *dbus.Error {
	return busError(m.orchestrator.ClearCache())
}

func (m *manager) SetTargetVersion(version string) *dbus.Error {
	if m.remote == nil {
		return busError(operation.Errorf(operation.BadRequest, "remote updates are disabled"))
	}

	if _, err := update.CompareVersions(version, version); err != nil {
		return busError(operation.Errorf(operation.BadRequest, "%v", err))
	}

	if err := m.remote.SetTargetVersion(version); err != nil {
		return busError(err)
	}

	m.setProperty("TargetVersion", version)

	return nil
}

func (m *manager) UnsetTargetVersion() *dbus.Error {
	if m.remote == nil {
		return busError(operation.Errorf(operation.BadRequest, "remote updates are disabled"))
	}

	if err := m.remote.UnsetTargetVersion(); err != nil {
		return busError(err)
	}

	m.setProperty("TargetVersion", "")

	return nil
}
