// Package dbusapi exports the update manager and the progress reporter on
// the system bus.
package dbusapi

import (
	"context"
	"time"

	"github.com/go-errors/errors"
	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"
	"github.com/the-lightning-land/softwared/operation"
	"github.com/the-lightning-land/softwared/orchestrator"
	"github.com/the-lightning-land/softwared/progress"
	"github.com/the-lightning-land/softwared/update"
)

const (
	BusName = "land.lightning.Software"

	ManagerInterface = "land.lightning.Software.Manager"
	ManagerPath      = dbus.ObjectPath("/land/lightning/Software/Manager")

	ProgressInterface = "land.lightning.Software.ProgressReporter"
	ProgressPath      = dbus.ObjectPath("/land/lightning/Software/Progress")

	busInterface = "org.freedesktop.DBus"
	busPath      = dbus.ObjectPath("/org/freedesktop/DBus")
)

type Orchestrator interface {
	SystemUpdate() update.SystemUpdate
	LastCheckForUpdates() time.Time
	CheckForUpdates(preferred update.Type) *operation.Operation
	DownloadSystemUpdate() *operation.Operation
	UpdateSystem() *operation.Operation
	CleanCache() error
	ClearCache() error
	AddListener(fn func(orchestrator.Event)) func()
}

type Remote interface {
	TargetVersion() string
	SetTargetVersion(version string) error
	UnsetTargetVersion() error
}

type Progress interface {
	State() progress.State
	Subscribe(observer progress.Observer)
	Unsubscribe(observer progress.Observer)
	AddListener(fn func(progress.Signal, progress.State)) func()
}

type Config struct {
	Conn         *dbus.Conn
	Orchestrator Orchestrator
	// Remote is optional.
	Remote   Remote
	Progress Progress
	Logger   Logger
}

type Service struct {
	conn     *dbus.Conn
	manager  *manager
	reporter *reporter
	log      Logger

	removeListeners []func()
}

func New(config *Config) *Service {
	s := &Service{
		conn: config.Conn,
		log:  config.Logger,
	}

	if s.log == nil {
		s.log = noopLogger{}
	}

	s.manager = &manager{
		orchestrator: config.Orchestrator,
		remote:       config.Remote,
		log:          s.log,
	}

	s.reporter = newReporter(config.Progress, s.log)

	return s
}

// Start exports both objects and claims the service name. Any failure is a
// RegistrationError.
func (s *Service) Start() error {
	managerProps, err := s.exportManager()
	if err != nil {
		return operation.Wrap(operation.RegistrationError, err)
	}

	progressProps, err := s.exportProgress()
	if err != nil {
		return operation.Wrap(operation.RegistrationError, err)
	}

	s.manager.bus, s.manager.props = s.conn, managerProps
	s.reporter.bus, s.reporter.props = s.conn, progressProps

	s.removeListeners = append(s.removeListeners,
		s.manager.orchestrator.AddListener(s.manager.onEvent),
		s.reporter.progress.AddListener(s.reporter.onProgress),
	)

	reply, err := s.conn.RequestName(BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return operation.Errorf(operation.RegistrationError, "could not request name %s: %v", BusName, err)
	}

	if reply != dbus.RequestNameReplyPrimaryOwner {
		return operation.Errorf(operation.RegistrationError, "name %s is already taken", BusName)
	}

	s.log.Infof("Registered %s on the bus", BusName)

	return nil
}

func (s *Service) exportManager() (*prop.Properties, error) {
	if err := s.conn.Export(s.manager, ManagerPath, ManagerInterface); err != nil {
		return nil, errors.Errorf("could not export manager: %v", err)
	}

	props, err := prop.Export(s.conn, ManagerPath, prop.Map{
		ManagerInterface: {
			"SystemUpdate":        {Value: s.manager.systemUpdate(), Emit: prop.EmitTrue},
			"LastCheckForUpdates": {Value: s.manager.lastCheckForUpdates(), Emit: prop.EmitTrue},
			"TargetVersion":       {Value: s.manager.targetVersion(), Emit: prop.EmitTrue},
		},
	})
	if err != nil {
		return nil, errors.Errorf("could not export manager properties: %v", err)
	}

	node := &introspect.Node{
		Name: string(ManagerPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			prop.IntrospectData,
			{
				Name:       ManagerInterface,
				Methods:    introspect.Methods(s.manager),
				Properties: props.Introspection(ManagerInterface),
				Signals: []introspect.Signal{
					{Name: "SystemUpdateChanged"},
					{Name: "SystemUpdateAvailable"},
					{Name: "LastCheckForUpdatesChanged", Args: []introspect.Arg{
						{Name: "lastCheckForUpdates", Type: "x"},
					}},
					{Name: "OperationFinished", Args: []introspect.Arg{
						{Name: "operation", Type: "s"},
						{Name: "errorName", Type: "s"},
						{Name: "message", Type: "s"},
					}},
				},
			},
		},
	}

	err = s.conn.Export(introspect.NewIntrospectable(node), ManagerPath, "org.freedesktop.DBus.Introspectable")
	if err != nil {
		return nil, errors.Errorf("could not export manager introspection: %v", err)
	}

	return props, nil
}

func (s *Service) exportProgress() (*prop.Properties, error) {
	if err := s.conn.Export(s.reporter, ProgressPath, ProgressInterface); err != nil {
		return nil, errors.Errorf("could not export progress reporter: %v", err)
	}

	properties := make(map[string]*prop.Prop)
	for name, value := range s.reporter.progress.State().Properties() {
		properties[name] = &prop.Prop{Value: value, Emit: prop.EmitTrue}
		s.reporter.published[name] = value
	}

	props, err := prop.Export(s.conn, ProgressPath, prop.Map{ProgressInterface: properties})
	if err != nil {
		return nil, errors.Errorf("could not export progress properties: %v", err)
	}

	var signals []introspect.Signal
	for _, signal := range []progress.Signal{
		progress.OperationTypeChanged,
		progress.CurrentStepChanged,
		progress.DescriptionChanged,
		progress.ProgressChanged,
	} {
		signals = append(signals, introspect.Signal{Name: signalName(signal)})
	}

	node := &introspect.Node{
		Name: string(ProgressPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			prop.IntrospectData,
			{
				Name:       ProgressInterface,
				Methods:    introspect.Methods(s.reporter),
				Properties: props.Introspection(ProgressInterface),
				Signals:    signals,
			},
		},
	}

	err = s.conn.Export(introspect.NewIntrospectable(node), ProgressPath, "org.freedesktop.DBus.Introspectable")
	if err != nil {
		return nil, errors.Errorf("could not export progress introspection: %v", err)
	}

	return props, nil
}

// Run releases the progress subscriptions of bus clients that disconnect
// until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	match := []dbus.MatchOption{
		dbus.WithMatchObjectPath(busPath),
		dbus.WithMatchInterface(busInterface),
		dbus.WithMatchMember("NameOwnerChanged"),
	}

	if err := s.conn.AddMatchSignal(match...); err != nil {
		return errors.Errorf("could not add signal: %v", err)
	}
	defer s.conn.RemoveMatchSignal(match...)

	signals := make(chan *dbus.Signal, 16)
	s.conn.Signal(signals)
	defer s.conn.RemoveSignal(signals)

	for {
		select {
		case signal, ok := <-signals:
			if !ok {
				return errors.New("bus connection closed")
			}

			if signal.Name != busInterface+".NameOwnerChanged" || len(signal.Body) != 3 {
				continue
			}

			name, _ := signal.Body[0].(string)
			newOwner, _ := signal.Body[2].(string)

			if newOwner == "" {
				s.reporter.nameLost(name)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Close stops mirroring events and releases the service name.
func (s *Service) Close() error {
	for _, remove := range s.removeListeners {
		remove()
	}
	s.removeListeners = nil

	if _, err := s.conn.ReleaseName(BusName); err != nil {
		return errors.Errorf("could not release name %s: %v", BusName, err)
	}

	return nil
}
