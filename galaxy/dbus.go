package galaxy

import (
	"context"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/the-lightning-land/softwared/operation"
)

const (
	Service   = "land.lightning.Galaxy"
	Interface = "land.lightning.Galaxy.Star"

	starPathPrefix = "/land/lightning/Galaxy/Stars/"

	defaultCallTimeout = 2 * time.Minute
)

// DBusStar is a star reached over the system bus.
type DBusStar struct {
	name    string
	obj     dbus.BusObject
	timeout time.Duration
	log     Logger
}

// Compile time check for protocol compatibility
var _ Star = (*DBusStar)(nil)

type Config struct {
	Conn        *dbus.Conn
	Stars       []string
	CallTimeout time.Duration
	Logger      Logger
}

// NewDBusStars returns the configured stars.
func NewDBusStars(config *Config) StarList {
	timeout := config.CallTimeout
	if timeout == 0 {
		timeout = defaultCallTimeout
	}

	var log Logger = noopLogger{}
	if config.Logger != nil {
		log = config.Logger
	}

	stars := make(StarList, 0, len(config.Stars))
	for _, name := range config.Stars {
		stars = append(stars, &DBusStar{
			name:    name,
			obj:     config.Conn.Object(Service, starPath(name)),
			timeout: timeout,
			log:     log,
		})
	}

	return stars
}

// starPath maps a star name onto an object path element.
func starPath(name string) dbus.ObjectPath {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}

	return dbus.ObjectPath(starPathPrefix + b.String())
}

func (s *DBusStar) Name() string {
	return s.name
}

func (s *DBusStar) InjectOrbit(orbit string) *operation.Operation {
	return s.call("inject orbit into "+s.name, "injectOrbit", orbit)
}

func (s *DBusStar) DeinjectOrbit() *operation.Operation {
	return s.call("deinject orbit from "+s.name, "deinjectOrbit")
}

func (s *DBusStar) call(name string, method string, args ...interface{}) *operation.Operation {
	return operation.New(name, func(op *operation.Operation) {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)

		done := make(chan *dbus.Call, 1)
		s.obj.GoWithContext(ctx, Interface+"."+method, 0, done, args...)

		go func() {
			defer cancel()

			call := <-done
			if call.Err != nil {
				s.log.Warnf("Star %s failed to %s: %v", s.name, method, call.Err)
				op.SetFinishedWithError(operation.FailedRequest, "star %s: %v", s.name, call.Err)
				return
			}

			op.SetFinished()
		}()
	}).Start()
}
