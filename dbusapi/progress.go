package dbusapi

import (
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/the-lightning-land/softwared/progress"
)

// busObserver is a bus client identified by its unique name. It is gone
// once the name loses its owner.
type busObserver struct {
	name string
	gone chan struct{}
}

func (o *busObserver) ID() string {
	return o.name
}

func (o *busObserver) Gone() <-chan struct{} {
	return o.gone
}

// reporter is the object exported at ProgressPath.
type reporter struct {
	progress Progress
	bus      emitter
	props    propertySetter
	log      Logger

	mtx       sync.Mutex
	observers map[string]*busObserver

	// published holds the property values last set on the bus.
	published map[string]interface{}
}

func newReporter(p Progress, log Logger) *reporter {
	return &reporter{
		progress:  p,
		log:       log,
		observers: make(map[string]*busObserver),
		published: make(map[string]interface{}),
	}
}

func (r *reporter) observer(name string) *busObserver {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	o, ok := r.observers[name]
	if !ok {
		o = &busObserver{name: name, gone: make(chan struct{})}
		r.observers[name] = o
	}

	return o
}

// nameLost releases the observer owning name, if any.
func (r *reporter) nameLost(name string) {
	r.mtx.Lock()
	o, ok := r.observers[name]
	delete(r.observers, name)
	r.mtx.Unlock()

	if ok {
		r.log.Debugf("Progress observer %s left the bus", name)
		close(o.gone)
	}
}

func (r *reporter) Subscribe(sender dbus.Sender) *dbus.Error {
	r.progress.Subscribe(r.observer(string(sender)))
	return nil
}

func (r *reporter) Unsubscribe(sender dbus.Sender) *dbus.Error {
	r.mtx.Lock()
	o, ok := r.observers[string(sender)]
	r.mtx.Unlock()

	if ok {
		r.progress.Unsubscribe(o)
	}

	return nil
}

// onProgress mirrors hub changes onto properties and signals.
func (r *reporter) onProgress(signal progress.Signal, state progress.State) {
	if r.props != nil {
		for name, value := range r.changed(state) {
			r.props.SetMust(ProgressInterface, name, value)
		}
	}

	if r.bus == nil {
		return
	}

	err := r.bus.Emit(ProgressPath, ProgressInterface+"."+signalName(signal))
	if err != nil {
		r.log.Errorf("Could not emit %s: %v", signal, err)
	}
}

// changed returns the properties of state that differ from what was last
// published and records them as published.
func (r *reporter) changed(state progress.State) map[string]interface{} {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	changed := make(map[string]interface{})
	for name, value := range state.Properties() {
		if last, ok := r.published[name]; ok && last == value {
			continue
		}
		r.published[name] = value
		changed[name] = value
	}

	return changed
}

// signalName turns "progressChanged" into the bus member "ProgressChanged".
func signalName(signal progress.Signal) string {
	s := signal.String()

	return strings.ToUpper(s[:1]) + s[1:]
}
