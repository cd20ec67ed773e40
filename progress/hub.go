// Package progress keeps track of the transaction currently running on the
// device and of who is interested in following it.
//
// Progress is produced either by the package backend, which streams its
// properties only while at least one observer is subscribed, or by local
// transactions such as artifact downloads and recovery extraction.
package progress

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultBackendTimeout = 10 * time.Second

// Backend is the part of the package backend the hub talks to.
type Backend interface {
	SetSubscribedToProgress(ctx context.Context, subscribed bool) error
	AllProperties(ctx context.Context) (map[string]interface{}, error)
}

// Observer is a subscriber identity. Gone is closed when the observer
// disappears, for instance when its bus connection or websocket closes.
type Observer interface {
	ID() string
	Gone() <-chan struct{}
}

type Config struct {
	Backend Backend
	// BackendTimeout bounds every call to the backend.
	BackendTimeout time.Duration
	Logger         Logger
}

type subscriber struct {
	count uint
}

type listener func(Signal, State)

type Hub struct {
	backend        Backend
	backendTimeout time.Duration
	log            Logger

	// backendMtx serializes subscription updates sent to the backend.
	backendMtx sync.Mutex

	mtx              sync.Mutex
	state            State
	backendAvailable bool
	subscribers      map[string]*subscriber
	global           uint
	local            *Transaction
	listeners        map[uint32]listener
	nextListenerID   uint32
	done             chan struct{}
	closeOnce        sync.Once
}

func NewHub(config *Config) *Hub {
	h := &Hub{
		backend:        config.Backend,
		backendTimeout: config.BackendTimeout,
		log:            config.Logger,
		subscribers:    make(map[string]*subscriber),
		listeners:      make(map[uint32]listener),
		done:           make(chan struct{}),
	}

	if h.backendTimeout == 0 {
		h.backendTimeout = defaultBackendTimeout
	}

	if h.log == nil {
		h.log = noopLogger{}
	}

	return h
}

// State returns a snapshot of the current progress.
func (h *Hub) State() State {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	return h.state
}

// IsSubscribed reports whether anybody is following progress.
func (h *Hub) IsSubscribed() bool {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	return h.global > 0
}

// Subscriptions returns the number of subscriptions held by id.
func (h *Hub) Subscriptions(id string) uint {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	if s, ok := h.subscribers[id]; ok {
		return s.count
	}

	return 0
}

// AddListener registers fn to be called after every change. The returned
// function removes it again.
func (h *Hub) AddListener(fn func(Signal, State)) func() {
	h.mtx.Lock()
	id := h.nextListenerID
	h.nextListenerID++
	h.listeners[id] = fn
	h.mtx.Unlock()

	return func() {
		h.mtx.Lock()
		delete(h.listeners, id)
		h.mtx.Unlock()
	}
}

// Subscribe adds one subscription for observer. The observer is watched
// and all of its subscriptions are released when it goes away.
func (h *Hub) Subscribe(observer Observer) {
	id := observer.ID()

	h.mtx.Lock()
	s, ok := h.subscribers[id]
	if !ok {
		s = &subscriber{}
		h.subscribers[id] = s
		go h.watch(id, observer.Gone())
	}
	s.count++
	count := s.count
	crossed := h.adjust(1)
	h.mtx.Unlock()

	h.log.Debugf("Observer %s subscribed to progress (%d)", id, count)

	if crossed {
		h.updateBackend()
	}
}

// Unsubscribe drops one subscription of observer. Observers without
// subscriptions are ignored.
func (h *Hub) Unsubscribe(observer Observer) {
	id := observer.ID()

	h.mtx.Lock()
	s, ok := h.subscribers[id]
	if !ok || s.count == 0 {
		h.mtx.Unlock()
		h.log.Debugf("Ignoring unsubscription of %s without subscriptions", id)
		return
	}
	s.count--
	count := s.count
	crossed := h.adjust(-1)
	h.mtx.Unlock()

	h.log.Debugf("Observer %s unsubscribed from progress (%d)", id, count)

	if crossed {
		h.updateBackend()
	}
}

// ObserverLost releases every subscription held by id at once and forgets
// the observer.
func (h *Hub) ObserverLost(id string) {
	h.mtx.Lock()
	s, ok := h.subscribers[id]
	if !ok {
		h.mtx.Unlock()
		return
	}
	delete(h.subscribers, id)
	crossed := h.adjust(-int(s.count))
	h.mtx.Unlock()

	if s.count > 0 {
		h.log.Infof("Observer %s went away holding %d progress subscriptions", id, s.count)
	}

	if crossed {
		h.updateBackend()
	}
}

func (h *Hub) watch(id string, gone <-chan struct{}) {
	select {
	case <-gone:
		h.ObserverLost(id)
	case <-h.done:
	}
}

// adjust changes the global subscription count and reports whether it
// crossed between zero and non-zero. The caller holds mtx.
func (h *Hub) adjust(differential int) bool {
	next := int(h.global) + differential
	if next < 0 {
		return false
	}

	crossed := (h.global == 0 && next > 0) || (h.global > 0 && next == 0)
	h.global = uint(next)

	return crossed
}

// updateBackend tells the backend whether it should stream progress.
func (h *Hub) updateBackend() {
	if h.backend == nil {
		return
	}

	h.backendMtx.Lock()
	defer h.backendMtx.Unlock()

	h.mtx.Lock()
	available := h.backendAvailable
	subscribed := h.global > 0
	h.mtx.Unlock()

	if !available {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.backendTimeout)
	defer cancel()

	if err := h.backend.SetSubscribedToProgress(ctx, subscribed); err != nil {
		h.log.Errorf("Could not update progress subscription of the backend: %v", err)
	}
}

// SetBackendAvailable records whether the backend is on the bus. When it
// appears, its properties are cached and the subscription state is sent
// again.
func (h *Hub) SetBackendAvailable(available bool) {
	h.mtx.Lock()
	h.backendAvailable = available
	h.mtx.Unlock()

	if available {
		h.BackendRegistered()
	}
}

// BackendRegistered refreshes the cached properties from the backend and
// resets its subscription state.
func (h *Hub) BackendRegistered() {
	if h.backend == nil {
		return
	}

	h.mtx.Lock()
	h.backendAvailable = true
	h.mtx.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), h.backendTimeout)
	properties, err := h.backend.AllProperties(ctx)
	cancel()

	if err != nil {
		h.log.Warnf("Could not cache backend progress properties: %v", err)
	} else {
		h.PropertiesChanged(properties)
	}

	h.updateBackend()
}

// PropertiesChanged mirrors a batch of backend properties. Unknown keys are
// ignored and each signal fires at most once per batch.
func (h *Hub) PropertiesChanged(changed map[string]interface{}) {
	var signals []Signal

	h.mtx.Lock()
	for key, value := range changed {
		signal, ok := propertySignals[key]
		if !ok {
			continue
		}

		if !h.state.set(key, value) {
			h.log.Warnf("Ignoring progress property %s of type %T", key, value)
			continue
		}

		if !containsSignal(signals, signal) {
			signals = append(signals, signal)
		}
	}
	state := h.state
	h.mtx.Unlock()

	sort.Slice(signals, func(i, j int) bool {
		return signals[i] < signals[j]
	})

	for _, signal := range signals {
		h.emit(signal, state)
	}
}

func containsSignal(signals []Signal, signal Signal) bool {
	for _, s := range signals {
		if s == signal {
			return true
		}
	}

	return false
}

func (h *Hub) emit(signal Signal, state State) {
	h.mtx.Lock()
	listeners := make([]listener, 0, len(h.listeners))
	for _, l := range h.listeners {
		listeners = append(listeners, l)
	}
	h.mtx.Unlock()

	for _, l := range listeners {
		l(signal, state)
	}
}

// Close stops watching observers.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
	})
}

// Transaction is a progress handle for work done by the daemon itself.
// A nil transaction ignores every call.
type Transaction struct {
	hub  *Hub
	once sync.Once
}

// StartLocalTransaction begins a local update transaction. It returns nil
// when another transaction is active.
func (h *Hub) StartLocalTransaction() *Transaction {
	h.mtx.Lock()
	if h.local != nil || h.state.Active() {
		h.mtx.Unlock()
		return nil
	}

	start := time.Now()

	t := &Transaction{hub: h}
	h.local = t

	h.state.OperationID = start.Format("20060102150405") + "_" + uuid.New().String()
	h.state.StartDateTime = start.UnixMilli()
	h.state.AvailableSteps = Download
	h.state.OperationType = UpdateSystem
	h.state.CurrentStep = NoStep
	started := h.state

	h.state.CurrentStep = Download
	stepped := h.state
	h.mtx.Unlock()

	h.log.Debugf("Started local transaction %s", started.OperationID)

	h.emit(OperationTypeChanged, started)
	h.emit(CurrentStepChanged, stepped)

	return t
}

// SetProgress reports percent done and the transfer rate in bytes per
// second, or -1 when unknown.
func (t *Transaction) SetProgress(percent int, rate int) {
	if t == nil {
		return
	}

	h := t.hub

	h.mtx.Lock()
	if h.local != t {
		h.mtx.Unlock()
		return
	}
	h.state.Percent = int32(percent)
	h.state.Rate = int32(rate)
	state := h.state
	h.mtx.Unlock()

	h.emit(ProgressChanged, state)
}

// Finished ends the transaction. Only the first call has an effect.
func (t *Transaction) Finished() {
	if t == nil {
		return
	}

	t.once.Do(func() {
		h := t.hub

		h.mtx.Lock()
		if h.local != t {
			h.mtx.Unlock()
			return
		}
		h.local = nil
		id := h.state.OperationID
		h.state = State{Description: h.state.Description}
		state := h.state
		h.mtx.Unlock()

		h.log.Debugf("Finished local transaction %s", id)

		h.emit(CurrentStepChanged, state)
		h.emit(OperationTypeChanged, state)
		h.emit(ProgressChanged, state)
	})
}
