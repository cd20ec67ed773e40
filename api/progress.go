package api

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/the-lightning-land/softwared/progress"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

type progressEvent struct {
	Signal string         `json:"signal"`
	State  progress.State `json:"state"`
}

type observerIDs struct {
	next uint64
}

func (o *observerIDs) new() string {
	return fmt.Sprintf("ws-%d", atomic.AddUint64(&o.next, 1))
}

// wsObserver is a progress observer that lives as long as its websocket.
type wsObserver struct {
	id       string
	gone     chan struct{}
	goneOnce sync.Once
}

func (o *wsObserver) ID() string {
	return o.id
}

func (o *wsObserver) Gone() <-chan struct{} {
	return o.gone
}

func (o *wsObserver) close() {
	o.goneOnce.Do(func() {
		close(o.gone)
	})
}

func (a *Api) handleGetProgress() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a.jsonResponse(w, a.progress.State(), http.StatusOK)
	}
}

func (a *Api) handleGetProgressEvents() http.HandlerFunc {
	upgrader := &websocket.Upgrader{}

	return func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			a.log.Warnf("Could not upgrade progress stream: %v", err)
			return
		}

		observer := &wsObserver{
			id:   a.observers.new(),
			gone: make(chan struct{}),
		}

		events := make(chan progressEvent, 64)

		removeListener := a.progress.AddListener(func(signal progress.Signal, state progress.State) {
			select {
			case events <- progressEvent{Signal: signal.String(), State: state}:
			default:
				a.log.Warnf("Dropping progress event for slow observer %s", observer.id)
			}
		})

		a.progress.Subscribe(observer)

		a.log.Debugf("Progress observer %s connected", observer.id)

		// read pump
		go func() {
			defer observer.close()
			defer c.Close()

			c.SetReadLimit(512)
			c.SetReadDeadline(time.Now().Add(pongWait))
			c.SetPongHandler(func(string) error {
				c.SetReadDeadline(time.Now().Add(pongWait))
				return nil
			})

			for {
				_, _, err := c.ReadMessage()
				if err != nil {
					if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
						a.log.Warnf("Unexpected websocket closure: %v", err)
					}
					break
				}
			}
		}()

		// write pump
		go func() {
			defer c.Close()
			defer removeListener()

			ticker := time.NewTicker(pingPeriod)
			defer ticker.Stop()

			c.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.WriteJSON(&progressEvent{Signal: "state", State: a.progress.State()})
			if err != nil {
				return
			}

			for {
				select {
				case event := <-events:
					c.SetWriteDeadline(time.Now().Add(writeWait))

					if err := c.WriteJSON(&event); err != nil {
						return
					}
				case <-ticker.C:
					c.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
						return
					}
				case <-observer.gone:
					a.log.Debugf("Progress observer %s disconnected", observer.id)
					return
				}
			}
		}()
	}
}
