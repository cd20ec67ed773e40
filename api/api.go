// Package api serves the HTTP interface of the daemon.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-errors/errors"
	"github.com/gorilla/mux"
	"github.com/the-lightning-land/softwared/operation"
	"github.com/the-lightning-land/softwared/progress"
	"github.com/the-lightning-land/softwared/update"
)

type Orchestrator interface {
	SystemUpdate() update.SystemUpdate
	LastCheckForUpdates() time.Time
	Applying() bool
	CheckForUpdates(preferred update.Type) *operation.Operation
	DownloadSystemUpdate() *operation.Operation
	UpdateSystem() *operation.Operation
	CleanCache() error
	ClearCache() error
}

type Remote interface {
	TargetVersion() string
	SetTargetVersion(version string) error
	UnsetTargetVersion() error
}

type Applications interface {
	ApplicationUpdates() []byte
	InstalledApplications() []byte
	CheckForApplicationUpdates(ctx context.Context) error
	InstallApplications(ctx context.Context, applications []byte) error
	RemoveApplications(ctx context.Context, applications []byte) error
}

type Progress interface {
	State() progress.State
	Subscribe(observer progress.Observer)
	Unsubscribe(observer progress.Observer)
	AddListener(fn func(progress.Signal, progress.State)) func()
}

type Config struct {
	Orchestrator Orchestrator
	Remote       Remote
	Applications Applications
	Progress     Progress
	Log          Logger
}

type Api struct {
	orchestrator Orchestrator
	remote       Remote
	applications Applications
	progress     Progress
	router       *mux.Router
	server       *http.Server
	log          Logger

	observers observerIDs
}

func New(config *Config) *Api {
	api := &Api{
		orchestrator: config.Orchestrator,
		remote:       config.Remote,
		applications: config.Applications,
		progress:     config.Progress,
		router:       mux.NewRouter(),
	}

	if config.Log != nil {
		api.log = config.Log
	} else {
		api.log = noopLogger{}
	}

	v1 := api.router.PathPrefix("/api/v1").Subrouter()

	v1.Handle("/system/update", api.handleGetSystemUpdate()).Methods(http.MethodGet)
	v1.Handle("/system/update/check", api.handlePostCheck()).Methods(http.MethodPost)
	v1.Handle("/system/update/download", api.handlePostDownload()).Methods(http.MethodPost)
	v1.Handle("/system/update/apply", api.handlePostApply()).Methods(http.MethodPost)
	v1.Handle("/system/update/target", api.handlePutTarget()).Methods(http.MethodPut)
	v1.Handle("/system/update/target", api.handleDeleteTarget()).Methods(http.MethodDelete)
	v1.Handle("/system/cache/clean", api.handlePostCleanCache()).Methods(http.MethodPost)
	v1.Handle("/system/cache/clear", api.handlePostClearCache()).Methods(http.MethodPost)

	v1.Handle("/progress", api.handleGetProgress()).Methods(http.MethodGet)
	v1.Handle("/progress/events", api.handleGetProgressEvents()).Methods(http.MethodGet)

	if api.applications != nil {
		v1.Handle("/applications", api.handleGetApplications()).Methods(http.MethodGet)
		v1.Handle("/applications/updates", api.handleGetApplicationUpdates()).Methods(http.MethodGet)
		v1.Handle("/applications/check", api.handlePostApplicationCheck()).Methods(http.MethodPost)
		v1.Handle("/applications/install", api.handlePostInstall()).Methods(http.MethodPost)
		v1.Handle("/applications/remove", api.handlePostRemove()).Methods(http.MethodPost)
	}

	api.server = &http.Server{
		Handler:           api.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return api
}

// Handler returns the router, mostly for tests.
func (a *Api) Handler() http.Handler {
	return a.router
}

func (a *Api) Serve(l net.Listener) error {
	err := a.server.Serve(l)
	if err != nil && err != http.ErrServerClosed {
		return errors.Errorf("Unable to serve api: %v", err)
	}

	return nil
}

func (a *Api) Shutdown(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}
