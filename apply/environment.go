package apply

import (
	"time"

	"github.com/the-lightning-land/softwared/bootenv"
	"github.com/the-lightning-land/softwared/galaxy"
	"github.com/the-lightning-land/softwared/operation"
	"github.com/the-lightning-land/softwared/remount"
	"github.com/the-lightning-land/softwared/squash"
	"github.com/the-lightning-land/softwared/update"
)

// Environment holds the device collaborators shared by every kind of
// update application.
type Environment struct {
	Cache    ArtifactCache
	Mounter  squash.Mounter
	Progress ProgressReporter

	Remounter      remount.Remounter
	Backend        SystemUpdater
	Versions       VersionStore
	Orbit          string
	Stars          galaxy.Manager
	BackendTimeout time.Duration

	Partition RecoveryPartition
	BootEnv   bootenv.Setter

	Logger Logger
}

// Apply starts the state machine matching the type of u. onComplete is
// called once the machine has run to its end, cleanup included.
func (e *Environment) Apply(u update.SystemUpdate, onComplete func()) *operation.Operation {
	switch u.Type {
	case update.Incremental:
		return NewIncremental(&IncrementalConfig{
			Update:         u,
			Cache:          e.Cache,
			Mounter:        e.Mounter,
			Remounter:      e.Remounter,
			Backend:        e.Backend,
			Versions:       e.Versions,
			Orbit:          e.Orbit,
			Stars:          e.Stars,
			BackendTimeout: e.BackendTimeout,
			OnComplete:     onComplete,
			Logger:         e.Logger,
		})
	case update.Recovery:
		return NewRecovery(&RecoveryConfig{
			Update:     u,
			Cache:      e.Cache,
			Mounter:    e.Mounter,
			Partition:  e.Partition,
			Progress:   e.Progress,
			BootEnv:    e.BootEnv,
			OnComplete: onComplete,
			Logger:     e.Logger,
		})
	}

	if onComplete != nil {
		onComplete()
	}

	return operation.Failure(operation.BadRequest, "cannot apply %s", u)
}
