package apply

import (
	"context"
	"os"
	"time"

	"github.com/the-lightning-land/softwared/galaxy"
	"github.com/the-lightning-land/softwared/operation"
	"github.com/the-lightning-land/softwared/remount"
	"github.com/the-lightning-land/softwared/squash"
	"github.com/the-lightning-land/softwared/update"
)

// DefaultBackendTimeout bounds the backend's system update call.
const DefaultBackendTimeout = 15 * time.Minute

type IncrementalConfig struct {
	Update    update.SystemUpdate
	Cache     ArtifactCache
	Mounter   squash.Mounter
	Remounter remount.Remounter
	Backend   SystemUpdater
	Versions  VersionStore

	// Orbit is injected into every star for the duration of the update
	// when set. The caller is answered as soon as the system is writable.
	Orbit string
	Stars galaxy.Manager

	BackendTimeout time.Duration

	// OnComplete is called once after every step, cleanup included, has
	// run. With an orbit this is well after the operation finished.
	OnComplete func()
	// OnState is told about every step reached.
	OnState func(State)

	Logger Logger
}

type incremental struct {
	config IncrementalConfig
	log    Logger
}

// NewIncremental starts applying an incremental update.
func NewIncremental(config *IncrementalConfig) *operation.Operation {
	i := &incremental{
		config: *config,
		log:    config.Logger,
	}

	if i.log == nil {
		i.log = noopLogger{}
	}

	if i.config.BackendTimeout == 0 {
		i.config.BackendTimeout = DefaultBackendTimeout
	}

	if i.config.Stars == nil {
		i.config.Stars = galaxy.StarList(nil)
	}

	return operation.New("incremental update", func(op *operation.Operation) {
		go i.run(op)
	}).Start()
}

func (i *incremental) setState(state State) {
	i.log.Infof("Incremental update to %s: %s", i.config.Update.Version, state)

	if i.config.OnState != nil {
		i.config.OnState(state)
	}
}

func (i *incremental) fail(op *operation.Operation, kind operation.Kind, format string, args ...interface{}) {
	i.setState(StateError)
	op.SetFinishedWithError(kind, format, args...)
}

func (i *incremental) run(op *operation.Operation) {
	if i.config.OnComplete != nil {
		defer i.config.OnComplete()
	}

	u := i.config.Update
	ctx := context.Background()

	i.setState(StateStart)

	artifact := i.config.Cache.Path(u.Type, u.Version)
	if _, err := os.Stat(artifact); err != nil {
		i.log.Errorf("Cache entry %s does not exist", artifact)
		i.fail(op, operation.DownloadError, "update %s has not been downloaded", u.Version)
		return
	}

	unpin := i.config.Cache.Pin(u.Version)
	defer unpin()

	mountPath, err := i.config.Mounter.Mount(ctx, artifact)
	if err != nil {
		i.log.Errorf("Could not prepare package %s: %v", artifact, err)
		i.fail(op, operation.InvalidPackage, "could not mount update package: %v", err)
		return
	}

	i.setState(StateMounted)

	if err := i.config.Remounter.Remount(ctx); err != nil {
		i.log.Errorf("Could not remount the system writable: %v", err)
		i.unmount(ctx, artifact)
		i.fail(op, operation.RemountError, "could not remount the system: %v", err)
		return
	}

	injected := false

	if i.config.Orbit != "" {
		// the orbit takes over from here, answer the caller now
		op.SetFinished()

		i.injectOrbit()
		injected = true

		i.setState(StateOrbitInjected)
	}

	i.setState(StateBackendApplying)

	applyCtx, cancel := context.WithTimeout(ctx, i.config.BackendTimeout)
	applyErr := i.config.Backend.UpdateSystem(applyCtx, mountPath)
	cancel()

	if applyErr != nil {
		i.log.Errorf("Backend failed to apply %s: %v", u.Version, applyErr)
	} else if err := i.config.Versions.SetVersion(u.Version); err != nil {
		i.log.Errorf("Could not persist appliance version %s: %v", u.Version, err)
		applyErr = operation.Errorf(operation.FailedRequest, "could not persist appliance version: %v", err)
	}

	if err := i.config.Remounter.Revert(ctx); err != nil {
		i.log.Errorf("Could not remount the system read-only: %v", err)
	}

	i.unmount(ctx, artifact)

	i.setState(StateRemounted)

	if injected {
		i.deinjectOrbit()
		i.setState(StateOrbitDeinjected)

		if applyErr != nil {
			i.setState(StateError)
		} else {
			i.setState(StateDone)
		}

		return
	}

	if applyErr != nil {
		i.setState(StateError)
		op.Fail(applyErr)
		return
	}

	i.setState(StateDone)
	op.SetFinished()
}

func (i *incremental) unmount(ctx context.Context, artifact string) {
	if err := i.config.Mounter.Unmount(ctx, artifact); err != nil {
		i.log.Errorf("Could not unmount package %s: %v", artifact, err)
	}
}

// injectOrbit injects the orbit into every star and waits for all of them.
func (i *incremental) injectOrbit() {
	var injections []*operation.Operation
	for _, star := range i.config.Stars.Stars() {
		injections = append(injections, star.InjectOrbit(i.config.Orbit))
	}

	composite := operation.NewComposite(injections...).Start()
	<-composite.Done()

	if err := composite.Err(); err != nil {
		i.log.Warnf("Not every star took orbit %s: %v", i.config.Orbit, err)
	}
}

func (i *incremental) deinjectOrbit() {
	for _, star := range i.config.Stars.Stars() {
		name := star.Name()

		star.DeinjectOrbit().OnFinished(func(op *operation.Operation) {
			if err := op.Err(); err != nil {
				i.log.Warnf("Could not deinject orbit from %s: %v", name, err)
			}
		})
	}
}
