package apply

import (
	"context"
	"os"

	"github.com/the-lightning-land/softwared/bootenv"
	"github.com/the-lightning-land/softwared/operation"
	"github.com/the-lightning-land/softwared/progress"
	"github.com/the-lightning-land/softwared/squash"
	"github.com/the-lightning-land/softwared/update"
)

// ExtractFunc copies the mounted package at src into dst and reports the
// percentage done along the way.
type ExtractFunc func(ctx context.Context, src string, dst string, progress func(percent int)) error

type RecoveryConfig struct {
	Update    update.SystemUpdate
	Cache     ArtifactCache
	Mounter   squash.Mounter
	Partition RecoveryPartition
	Progress  ProgressReporter
	BootEnv   bootenv.Setter

	// Extract defaults to CopyTree.
	Extract ExtractFunc

	OnComplete func()
	OnState    func(State)

	Logger Logger
}

type recovery struct {
	config RecoveryConfig
	log    Logger
}

// NewRecovery starts unpacking a recovery update onto the recovery
// partition. The device boots into it once the boot flag is set.
func NewRecovery(config *RecoveryConfig) *operation.Operation {
	r := &recovery{
		config: *config,
		log:    config.Logger,
	}

	if r.log == nil {
		r.log = noopLogger{}
	}

	if r.config.Extract == nil {
		r.config.Extract = CopyTree
	}

	return operation.New("recovery update", func(op *operation.Operation) {
		go r.run(op)
	}).Start()
}

func (r *recovery) setState(state State) {
	r.log.Infof("Recovery update to %s: %s", r.config.Update.Version, state)

	if r.config.OnState != nil {
		r.config.OnState(state)
	}
}

func (r *recovery) fail(op *operation.Operation, kind operation.Kind, format string, args ...interface{}) {
	r.setState(StateError)
	op.SetFinishedWithError(kind, format, args...)
}

func (r *recovery) run(op *operation.Operation) {
	if r.config.OnComplete != nil {
		defer r.config.OnComplete()
	}

	u := r.config.Update
	ctx := context.Background()

	r.setState(StateStart)

	artifact := r.config.Cache.Path(u.Type, u.Version)
	if _, err := os.Stat(artifact); err != nil {
		r.log.Errorf("Cache entry %s does not exist", artifact)
		r.fail(op, operation.DownloadError, "update %s has not been downloaded", u.Version)
		return
	}

	unpin := r.config.Cache.Pin(u.Version)
	defer unpin()

	if err := r.config.Partition.Mount(); err != nil {
		r.log.Errorf("Could not mount recovery partition: %v", err)
		r.fail(op, operation.FailedRequest, "could not mount recovery partition: %v", err)
		return
	}

	r.setState(StateRecoveryMounted)

	if err := r.config.Partition.Wipe(); err != nil {
		r.log.Errorf("Could not wipe recovery partition: %v", err)
		r.unmountPartition()
		r.fail(op, operation.FailedRequest, "could not wipe recovery partition: %v", err)
		return
	}

	r.setState(StateWiped)

	mountPath, err := r.config.Mounter.Mount(ctx, artifact)
	if err != nil {
		r.log.Errorf("Could not prepare package %s: %v", artifact, err)
		r.unmountPartition()
		r.fail(op, operation.InvalidPackage, "could not mount update package: %v", err)
		return
	}

	r.setState(StatePackageMounted)
	r.setState(StateExtracting)

	var tx *progress.Transaction
	if r.config.Progress != nil {
		tx = r.config.Progress.StartLocalTransaction()
	}

	extractErr := r.config.Extract(ctx, mountPath, r.config.Partition.Path(), func(percent int) {
		tx.SetProgress(percent, -1)
	})

	if err := r.config.Mounter.Unmount(ctx, artifact); err != nil {
		r.log.Errorf("Could not unmount package %s: %v", artifact, err)
	}

	tx.Finished()

	r.unmountPartition()

	if extractErr != nil {
		r.log.Errorf("Could not extract %s: %v", artifact, extractErr)
		r.fail(op, operation.ExtractionError, "could not extract recovery image: %v", extractErr)
		return
	}

	if err := r.config.BootEnv.Set(ctx, bootenv.RecoveryBootKey, "1"); err != nil {
		r.log.Errorf("Could not set recovery boot flag: %v", err)
		r.fail(op, operation.RecoveryNotSet, "could not set recovery boot flag: %v", err)
		return
	}

	r.setState(StateRecoveryFlagSet)
	r.setState(StateDone)

	op.SetFinished()
}

func (r *recovery) unmountPartition() {
	if err := r.config.Partition.Unmount(); err != nil {
		r.log.Errorf("Could not unmount recovery partition: %v", err)
	}
}
