// Package apply installs downloaded system updates. Incremental updates
// are handed to the package backend while the system is writable; recovery
// updates are unpacked onto the recovery partition, which the next boot
// starts from.
package apply

import (
	"context"

	"github.com/the-lightning-land/softwared/progress"
	"github.com/the-lightning-land/softwared/update"
)

// State is a step of an update application.
type State string

const (
	StateStart           State = "start"
	StateMounted         State = "mounted"
	StateOrbitInjected   State = "orbit injected"
	StateBackendApplying State = "backend applying"
	StateRemounted       State = "remounted"
	StateOrbitDeinjected State = "orbit deinjected"

	StateRecoveryMounted State = "recovery mounted"
	StateWiped           State = "wiped"
	StatePackageMounted  State = "package mounted"
	StateExtracting      State = "extracting"
	StateRecoveryFlagSet State = "recovery flag set"

	StateDone  State = "done"
	StateError State = "error"
)

// ArtifactCache locates downloaded artifacts and keeps them around while
// they are in use.
type ArtifactCache interface {
	Path(t update.Type, version string) string
	Pin(version string) func()
}

// VersionStore persists the installed appliance version.
type VersionStore interface {
	SetVersion(version string) error
}

// SystemUpdater applies a mounted incremental update package.
type SystemUpdater interface {
	UpdateSystem(ctx context.Context, path string) error
}

// RecoveryPartition is the partition recovery updates are unpacked to.
type RecoveryPartition interface {
	Mount() error
	Unmount() error
	Wipe() error
	Path() string
}

// ProgressReporter starts local progress transactions.
type ProgressReporter interface {
	StartLocalTransaction() *progress.Transaction
}
