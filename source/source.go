// Package source implements the places system updates come from.
package source

import (
	"sync"

	"github.com/the-lightning-land/softwared/operation"
	"github.com/the-lightning-land/softwared/update"
)

// Source provides system updates. Both operations are returned started.
type Source interface {
	Name() string

	// CheckForUpdates refreshes the update metadata of the source.
	CheckForUpdates(preferred update.Type) *operation.Operation

	// DownloadAvailableUpdate fetches the update the metadata describes
	// into the cache. The operation's result is the artifact path.
	DownloadAvailableUpdate() *operation.Operation

	// UpdateMetadata returns the newest update this source knows about.
	UpdateMetadata() update.SystemUpdate

	// OnUpdateChanged registers fn to be called when the metadata changes.
	OnUpdateChanged(fn func())
}

// Base holds the metadata bookkeeping every source shares.
type Base struct {
	mtx       sync.Mutex
	metadata  update.SystemUpdate
	listeners []func()
}

func (b *Base) UpdateMetadata() update.SystemUpdate {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	return b.metadata
}

func (b *Base) OnUpdateChanged(fn func()) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	b.listeners = append(b.listeners, fn)
}

// SetUpdate replaces the metadata and notifies listeners when it actually
// changed. The zero update clears it.
func (b *Base) SetUpdate(u update.SystemUpdate) {
	b.mtx.Lock()
	if b.metadata.Equal(u) {
		b.mtx.Unlock()
		return
	}
	b.metadata = u
	listeners := append([]func(){}, b.listeners...)
	b.mtx.Unlock()

	for _, fn := range listeners {
		fn()
	}
}
