package orchestrator

import (
	"time"

	"github.com/the-lightning-land/softwared/operation"
	"github.com/the-lightning-land/softwared/source"
	"github.com/the-lightning-land/softwared/update"
)

// CheckForUpdates asks every source for updates of the preferred type and
// recomputes the candidate once all of them have answered. The check fails
// when any source failed, but candidates found by the other sources are
// kept.
func (o *Orchestrator) CheckForUpdates(preferred update.Type) *operation.Operation {
	now := time.Now()

	o.mtx.Lock()
	o.lastCheck = now
	o.mtx.Unlock()

	if o.state != nil {
		if err := o.state.SetLastCheckForUpdates(now); err != nil {
			o.log.Errorf("Could not save time of the last check: %v", err)
		}
	}

	o.emit(LastCheckForUpdatesChanged)

	o.log.Infof("Checking %d sources for %s updates", len(o.sources), preferred)

	checks := make([]*operation.Operation, 0, len(o.sources))
	for _, s := range o.sources {
		checks = append(checks, s.CheckForUpdates(preferred))
	}

	composite := operation.NewComposite(checks...)

	return operation.New("check for updates", func(op *operation.Operation) {
		composite.OnFinished(func(c *operation.Operation) {
			o.computeAvailableUpdate()

			if o.SystemUpdate().IsValid() {
				if err := o.CleanCache(); err != nil {
					o.log.Warnf("Could not clean cache: %v", err)
				}
			}

			if err := c.Err(); err != nil {
				o.log.Warnf("Checking for updates failed: %v", err)
				op.Fail(err)
				return
			}

			op.SetFinished()
		})

		composite.Start()
	}).Start()
}

// computeAvailableUpdate makes the candidate the newest update any source
// offers above the installed version. A candidate is never replaced by an
// older one without being cleared first.
func (o *Orchestrator) computeAvailableUpdate() {
	o.computeMtx.Lock()
	defer o.computeMtx.Unlock()

	installed := o.installedVersion()

	var best candidate
	for _, s := range o.sources {
		u := s.UpdateMetadata()
		if !u.IsValid() || !update.IsNewer(u.Version, installed) {
			continue
		}

		if !best.valid() || u.NewerThanUpdate(best.update) {
			best = candidate{source: s, update: u}
		}
	}

	o.mtx.Lock()
	current := o.candidate

	if current.valid() && best.valid() && current.update.NewerThanUpdate(best.update) {
		// the candidate was withdrawn, fall back through the empty state
		o.candidate = candidate{}
		o.mtx.Unlock()

		o.log.Infof("%s was withdrawn", current.update)
		o.emit(SystemUpdateChanged)

		o.mtx.Lock()
		current = o.candidate
	}

	var events []Event

	switch {
	case !best.valid():
		if current.valid() {
			o.candidate = candidate{}
			events = append(events, SystemUpdateChanged)
		}

	case !current.valid() || best.update.NewerThanUpdate(current.update):
		o.candidate = best
		events = append(events, SystemUpdateChanged, SystemUpdateAvailable)

	case current.source != best.source || !current.update.Equal(best.update):
		o.candidate = best
		events = append(events, SystemUpdateChanged)
	}

	adopted := o.candidate
	o.mtx.Unlock()

	if len(events) == 0 {
		return
	}

	if adopted.valid() {
		o.log.Infof("Candidate is %s from %s", adopted.update, adopted.source.Name())
	} else {
		o.log.Infof("No update available")
	}

	o.emit(events...)
}

func (o *Orchestrator) currentCandidate() candidate {
	o.mtx.Lock()
	defer o.mtx.Unlock()

	return o.candidate
}

// DownloadSystemUpdate downloads the candidate into the cache. Its result is
// the artifact path.
func (o *Orchestrator) DownloadSystemUpdate() *operation.Operation {
	c := o.currentCandidate()
	if !c.valid() {
		return operation.Failure(operation.BadRequest, "no system update available")
	}

	if c.update.DownloadSize > 0 {
		free, err := o.cache.FreeSpace()
		if err != nil {
			o.log.Warnf("Could not determine free space, downloading anyway: %v", err)
		} else if uint64(c.update.DownloadSize) >= free {
			o.log.Warnf("Not enough space for %s: %d bytes needed, %d available",
				c.update, c.update.DownloadSize, free)
			return operation.Failure(operation.NoSpaceLeftOnDisk,
				"%d bytes needed, %d available", c.update.DownloadSize, free)
		}
	}

	o.log.Infof("Downloading %s from %s", c.update, c.source.Name())

	unpin := o.cache.Pin(c.update.Version)

	op := c.source.DownloadAvailableUpdate()
	op.OnFinished(func(op *operation.Operation) {
		unpin()

		if err := op.Err(); err != nil {
			o.log.Errorf("Could not download %s: %v", c.update, err)
		} else {
			o.log.Infof("Downloaded %s to %s", c.update, op.Result())
		}
	})

	return op
}

// UpdateSystem applies the candidate. Only one update is applied at a time.
func (o *Orchestrator) UpdateSystem() *operation.Operation {
	o.mtx.Lock()
	c := o.candidate

	if !c.valid() {
		o.mtx.Unlock()
		return operation.Failure(operation.BadRequest, "no system update available")
	}

	if o.applying {
		o.mtx.Unlock()
		return operation.Failure(operation.BadRequest, "an update is already being applied")
	}

	o.applying = true
	o.mtx.Unlock()

	o.log.Infof("Applying %s", c.update)

	return o.applier.Apply(c.update, func() {
		o.mtx.Lock()
		o.applying = false
		o.mtx.Unlock()

		// an applied update is no longer newer than the installed version
		o.computeAvailableUpdate()
	})
}

// CleanCache removes every cached artifact except the candidate's.
func (o *Orchestrator) CleanCache() error {
	c := o.currentCandidate()
	if !c.valid() {
		return o.cache.Clean()
	}

	return o.cache.Clean(c.update.Version)
}

// ClearCache removes every cached artifact not in use.
func (o *Orchestrator) ClearCache() error {
	return o.cache.Clean()
}

// Sources returns the registered sources.
func (o *Orchestrator) Sources() []source.Source {
	return o.sources
}
