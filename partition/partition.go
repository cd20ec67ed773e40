// Package partition manages the recovery partition.
package partition

import (
	"os"
	"path/filepath"

	"github.com/go-errors/errors"
	"github.com/u-root/u-root/pkg/mount"
	"golang.org/x/sys/unix"
)

const (
	DefaultDevice     = "/dev/disk/by-label/recovery"
	DefaultMountPoint = "/recovery"
	DefaultFSType     = "ext4"

	lostAndFound = "lost+found"
)

type Config struct {
	Device     string
	MountPoint string
	FSType     string
	Logger     Logger
}

type Partition struct {
	device     string
	mountPoint string
	fsType     string
	log        Logger
}

func New(config *Config) *Partition {
	p := &Partition{
		device:     config.Device,
		mountPoint: config.MountPoint,
		fsType:     config.FSType,
		log:        config.Logger,
	}

	if p.device == "" {
		p.device = DefaultDevice
	}

	if p.mountPoint == "" {
		p.mountPoint = DefaultMountPoint
	}

	if p.fsType == "" {
		p.fsType = DefaultFSType
	}

	if p.log == nil {
		p.log = noopLogger{}
	}

	return p
}

// Path is where the partition's content is while mounted.
func (p *Partition) Path() string {
	return p.mountPoint
}

func (p *Partition) Mount() error {
	if err := os.MkdirAll(p.mountPoint, 0755); err != nil {
		return errors.Errorf("could not create mount point %s: %v", p.mountPoint, err)
	}

	if _, err := mount.Mount(p.device, p.mountPoint, p.fsType, "", 0); err != nil {
		return errors.Errorf("could not mount %s on %s: %v", p.device, p.mountPoint, err)
	}

	p.log.Infof("Mounted recovery partition %s on %s", p.device, p.mountPoint)

	return nil
}

// Unmount flushes pending writes and unmounts the partition.
func (p *Partition) Unmount() error {
	unix.Sync()

	if err := mount.Unmount(p.mountPoint, false, false); err != nil {
		return errors.Errorf("could not unmount %s: %v", p.mountPoint, err)
	}

	p.log.Infof("Unmounted recovery partition %s", p.mountPoint)

	return nil
}

// Wipe removes everything on the partition.
func (p *Partition) Wipe() error {
	return wipe(p.mountPoint)
}

func wipe(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Errorf("could not read %s: %v", dir, err)
	}

	for _, entry := range entries {
		if entry.Name() == lostAndFound {
			continue
		}

		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return errors.Errorf("could not remove %s: %v", entry.Name(), err)
		}
	}

	return nil
}
