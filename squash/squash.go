// Package squash mounts update packages with the system's helper tools.
package squash

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/go-errors/errors"
)

const (
	DefaultMountHelper   = "/usr/bin/mount-squash-package"
	DefaultUnmountHelper = "/usr/bin/umount-squash-package"
)

// Mounter mounts read-only update packages.
type Mounter interface {
	// Mount mounts pkg and returns where its content can be found.
	Mount(ctx context.Context, pkg string) (string, error)
	// Unmount releases a package mounted by Mount.
	Unmount(ctx context.Context, pkg string) error
}

type Config struct {
	MountHelper   string
	UnmountHelper string
	// MountDir is where packages are mounted.
	MountDir string
	// Key decrypts packages. Packages are not encrypted when empty.
	Key    string
	Logger Logger
}

// HelperMounter runs mount-squash-package and umount-squash-package.
type HelperMounter struct {
	mountHelper   string
	unmountHelper string
	mountDir      string
	key           string
	log           Logger
}

// Compile time check for protocol compatibility
var _ Mounter = (*HelperMounter)(nil)

func NewHelperMounter(config *Config) *HelperMounter {
	m := &HelperMounter{
		mountHelper:   config.MountHelper,
		unmountHelper: config.UnmountHelper,
		mountDir:      config.MountDir,
		key:           config.Key,
		log:           config.Logger,
	}

	if m.mountHelper == "" {
		m.mountHelper = DefaultMountHelper
	}

	if m.unmountHelper == "" {
		m.unmountHelper = DefaultUnmountHelper
	}

	if m.log == nil {
		m.log = noopLogger{}
	}

	return m
}

func (m *HelperMounter) Mount(ctx context.Context, pkg string) (string, error) {
	if err := os.MkdirAll(m.mountDir, 0755); err != nil {
		return "", errors.Errorf("could not create mount dir %s: %v", m.mountDir, err)
	}

	args := []string{pkg, m.mountDir}
	if m.key != "" {
		args = append(args, m.key)
	}

	if err := m.run(ctx, m.mountHelper, args); err != nil {
		return "", errors.Errorf("could not mount package %s: %v", pkg, err)
	}

	m.log.Infof("Mounted package %s on %s", pkg, m.mountDir)

	return m.mountDir, nil
}

func (m *HelperMounter) Unmount(ctx context.Context, pkg string) error {
	args := []string{pkg}
	if m.key != "" {
		args = append(args, m.key)
	}

	if err := m.run(ctx, m.unmountHelper, args); err != nil {
		return errors.Errorf("could not unmount package %s: %v", pkg, err)
	}

	m.log.Infof("Unmounted package %s", pkg)

	return nil
}

func (m *HelperMounter) run(ctx context.Context, helper string, args []string) error {
	var output bytes.Buffer

	cmd := exec.CommandContext(ctx, helper, args...)
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Run(); err != nil {
		if out := strings.TrimSpace(output.String()); out != "" {
			return errors.Errorf("%v: %s", err, out)
		}

		return err
	}

	return nil
}
