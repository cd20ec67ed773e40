// Package appliance reads and updates the appliance identity manifest.
package appliance

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-errors/errors"
	"gopkg.in/ini.v1"
)

const (
	DefaultManifestPath  = "/etc/softwared/appliance_manifest"
	DefaultMachineIDPath = "/etc/machine-id"

	keyVersion    = "APPLIANCE_VERSION"
	keyName       = "APPLIANCE_NAME"
	keyVariant    = "APPLIANCE_VARIANT"
	keyHardwareID = "HARDWARE_ID"
)

// Identity is the installed version, name, variant and hardware id of the
// device.
type Identity struct {
	Version    string
	Name       string
	Variant    string
	HardwareID string
}

// QualifiedName is the name image stores know the appliance by.
func (i Identity) QualifiedName() string {
	if i.Variant == "" {
		return i.Name
	}

	return i.Name + "_" + i.Variant
}

type Config struct {
	ManifestPath  string
	MachineIDPath string
}

// Store is the persisted identity. Reads always go to disk so that a
// version written by an update is seen by everyone.
type Store struct {
	manifestPath  string
	machineIDPath string

	mu sync.Mutex
}

func NewStore(config *Config) *Store {
	s := &Store{
		manifestPath:  config.ManifestPath,
		machineIDPath: config.MachineIDPath,
	}

	if s.manifestPath == "" {
		s.manifestPath = DefaultManifestPath
	}

	if s.machineIDPath == "" {
		s.machineIDPath = DefaultMachineIDPath
	}

	return s
}

func (s *Store) load() (*ini.File, error) {
	f, err := ini.LooseLoad(s.manifestPath)
	if err != nil {
		return nil, errors.Errorf("could not read appliance manifest %s: %v", s.manifestPath, err)
	}

	return f, nil
}

func (s *Store) Identity() (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return Identity{}, err
	}

	section := f.Section("")

	identity := Identity{
		Version:    section.Key(keyVersion).String(),
		Name:       section.Key(keyName).String(),
		Variant:    section.Key(keyVariant).String(),
		HardwareID: section.Key(keyHardwareID).String(),
	}

	if identity.HardwareID == "" {
		id, err := os.ReadFile(s.machineIDPath)
		if err != nil {
			return Identity{}, errors.Errorf("could not retrieve hardware id: %v", err)
		}

		identity.HardwareID = strings.TrimSpace(string(id))
	}

	return identity, nil
}

// Version returns the installed appliance version.
func (s *Store) Version() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return "", err
	}

	return f.Section("").Key(keyVersion).String(), nil
}

// SetVersion persists a new installed version. The manifest is replaced
// atomically.
func (s *Store) SetVersion(version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return err
	}

	f.Section("").Key(keyVersion).SetValue(version)

	tmp, err := os.CreateTemp(filepath.Dir(s.manifestPath), ".appliance_manifest-*")
	if err != nil {
		return errors.Errorf("could not write appliance manifest: %v", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := f.WriteTo(tmp); err != nil {
		tmp.Close()
		return errors.Errorf("could not write appliance manifest: %v", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Errorf("could not write appliance manifest: %v", err)
	}

	if err := tmp.Close(); err != nil {
		return errors.Errorf("could not write appliance manifest: %v", err)
	}

	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return errors.Errorf("could not write appliance manifest: %v", err)
	}

	if err := os.Rename(tmp.Name(), s.manifestPath); err != nil {
		return errors.Errorf("could not replace appliance manifest: %v", err)
	}

	return nil
}
