// Package cache manages downloaded update artifacts. Artifacts live in one
// directory per version:
//
//	<root>/<version>/{incremental|recovery}_<version>.squash
package cache

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/go-errors/errors"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/the-lightning-land/softwared/update"
)

const DefaultRoot = "/var/cache/softwared/updates"

const extension = ".squash"

type Config struct {
	Root   string
	Logger Logger
}

type Cache struct {
	root string
	log  Logger

	mu     sync.Mutex
	pinned map[string]int
}

func New(config *Config) *Cache {
	c := &Cache{
		root:   config.Root,
		log:    config.Logger,
		pinned: make(map[string]int),
	}

	if c.root == "" {
		c.root = DefaultRoot
	}

	if c.log == nil {
		c.log = noopLogger{}
	}

	return c
}

func (c *Cache) Root() string {
	return c.root
}

// Path returns where the artifact of an update of type t and version is
// stored, without touching the file system.
func (c *Cache) Path(t update.Type, version string) string {
	return filepath.Join(c.root, version, t.String()+"_"+version+extension)
}

// EntryFor returns the artifact path for an update of type t and version,
// creating the version directory if needed.
func (c *Cache) EntryFor(t update.Type, version string) (string, error) {
	if version == "" || version != filepath.Base(version) || version == "." || version == ".." {
		return "", errors.Errorf("invalid cache version %q", version)
	}

	if err := os.MkdirAll(filepath.Join(c.root, version), 0755); err != nil {
		return "", errors.Errorf("could not create cache entry for %s: %v", version, err)
	}

	return c.Path(t, version), nil
}

// Pin protects the directory of version from being collected until the
// returned function is called.
func (c *Cache) Pin(version string) func() {
	c.mu.Lock()
	c.pinned[version]++
	c.mu.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()

			c.pinned[version]--
			if c.pinned[version] <= 0 {
				delete(c.pinned, version)
			}
		})
	}
}

// Clean removes every version directory except the ones listed in keep and
// the ones currently pinned.
func (c *Cache) Clean(keep ...string) error {
	entries, err := os.ReadDir(c.root)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Errorf("could not read cache: %v", err)
	}

	kept := make(map[string]bool, len(keep))
	for _, version := range keep {
		if version != "" {
			kept[version] = true
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error

	for _, entry := range entries {
		name := entry.Name()

		if kept[name] {
			continue
		}

		if c.pinned[name] > 0 {
			c.log.Infof("Not removing cache entry %s, it is in use", name)
			continue
		}

		c.log.Infof("Removing cache entry %s", name)

		if err := os.RemoveAll(filepath.Join(c.root, name)); err != nil {
			c.log.Errorf("Could not remove cache entry %s: %v", name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

// FreeSpace returns the bytes available on the file system holding the
// cache.
func (c *Cache) FreeSpace() (uint64, error) {
	if err := os.MkdirAll(c.root, 0755); err != nil {
		return 0, errors.Errorf("could not create cache root: %v", err)
	}

	usage, err := disk.Usage(c.root)
	if err != nil {
		return 0, errors.Errorf("could not read free space of %s: %v", c.root, err)
	}

	return usage.Free, nil
}
