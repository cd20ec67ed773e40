// Package updateconf reads the per-deployment update configuration: which
// update sources are enabled, how to reach them, and which orbit to switch
// to while an incremental update is applied.
//
// The file is YAML:
//
//	orbit: update
//	stars: [main]
//	deviceKeyFile: /etc/softwared/device.key
//	sources:
//	  - name: imagestore
//	    type: imagestore
//	    enabled: true
//	    endpoint: https://images.example.com
//	    apiKey: secret
//	    platformKeyFile: /etc/softwared/platform.conf
//	    checkTimeout: 30s
package updateconf

import (
	"os"
	"strings"
	"time"

	"github.com/go-errors/errors"
	"gopkg.in/yaml.v3"
)

const TypeImageStore = "imagestore"

type Source struct {
	Name            string        `yaml:"name"`
	Type            string        `yaml:"type"`
	Enabled         bool          `yaml:"enabled"`
	Endpoint        string        `yaml:"endpoint"`
	APIKey          string        `yaml:"apiKey,omitempty"`
	PlatformKeyFile string        `yaml:"platformKeyFile,omitempty"`
	CheckTimeout    time.Duration `yaml:"checkTimeout,omitempty"`
}

type Config struct {
	// Orbit is switched to on every star while an incremental update is
	// applied. No orbit switch happens when empty.
	Orbit string   `yaml:"orbit,omitempty"`
	Stars []string `yaml:"stars,omitempty"`
	// DeviceKeyFile holds the key that decrypts update packages.
	DeviceKeyFile string   `yaml:"deviceKeyFile,omitempty"`
	Sources       []Source `yaml:"sources"`
}

// Load reads the configuration at path. A missing file yields an empty
// configuration with no sources.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, errors.Errorf("could not read %s: %v", path, err)
	}

	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	config := &Config{}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.Errorf("could not parse update configuration: %v", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) validate() error {
	names := make(map[string]bool)

	for i := range c.Sources {
		s := &c.Sources[i]

		if s.Type == "" {
			s.Type = TypeImageStore
		}

		if s.Name == "" {
			s.Name = s.Type
		}

		if names[s.Name] {
			return errors.Errorf("source %s is configured twice", s.Name)
		}
		names[s.Name] = true

		if s.Type != TypeImageStore {
			return errors.Errorf("source %s has unsupported type %s", s.Name, s.Type)
		}

		if s.Enabled && s.Endpoint == "" {
			return errors.Errorf("source %s is enabled without endpoint", s.Name)
		}
	}

	if c.Orbit != "" && len(c.Stars) == 0 {
		return errors.Errorf("orbit %s is configured without stars", c.Orbit)
	}

	return nil
}

// EnabledSources returns the sources to instantiate, in file order.
func (c *Config) EnabledSources() []Source {
	var enabled []Source
	for _, s := range c.Sources {
		if s.Enabled {
			enabled = append(enabled, s)
		}
	}

	return enabled
}

// DeviceKey reads the package decryption key. Packages are not encrypted
// when no key file is configured.
func (c *Config) DeviceKey() (string, error) {
	if c.DeviceKeyFile == "" {
		return "", nil
	}

	data, err := os.ReadFile(c.DeviceKeyFile)
	if err != nil {
		return "", errors.Errorf("could not read device key: %v", err)
	}

	return strings.TrimSpace(string(data)), nil
}
