package updateconf

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sample = `
orbit: update
stars: [main, kiosk]
sources:
  - name: store
    enabled: true
    endpoint: https://images.example.com
    apiKey: secret
    checkTimeout: 45s
  - name: staging
    enabled: false
`

func TestParse(t *testing.T) {
	config, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if config.Orbit != "update" || len(config.Stars) != 2 {
		t.Fatalf("unexpected orbit configuration %+v", config)
	}

	enabled := config.EnabledSources()
	if len(enabled) != 1 {
		t.Fatalf("expected one enabled source, got %d", len(enabled))
	}

	s := enabled[0]
	if s.Name != "store" || s.Type != TypeImageStore || s.APIKey != "secret" || s.CheckTimeout != 45*time.Second {
		t.Fatalf("unexpected source %+v", s)
	}
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"enabled without endpoint", "sources:\n  - name: a\n    enabled: true\n"},
		{"duplicate names", "sources:\n  - name: a\n  - name: a\n"},
		{"unsupported type", "sources:\n  - name: a\n    type: massstorage\n"},
		{"orbit without stars", "orbit: update\n"},
		{"malformed", "sources: [\n"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := Parse([]byte(test.data)); err == nil {
				t.Fatalf("expected an error")
			}
		})
	}
}

func TestLoadMissing(t *testing.T) {
	config, err := Load(filepath.Join(t.TempDir(), "update.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(config.EnabledSources()) != 0 {
		t.Fatalf("missing file should have no sources")
	}
}

func TestDeviceKey(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "device.key")
	if err := os.WriteFile(keyFile, []byte("c0ffee\n"), 0600); err != nil {
		t.Fatal(err)
	}

	config := &Config{DeviceKeyFile: keyFile}

	key, err := config.DeviceKey()
	if err != nil || key != "c0ffee" {
		t.Fatalf("unexpected key %q (%v)", key, err)
	}

	key, err = (&Config{}).DeviceKey()
	if err != nil || key != "" {
		t.Fatalf("expected no key without a key file")
	}
}
