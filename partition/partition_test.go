package partition

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWipe(t *testing.T) {
	dir := t.TempDir()

	for _, name := range []string{"kernel.img", ".hidden", "lost+found/keep", "boot/config.txt"} {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(name), 0644); err != nil {
			t.Fatal(err)
		}
	}

	p := New(&Config{MountPoint: dir})

	if err := p.Wipe(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}

	if len(entries) != 1 || entries[0].Name() != "lost+found" {
		t.Fatalf("unexpected entries after wipe: %v", entries)
	}
}

func TestWipeMissingPartition(t *testing.T) {
	p := New(&Config{MountPoint: filepath.Join(t.TempDir(), "missing")})

	if err := p.Wipe(); err == nil {
		t.Fatalf("expected an error")
	}
}

func TestDefaults(t *testing.T) {
	p := New(&Config{})

	if p.Path() != DefaultMountPoint || p.device != DefaultDevice || p.fsType != DefaultFSType {
		t.Fatalf("unexpected defaults %+v", p)
	}
}
