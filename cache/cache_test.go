package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/the-lightning-land/softwared/update"
)

func TestEntryFor(t *testing.T) {
	root := t.TempDir()
	c := New(&Config{Root: root})

	path, err := c.EntryFor(update.Recovery, "1.2.0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := filepath.Join(root, "1.2.0", "recovery_1.2.0.squash")
	if path != expected {
		t.Fatalf("expected %s, got %s", expected, path)
	}

	if info, err := os.Stat(filepath.Dir(path)); err != nil || !info.IsDir() {
		t.Fatalf("version directory was not created")
	}

	if c.Path(update.Incremental, "1.2.0") != filepath.Join(root, "1.2.0", "incremental_1.2.0.squash") {
		t.Fatalf("unexpected incremental path")
	}

	if _, err := c.EntryFor(update.Recovery, "../etc"); err == nil {
		t.Fatalf("expected an error for a path-like version")
	}
}

func TestClean(t *testing.T) {
	root := t.TempDir()
	c := New(&Config{Root: root})

	for _, version := range []string{"1.0.0", "1.1.0", "1.2.0"} {
		path, err := c.EntryFor(update.Incremental, version)
		if err != nil {
			t.Fatal(err)
		}

		if err := os.WriteFile(path, []byte(version), 0644); err != nil {
			t.Fatal(err)
		}
	}

	unpin := c.Pin("1.0.0")

	if err := c.Clean("1.2.0"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	assertExists(t, filepath.Join(root, "1.0.0"), true)
	assertExists(t, filepath.Join(root, "1.1.0"), false)
	assertExists(t, filepath.Join(root, "1.2.0"), true)

	unpin()
	unpin()

	if err := c.Clean(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	assertExists(t, filepath.Join(root, "1.0.0"), false)
	assertExists(t, filepath.Join(root, "1.2.0"), false)
}

func TestCleanMissingRoot(t *testing.T) {
	c := New(&Config{Root: filepath.Join(t.TempDir(), "missing")})

	if err := c.Clean(); err != nil {
		t.Fatalf("expected no error for a missing cache, got %v", err)
	}
}

func TestFreeSpace(t *testing.T) {
	c := New(&Config{Root: t.TempDir()})

	free, err := c.FreeSpace()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if free == 0 {
		t.Fatalf("expected some free space")
	}
}

func assertExists(t *testing.T, path string, exists bool) {
	t.Helper()

	_, err := os.Stat(path)
	if exists && err != nil {
		t.Fatalf("expected %s to exist: %v", path, err)
	}

	if !exists && !os.IsNotExist(err) {
		t.Fatalf("expected %s to be removed", path)
	}
}
