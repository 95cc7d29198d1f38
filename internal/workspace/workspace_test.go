package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureScaffoldPurge(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	dir, err := m.Ensure("env-1")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if filepath.Dir(dir) != m.Root() {
		t.Fatalf("expected %s under %s", dir, m.Root())
	}

	files := map[string]string{"package.json": "{}", "src/index.js": "console.log(1)"}
	if err := m.Scaffold("env-1", files); err != nil {
		t.Fatalf("scaffold: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "src", "index.js"))
	if err != nil || string(data) != "console.log(1)" {
		t.Fatalf("unexpected scaffold content %q %v", data, err)
	}

	if err := os.WriteFile(filepath.Join(dir, "package.json"), []byte("edited"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := m.Scaffold("env-1", files); err != nil {
		t.Fatalf("rescaffold: %v", err)
	}
	data, _ = os.ReadFile(filepath.Join(dir, "package.json"))
	if string(data) != "edited" {
		t.Fatalf("scaffold must not overwrite existing files, got %q", data)
	}

	if err := m.Purge("env-1"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("expected directory removed, got %v", err)
	}
	if err := m.Purge("env-1"); err != nil {
		t.Fatalf("purge of missing directory: %v", err)
	}
}

func TestRejectsEscapes(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for _, id := range []string{"..", "../other", "a/b", "."} {
		if _, err := m.Path(id); !errors.Is(err, ErrOutsideRoot) {
			t.Fatalf("expected ErrOutsideRoot for %q, got %v", id, err)
		}
	}
	if err := m.Cleanup("/etc"); !errors.Is(err, ErrOutsideRoot) {
		t.Fatalf("expected ErrOutsideRoot, got %v", err)
	}
	if err := m.Scaffold("env", map[string]string{"../escape": "x"}); !errors.Is(err, ErrOutsideRoot) {
		t.Fatalf("expected ErrOutsideRoot for scaffold escape, got %v", err)
	}
	if _, err := m.Path(""); err == nil {
		t.Fatalf("expected error for empty id")
	}
}
