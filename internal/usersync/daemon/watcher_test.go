package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewCatalogWatcher(t *testing.T) {
	cw, err := NewCatalogWatcher()
	if err != nil {
		t.Fatalf("NewCatalogWatcher() failed: %v", err)
	}
	defer cw.Stop()

	if cw.IsRunning() {
		t.Error("Newly created watcher should not be running")
	}
}

func TestCatalogWatcher_StartStop(t *testing.T) {
	cw, err := NewCatalogWatcher()
	if err != nil {
		t.Fatalf("NewCatalogWatcher() failed: %v", err)
	}

	if err := cw.Start(t.TempDir()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if !cw.IsRunning() {
		t.Error("Watcher should be running after Start()")
	}

	if err := cw.Start(t.TempDir()); err == nil {
		t.Error("Second Start() should fail when watcher is already running")
	}

	if err := cw.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if cw.IsRunning() {
		t.Error("Watcher should not be running after Stop()")
	}

	// Stop is idempotent and a stopped watcher cannot restart
	if err := cw.Stop(); err != nil {
		t.Errorf("second Stop() failed: %v", err)
	}
	if err := cw.Start(t.TempDir()); err == nil {
		t.Error("Start() after Stop() should fail")
	}
}

func TestCatalogWatcher_MissingDir(t *testing.T) {
	cw, err := NewCatalogWatcher()
	if err != nil {
		t.Fatalf("NewCatalogWatcher() failed: %v", err)
	}
	defer cw.Stop()

	if err := cw.Start(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("Start() should fail for a missing directory")
	}
}

func nextEvent(t *testing.T, cw *CatalogWatcher) FileEvent {
	t.Helper()
	select {
	case event := <-cw.Events():
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for catalog event")
		return FileEvent{}
	}
}

func TestCatalogWatcher_SessionFileLifecycle(t *testing.T) {
	dir := t.TempDir()

	cw, err := NewCatalogWatcher()
	if err != nil {
		t.Fatalf("NewCatalogWatcher() failed: %v", err)
	}
	defer cw.Stop()

	if err := cw.Start(dir); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	path := filepath.Join(dir, "wwdc2021-100.json")
	if err := os.WriteFile(path, []byte(`{"id":"wwdc2021-100","title":"Keynote"}`), 0644); err != nil {
		t.Fatal(err)
	}

	event := nextEvent(t, cw)
	if event.Op != OpCreate {
		t.Errorf("Expected OpCreate, got %v", event.Op)
	}
	if filepath.Base(event.Path) != "wwdc2021-100.json" {
		t.Errorf("Expected wwdc2021-100.json, got %s", filepath.Base(event.Path))
	}
	if !filepath.IsAbs(event.Path) {
		t.Errorf("Expected an absolute path, got %s", event.Path)
	}

	// Writes may arrive as one or more modify events after the create
	for len(cw.Events()) > 0 {
		<-cw.Events()
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	for {
		event := nextEvent(t, cw)
		if event.Op == OpDelete {
			break
		}
	}
}

func TestCatalogWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()

	cw, err := NewCatalogWatcher()
	if err != nil {
		t.Fatalf("NewCatalogWatcher() failed: %v", err)
	}
	defer cw.Stop()

	if err := cw.Start(dir); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("notes"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "catalog.yaml"), []byte("- id: a\n  title: A\n"), 0644); err != nil {
		t.Fatal(err)
	}

	event := nextEvent(t, cw)
	if filepath.Base(event.Path) != "catalog.yaml" {
		t.Errorf("Expected catalog.yaml, got %s", filepath.Base(event.Path))
	}
}

func TestEventOp_String(t *testing.T) {
	tests := []struct {
		op   EventOp
		want string
	}{
		{OpCreate, "create"},
		{OpModify, "modify"},
		{OpDelete, "delete"},
		{EventOp(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.op.String(); got != tt.want {
			t.Errorf("EventOp(%d).String() = %q, want %q", tt.op, got, tt.want)
		}
	}
}
