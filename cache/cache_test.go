package cache

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/modulehost/framework/state"
)

func buildJar(t *testing.T, dir, name string, headers map[string]string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("META-INF/MANIFEST.MF")
	if err != nil {
		t.Fatalf("create manifest entry: %v", err)
	}
	for k, v := range headers {
		if _, err := w.Write([]byte(k + ": " + v + "\n")); err != nil {
			t.Fatalf("write manifest: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write jar: %v", err)
	}
	return path
}

func TestOpenCreatesRootAndStartsIDsAtOne(t *testing.T) {
	root := filepath.Join(t.TempDir(), "cache")
	c, err := Open(root, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := os.Stat(root); err != nil {
		t.Fatalf("expected root to be created: %v", err)
	}
	id, err := c.NextID()
	if err != nil {
		t.Fatalf("next id: %v", err)
	}
	if id != 1 {
		t.Errorf("expected first allocated id to be 1, got %d", id)
	}
	id2, err := c.NextID()
	if err != nil {
		t.Fatalf("next id: %v", err)
	}
	if id2 != 2 {
		t.Errorf("expected second allocated id to be 2, got %d", id2)
	}
}

func TestNextIDSurvivesReopen(t *testing.T) {
	root := t.TempDir()
	c, err := Open(root, 4096)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := c.NextID(); err != nil {
		t.Fatalf("next id: %v", err)
	}
	if _, err := c.NextID(); err != nil {
		t.Fatalf("next id: %v", err)
	}

	c2, err := Open(root, 4096)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	id, err := c2.NextID()
	if err != nil {
		t.Fatalf("next id after reopen: %v", err)
	}
	if id != 3 {
		t.Errorf("expected next-id to have persisted across reopen, got %d", id)
	}
}

func TestCreateAndGetArchive(t *testing.T) {
	dir := t.TempDir()
	loc := buildJar(t, dir, "b.jar", map[string]string{"Bundle-SymbolicName": "b"})

	c, err := Open(filepath.Join(dir, "cache"), 4096)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	a, err := c.Create(1, loc, nil)
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}
	if a.ID() != 1 {
		t.Errorf("expected archive id 1, got %d", a.ID())
	}
	if a.CurrentRevision() == nil {
		t.Fatal("expected an initial revision to be materialized")
	}

	got, ok := c.Get(1)
	if !ok || got != a {
		t.Fatal("expected Get to return the same archive instance")
	}

	if _, err := c.Create(1, loc, nil); err == nil {
		t.Error("expected creating a duplicate archive id to fail")
	}
}

func TestGetArchivesListsAllTracked(t *testing.T) {
	dir := t.TempDir()
	loc1 := buildJar(t, dir, "b1.jar", nil)
	loc2 := buildJar(t, dir, "b2.jar", nil)

	c, err := Open(filepath.Join(dir, "cache"), 4096)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	if _, err := c.Create(1, loc1, nil); err != nil {
		t.Fatalf("create 1: %v", err)
	}
	if _, err := c.Create(2, loc2, nil); err != nil {
		t.Fatalf("create 2: %v", err)
	}

	if got := len(c.GetArchives()); got != 2 {
		t.Errorf("expected 2 archives, got %d", got)
	}
}

func TestRemoveDeletesArchiveAndDirectory(t *testing.T) {
	dir := t.TempDir()
	loc := buildJar(t, dir, "b.jar", nil)

	c, err := Open(filepath.Join(dir, "cache"), 4096)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	a, err := c.Create(1, loc, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := c.Remove(a); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := c.Get(1); ok {
		t.Error("expected archive to no longer be tracked after Remove")
	}
}

func TestFlushClearsEverythingAndResetsIDs(t *testing.T) {
	dir := t.TempDir()
	loc := buildJar(t, dir, "b.jar", nil)

	root := filepath.Join(dir, "cache")
	c, err := Open(root, 4096)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	if _, err := c.Create(1, loc, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := c.NextID(); err != nil {
		t.Fatalf("next id: %v", err)
	}

	if err := c.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if got := len(c.GetArchives()); got != 0 {
		t.Errorf("expected no archives after flush, got %d", got)
	}
	id, err := c.NextID()
	if err != nil {
		t.Fatalf("next id after flush: %v", err)
	}
	if id != 1 {
		t.Errorf("expected next-id to reset to 1 after flush, got %d", id)
	}
}

func TestLoadArchivesReconstructsFromDisk(t *testing.T) {
	dir := t.TempDir()
	loc := buildJar(t, dir, "b.jar", map[string]string{"Bundle-SymbolicName": "b"})

	root := filepath.Join(dir, "cache")
	c, err := Open(root, 4096)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	a, err := c.Create(1, loc, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := a.SetPersistentState(state.Active); err != nil {
		t.Fatalf("set persistent state: %v", err)
	}
	if err := a.SetStartLevel(3); err != nil {
		t.Fatalf("set start level: %v", err)
	}

	c2, err := Open(root, 4096)
	if err != nil {
		t.Fatalf("reopen cache: %v", err)
	}
	reloaded, ok := c2.Get(1)
	if !ok {
		t.Fatal("expected archive 1 to be reconstructed on reopen")
	}
	if reloaded.PersistentState() != state.Active {
		t.Errorf("expected persistent state active, got %v", reloaded.PersistentState())
	}
	if reloaded.StartLevel() != 3 {
		t.Errorf("expected start level 3, got %d", reloaded.StartLevel())
	}
	if reloaded.CurrentRevision() == nil {
		t.Error("expected the revision to be reopened from disk")
	}
}

func TestLoadArchivesSkipsUnrecognizedDirectoryNames(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "bundleNaN"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	c, err := Open(root, 4096)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got := len(c.GetArchives()); got != 0 {
		t.Errorf("expected unrecognized dir to be skipped, got %d archives", got)
	}
}
