package cache

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReviseAppendsRevisionKeepingThePrior(t *testing.T) {
	dir := t.TempDir()
	loc1 := buildJar(t, dir, "v1.jar", map[string]string{"Bundle-Version": "1.0"})
	loc2 := buildJar(t, dir, "v2.jar", map[string]string{"Bundle-Version": "2.0"})

	c, err := Open(filepath.Join(dir, "cache"), 4096)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	a, err := c.Create(1, loc1, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if a.RevisionCount() != 1 {
		t.Fatalf("expected 1 revision after create, got %d", a.RevisionCount())
	}

	if _, err := a.Revise(loc2, nil); err != nil {
		t.Fatalf("revise: %v", err)
	}
	if a.RevisionCount() != 2 {
		t.Fatalf("expected 2 revisions after revise, got %d", a.RevisionCount())
	}

	headers, err := a.CurrentRevision().Headers()
	if err != nil {
		t.Fatalf("headers: %v", err)
	}
	if headers["Bundle-Version"] != "2.0" {
		t.Errorf("expected current revision to be the new one, got %q", headers["Bundle-Version"])
	}

	old := a.Revision(0)
	if old == nil {
		t.Fatal("expected the old revision to still be reachable")
	}
	oldHeaders, err := old.Headers()
	if err != nil {
		t.Fatalf("old headers: %v", err)
	}
	if oldHeaders["Bundle-Version"] != "1.0" {
		t.Errorf("expected old revision to remain 1.0, got %q", oldHeaders["Bundle-Version"])
	}
}

func TestRollbackReviseRemovesTheNewestRevision(t *testing.T) {
	dir := t.TempDir()
	loc1 := buildJar(t, dir, "v1.jar", nil)
	loc2 := buildJar(t, dir, "v2.jar", nil)

	c, err := Open(filepath.Join(dir, "cache"), 4096)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	a, err := c.Create(1, loc1, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := a.Revise(loc2, nil); err != nil {
		t.Fatalf("revise: %v", err)
	}

	ok, err := a.RollbackRevise()
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if !ok {
		t.Fatal("expected rollback to succeed with 2 revisions present")
	}
	if a.RevisionCount() != 1 {
		t.Fatalf("expected 1 revision remaining, got %d", a.RevisionCount())
	}
}

func TestRollbackReviseFailsWithOnlyOneRevision(t *testing.T) {
	dir := t.TempDir()
	loc := buildJar(t, dir, "v1.jar", nil)

	c, err := Open(filepath.Join(dir, "cache"), 4096)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	a, err := c.Create(1, loc, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ok, err := a.RollbackRevise()
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if ok {
		t.Fatal("expected rollback to refuse to remove a bundle's only revision")
	}
	if a.RevisionCount() != 1 {
		t.Fatalf("expected the sole revision to survive, got %d", a.RevisionCount())
	}
}

func TestPurgeDropsOldRevisionsAndBumpsRefreshCount(t *testing.T) {
	dir := t.TempDir()
	loc1 := buildJar(t, dir, "v1.jar", map[string]string{"Bundle-Version": "1.0"})
	loc2 := buildJar(t, dir, "v2.jar", map[string]string{"Bundle-Version": "2.0"})

	c, err := Open(filepath.Join(dir, "cache"), 4096)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	a, err := c.Create(1, loc1, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := a.Revise(loc2, nil); err != nil {
		t.Fatalf("revise: %v", err)
	}
	if a.RefreshCount() != 0 {
		t.Fatalf("expected refresh count 0 before purge, got %d", a.RefreshCount())
	}

	if err := a.Purge(); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if a.RevisionCount() != 1 {
		t.Fatalf("expected exactly 1 revision after purge, got %d", a.RevisionCount())
	}
	if a.RefreshCount() != 1 {
		t.Fatalf("expected refresh count to be bumped to 1, got %d", a.RefreshCount())
	}
	headers, err := a.CurrentRevision().Headers()
	if err != nil {
		t.Fatalf("headers: %v", err)
	}
	if headers["Bundle-Version"] != "2.0" {
		t.Errorf("expected the surviving revision to be the newest, got %q", headers["Bundle-Version"])
	}
}

func TestDataFileCreatesPrivateDataDirectory(t *testing.T) {
	dir := t.TempDir()
	loc := buildJar(t, dir, "v1.jar", nil)

	c, err := Open(filepath.Join(dir, "cache"), 4096)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	a, err := c.Create(1, loc, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	path, err := a.DataFile("state/counter.txt")
	if err != nil {
		t.Fatalf("data file: %v", err)
	}
	if !strings.HasSuffix(path, filepath.Join("data", "state", "counter.txt")) {
		t.Errorf("expected path under the archive's data dir, got %q", path)
	}
	if err := os.WriteFile(path, []byte("1"), 0o644); err != nil {
		t.Fatalf("write data file: %v", err)
	}
}

func TestLoadInfoFallsBackToLegacyOneFilePerFieldLayout(t *testing.T) {
	dir := t.TempDir()
	loc := buildJar(t, dir, "v1.jar", nil)

	root := filepath.Join(dir, "cache")
	c, err := Open(root, 4096)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	a, err := c.Create(1, loc, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	archiveDir := a.root

	// Remove the consolidated info file and write the legacy layout in its
	// place, the way an archive created by an older version of the cache
	// would look on disk.
	if err := os.Remove(filepath.Join(archiveDir, infoFileName)); err != nil {
		t.Fatalf("remove bundle.info: %v", err)
	}
	if err := os.WriteFile(filepath.Join(archiveDir, "bundle.location"), []byte(loc), 0o644); err != nil {
		t.Fatalf("write bundle.location: %v", err)
	}
	if err := os.WriteFile(filepath.Join(archiveDir, "bundle.state"), []byte("active"), 0o644); err != nil {
		t.Fatalf("write bundle.state: %v", err)
	}
	if err := os.WriteFile(filepath.Join(archiveDir, "bundle.startlevel"), []byte("4"), 0o644); err != nil {
		t.Fatalf("write bundle.startlevel: %v", err)
	}

	c2, err := Open(root, 4096)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	reloaded, ok := c2.Get(1)
	if !ok {
		t.Fatal("expected archive to still load via legacy fallback")
	}
	if reloaded.PersistentState() != "active" {
		t.Errorf("expected legacy state 'active', got %v", reloaded.PersistentState())
	}
	if reloaded.StartLevel() != 4 {
		t.Errorf("expected legacy start level 4, got %d", reloaded.StartLevel())
	}
}
