package refresh

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/modulehost/framework/bundleinfo"
	"github.com/modulehost/framework/cache"
	"github.com/modulehost/framework/config"
	"github.com/modulehost/framework/events"
	"github.com/modulehost/framework/lifecycle"
	"github.com/modulehost/framework/lock"
	"github.com/modulehost/framework/module"
	"github.com/modulehost/framework/resolver"
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

type harness struct {
	lc    *lifecycle.Engine
	rf    *Engine
	locks *lock.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	c, err := cache.Open(t.TempDir(), 4096)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	graph := module.NewGraph()
	locks := lock.New()
	broadcaster := events.NewBroadcaster(64)
	cfg := config.Default()

	lc := lifecycle.New(c, graph, locks, broadcaster, cfg, lifecycle.Options{})
	lc.SetResolver(resolver.NewSimpleResolver(lc))

	rf := New(lc, locks)
	lc.SetRefreshHook(func(targets []*bundleinfo.Info, owner interface{}) {
		_ = rf.RefreshLocked(targets, owner)
	})

	return &harness{lc: lc, rf: rf, locks: locks}
}

func TestRefreshPurgesOldRevisionsToSingleModule(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()

	loc := buildJar(t, dir, "b.jar", map[string]string{
		"Bundle-SymbolicName": "b",
		"Bundle-Version":      "1.0.0",
	})
	info, err := h.lc.Install(loc, nil)
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := h.lc.Start(info, true); err != nil {
		t.Fatalf("start: %v", err)
	}

	loc2 := buildJar(t, dir, "b2.jar", map[string]string{
		"Bundle-SymbolicName": "b",
		"Bundle-Version":      "2.0.0",
	})
	f, err := os.Open(loc2)
	if err != nil {
		t.Fatalf("open updated jar: %v", err)
	}
	defer f.Close()
	if err := h.lc.Update(info, f); err != nil {
		t.Fatalf("update: %v", err)
	}

	before := info.Archive().RefreshCount()

	if err := h.rf.Refresh([]*bundleinfo.Info{info}); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if got := len(info.Modules()); got != 1 {
		t.Fatalf("expected exactly 1 tracked module after refresh, got %d", got)
	}
	if info.Archive().RefreshCount() <= before {
		t.Fatalf("expected refresh_count to strictly increase, before=%d after=%d", before, info.Archive().RefreshCount())
	}
	if info.Lifecycle() != state.LifecycleActive {
		t.Fatalf("expected bundle to be restarted ACTIVE after refresh, got %s", info.Lifecycle())
	}
}

func TestRefreshOnUninstallRemovesArchiveDirectory(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()

	loc := buildJar(t, dir, "b.jar", map[string]string{
		"Bundle-SymbolicName": "b",
		"Bundle-Version":      "1.0.0",
	})
	info, err := h.lc.Install(loc, nil)
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	archiveRoot := info.Archive().OriginalLocation()
	_ = archiveRoot

	if err := h.lc.Uninstall(info); err != nil {
		t.Fatalf("uninstall: %v", err)
	}

	if got := len(h.lc.UninstalledBundles()); got != 0 {
		t.Fatalf("expected the immediate single-bundle refresh hook to have already processed the uninstall, got %d still pending", got)
	}
	if h.lc.GetBundle(info.Bundle().ID) != nil {
		t.Fatal("expected bundle to be forgotten from the installed map after refresh garbage-collects it")
	}
	if _, ok := h.lc.Cache().Get(info.Bundle().ID); ok {
		t.Fatal("expected the archive to be removed from the cache after refresh garbage-collects it")
	}
}

func TestRefreshWithNilTargetsIsNoopWhenNothingIsDirty(t *testing.T) {
	h := newHarness(t)
	if err := h.rf.Refresh(nil); err != nil {
		t.Fatalf("refresh with no dirty bundles: %v", err)
	}
}
