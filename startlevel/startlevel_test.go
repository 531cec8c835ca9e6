package startlevel

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

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

func newHarness(t *testing.T) (*lifecycle.Engine, *Controller) {
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

	sl := New(lc, 1)
	sl.Start()
	t.Cleanup(sl.Stop)
	return lc, sl
}

func TestSetFrameworkStartLevelStartsAndStopsByLevel(t *testing.T) {
	lc, sl := newHarness(t)
	dir := t.TempDir()

	loc := buildJar(t, dir, "b.jar", map[string]string{
		"Bundle-SymbolicName": "b",
		"Bundle-Version":      "1.0.0",
	})
	info, err := lc.Install(loc, nil)
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := info.SetStartLevel(5); err != nil {
		t.Fatalf("set bundle start level: %v", err)
	}
	if err := info.SetPersistentState(state.Active); err != nil {
		t.Fatalf("set persistent state: %v", err)
	}

	if err := sl.SetFrameworkStartLevel(10); err != nil {
		t.Fatalf("raise framework level: %v", err)
	}
	if info.Lifecycle() != state.LifecycleActive {
		t.Fatalf("expected bundle started once framework level reaches its own, got %s", info.Lifecycle())
	}

	if err := sl.SetFrameworkStartLevel(3); err != nil {
		t.Fatalf("lower framework level: %v", err)
	}
	if info.Lifecycle() == state.LifecycleActive {
		t.Fatalf("expected bundle stopped once framework level drops below its own, got %s", info.Lifecycle())
	}
}

func TestSetFrameworkStartLevelRejectsNonPositive(t *testing.T) {
	_, sl := newHarness(t)
	if err := sl.SetFrameworkStartLevel(0); err == nil {
		t.Fatal("expected error for framework level < 1")
	}
}

func TestSetBundleStartLevelRejectsNonPositive(t *testing.T) {
	lc, sl := newHarness(t)
	dir := t.TempDir()
	loc := buildJar(t, dir, "b.jar", map[string]string{
		"Bundle-SymbolicName": "b",
		"Bundle-Version":      "1.0.0",
	})
	info, err := lc.Install(loc, nil)
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := sl.SetBundleStartLevel(info, 0); err == nil {
		t.Fatal("expected error for bundle start level < 1")
	}
}

func TestSetStartLevelAndWaitReturnsOnceLevelZeroReached(t *testing.T) {
	_, sl := newHarness(t)
	err := sl.SetStartLevelAndWait(0, time.Second)
	if err != nil {
		t.Fatalf("wait for level 0: %v", err)
	}
}

func TestSetStartLevelAndWaitRejectsNegativeTimeout(t *testing.T) {
	_, sl := newHarness(t)
	if err := sl.SetStartLevelAndWait(0, -time.Second); err == nil {
		t.Fatal("expected error for negative timeout")
	}
}
