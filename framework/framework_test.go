package framework

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/modulehost/framework/config"
	"github.com/modulehost/framework/state"
)

func buildJar(t *testing.T, dir, name string, headers map[string]string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("META-INF/MANIFEST.MF")
	require.NoError(t, err)
	for k, v := range headers {
		_, err := w.Write([]byte(k + ": " + v + "\n"))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func newTestFramework(t *testing.T) *Framework {
	t.Helper()
	cfg := config.Default()
	cfg.Cache.Dir = t.TempDir()
	f := New(cfg, Options{})
	require.NoError(t, f.Init())
	t.Cleanup(func() { f.Stop(context.Background()) })
	return f
}

func TestInstallStartStopRoundTrip(t *testing.T) {
	f := newTestFramework(t)
	require.NoError(t, f.Start(context.Background()))

	dir := t.TempDir()
	loc := buildJar(t, dir, "b.jar", map[string]string{
		"Bundle-SymbolicName": "b",
		"Bundle-Version":      "1.0.0",
	})
	info, err := f.Install(loc, nil)
	require.NoError(t, err)
	require.NoError(t, f.StartBundle(info))
	require.Equal(t, state.LifecycleActive, info.Lifecycle())

	require.NoError(t, f.StopBundle(info))
	require.Equal(t, state.LifecycleResolved, info.Lifecycle())
}

func TestFrameworkStartLevelBringsActiveBundleUp(t *testing.T) {
	f := newTestFramework(t)
	require.NoError(t, f.Start(context.Background()))

	dir := t.TempDir()
	loc := buildJar(t, dir, "b.jar", map[string]string{
		"Bundle-SymbolicName": "b",
		"Bundle-Version":      "1.0.0",
	})
	info, err := f.Install(loc, nil)
	require.NoError(t, err)
	require.NoError(t, f.SetBundleStartLevel(info, 5))
	require.NoError(t, info.SetPersistentState(state.Active))

	require.NoError(t, f.SetFrameworkStartLevel(10))
	require.Equal(t, state.LifecycleActive, info.Lifecycle())

	require.NoError(t, f.SetFrameworkStartLevel(3))
	require.NotEqual(t, state.LifecycleActive, info.Lifecycle())
}

func TestWaitForStopReturnsAfterStop(t *testing.T) {
	f := newTestFramework(t)
	require.NoError(t, f.Start(context.Background()))

	f.Stop(context.Background())
	require.NoError(t, f.WaitForStop(5*time.Second))
}

func TestWaitForStopRejectsNegativeTimeout(t *testing.T) {
	f := newTestFramework(t)
	require.NoError(t, f.Start(context.Background()))
	require.Error(t, f.WaitForStop(-time.Second))
}

func TestExportingAndImportingBundlesAreDiscoverable(t *testing.T) {
	f := newTestFramework(t)
	require.NoError(t, f.Start(context.Background()))
	dir := t.TempDir()

	exporterLoc := buildJar(t, dir, "exporter.jar", map[string]string{
		"Bundle-SymbolicName": "exporter",
		"Bundle-Version":      "1.0.0",
		"Export-Package":      "p;version=1.0.0",
	})
	exporter, err := f.Install(exporterLoc, nil)
	require.NoError(t, err)
	require.NoError(t, f.StartBundle(exporter))

	importerLoc := buildJar(t, dir, "importer.jar", map[string]string{
		"Bundle-SymbolicName": "importer",
		"Bundle-Version":      "1.0.0",
		"Import-Package":      "p",
	})
	importer, err := f.Install(importerLoc, nil)
	require.NoError(t, err)
	require.NoError(t, f.StartBundle(importer))

	exported := f.GetExportedPackages("p", nil)
	require.Len(t, exported, 1)

	importers := f.GetImportingBundles(exported[0])
	require.Len(t, importers, 1)
	require.Equal(t, importer.Bundle().ID, importers[0].Bundle().ID)
}

func TestRestoreArchiveSurvivesAcrossFrameworkInstances(t *testing.T) {
	cacheDir := t.TempDir()
	bundleDir := t.TempDir()

	cfg1 := config.Default()
	cfg1.Cache.Dir = cacheDir
	f1 := New(cfg1, Options{})
	require.NoError(t, f1.Init())

	loc := buildJar(t, bundleDir, "b.jar", map[string]string{
		"Bundle-SymbolicName": "b",
		"Bundle-Version":      "1.0.0",
	})
	info, err := f1.Install(loc, nil)
	require.NoError(t, err)
	require.NoError(t, info.SetPersistentState(state.Active))

	cfg2 := config.Default()
	cfg2.Cache.Dir = cacheDir
	f2 := New(cfg2, Options{})
	require.NoError(t, f2.Init())

	restored := f2.GetBundle(info.Bundle().ID)
	require.NotNil(t, restored)
	require.Equal(t, state.Active, restored.PersistentState())

	require.NoError(t, f2.Start(context.Background()))
	require.Equal(t, state.LifecycleActive, restored.Lifecycle())
	f2.Stop(context.Background())
	require.NoError(t, f2.WaitForStop(5*time.Second))
}
