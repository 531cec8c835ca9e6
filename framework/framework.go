// Package framework wires cache/lock/lifecycle/refresh/startlevel into the
// top-level Framework type and programmatic surface described in spec §6,
// grounded on the teacher's top-level plugin Manager that owns a mutex-
// guarded map of named plugins and exposes Start/Stop/Reconfigure over all
// of them at once.
package framework

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/modulehost/framework/bundleinfo"
	"github.com/modulehost/framework/cache"
	"github.com/modulehost/framework/config"
	"github.com/modulehost/framework/errs"
	"github.com/modulehost/framework/events"
	"github.com/modulehost/framework/lifecycle"
	"github.com/modulehost/framework/lock"
	"github.com/modulehost/framework/log"
	"github.com/modulehost/framework/module"
	"github.com/modulehost/framework/refresh"
	"github.com/modulehost/framework/resolver"
	"github.com/modulehost/framework/startlevel"
)

// Options configures a Framework at construction, before Init is called.
type Options struct {
	Resolver           resolver.Resolver // default: resolver.SimpleResolver wired to the lifecycle engine
	ManifestParser     resolver.ManifestParser
	ServiceRegistry    resolver.ServiceRegistry
	Permissions        lifecycle.PermissionProvider
	ActivatorFactories map[string]lifecycle.ActivatorFactory
}

// Framework is the top-level container (spec §6 "Programmatic surface").
type Framework struct {
	cfg  *config.Config
	opts Options

	cache       *cache.Cache
	graph       *module.Graph
	locks       *lock.Manager
	broadcaster *events.Broadcaster
	lifecycle   *lifecycle.Engine
	refresh     *refresh.Engine
	startlevel  *startlevel.Controller

	systemActivators []bundleinfo.Activator
	systemCtx        *bundleinfo.Context

	registryID int64 // 0 when not registered

	initMu      sync.Mutex
	initialized bool

	stopMu      sync.Mutex
	stopping    bool
	stopGate    chan struct{}
	stopGateOne sync.Once
}

// New constructs a Framework from cfg. No I/O happens until Init.
func New(cfg *config.Config, opts Options) *Framework {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Framework{
		cfg:      cfg,
		opts:     opts,
		stopGate: make(chan struct{}),
	}
}

// resolveCacheDir implements spec §6 Files "cache root/profile resolution":
// an explicit profiledir wins outright; otherwise a profile name is
// appended as a subdirectory of the base cache dir, following the
// teacher's storage-path convention of one root per logical deployment
// plus a named sub-path per environment/profile.
func resolveCacheDir(cfg *config.Config) string {
	base := cfg.Cache.Dir
	if base == "" {
		base = "./framework-cache"
	}
	if cfg.Cache.ProfileDir != "" {
		return cfg.Cache.ProfileDir
	}
	if cfg.Cache.Profile != "" {
		return filepath.Join(base, cfg.Cache.Profile)
	}
	return base
}

// Init implements spec §6 `init()`: opens the on-disk cache (flushing it
// first if `framework.storage.clean` is `onFirstInit` and this is the
// first time this cache root has been initialized), wires the lifecycle,
// refresh, and start-level engines together, and restores any bundles
// persisted by a prior process.
func (f *Framework) Init() error {
	f.initMu.Lock()
	defer f.initMu.Unlock()
	if f.initialized {
		return nil
	}

	if err := log.Configure(f.cfg.Log.Level); err != nil {
		log.Global().Warnf("framework: configure log level: %v", err)
	}

	dir := resolveCacheDir(f.cfg)
	firstInit := !markerExists(dir)

	c, err := cache.Open(dir, f.cfg.Cache.BufSize)
	if err != nil {
		return err
	}
	if firstInit && f.cfg.Framework.StorageClean == config.StorageCleanOnFirstInit {
		if err := c.Flush(); err != nil {
			return err
		}
	}
	if err := writeMarker(dir); err != nil {
		log.Global().Warnf("framework: write init marker: %v", err)
	}

	f.cache = c
	f.graph = module.NewGraph()
	f.locks = lock.New()
	f.broadcaster = events.NewBroadcaster(256)

	f.lifecycle = lifecycle.New(f.cache, f.graph, f.locks, f.broadcaster, f.cfg, lifecycle.Options{
		Resolver:        f.opts.Resolver,
		ManifestParser:  f.opts.ManifestParser,
		ServiceRegistry: f.opts.ServiceRegistry,
		Permissions:     f.opts.Permissions,
	})
	if f.opts.Resolver == nil {
		f.lifecycle.SetResolver(resolver.NewSimpleResolver(f.lifecycle))
	}
	for name, factory := range f.opts.ActivatorFactories {
		f.lifecycle.RegisterActivatorFactory(name, factory)
	}

	f.refresh = refresh.New(f.lifecycle, f.locks)
	f.lifecycle.SetRefreshHook(func(targets []*bundleinfo.Info, owner interface{}) {
		if err := f.refresh.RefreshLocked(targets, owner); err != nil {
			f.broadcaster.EmitFramework(events.FrameworkEvent{Kind: events.FrameworkError, Error: err, Time: time.Now()})
		}
	})

	f.startlevel = startlevel.New(f.lifecycle, f.cfg.StartLevel.Framework)

	for _, archive := range f.cache.GetArchives() {
		if _, err := f.lifecycle.RestoreArchive(archive); err != nil {
			log.Global().Warnf("framework: restore archive %d: %v", archive.ID(), err)
		}
	}

	if f.cfg.Framework.ServiceURLHandlers {
		f.registryID = DefaultRegistry.Register(f)
	}

	for _, name := range f.cfg.SystemBundle.Activators {
		factory, ok := f.opts.ActivatorFactories[name]
		if !ok {
			log.Global().Warnf("framework: no activator factory registered for system_bundle.activators entry %q", name)
			continue
		}
		f.systemActivators = append(f.systemActivators, factory())
	}

	f.initialized = true
	return nil
}

const initMarkerName = "framework.initialized"

func markerExists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, initMarkerName))
	return err == nil
}

func writeMarker(dir string) error {
	return os.WriteFile(filepath.Join(dir, initMarkerName), []byte("1"), 0o644)
}

// Start implements spec §6 `start()`/`start(options)`: starts the worker
// goroutines, runs any configured system-bundle activators, and raises the
// framework start level to `startlevel.framework`, which brings every
// persistently-active bundle back up (spec §4.6 steps 1-4).
func (f *Framework) Start(ctx context.Context) error {
	if !f.initialized {
		if err := f.Init(); err != nil {
			return err
		}
	}
	f.lifecycle.SetStopping(false)
	f.startlevel.Start()

	f.systemCtx = &bundleinfo.Context{BundleID: 0}
	for _, act := range f.systemActivators {
		if err := act.Start(ctx, f.systemCtx); err != nil {
			return errs.Wrap(errs.BundleFailure, err, "framework: system bundle activator start failed")
		}
	}

	if err := f.startlevel.SetFrameworkStartLevel(f.cfg.StartLevel.Framework); err != nil {
		return err
	}

	f.broadcaster.EmitFramework(events.FrameworkEvent{Kind: events.FrameworkStarted, Time: time.Now()})
	return nil
}

// Stop implements spec §6 `stop()`/`stop(options)`: it runs the shutdown
// sequence on its own goroutine and returns immediately (spec §5
// "shutdown runs on its own worker so the stopping thread returns
// immediately"); WaitForStop blocks until that sequence completes.
func (f *Framework) Stop(ctx context.Context) {
	f.stopMu.Lock()
	if f.stopping {
		f.stopMu.Unlock()
		return
	}
	f.stopping = true
	f.stopMu.Unlock()

	go f.doStop(ctx)
}

func (f *Framework) doStop(ctx context.Context) {
	f.lifecycle.SetStopping(true)

	if err := f.startlevel.SetStartLevelAndWait(0, 0); err != nil {
		f.broadcaster.EmitFramework(events.FrameworkEvent{Kind: events.FrameworkError, Error: err, Time: time.Now()})
	}

	for i := len(f.systemActivators) - 1; i >= 0; i-- {
		if err := f.systemActivators[i].Stop(ctx, f.systemCtx); err != nil {
			f.broadcaster.EmitFramework(events.FrameworkEvent{Kind: events.FrameworkError, Error: err, Time: time.Now()})
		}
	}

	f.startlevel.Stop()
	if f.registryID != 0 {
		DefaultRegistry.Unregister(f.registryID)
		f.registryID = 0
	}
	f.broadcaster.EmitFramework(events.FrameworkEvent{Kind: events.FrameworkStopped, Time: time.Now()})
	f.stopGateOne.Do(func() { close(f.stopGate) })
}

// WaitForStop implements spec §6 `wait_for_stop(timeout)`: blocks until the
// shutdown gate opens or timeout elapses. A negative timeout is an
// ArgumentError (spec §7); zero means wait forever.
func (f *Framework) WaitForStop(timeout time.Duration) error {
	if timeout < 0 {
		return errs.ArgumentErrorf("framework: wait_for_stop timeout must be >= 0, got %v", timeout)
	}
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-f.stopGate:
		return nil
	case <-timer:
		return errs.StateErrorf("framework: timed out waiting for stop")
	}
}

// Install implements spec §6 `install(location, stream?)`.
func (f *Framework) Install(location string, stream io.Reader) (*bundleinfo.Info, error) {
	return f.lifecycle.Install(location, stream)
}

// Update implements spec §6 `update()`/`update(stream)` for one bundle.
func (f *Framework) Update(info *bundleinfo.Info, stream io.Reader) error {
	return f.lifecycle.Update(info, stream)
}

// Uninstall removes a bundle (spec §4.4 Uninstall, exposed per §6's
// surface even though the table names it only implicitly via "update").
func (f *Framework) Uninstall(info *bundleinfo.Info) error {
	return f.lifecycle.Uninstall(info)
}

// StartBundle implements the per-bundle half of spec §6's surface
// (`start`, given a bundle already looked up via GetBundle).
func (f *Framework) StartBundle(info *bundleinfo.Info) error {
	return f.lifecycle.Start(info, true)
}

// StopBundle is StartBundle's counterpart.
func (f *Framework) StopBundle(info *bundleinfo.Info) error {
	return f.lifecycle.Stop(info, true)
}

// GetBundle implements spec §6 `get_bundle(id|location)`. The Java
// original's third lookup form, get_bundle(class), has no Go analogue —
// Go has no notion of "the bundle that loaded this class" — so only the
// id and location forms are provided.
func (f *Framework) GetBundle(id int64) *bundleinfo.Info { return f.lifecycle.GetBundle(id) }

// GetBundleByLocation implements the location form of `get_bundle`.
func (f *Framework) GetBundleByLocation(location string) *bundleinfo.Info {
	return f.lifecycle.GetBundleByLocation(location)
}

// GetBundles implements spec §6 `get_bundles()`.
func (f *Framework) GetBundles() []*bundleinfo.Info { return f.lifecycle.GetBundles() }

// AddBundleListener registers l under name (spec §6 listener register).
func (f *Framework) AddBundleListener(name interface{}, l events.BundleListener) {
	f.broadcaster.AddBundleListener(name, l)
}

// RemoveBundleListener unregisters a previously-added bundle listener.
func (f *Framework) RemoveBundleListener(name interface{}) {
	f.broadcaster.RemoveBundleListener(name)
}

// AddFrameworkListener registers l under name.
func (f *Framework) AddFrameworkListener(name interface{}, l events.FrameworkListener) {
	f.broadcaster.AddFrameworkListener(name, l)
}

// RemoveFrameworkListener unregisters a previously-added framework listener.
func (f *Framework) RemoveFrameworkListener(name interface{}) {
	f.broadcaster.RemoveFrameworkListener(name)
}

// GetExportedPackages implements spec §6 `get_exported_packages(name|bundle)`.
// A non-empty name filters to capabilities matching that package name;
// bundle, if non-nil, restricts the search to that bundle's current
// module.
func (f *Framework) GetExportedPackages(name string, bundle *bundleinfo.Info) []module.Capability {
	var candidates []*module.Module
	if bundle != nil {
		if m := bundle.CurrentModuleObj(); m != nil {
			candidates = []*module.Module{m}
		}
	} else {
		for _, info := range f.lifecycle.GetBundles() {
			if m := info.CurrentModuleObj(); m != nil {
				candidates = append(candidates, m)
			}
		}
	}

	var out []module.Capability
	for _, m := range candidates {
		if m.Definition == nil {
			continue
		}
		for _, cap := range m.Definition.Capabilities {
			if cap.Namespace != "package" {
				continue
			}
			if name != "" && cap.Attributes["name"] != name {
				continue
			}
			out = append(out, cap)
		}
	}
	return out
}

// GetImportingBundles implements spec §6 `get_importing_bundles(export)`:
// every bundle owning a module in the importers list of a current module
// that declares a capability with export's namespace and name.
func (f *Framework) GetImportingBundles(export module.Capability) []*bundleinfo.Info {
	var out []*bundleinfo.Info
	seen := map[int64]bool{}
	for _, info := range f.lifecycle.GetBundles() {
		m := info.CurrentModuleObj()
		if m == nil || m.Definition == nil {
			continue
		}
		for _, cap := range m.Definition.Capabilities {
			if cap.Namespace != export.Namespace || cap.Attributes["name"] != export.Attributes["name"] {
				continue
			}
			for _, depIdx := range f.graph.Importers(m.Index()) {
				dep := f.graph.At(depIdx)
				if dep == nil || seen[dep.BundleID] {
					continue
				}
				if depInfo := f.lifecycle.GetBundle(dep.BundleID); depInfo != nil {
					out = append(out, depInfo)
					seen[dep.BundleID] = true
				}
			}
		}
	}
	return out
}

// ResolveBundles implements spec §6 `resolve_bundles(targets)`: runs
// _resolve on each target, collecting (not aborting on) individual
// failures.
func (f *Framework) ResolveBundles(targets []*bundleinfo.Info) error {
	var firstErr error
	for _, info := range targets {
		if err := f.lifecycle.ResolveBundle(info); err != nil {
			f.broadcaster.EmitFramework(events.FrameworkEvent{Kind: events.FrameworkError, Error: err, Time: time.Now()})
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// RefreshPackages implements spec §6 `refresh_packages(targets)`.
func (f *Framework) RefreshPackages(targets []*bundleinfo.Info) error {
	return f.refresh.Refresh(targets)
}

// GetFrameworkStartLevel returns the live framework start level.
func (f *Framework) GetFrameworkStartLevel() int { return f.startlevel.FrameworkStartLevel() }

// SetFrameworkStartLevel implements spec §4.6/§6 framework-level start-level set.
func (f *Framework) SetFrameworkStartLevel(level int) error {
	return f.startlevel.SetFrameworkStartLevel(level)
}

// SetBundleStartLevel implements spec §4.6/§6 per-bundle start-level set.
func (f *Framework) SetBundleStartLevel(info *bundleinfo.Info, level int) error {
	return f.startlevel.SetBundleStartLevel(info, level)
}

// Broadcaster exposes the shared event broadcaster, e.g. for a CLI tailing
// recent events.
func (f *Framework) Broadcaster() *events.Broadcaster { return f.broadcaster }
