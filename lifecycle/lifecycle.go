// Package lifecycle implements the LifecycleEngine described in spec §4.4:
// install/resolve/start/stop/update/uninstall as a state machine over
// bundleinfo.Info, coordinated through lock.Manager and the external
// resolver/manifest-parser/service-registry contracts.
package lifecycle

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/modulehost/framework/bundleinfo"
	"github.com/modulehost/framework/cache"
	"github.com/modulehost/framework/config"
	"github.com/modulehost/framework/errs"
	"github.com/modulehost/framework/events"
	"github.com/modulehost/framework/log"
	"github.com/modulehost/framework/lock"
	"github.com/modulehost/framework/module"
	"github.com/modulehost/framework/resolver"
	"github.com/modulehost/framework/revision"
	"github.com/modulehost/framework/state"
)

// ActivatorFactory builds a fresh Activator instance for a Bundle-Activator
// header value. Go has no class-loading equivalent to reflectively
// instantiate an activator by name, so callers register factories for the
// activator identifiers their bundles declare (spec Design Notes §9:
// "'Activator' is a capability set" — the lookup-by-name step is therefore
// a registry, not reflection).
type ActivatorFactory func() bundleinfo.Activator

// PermissionProvider verifies package-export permission for a module (spec
// §4.4 Resolve: "If a permission provider is present, verify..."). Nil
// means no provider is wired and the check is skipped.
type PermissionProvider interface {
	CheckExportPermission(def *module.Definition) error
}

// Engine is the LifecycleEngine (spec §4.4).
type Engine struct {
	cache          *cache.Cache
	graph          *module.Graph
	locks          *lock.Manager
	resolverImpl   resolver.Resolver
	manifestParser resolver.ManifestParser
	registry       resolver.ServiceRegistry
	permissions    PermissionProvider
	broadcaster    *events.Broadcaster
	cfg            *config.Config

	activatorFactories map[string]ActivatorFactory

	installedMu sync.RWMutex
	installed   map[int64]*bundleinfo.Info
	byLocation  map[string]*bundleinfo.Info

	uninstalledMu   sync.RWMutex
	uninstalledList []*bundleinfo.Info

	stoppingMu sync.Mutex
	stopping   bool

	systemBundle *bundleinfo.Info

	refreshHook         RefreshHook
	frameworkLevelFunc  func() int
}

// Options configures a new Engine.
type Options struct {
	Resolver        resolver.Resolver
	ManifestParser  resolver.ManifestParser
	ServiceRegistry resolver.ServiceRegistry
	Permissions     PermissionProvider
}

// New constructs a LifecycleEngine sharing cache/graph/locks/events/cfg with
// the rest of the framework. If opts.ManifestParser is nil,
// resolver.DefaultManifestParser is used.
func New(c *cache.Cache, g *module.Graph, l *lock.Manager, b *events.Broadcaster, cfg *config.Config, opts Options) *Engine {
	mp := opts.ManifestParser
	if mp == nil {
		mp = resolver.DefaultManifestParser{}
	}
	e := &Engine{
		cache:              c,
		graph:              g,
		locks:              l,
		resolverImpl:       opts.Resolver,
		manifestParser:     mp,
		registry:           opts.ServiceRegistry,
		permissions:        opts.Permissions,
		broadcaster:        b,
		cfg:                cfg,
		activatorFactories: map[string]ActivatorFactory{},
		installed:          map[int64]*bundleinfo.Info{},
		byLocation:         map[string]*bundleinfo.Info{},
	}
	e.systemBundle = bundleinfo.New(bundleinfo.Bundle{ID: 0, SymbolicName: "system.bundle"}, nil, g)
	e.systemBundle.ForceLifecycle(state.LifecycleActive)
	sysIdx := g.Add(&module.Module{
		BundleID:      0,
		RevisionIndex: 0,
		Definition:    &module.Definition{SymbolicName: "system.bundle"},
	})
	e.systemBundle.AddModule(sysIdx)
	e.installed[0] = e.systemBundle
	return e
}

// SetResolver installs the Resolver after construction, for wiring a
// SimpleResolver whose Listener is the engine itself (a two-phase
// construction, since the resolver needs the engine to exist first).
func (e *Engine) SetResolver(r resolver.Resolver) {
	e.resolverImpl = r
}

// Cache returns the shared bundle cache, for the refresh engine's
// purge-or-remove step.
func (e *Engine) Cache() *cache.Cache { return e.cache }

// Graph returns the shared module graph, for the refresh engine's
// dependency-closure computation.
func (e *Engine) Graph() *module.Graph { return e.graph }

// Broadcaster returns the shared event broadcaster.
func (e *Engine) Broadcaster() *events.Broadcaster { return e.broadcaster }

// Locks returns the shared lock manager, for callers that need a
// non-blocking fast path (lock.Manager.TryLock) rather than the blocking
// Start/Stop/Update entry points above.
func (e *Engine) Locks() *lock.Manager { return e.locks }

// RemoveInstalled drops id from the installed-bundle map and location
// index without running any lifecycle transition, used by refresh's
// garbage-collect step for bundles that were already uninstalled.
func (e *Engine) RemoveInstalled(id int64, location string) {
	e.installedMu.Lock()
	defer e.installedMu.Unlock()
	delete(e.installed, id)
	delete(e.byLocation, location)
}

// ReinitializeModule rebuilds info's sole tracked module from rev, parsed
// through the configured manifest parser, after the refresh engine purges
// every other revision (spec §4.5 step 6 "reinitialize"). It mirrors
// Install's module-creation step rather than leaving the rebuilt module's
// Definition nil, since resolve later dereferences it.
func (e *Engine) ReinitializeModule(info *bundleinfo.Info, rev revision.Revision) error {
	id := info.Bundle().ID
	m, headers, err := e.createModule(id, 0, rev)
	if err != nil {
		return err
	}
	m.Revision = rev
	idx := e.graph.Add(m)
	info.ResetModules(idx)
	info.SetIdentity(m.Definition.SymbolicName, m.Definition.Version, isExtension(headers))
	info.SetProtectionDomain(nil)
	_ = info.SetLifecycle(state.LifecycleInstalled)
	e.broadcaster.EmitBundle(events.BundleEvent{Kind: events.Unresolved, BundleID: id, Time: time.Now()})
	return nil
}

// RestoreArchive rebuilds a bundleinfo.Info and current module for an
// archive the cache already has on disk from a previous process (spec §6
// Files: the cache persists across restarts). It mirrors Install's
// module-creation step but skips cache.Create, since the archive already
// exists; the framework calls this once per archive.GetArchives() entry
// during Init before running the start-level walk that brings persistently
// active bundles back up.
func (e *Engine) RestoreArchive(archive *cache.Archive) (*bundleinfo.Info, error) {
	id := archive.ID()
	location := archive.OriginalLocation()

	info := bundleinfo.New(bundleinfo.Bundle{ID: id, Location: location}, archive, e.graph)

	rev := archive.CurrentRevision()
	if rev == nil {
		return nil, errs.BundleFailuref("lifecycle: archive %d has no current revision to restore", id)
	}

	m, headers, err := e.createModule(id, archive.RevisionCount()-1, rev)
	if err != nil {
		return nil, err
	}
	m.Revision = rev
	idx := e.graph.Add(m)
	info.AddModule(idx)
	info.SetIdentity(m.Definition.SymbolicName, m.Definition.Version, isExtension(headers))

	e.installedMu.Lock()
	e.installed[id] = info
	e.byLocation[location] = info
	e.installedMu.Unlock()

	return info, nil
}

// RegisterActivatorFactory associates name (a Bundle-Activator header
// value) with a factory invoked whenever a bundle declaring that header
// starts.
func (e *Engine) RegisterActivatorFactory(name string, f ActivatorFactory) {
	e.activatorFactories[name] = f
}

// SetStopping marks the framework as shutting down, causing subsequent
// Install calls to fail (spec §4.4 Install step 2).
func (e *Engine) SetStopping(v bool) {
	e.stoppingMu.Lock()
	defer e.stoppingMu.Unlock()
	e.stopping = v
}

func (e *Engine) isStopping() bool {
	e.stoppingMu.Lock()
	defer e.stoppingMu.Unlock()
	return e.stopping
}

func nowMS() int64 { return time.Now().UnixMilli() }

// GetBundle returns the bundle with the given id, or nil.
func (e *Engine) GetBundle(id int64) *bundleinfo.Info {
	e.installedMu.RLock()
	defer e.installedMu.RUnlock()
	return e.installed[id]
}

// GetBundleByLocation returns the bundle installed at location, or nil.
func (e *Engine) GetBundleByLocation(location string) *bundleinfo.Info {
	e.installedMu.RLock()
	defer e.installedMu.RUnlock()
	return e.byLocation[location]
}

// GetBundles returns every currently installed bundle (system bundle
// included), in no particular order.
func (e *Engine) GetBundles() []*bundleinfo.Info {
	e.installedMu.RLock()
	defer e.installedMu.RUnlock()
	out := make([]*bundleinfo.Info, 0, len(e.installed))
	for _, b := range e.installed {
		out = append(out, b)
	}
	return out
}

// UninstalledBundles returns every bundle awaiting refresh garbage
// collection.
func (e *Engine) UninstalledBundles() []*bundleinfo.Info {
	e.uninstalledMu.RLock()
	defer e.uninstalledMu.RUnlock()
	out := make([]*bundleinfo.Info, len(e.uninstalledList))
	copy(out, e.uninstalledList)
	return out
}

// ForgetUninstalled removes info from the uninstalled-bundles list (spec
// §4.5 RefreshEngine step 5: "Forget each refreshed target").
func (e *Engine) ForgetUninstalled(info *bundleinfo.Info) {
	e.uninstalledMu.Lock()
	defer e.uninstalledMu.Unlock()
	id := info.Bundle().ID
	for i, b := range e.uninstalledList {
		if b.Bundle().ID == id {
			e.uninstalledList = append(e.uninstalledList[:i], e.uninstalledList[i+1:]...)
			return
		}
	}
}

const systemBundleHostHeader = "system.bundle"

func isExtension(headers map[string]string) bool {
	return headers["Fragment-Host"] == systemBundleHostHeader
}

// createModule parses rev's headers into a module.Definition, runs the
// symbolic-name uniqueness, execution-environment and native-library
// checks, and returns the resulting Module together with rev's headers
// (spec §4.4 Install step 6). It neither adds the Module to the shared
// graph nor appends it to a bundle's module list; callers do both.
func (e *Engine) createModule(bundleID int64, revIdx int, rev interface {
	Headers() (map[string]string, error)
	NativeLibraries() []string
	HasEntry(name string) bool
}) (*module.Module, map[string]string, error) {
	headers, err := rev.Headers()
	if err != nil {
		return nil, nil, errs.Wrap(errs.BundleFailure, err, "lifecycle: read manifest headers")
	}

	def, err := e.manifestParser.Parse(headers, rev.NativeLibraries())
	if err != nil {
		return nil, nil, errs.Wrap(errs.BundleFailure, err, "lifecycle: parse manifest")
	}

	if err := e.verifyUnique(bundleID, def); err != nil {
		return nil, headers, err
	}
	if err := e.verifyExecutionEnvironment(headers); err != nil {
		return nil, headers, err
	}
	for _, lib := range def.NativeLibraries {
		if !rev.HasEntry(lib) {
			return nil, headers, errs.BundleFailuref("lifecycle: declared native library %q not found in content", lib)
		}
	}

	m := &module.Module{BundleID: bundleID, RevisionIndex: revIdx, Definition: def}
	return m, headers, nil
}

// attachExtension wires extIdx's module as a dependent (Requirer) of the
// system bundle's module, then synchronously rebuilds the system module so
// its capability set reflects the new attachment (spec §4.4 Install step 7:
// "attach its module to the system bundle's module and refresh the system
// module"). The system bundle's module was created in New, so CurrentModule
// is always valid here.
func (e *Engine) attachExtension(extIdx int) {
	sysIdx := e.systemBundle.CurrentModule()
	e.graph.AddDependent(sysIdx, extIdx, module.Requirer)
	e.refreshSystemModule()
}

// refreshSystemModule recomputes the system bundle module's exported
// capabilities as the union of every attached extension's declared
// capabilities. Extensions never resolve through the ordinary
// resolver.Resolve path (resolve is a no-op for them), so this is the only
// place their contribution to the system bundle's capability set is
// realized.
func (e *Engine) refreshSystemModule() {
	sysIdx := e.systemBundle.CurrentModule()
	sysModule := e.graph.At(sysIdx)
	if sysModule == nil || sysModule.Definition == nil {
		return
	}
	var merged []module.Capability
	for _, depIdx := range e.graph.Requirers(sysIdx) {
		ext := e.graph.At(depIdx)
		if ext == nil || ext.Definition == nil {
			continue
		}
		merged = append(merged, ext.Definition.Capabilities...)
	}
	sysModule.Definition.Capabilities = merged
}

// verifyUnique enforces spec §4.4 Install step 6's manifest-v2 uniqueness
// rule: no two installed bundles may share symbolic name + version, except
// the bundle currently being (re)installed as excludeID.
func (e *Engine) verifyUnique(excludeID int64, def *module.Definition) error {
	if def.SymbolicName == "" {
		return nil
	}
	e.installedMu.RLock()
	defer e.installedMu.RUnlock()
	for id, info := range e.installed {
		if id == excludeID {
			continue
		}
		m := info.CurrentModuleObj()
		if m == nil || m.Definition == nil {
			continue
		}
		if m.Definition.SymbolicName == def.SymbolicName && m.Definition.Version == def.Version {
			return errs.BundleFailuref("symbolic name and version are not unique: %s %s", def.SymbolicName, def.Version)
		}
	}
	return nil
}

func (e *Engine) verifyExecutionEnvironment(headers map[string]string) error {
	required := headers["Bundle-RequiredExecutionEnvironment"]
	if strings.TrimSpace(required) == "" {
		return nil
	}
	provided := e.cfg.ExecutionEnvironments()
	if len(provided) == 0 {
		return errs.BundleFailuref("lifecycle: bundle requires an execution environment but framework provides none")
	}
	for _, want := range strings.Split(required, ",") {
		want = strings.TrimSpace(want)
		for _, have := range provided {
			if want == have {
				return nil
			}
		}
	}
	return errs.BundleFailuref("lifecycle: no matching execution environment among %v", provided)
}

// Install implements spec §4.4 Install.
func (e *Engine) Install(location string, stream io.Reader) (*bundleinfo.Info, error) {
	release := e.locks.AcquireInstall(location)
	defer release()

	if e.isStopping() {
		return nil, errs.StateErrorf("lifecycle: framework is stopping")
	}

	if existing := e.GetBundleByLocation(location); existing != nil {
		return existing, nil
	}

	id, err := e.cache.NextID()
	if err != nil {
		return nil, err
	}

	archive, err := e.cache.Create(id, location, stream)
	if err != nil {
		return nil, err
	}

	info := bundleinfo.New(bundleinfo.Bundle{ID: id, Location: location}, archive, e.graph)
	if lvl := e.cfg.StartLevel.Bundle; lvl >= 1 && lvl != info.StartLevel() {
		if err := info.SetStartLevel(lvl); err != nil {
			log.Global().Warnf("lifecycle: apply default bundle start level: %v", err)
		}
	}

	m, headers, err := e.createModule(id, 0, archive.CurrentRevision())
	if err != nil {
		_ = e.cache.Remove(archive)
		return nil, err
	}
	m.Revision = archive.CurrentRevision()
	idx := e.graph.Add(m)
	info.AddModule(idx)

	info.SetIdentity(m.Definition.SymbolicName, m.Definition.Version, isExtension(headers))

	if info.Bundle().IsExtension {
		e.attachExtension(idx)
	}

	if err := info.Touch(nowMS()); err != nil {
		log.Global().Warnf("lifecycle: touch on install: %v", err)
	}

	e.installedMu.Lock()
	e.installed[id] = info
	e.byLocation[location] = info
	e.installedMu.Unlock()

	e.broadcaster.EmitBundle(events.BundleEvent{Kind: events.Installed, BundleID: id, Time: time.Now()})
	return info, nil
}

// resolve implements spec §4.4 "_resolve". owner is the lock token the
// caller already holds info's bundle lock under (spec §5 Ordering (d):
// resolver callbacks run under the target bundle's lock).
func (e *Engine) resolve(info *bundleinfo.Info, owner interface{}) error {
	if info.Bundle().IsExtension {
		return nil
	}

	target := info.CurrentModuleObj()
	if target == nil {
		return errs.BundleFailuref("lifecycle: bundle %d has no current module", info.Bundle().ID)
	}

	if e.permissions != nil {
		if err := e.permissions.CheckExportPermission(target.Definition); err != nil {
			return errs.Wrap(errs.SecurityErr, err, "lifecycle: export permission denied")
		}
	}

	headers, err := info.Headers()
	if err != nil {
		return errs.Wrap(errs.BundleFailure, err, "lifecycle: read headers for resolve")
	}
	if err := e.verifyExecutionEnvironment(headers); err != nil {
		return err
	}

	if e.resolverImpl == nil {
		return errs.BundleFailuref("lifecycle: no resolver configured")
	}

	candidates := e.currentModules()
	wiring, err := e.resolverImpl.Resolve(target, candidates)
	if err != nil {
		return errs.Wrap(errs.BundleFailure, err, "lifecycle: resolve")
	}
	target.Wiring = wiring

	for providerIdx := range wiring.Satisfied {
		kind := module.Importer
		for _, req := range target.Definition.Requirements {
			if req.Namespace == "bundle" {
				kind = module.Requirer
			}
		}
		e.graph.AddDependent(providerIdx, target.Index(), kind)
	}
	return nil
}

// currentModules returns every installed bundle's current module, used as
// the resolver's candidate set.
func (e *Engine) currentModules() []*module.Module {
	e.installedMu.RLock()
	defer e.installedMu.RUnlock()
	out := make([]*module.Module, 0, len(e.installed))
	for _, info := range e.installed {
		if m := info.CurrentModuleObj(); m != nil {
			out = append(out, m)
		}
	}
	return out
}

// Resolved implements resolver.Listener (spec §4.4 "Resolver listener").
// Per spec §4.6, resolver callbacks are processed under the target
// bundle's lock — a precondition the caller establishes, not one Resolved
// enforces itself, since SimpleResolver calls it synchronously from
// within resolve() while that lock is already held by the original
// caller's owner token. Resolved must not attempt to acquire it again.
func (e *Engine) Resolved(m *module.Module) {
	info := e.GetBundle(m.BundleID)
	if info == nil {
		return
	}

	if info.CurrentModule() != m.Index() {
		log.Global().Warnf("lifecycle: resolve notification for stale module %s ignored", m.ID())
		return
	}
	if info.Lifecycle() != state.LifecycleInstalled {
		return
	}
	_ = info.SetLifecycle(state.LifecycleResolved)
	e.broadcaster.EmitBundle(events.BundleEvent{Kind: events.Resolved, BundleID: info.Bundle().ID, Time: time.Now()})
}

// Unresolved implements resolver.Listener. Unresolve notifications are
// ignored per spec §4.4: "refresh resets state directly".
func (e *Engine) Unresolved(*module.Module) {}

// ResolveBundle runs _resolve under the target's bundle lock; exported for
// the refresh engine and framework.ResolveBundles.
func (e *Engine) ResolveBundle(info *bundleinfo.Info) error {
	owner := new(int)
	id := info.Bundle().ID
	e.locks.Lock(id, owner)
	defer e.locks.Unlock(id, owner)
	return e.resolve(info, owner)
}

// Start implements spec §4.4 Start.
func (e *Engine) Start(info *bundleinfo.Info, record bool) error {
	owner := new(int)
	id := info.Bundle().ID
	e.locks.Lock(id, owner)
	defer e.locks.Unlock(id, owner)
	return e.startLocked(info, record, owner)
}

// StartLocked runs the Start transition assuming the caller already holds
// info's bundle lock under owner — used by the refresh engine, which holds
// the whole refresh closure locked under one owner token for the duration
// of its stop/reinitialize/restart sequence (spec §4.3 coordinated
// multi-bundle acquisition) and must not re-lock under a fresh token.
func (e *Engine) StartLocked(info *bundleinfo.Info, record bool, owner interface{}) error {
	return e.startLocked(info, record, owner)
}

func (e *Engine) startLocked(info *bundleinfo.Info, record bool, owner interface{}) error {
	id := info.Bundle().ID
	if info.Bundle().IsExtension {
		return nil
	}
	if record {
		if err := info.SetPersistentState(state.Active); err != nil {
			log.Global().Warnf("lifecycle: persist active state: %v", err)
		}
	}

	frameworkLevel := e.frameworkStartLevel()
	if info.StartLevel() > frameworkLevel {
		if !record {
			return errs.StateErrorf("lifecycle: bundle %d start level %d exceeds framework level %d", id, info.StartLevel(), frameworkLevel)
		}
		return nil
	}

	switch info.Lifecycle() {
	case state.LifecycleUninstalled:
		return errs.StateErrorf("lifecycle: bundle %d is uninstalled", id)
	case state.LifecycleStarting, state.LifecycleStopping:
		return errs.StateErrorf("lifecycle: bundle %d has a lifecycle operation in progress", id)
	case state.LifecycleActive:
		return nil
	case state.LifecycleInstalled:
		if err := e.resolve(info, owner); err != nil {
			return err
		}
		fallthrough
	case state.LifecycleResolved:
		return e.doStart(info, owner)
	}
	return errs.StateErrorf("lifecycle: bundle %d in unrecognized state", id)
}

func (e *Engine) doStart(info *bundleinfo.Info, owner interface{}) error {
	id := info.Bundle().ID
	_ = info.SetLifecycle(state.LifecycleStarting)
	e.broadcaster.EmitBundle(events.BundleEvent{Kind: events.Starting, BundleID: id, Time: time.Now()})

	bctx := &bundleinfo.Context{BundleID: id}
	info.SetBundleContext(bctx)

	headers, _ := info.Headers()
	activatorName := headers["Bundle-Activator"]
	var act bundleinfo.Activator
	if activatorName != "" {
		factory, ok := e.activatorFactories[activatorName]
		if !ok {
			_ = info.SetLifecycle(state.LifecycleResolved)
			info.SetBundleContext(nil)
			return errs.BundleFailuref("lifecycle: no activator factory registered for %q", activatorName)
		}
		act = factory()
	}

	if act != nil {
		info.SetActivator(act)
		if err := act.Start(context.Background(), bctx); err != nil {
			e.failStart(info, id)
			return errs.Wrap(errs.BundleFailure, err, "lifecycle: activator start failed for bundle %d", id)
		}
	}

	_ = info.SetLifecycle(state.LifecycleActive)
	e.broadcaster.EmitBundle(events.BundleEvent{Kind: events.Started, BundleID: id, Time: time.Now()})
	return nil
}

// failStart implements the Start failure-cleanup path: revert state,
// invalidate context, unregister services, remove listeners (spec §4.4
// Start).
func (e *Engine) failStart(info *bundleinfo.Info, id int64) {
	_ = info.SetLifecycle(state.LifecycleResolved)
	info.SetBundleContext(nil)
	info.SetActivator(nil)
	if e.registry != nil {
		e.registry.UnregisterAll(id)
		e.registry.UngetAll(id)
	}
	e.broadcaster.RemoveBundleListener(id)
	e.broadcaster.RemoveFrameworkListener(id)
}

// Stop implements spec §4.4 Stop.
func (e *Engine) Stop(info *bundleinfo.Info, record bool) error {
	owner := new(int)
	id := info.Bundle().ID
	e.locks.Lock(id, owner)
	defer e.locks.Unlock(id, owner)
	return e.doStop(info, record)
}

// StopLocked runs Stop's transition assuming the caller already holds
// info's bundle lock — used by the refresh engine for the same reason as
// StartLocked.
func (e *Engine) StopLocked(info *bundleinfo.Info, record bool) error {
	return e.doStop(info, record)
}

func (e *Engine) doStop(info *bundleinfo.Info, record bool) error {
	id := info.Bundle().ID
	if info.Bundle().IsExtension {
		return nil
	}

	switch info.Lifecycle() {
	case state.LifecycleUninstalled:
		return errs.StateErrorf("lifecycle: bundle %d is uninstalled", id)
	case state.LifecycleStarting, state.LifecycleStopping:
		return errs.StateErrorf("lifecycle: bundle %d has a lifecycle operation in progress", id)
	case state.LifecycleInstalled, state.LifecycleResolved:
		if record {
			_ = info.SetPersistentState(state.Installed)
		}
		return nil
	}

	_ = info.SetLifecycle(state.LifecycleStopping)
	e.broadcaster.EmitBundle(events.BundleEvent{Kind: events.Stopping, BundleID: id, Time: time.Now()})

	var activatorErr error
	if act := info.Activator(); act != nil {
		if err := act.Stop(context.Background(), info.BundleContext()); err != nil {
			activatorErr = errs.Wrap(errs.BundleFailure, err, "lifecycle: activator stop failed for bundle %d", id)
			log.Global().Warnf("%v", activatorErr)
		}
	}

	info.SetBundleContext(nil)
	info.SetActivator(nil)
	if e.registry != nil {
		e.registry.UnregisterAll(id)
		e.registry.UngetAll(id)
	}
	e.broadcaster.RemoveBundleListener(id)
	e.broadcaster.RemoveFrameworkListener(id)

	_ = info.SetLifecycle(state.LifecycleResolved)
	e.broadcaster.EmitBundle(events.BundleEvent{Kind: events.Stopped, BundleID: id, Time: time.Now()})

	if record {
		_ = info.SetPersistentState(state.Installed)
	}
	return activatorErr
}

// Update implements spec §4.4 Update.
func (e *Engine) Update(info *bundleinfo.Info, stream io.Reader) error {
	owner := new(int)
	id := info.Bundle().ID
	e.locks.Lock(id, owner)
	defer e.locks.Unlock(id, owner)

	priorState := info.Lifecycle()

	headers, _ := info.Headers()
	updateLocation := headers["Bundle-UpdateLocation"]
	if updateLocation == "" {
		updateLocation = info.Bundle().Location
	}

	if priorState == state.LifecycleActive {
		if err := e.doStop(info, false); err != nil {
			log.Global().Warnf("lifecycle: stop before update: %v", err)
		}
	}

	archive := info.Archive()
	rev, err := archive.Revise(updateLocation, stream)
	if err != nil {
		return err
	}

	revIdx := archive.RevisionCount() - 1
	m, headers2, err := e.createModule(id, revIdx, rev)
	if err != nil {
		if _, rbErr := archive.RollbackRevise(); rbErr != nil {
			log.Global().Warnf("lifecycle: rollback revise: %v", rbErr)
		}
		return err
	}
	m.Revision = rev
	idx := e.graph.Add(m)
	info.AddModule(idx)

	info.SetIdentity(m.Definition.SymbolicName, m.Definition.Version, isExtension(headers2))

	if info.Bundle().IsExtension {
		e.attachExtension(idx)
	}

	if err := info.Touch(nowMS()); err != nil {
		log.Global().Warnf("lifecycle: touch on update: %v", err)
	}
	_ = info.SetLifecycle(state.LifecycleInstalled)
	info.SetRemovalPending(true)

	e.broadcaster.EmitBundle(events.BundleEvent{Kind: events.Unresolved, BundleID: id, Time: time.Now()})
	e.broadcaster.EmitBundle(events.BundleEvent{Kind: events.Updated, BundleID: id, Time: time.Now()})

	if !e.hasLiveDependents(info) {
		e.immediateRefresh(info, owner)
	}

	if priorState == state.LifecycleActive {
		if err := e.doStart(info, owner); err != nil {
			return err
		}
	}
	return nil
}

// hasLiveDependents reports whether any other module still depends on any
// revision this bundle currently tracks.
func (e *Engine) hasLiveDependents(info *bundleinfo.Info) bool {
	for _, idx := range info.Modules() {
		if len(e.graph.Dependents(idx)) > 0 {
			return true
		}
	}
	return false
}

// RefreshHook lets the framework wire a callback the lifecycle engine
// invokes when update/uninstall determine an immediate refresh is needed
// (spec §4.4 Update/Uninstall: "if no other live module depends on any of
// this bundle's modules, invoke refresh on this single bundle immediately").
// owner is the lock token the caller already holds the target's bundle lock
// under — the hook must reuse it rather than acquire a fresh one, since
// Update/Uninstall call it without releasing their own lock first.
type RefreshHook func(targets []*bundleinfo.Info, owner interface{})

func (e *Engine) immediateRefresh(info *bundleinfo.Info, owner interface{}) {
	if e.refreshHook != nil {
		e.refreshHook([]*bundleinfo.Info{info}, owner)
	}
}

// SetRefreshHook installs the callback used by immediateRefresh.
func (e *Engine) SetRefreshHook(h RefreshHook) {
	e.refreshHook = h
}

// Uninstall implements spec §4.4 Uninstall.
func (e *Engine) Uninstall(info *bundleinfo.Info) error {
	owner := new(int)
	id := info.Bundle().ID
	e.locks.Lock(id, owner)
	defer e.locks.Unlock(id, owner)

	if info.Lifecycle() == state.LifecycleUninstalled {
		return errs.StateErrorf("lifecycle: bundle %d already uninstalled", id)
	}

	if info.Bundle().IsExtension {
		if err := info.SetPersistentState(state.Uninstalled); err != nil {
			log.Global().Warnf("lifecycle: persist uninstalled state: %v", err)
		}
		return nil
	}

	if err := e.doStop(info, true); err != nil {
		e.broadcaster.EmitFramework(events.FrameworkEvent{Kind: events.FrameworkError, Error: err, Time: time.Now()})
	}

	e.installedMu.Lock()
	delete(e.installed, id)
	delete(e.byLocation, info.Bundle().Location)
	e.installedMu.Unlock()

	if err := info.SetPersistentState(state.Uninstalled); err != nil {
		log.Global().Warnf("lifecycle: persist uninstalled state: %v", err)
	}
	info.SetRemovalPending(true)
	info.SetStale(true)

	e.uninstalledMu.Lock()
	e.uninstalledList = append(e.uninstalledList, info)
	e.uninstalledMu.Unlock()

	info.ForceLifecycle(state.LifecycleUninstalled)
	if err := info.Touch(nowMS()); err != nil {
		log.Global().Warnf("lifecycle: touch on uninstall: %v", err)
	}
	e.broadcaster.EmitBundle(events.BundleEvent{Kind: events.Uninstalled, BundleID: id, Time: time.Now()})

	if !e.hasLiveDependents(info) {
		e.immediateRefresh(info, owner)
	}
	return nil
}

// frameworkStartLevel is overridden by framework wiring (via
// SetFrameworkStartLevelFunc) to reflect the live StartLevelController
// value; defaults to always-permit (1<<31 - 1) so Start/Stop work before a
// controller is wired (e.g. in unit tests).
func (e *Engine) frameworkStartLevel() int {
	if e.frameworkLevelFunc != nil {
		return e.frameworkLevelFunc()
	}
	return 1<<31 - 1
}

// SetFrameworkStartLevelFunc installs the callback Start uses to read the
// live framework start level.
func (e *Engine) SetFrameworkStartLevelFunc(f func() int) {
	e.frameworkLevelFunc = f
}

