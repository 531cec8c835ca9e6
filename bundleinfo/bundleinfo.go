// Package bundleinfo implements the Bundle identity (spec §3) and the
// BundleInfo mutable per-bundle state store (spec §4.2): lifecycle state,
// persistent state, start level, the append-only module list, and
// localized header resolution.
package bundleinfo

import (
	"context"
	"io"
	"strings"
	"sync"

	goini "github.com/go-ini/ini"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/modulehost/framework/cache"
	"github.com/modulehost/framework/errs"
	"github.com/modulehost/framework/module"
	"github.com/modulehost/framework/revision"
	"github.com/modulehost/framework/state"
)

// Activator is the capability set a bundle's activator class provides
// (spec Design Notes §9: "'Activator' is a capability set
// {start(context), stop(context)}").
type Activator interface {
	Start(ctx context.Context, bundleCtx *Context) error
	Stop(ctx context.Context, bundleCtx *Context) error
}

// Context stands in for the per-bundle BundleContext the framework hands
// to an activator. Its construction and teardown are owned by the
// lifecycle engine.
type Context struct {
	BundleID int64
}

// Bundle is the identity a caller manipulates (spec §3).
type Bundle struct {
	ID               int64
	Location         string
	SymbolicName     string
	Version          string
	IsExtension      bool
	ProtectionDomain interface{}
}

const systemBundleID int64 = 0

// Info is the mutable per-bundle record (spec §4.2). All mutating methods
// are safe for concurrent use; callers that need multi-field atomicity
// (e.g. the lifecycle engine) additionally hold the bundle's LockManager
// lock around a sequence of calls.
type Info struct {
	mtx sync.Mutex

	bundle Bundle

	archive *cache.Archive
	graph   *module.Graph

	// modules are arena indices into graph, oldest first, append-only
	// between refreshes (spec §8 testable property).
	modules       []int
	currentModule int // index into modules, -1 if none

	lifecycle       state.Lifecycle
	persistentState state.PersistentState
	startLevel      int
	lastModified    int64
	removalPending  bool
	stale           bool

	activator     Activator
	bundleContext *Context

	localizationBase string
	headersCache     *lru.Cache[string, localizedEntry]
}

type localizedEntry struct {
	lastModified int64
	headers      map[string]string
}

// New creates a BundleInfo for bundle, backed by archive and sharing the
// framework-wide module graph. When archive is non-nil, the persistent
// state and start level seed from whatever it already has persisted (a
// freshly created archive defaults to "installed"/1, same as a nil
// archive; a restored archive carries forward what a prior process wrote),
// so restoring a bundle from a prior run's cache doesn't require the
// caller to re-derive these fields itself.
func New(b Bundle, archive *cache.Archive, graph *module.Graph) *Info {
	cache, _ := lru.New[string, localizedEntry](32)
	info := &Info{
		bundle:          b,
		archive:         archive,
		graph:           graph,
		currentModule:   -1,
		lifecycle:       state.LifecycleInstalled,
		persistentState: state.Installed,
		startLevel:      1,
		headersCache:    cache,
	}
	if archive != nil {
		info.persistentState = archive.PersistentState()
		if lvl := archive.StartLevel(); lvl >= 1 {
			info.startLevel = lvl
		}
	}
	return info
}

// Bundle returns a copy of the bundle identity.
func (i *Info) Bundle() Bundle {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	return i.bundle
}

// SetIdentity updates the symbolic name, version, and extension flag
// derived from a (re)parsed manifest (spec §4.4 Install/Update steps that
// build a module from the newest revision). The bundle id and location
// never change here — only their derived manifest-sourced fields.
func (i *Info) SetIdentity(symbolicName, version string, isExtension bool) {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	i.bundle.SymbolicName = symbolicName
	i.bundle.Version = version
	i.bundle.IsExtension = isExtension
}

// SetProtectionDomain replaces the bundle's protection domain, used by
// refresh's reinitialize step to attach a fresh one.
func (i *Info) SetProtectionDomain(pd interface{}) {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	i.bundle.ProtectionDomain = pd
}

// IsSystemBundle reports whether this is bundle id 0 (spec §3 invariant 7).
func (i *Info) IsSystemBundle() bool {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	return i.bundle.ID == systemBundleID
}

// Lifecycle returns the current transient lifecycle state.
func (i *Info) Lifecycle() state.Lifecycle {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	return i.lifecycle
}

// SetLifecycle sets the transient lifecycle state. Uninstalled is terminal:
// once set, further SetLifecycle calls are rejected (spec §8: "state ∈
// {UNINSTALLED} ⇒ no further successful lifecycle op").
func (i *Info) SetLifecycle(s state.Lifecycle) error {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	if i.lifecycle == state.LifecycleUninstalled {
		return errs.StateErrorf("bundle %d is uninstalled", i.bundle.ID)
	}
	i.lifecycle = s
	return nil
}

// ForceLifecycle sets the lifecycle state unconditionally, including the
// UNINSTALLED terminal transition itself.
func (i *Info) ForceLifecycle(s state.Lifecycle) {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	i.lifecycle = s
}

// PersistentState returns the remembered running intent.
func (i *Info) PersistentState() state.PersistentState {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	return i.persistentState
}

// SetPersistentState updates the remembered running intent, persisting it
// to the backing archive.
func (i *Info) SetPersistentState(s state.PersistentState) error {
	i.mtx.Lock()
	archive := i.archive
	i.persistentState = s
	i.mtx.Unlock()
	if archive != nil {
		return archive.SetPersistentState(s)
	}
	return nil
}

// StartLevel returns the bundle's configured start level.
func (i *Info) StartLevel() int {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	return i.startLevel
}

// SetStartLevel updates the bundle's start level (spec §4.6: level >= 1).
func (i *Info) SetStartLevel(level int) error {
	if level < 1 {
		return errs.ArgumentErrorf("start level must be >= 1, got %d", level)
	}
	i.mtx.Lock()
	archive := i.archive
	i.startLevel = level
	i.mtx.Unlock()
	if archive != nil {
		return archive.SetStartLevel(level)
	}
	return nil
}

// LastModified returns the last-modified timestamp (ms epoch).
func (i *Info) LastModified() int64 {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	return i.lastModified
}

// Touch sets last-modified to nowMS (spec invariant 6: updated on install,
// update, uninstall).
func (i *Info) Touch(nowMS int64) error {
	i.mtx.Lock()
	archive := i.archive
	i.lastModified = nowMS
	i.mtx.Unlock()
	if archive != nil {
		return archive.SetLastModified(nowMS)
	}
	return nil
}

// RemovalPending reports whether this bundle/revision is pending removal
// by a future refresh.
func (i *Info) RemovalPending() bool {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	return i.removalPending
}

// SetRemovalPending sets the removal-pending flag.
func (i *Info) SetRemovalPending(v bool) {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	i.removalPending = v
}

// Stale reports whether this bundle's modules have been marked stale
// (uninstalled, awaiting refresh garbage collection).
func (i *Info) Stale() bool {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	return i.stale
}

// SetStale marks this bundle's modules stale.
func (i *Info) SetStale(v bool) {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	i.stale = v
}

// Activator returns the currently instantiated activator, or nil.
func (i *Info) Activator() Activator {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	return i.activator
}

// SetActivator installs the instantiated activator (or nil to clear it).
func (i *Info) SetActivator(a Activator) {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	i.activator = a
}

// BundleContext returns the currently active BundleContext, or nil.
func (i *Info) BundleContext() *Context {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	return i.bundleContext
}

// SetBundleContext installs (or clears, with nil) the BundleContext.
func (i *Info) SetBundleContext(c *Context) {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	i.bundleContext = c
}

// Archive returns the backing cache archive.
func (i *Info) Archive() *cache.Archive {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	return i.archive
}

// AddModule appends a new module index to this bundle's module list and
// makes it current. The list is append-only between refreshes (spec §8);
// only ResetModules (called by the refresh engine) may shrink it.
func (i *Info) AddModule(graphIdx int) {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	i.modules = append(i.modules, graphIdx)
	i.currentModule = len(i.modules) - 1
}

// ResetModules replaces the module list wholesale — used only by the
// refresh engine after purging old revisions and rebuilding the current
// one (spec §4.5 step 6).
func (i *Info) ResetModules(graphIdx int) {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	i.modules = []int{graphIdx}
	i.currentModule = 0
}

// Modules returns every tracked module's arena index, oldest first.
func (i *Info) Modules() []int {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	out := make([]int, len(i.modules))
	copy(out, i.modules)
	return out
}

// CurrentModule returns the arena index of the current (newest) module,
// or -1 if none exists yet.
func (i *Info) CurrentModule() int {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	if i.currentModule < 0 {
		return -1
	}
	return i.modules[i.currentModule]
}

// CurrentModuleObj resolves CurrentModule through the shared graph.
func (i *Info) CurrentModuleObj() *module.Module {
	idx := i.CurrentModule()
	if idx < 0 {
		return nil
	}
	return i.graph.At(idx)
}

const defaultLocalizationBase = "OSGI-INF/l10n/bundle"

// Headers returns the current revision's raw manifest headers, unresolved.
func (i *Info) Headers() (map[string]string, error) {
	mod := i.CurrentModuleObj()
	if mod == nil || mod.Revision == nil {
		return map[string]string{}, nil
	}
	return mod.Revision.Headers()
}

// LocalizedHeaders resolves "%key"-valued headers against the locale
// properties chain described in spec §4.2: resources named
// "<base>_<loc1>_<loc2>..._<locN>.properties" with progressively longer
// locale suffixes starting from the base, merged so later (more specific)
// files override earlier ones. Unresolved "%key" values fall back to
// rendering as the bare key. Results are cached per locale and invalidated
// when last_modified has advanced past the cached value.
func (i *Info) LocalizedHeaders(locale string) (map[string]string, error) {
	i.mtx.Lock()
	lastModified := i.lastModified
	cacheHandle := i.headersCache
	i.mtx.Unlock()

	if cacheHandle != nil {
		if entry, ok := cacheHandle.Get(locale); ok && entry.lastModified == lastModified {
			return entry.headers, nil
		}
	}

	headers, err := i.Headers()
	if err != nil {
		return nil, err
	}

	mod := i.CurrentModuleObj()
	var rev revision.Revision
	if mod != nil {
		rev = mod.Revision
	}

	base := headers["Bundle-Localization"]
	if base == "" {
		base = defaultLocalizationBase
	}

	props := loadLocaleProperties(rev, base, locale)

	resolved := make(map[string]string, len(headers))
	for k, v := range headers {
		if strings.HasPrefix(v, "%") {
			key := strings.TrimPrefix(v, "%")
			if val, ok := props[key]; ok {
				resolved[k] = val
			} else {
				resolved[k] = key
			}
		} else {
			resolved[k] = v
		}
	}

	if cacheHandle != nil {
		cacheHandle.Add(locale, localizedEntry{lastModified: lastModified, headers: resolved})
	}
	return resolved, nil
}

// loadLocaleProperties merges "<base>.properties" and each progressively
// longer "<base>_<seg1>_..._<segN>.properties" found in rev's content, in
// that order, so later files take precedence.
func loadLocaleProperties(rev revision.Revision, base, locale string) map[string]string {
	merged := map[string]string{}
	if rev == nil {
		return merged
	}

	candidates := []string{base + ".properties"}
	if locale != "" {
		var suffix string
		for _, seg := range strings.Split(locale, "_") {
			if seg == "" {
				continue
			}
			suffix += "_" + seg
			candidates = append(candidates, base+suffix+".properties")
		}
	}

	for _, name := range candidates {
		if !rev.HasEntry(name) {
			continue
		}
		f, err := rev.Entry(name)
		if err != nil {
			continue
		}
		bs, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			continue
		}
		props, err := goini.LoadSources(goini.LoadOptions{IgnoreInlineComment: true}, bs)
		if err != nil {
			continue
		}
		for _, key := range props.Section("").Keys() {
			merged[key.Name()] = key.Value()
		}
	}
	return merged
}
