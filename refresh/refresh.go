// Package refresh implements the RefreshEngine described in spec §4.5:
// computing the transitive dependent closure of a refresh target set,
// locking it as a unit, and running each target through
// stop → purge-or-remove → reinitialize → restart.
package refresh

import (
	"fmt"
	"sort"
	"time"

	toposort "github.com/philopon/go-toposort"

	"github.com/modulehost/framework/bundleinfo"
	"github.com/modulehost/framework/errs"
	"github.com/modulehost/framework/events"
	"github.com/modulehost/framework/lifecycle"
	"github.com/modulehost/framework/lock"
	"github.com/modulehost/framework/log"
	"github.com/modulehost/framework/state"
)

// Engine is the RefreshEngine (spec §4.5).
type Engine struct {
	lifecycle *lifecycle.Engine
	locks     *lock.Manager
}

// New constructs a RefreshEngine driving lc through locks.
func New(lc *lifecycle.Engine, locks *lock.Manager) *Engine {
	return &Engine{lifecycle: lc, locks: locks}
}

// Refresh implements spec §4.5 `refresh(targets?)`. A nil targets slice
// means "every bundle with multiple revisions plus all uninstalled bundles
// awaiting refresh" (spec §4.5 step 1). It acquires its own coordinated
// multi-bundle lock over the computed closure — use RefreshLocked instead
// when the caller already holds the target's bundle lock (the lifecycle
// engine's immediate single-bundle refresh from Update/Uninstall).
func (e *Engine) Refresh(targets []*bundleinfo.Info) error {
	if targets == nil {
		targets = e.defaultTargets()
	}
	if len(targets) == 0 {
		return nil
	}

	closure := e.computeClosure(targets)

	ids := make([]int64, 0, len(closure))
	for _, info := range closure {
		ids = append(ids, info.Bundle().ID)
	}

	owner := new(int)
	release := e.locks.AcquireMulti(ids, owner)
	defer release()

	return e.run(closure, owner)
}

// RefreshLocked runs refresh over exactly targets, assuming the caller
// already holds every target's bundle lock under owner — used by the
// lifecycle engine's RefreshHook, which fires synchronously from inside
// Update/Uninstall without releasing their lock first (spec §4.4). Unlike
// Refresh, it does not expand targets to their dependent closure: the hook
// only fires when the lifecycle engine has already established that no
// live module depends on the target, so the closure is just the target
// itself.
func (e *Engine) RefreshLocked(targets []*bundleinfo.Info, owner interface{}) error {
	if len(targets) == 0 {
		return nil
	}
	return e.run(targets, owner)
}

// run implements spec §4.5 steps 3-8 over a closure whose bundle locks are
// already held by owner.
func (e *Engine) run(closure []*bundleinfo.Info, owner interface{}) error {
	if restartNeeded := e.restartRequired(closure); restartNeeded {
		log.Global().Warnf("refresh: targets require a framework restart to fully apply (extension bundle involved)")
	}

	for _, info := range closure {
		e.lifecycle.ForgetUninstalled(info)
	}

	order := e.stopOrder(closure)

	priorActive := map[int64]bool{}
	for _, info := range order {
		if info.Bundle().IsExtension {
			continue
		}
		priorActive[info.Bundle().ID] = info.Lifecycle() == state.LifecycleActive
		if err := e.lifecycle.StopLocked(info, false); err != nil {
			e.lifecycle.Broadcaster().EmitFramework(events.FrameworkEvent{Kind: events.FrameworkError, Error: err, Time: time.Now()})
		}
	}

	for _, info := range order {
		if info.Bundle().IsExtension {
			continue
		}
		if err := e.purgeOrReinitialize(info); err != nil {
			e.lifecycle.Broadcaster().EmitFramework(events.FrameworkEvent{Kind: events.FrameworkError, Error: err, Time: time.Now()})
			continue
		}
	}

	// Restart in the reverse of the stop order so a dependency is live again
	// before its dependent is restarted.
	for i := len(order) - 1; i >= 0; i-- {
		info := order[i]
		if info.Bundle().IsExtension || info.Lifecycle() == state.LifecycleUninstalled {
			continue
		}
		if priorActive[info.Bundle().ID] {
			if err := e.lifecycle.StartLocked(info, false, owner); err != nil {
				e.lifecycle.Broadcaster().EmitFramework(events.FrameworkEvent{Kind: events.FrameworkError, Error: err, Time: time.Now()})
			}
		}
	}

	e.lifecycle.Broadcaster().EmitFramework(events.FrameworkEvent{Kind: events.PackagesRefreshed, Time: time.Now()})
	return nil
}

// defaultTargets implements spec §4.5 step 1 for a nil target set.
func (e *Engine) defaultTargets() []*bundleinfo.Info {
	var out []*bundleinfo.Info
	for _, info := range e.lifecycle.GetBundles() {
		if info.IsSystemBundle() {
			continue
		}
		if archive := info.Archive(); archive != nil && archive.RevisionCount() > 1 {
			out = append(out, info)
		}
	}
	out = append(out, e.lifecycle.UninstalledBundles()...)
	return out
}

// computeClosure implements spec §4.5 step 2: each target plus, transitively,
// every bundle owning a module in the dependents list of a module of a
// bundle already in the set. The result is sorted by bundle ID.
func (e *Engine) computeClosure(targets []*bundleinfo.Info) []*bundleinfo.Info {
	graph := e.lifecycle.Graph()

	seeds := map[int]bool{}
	for _, info := range targets {
		for _, idx := range info.Modules() {
			seeds[idx] = true
		}
	}
	var seedList []int
	for idx := range seeds {
		seedList = append(seedList, idx)
	}

	reached := graph.TransitiveDependents(seedList)

	byBundle := map[int64]*bundleinfo.Info{}
	for _, info := range targets {
		byBundle[info.Bundle().ID] = info
	}
	for _, idx := range reached {
		m := graph.At(idx)
		if m == nil {
			continue
		}
		if info := e.lifecycle.GetBundle(m.BundleID); info != nil {
			byBundle[m.BundleID] = info
		}
	}

	out := make([]*bundleinfo.Info, 0, len(byBundle))
	for _, info := range byBundle {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bundle().ID < out[j].Bundle().ID })
	return out
}

// restartRequired implements spec §4.5 step 4: any targeted extension
// bundle, or the system bundle targeted while any extension is INSTALLED,
// forces a framework restart. This engine only detects and surfaces the
// need (as a log warning); the deferred restart itself is a framework
// concern.
func (e *Engine) restartRequired(closure []*bundleinfo.Info) bool {
	systemTargeted := false
	for _, info := range closure {
		if info.Bundle().IsExtension {
			return true
		}
		if info.IsSystemBundle() {
			systemTargeted = true
		}
	}
	if !systemTargeted {
		return false
	}
	for _, info := range e.lifecycle.GetBundles() {
		if info.Bundle().IsExtension && info.Lifecycle() == state.LifecycleInstalled {
			return true
		}
	}
	return false
}

// stopOrder computes a deterministic stop ordering over closure: dependents
// before the modules they depend on, via go-toposort over the bundle-level
// dependency edges derived from the module graph (spec §4.5 Rationale).
// Bundles that no edge orders relative to each other keep whatever relative
// order the sort emits, and a cyclic closure (possible via require-bundle)
// falls back to closure's own order rather than failing the refresh.
func (e *Engine) stopOrder(closure []*bundleinfo.Info) []*bundleinfo.Info {
	graph := e.lifecycle.Graph()

	nodeName := func(id int64) string { return fmt.Sprintf("%d", id) }
	byName := map[string]*bundleinfo.Info{}
	g := toposort.NewGraph(len(closure))
	for _, info := range closure {
		name := nodeName(info.Bundle().ID)
		g.AddNode(name)
		byName[name] = info
	}

	for _, info := range closure {
		fromName := nodeName(info.Bundle().ID)
		for _, idx := range info.Modules() {
			for _, depIdx := range graph.Dependents(idx) {
				dep := graph.At(depIdx)
				if dep == nil {
					continue
				}
				toName := nodeName(dep.BundleID)
				if toName == fromName {
					continue
				}
				if _, ok := byName[toName]; !ok {
					continue
				}
				// dependent (toName) must be stopped before its dependency
				// (fromName): edge dependent -> dependency.
				g.AddEdge(toName, fromName)
			}
		}
	}

	sorted, ok := g.Toposort()
	if !ok {
		log.Global().Warnf("refresh: dependency closure contains a cycle, falling back to unordered stop")
		return closure
	}

	out := make([]*bundleinfo.Info, 0, len(sorted))
	for _, name := range sorted {
		out = append(out, byName[name])
	}
	return out
}

// purgeOrReinitialize implements spec §4.5 step 6's purge-or-remove and
// reinitialize phases for one target.
func (e *Engine) purgeOrReinitialize(info *bundleinfo.Info) error {
	if info.Lifecycle() == state.LifecycleUninstalled {
		return e.garbageCollect(info)
	}

	archive := info.Archive()
	if archive == nil {
		return errs.InternalErrorf("refresh: bundle %d has no archive", info.Bundle().ID)
	}
	if err := archive.Purge(); err != nil {
		return err
	}

	newest := archive.CurrentRevision()
	if newest == nil {
		return errs.InternalErrorf("refresh: bundle %d has no surviving revision after purge", info.Bundle().ID)
	}

	return e.lifecycle.ReinitializeModule(info, newest)
}

// garbageCollect implements the "if uninstalled" branch of spec §4.5 step
// 6: drop all modules from the module factory and remove the archive from
// cache entirely.
func (e *Engine) garbageCollect(info *bundleinfo.Info) error {
	for _, idx := range info.Modules() {
		e.lifecycle.Graph().Remove(idx)
	}
	archive := info.Archive()
	if archive == nil {
		return nil
	}
	if err := e.lifecycle.Cache().Remove(archive); err != nil {
		return err
	}
	e.lifecycle.RemoveInstalled(info.Bundle().ID, info.Bundle().Location)
	return nil
}
