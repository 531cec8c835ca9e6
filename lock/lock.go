// Package lock implements the LockManager described in spec §4.3: the
// install lock (one per install location) and the per-bundle reentrant
// bundle lock, plus coordinated multi-bundle acquisition for resolve and
// refresh. The global lock ordering — install-lock, installed-bundles-lock,
// uninstalled-bundles-lock, bundle-lock — is kept by the callers: the
// Manager holds only the install and bundle locks and does not check the
// order in which any of these locks are taken.
package lock

import (
	"sync"

	"github.com/modulehost/framework/errs"
)

// bundleLock is the reentrant mutex described in spec §4.3: "(owner_thread,
// count) on the bundle's info". owner is an opaque token supplied by the
// caller (the lifecycle engine hands out one token per logical operation,
// not per goroutine, since a single operation may hop goroutines).
type bundleLock struct {
	owner interface{}
	count int
}

// Manager is the framework-wide LockManager: one install lock and one
// bundle-lock table, guarded by a single coarse condition variable per spec
// §4.3's "Rationale" (lock holds are short relative to normal operation, so
// a single sync.Cond is sufficient rather than per-bundle ones).
type Manager struct {
	mu   sync.Mutex
	cond *sync.Cond

	installing map[string]bool      // location -> in-progress sentinel
	bundles    map[int64]*bundleLock // bundle id -> reentrant lock state
}

// New returns an empty LockManager.
func New() *Manager {
	m := &Manager{
		installing: map[string]bool{},
		bundles:    map[int64]*bundleLock{},
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// AcquireInstall blocks until no install is in progress for location, then
// marks one in progress (spec §4.3 priority 1: "Blocks concurrent installs
// with the same location"). The returned release func must be called
// exactly once to clear the sentinel and wake waiters.
func (m *Manager) AcquireInstall(location string) (release func()) {
	m.mu.Lock()
	for m.installing[location] {
		m.cond.Wait()
	}
	m.installing[location] = true
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.installing, location)
		m.mu.Unlock()
		m.cond.Broadcast()
	}
}

func (m *Manager) lockFor(id int64) *bundleLock {
	bl, ok := m.bundles[id]
	if !ok {
		bl = &bundleLock{}
		m.bundles[id] = bl
	}
	return bl
}

// isLockable reports whether owner could take the bundle lock for id right
// now: count is zero, or owner already holds it (spec §4.3 is_lockable).
// Caller must hold m.mu.
func (m *Manager) isLockable(id int64, owner interface{}) bool {
	bl, ok := m.bundles[id]
	if !ok || bl.count == 0 {
		return true
	}
	return bl.owner == owner
}

// Lock acquires the reentrant bundle lock for id on behalf of owner,
// blocking until lockable. Safe to call repeatedly with the same owner
// (reentrant); each call must be matched by one Unlock.
func (m *Manager) Lock(id int64, owner interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for !m.isLockable(id, owner) {
		m.cond.Wait()
	}
	bl := m.lockFor(id)
	bl.owner = owner
	bl.count++
}

// Unlock releases one level of the reentrant bundle lock for id held by
// owner. Panics if owner does not hold it, which indicates a programming
// error in the caller (lock/unlock must always be paired).
func (m *Manager) Unlock(id int64, owner interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bl, ok := m.bundles[id]
	if !ok || bl.count == 0 || bl.owner != owner {
		panic("lock: Unlock of bundle not held by owner")
	}
	bl.count--
	if bl.count == 0 {
		bl.owner = nil
		m.cond.Broadcast()
	}
}

// MultiRelease releases every bundle lock acquired by an AcquireMulti call,
// all at once.
type MultiRelease func()

// AcquireMulti implements spec §4.3's coordinated multi-bundle acquisition
// (acquire_resolve_locks / acquire_refresh_locks are both this operation
// applied to different target sets): gather targets, and under the single
// condition variable, wait until every target is simultaneously lockable by
// owner, then lock them all atomically. Release is all-or-none.
func (m *Manager) AcquireMulti(targets []int64, owner interface{}) MultiRelease {
	m.mu.Lock()
	for {
		allLockable := true
		for _, id := range targets {
			if !m.isLockable(id, owner) {
				allLockable = false
				break
			}
		}
		if allLockable {
			break
		}
		m.cond.Wait()
	}
	for _, id := range targets {
		bl := m.lockFor(id)
		bl.owner = owner
		bl.count++
	}
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		for _, id := range targets {
			bl, ok := m.bundles[id]
			if !ok || bl.count == 0 || bl.owner != owner {
				continue
			}
			bl.count--
			if bl.count == 0 {
				bl.owner = nil
			}
		}
		m.mu.Unlock()
		m.cond.Broadcast()
	}
}

// IsHeldBy reports whether owner currently holds the bundle lock for id.
func (m *Manager) IsHeldBy(id int64, owner interface{}) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	bl, ok := m.bundles[id]
	return ok && bl.count > 0 && bl.owner == owner
}

// TryLock attempts to acquire id's bundle lock for owner without blocking.
// Returns an ArgumentErr-free StateErr-typed error if unavailable, so that
// callers wanting a non-blocking fast path (e.g. a CLI "is this bundle busy"
// check) can distinguish "would block" from a programming error.
func (m *Manager) TryLock(id int64, owner interface{}) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isLockable(id, owner) {
		return false, errs.StateErrorf("lock: bundle %d is locked by another owner", id)
	}
	bl := m.lockFor(id)
	bl.owner = owner
	bl.count++
	return true, nil
}
