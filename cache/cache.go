// Package cache implements BundleArchive & BundleCache (spec §4.1): the
// on-disk persistence of a bundle across revisions and process restarts.
// Layout and failure-fallback behavior are grounded on the teacher's
// bundle-persistence idiom (plugins/bundle's disk-persist path) adapted to
// this spec's per-bundle, per-revision directory scheme.
package cache

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/modulehost/framework/errs"
	"github.com/modulehost/framework/log"
)

const nextIDFileName = "bundle.id"

// Cache is the persistent backing store for every installed bundle's
// archive. One Cache instance corresponds to one cache.dir/cache.profile
// root directory (spec §6 Files).
type Cache struct {
	root    string
	bufSize int

	mtx      sync.Mutex
	archives map[int64]*Archive

	idMtx  sync.Mutex
	nextID int64
}

// Open opens (creating if absent) the cache rooted at root. bufSize records
// the configured I/O buffer size (cache.bufsize; 4096 when <= 0). Revision
// content is copied with io.Copy's own buffer, not one of bufSize bytes.
func Open(root string, bufSize int) (*Cache, error) {
	if bufSize <= 0 {
		bufSize = 4096
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errs.Wrap(errs.InternalErr, err, "cache: create root %s", root)
	}
	c := &Cache{
		root:     root,
		bufSize:  bufSize,
		archives: map[int64]*Archive{},
	}
	if err := c.loadNextID(); err != nil {
		return nil, err
	}
	if err := c.loadArchives(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) loadNextID() error {
	bs, err := os.ReadFile(filepath.Join(c.root, nextIDFileName))
	if err != nil {
		if os.IsNotExist(err) {
			c.nextID = 1
			return nil
		}
		return errs.Wrap(errs.InternalErr, err, "cache: read next-id file")
	}
	id, err := strconv.ParseInt(strings.TrimSpace(string(bs)), 10, 64)
	if err != nil {
		return errs.Wrap(errs.InternalErr, err, "cache: parse next-id file")
	}
	c.nextID = id
	return nil
}

// NextID allocates and persists the next monotonic bundle id (spec
// invariant 3: new ids are persisted before being handed out). Id 0 is
// reserved for the system bundle and is never allocated here.
func (c *Cache) NextID() (int64, error) {
	c.idMtx.Lock()
	defer c.idMtx.Unlock()

	if c.nextID == 0 {
		c.nextID = 1
	}
	id := c.nextID
	next := id + 1
	if err := os.WriteFile(filepath.Join(c.root, nextIDFileName), []byte(strconv.FormatInt(next, 10)), 0o644); err != nil {
		return 0, errs.Wrap(errs.InternalErr, err, "cache: persist next-id")
	}
	c.nextID = next
	return id, nil
}

func (c *Cache) archiveDir(id int64) string {
	return filepath.Join(c.root, fmt.Sprintf("bundle%d", id))
}

// Create materializes a new archive for id at location, with one initial
// revision. stream supplies the content only for an inputstream: location
// (which fails without one); for reference:file: and every other location
// stream is ignored and the content is read from location itself.
func (c *Cache) Create(id int64, location string, stream io.Reader) (*Archive, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if _, exists := c.archives[id]; exists {
		return nil, errs.BundleFailuref("cache: archive %d already exists", id)
	}

	dir := c.archiveDir(id)
	if err := os.MkdirAll(filepath.Join(dir, "data"), 0o755); err != nil {
		return nil, errs.Wrap(errs.InternalErr, err, "cache: create archive dir")
	}

	a := &Archive{
		id:               id,
		originalLocation: location,
		persistentState:  "installed",
		startLevel:       1,
		root:             dir,
		cache:            c,
	}
	if err := a.saveInfo(); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	if _, err := a.revise(location, stream); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	c.archives[id] = a
	return a, nil
}

// Get returns the archive for id, or false if no such archive exists.
func (c *Cache) Get(id int64) (*Archive, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	a, ok := c.archives[id]
	return a, ok
}

// GetArchives returns every archive currently tracked by the cache.
func (c *Cache) GetArchives() []*Archive {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	out := make([]*Archive, 0, len(c.archives))
	for _, a := range c.archives {
		out = append(out, a)
	}
	return out
}

// Remove closes and deletes archive's backing directory, and stops
// tracking it.
func (c *Cache) Remove(a *Archive) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if err := a.closeAndDelete(); err != nil {
		return err
	}
	delete(c.archives, a.id)
	return nil
}

// Flush deletes the entire cache contents (used by
// framework.storage.clean=onFirstInit).
func (c *Cache) Flush() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	for _, a := range c.archives {
		_ = a.close()
	}
	c.archives = map[int64]*Archive{}
	entries, err := os.ReadDir(c.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.Wrap(errs.InternalErr, err, "cache: flush: list root")
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(c.root, e.Name())); err != nil {
			return errs.Wrap(errs.InternalErr, err, "cache: flush: remove %s", e.Name())
		}
	}
	c.nextID = 1
	return nil
}

// loadArchives reconstructs the archive set from disk at startup,
// honoring the bundle.info / legacy fallback described in spec §4.1.
func (c *Cache) loadArchives() error {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return errs.Wrap(errs.InternalErr, err, "cache: list root")
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "bundle") {
			continue
		}
		idStr := strings.TrimPrefix(e.Name(), "bundle")
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			log.Global().Warnf("cache: skipping unrecognized archive dir %s", e.Name())
			continue
		}
		dir := filepath.Join(c.root, e.Name())
		a := &Archive{id: id, root: dir, cache: c}
		if err := a.loadInfo(); err != nil {
			log.Global().Warnf("cache: archive %d: %v", id, err)
			continue
		}
		if err := a.loadRevisions(); err != nil {
			log.Global().Warnf("cache: archive %d: %v", id, err)
			continue
		}
		c.archives[id] = a
	}
	return nil
}
