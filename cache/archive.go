package cache

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/modulehost/framework/errs"
	"github.com/modulehost/framework/revision"
	"github.com/modulehost/framework/state"
)

const infoFileName = "bundle.info"

// revisionSlot holds one entry of an Archive's ordered revision list. A nil
// Rev with Orphan set true is a placeholder for a revision directory whose
// index was found on disk past the last recorded revision (spec §4.1
// Failure semantics) — kept only so Purge drops it on the next refresh.
type revisionSlot struct {
	Rev    revision.Revision
	Dir    string
	Orphan bool
}

// Archive is the persistent backing of one bundle (spec §3, §4.1).
type Archive struct {
	cache *Cache

	mtx sync.Mutex

	id               int64
	originalLocation string
	persistentState  state.PersistentState
	startLevel       int
	lastModified     int64
	refreshCount     int

	root      string
	revisions []revisionSlot
}

type archiveInfoDoc struct {
	ID               int64  `json:"id"`
	OriginalLocation string `json:"original_location"`
	PersistentState  string `json:"persistent_state"`
	StartLevel       int    `json:"start_level"`
	LastModified     int64  `json:"last_modified"`
	RefreshCount     int    `json:"refresh_count"`
}

// ID returns the bundle id this archive backs.
func (a *Archive) ID() int64 { return a.id }

// OriginalLocation returns the location this archive was installed from.
func (a *Archive) OriginalLocation() string {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.originalLocation
}

// PersistentState returns the persisted running intent.
func (a *Archive) PersistentState() state.PersistentState {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.persistentState
}

// SetPersistentState updates and persists the running intent.
func (a *Archive) SetPersistentState(s state.PersistentState) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.persistentState = s
	return a.saveInfoLocked()
}

// StartLevel returns the archive's persisted start level.
func (a *Archive) StartLevel() int {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.startLevel
}

// SetStartLevel updates and persists the start level.
func (a *Archive) SetStartLevel(level int) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.startLevel = level
	return a.saveInfoLocked()
}

// LastModified returns the persisted last-modified timestamp (ms epoch).
func (a *Archive) LastModified() int64 {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.lastModified
}

// SetLastModified updates and persists last-modified.
func (a *Archive) SetLastModified(ms int64) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.lastModified = ms
	return a.saveInfoLocked()
}

// RefreshCount returns the number of times this archive has been refreshed.
func (a *Archive) RefreshCount() int {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.refreshCount
}

// RevisionCount returns the number of revisions currently tracked
// (including orphan placeholders, which Purge will drop).
func (a *Archive) RevisionCount() int {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return len(a.revisions)
}

// Revision returns the i'th revision (0 = oldest), or nil if i is out of
// range or refers to an orphan placeholder.
func (a *Archive) Revision(i int) revision.Revision {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	if i < 0 || i >= len(a.revisions) {
		return nil
	}
	return a.revisions[i].Rev
}

// CurrentRevision returns the newest non-orphan revision, or nil if none
// exists.
func (a *Archive) CurrentRevision() revision.Revision {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	for i := len(a.revisions) - 1; i >= 0; i-- {
		if !a.revisions[i].Orphan {
			return a.revisions[i].Rev
		}
	}
	return nil
}

// DataFile returns the absolute path of relativePath inside this archive's
// private data directory, creating the directory if necessary.
func (a *Archive) DataFile(relativePath string) (string, error) {
	a.mtx.Lock()
	dir := filepath.Join(a.root, "data")
	a.mtx.Unlock()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errs.Wrap(errs.InternalErr, err, "cache: create data dir")
	}
	return filepath.Join(dir, filepath.FromSlash(relativePath)), nil
}

// Revise appends a new revision built from location/stream. The prior
// current revision remains intact on disk and continues to serve existing
// dependents until a refresh purges it (spec §3 invariant 1-2, §4.4
// Update).
func (a *Archive) Revise(location string, stream io.Reader) (revision.Revision, error) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.revise(location, stream)
}

func (a *Archive) revise(location string, stream io.Reader) (revision.Revision, error) {
	idx := len(a.revisions)
	dir := filepath.Join(a.root, fmt.Sprintf("version%d.%d", a.refreshCount, idx))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrap(errs.InternalErr, err, "cache: create revision dir")
	}

	if err := os.WriteFile(filepath.Join(dir, "revision.location"), []byte(location), 0o644); err != nil {
		return nil, errs.Wrap(errs.InternalErr, err, "cache: persist revision.location")
	}

	rev, err := materializeRevision(location, dir, stream)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	a.revisions = append(a.revisions, revisionSlot{Rev: rev, Dir: dir})
	return rev, nil
}

// materializeRevision implements spec §4.1's "Revision selection by
// location prefix" table.
func materializeRevision(location, revisionDir string, stream io.Reader) (revision.Revision, error) {
	switch {
	case isInputStream(location):
		if stream == nil {
			return nil, errs.BundleFailuref("cache: inputstream location without a stream")
		}
		path := filepath.Join(revisionDir, "bundle.jar")
		if err := copyToFile(path, stream); err != nil {
			return nil, err
		}
		return revision.NewInputStream(location, path)

	case isReferenceFile(location):
		path, err := decodeReferencePath(location)
		if err != nil {
			return nil, errs.Wrap(errs.BundleFailure, err, "cache: decode reference location %s", location)
		}
		fi, err := os.Stat(path)
		if err != nil {
			return nil, errs.Wrap(errs.BundleFailure, err, "cache: stat referenced location %s", path)
		}
		if fi.IsDir() {
			return revision.NewDirectory(location, path)
		}
		return revision.NewJar(location, path, true)

	default:
		path := filepath.Join(revisionDir, "bundle.jar")
		r, err := openLocationURL(location)
		if err != nil {
			return nil, err
		}
		defer r.Close()
		if err := copyToFile(path, r); err != nil {
			return nil, err
		}
		return revision.NewJar(location, path, false)
	}
}

func copyToFile(path string, r io.Reader) error {
	tmp := path + "." + uuid.NewString() + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errs.Wrap(errs.InternalErr, err, "cache: create staging file")
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return errs.Wrap(errs.InternalErr, err, "cache: copy content")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errs.Wrap(errs.InternalErr, err, "cache: close staging file")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errs.Wrap(errs.InternalErr, err, "cache: rename staging file")
	}
	return nil
}

// RollbackRevise reverses a failed update (spec §4.1): it closes and
// removes the newest revision's directory and pops it from the list. It
// fails (returns false) if only one revision exists, since a bundle must
// always have at least one revision.
func (a *Archive) RollbackRevise() (bool, error) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	if len(a.revisions) <= 1 {
		return false, nil
	}
	last := a.revisions[len(a.revisions)-1]
	if last.Rev != nil {
		_ = last.Rev.Close()
	}
	if err := os.RemoveAll(last.Dir); err != nil {
		return false, errs.Wrap(errs.InternalErr, err, "cache: rollback: remove revision dir")
	}
	a.revisions = a.revisions[:len(a.revisions)-1]
	return true, nil
}

// Purge removes every revision but the newest, bumps refresh_count, and
// renames the surviving revision's directory to version<refresh_count>.0,
// so that it gets a fresh, unique absolute path (spec §4.1 Rationale:
// native libraries are bound to absolute paths by the host loader).
func (a *Archive) Purge() error {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	if len(a.revisions) == 0 {
		a.refreshCount++
		return a.saveInfoLocked()
	}

	newest := a.revisions[len(a.revisions)-1]
	for _, slot := range a.revisions[:len(a.revisions)-1] {
		if slot.Rev != nil {
			_ = slot.Rev.Close()
		}
		if err := os.RemoveAll(slot.Dir); err != nil {
			return errs.Wrap(errs.InternalErr, err, "cache: purge: remove revision dir")
		}
	}

	a.refreshCount++
	newDir := filepath.Join(a.root, fmt.Sprintf("version%d.0", a.refreshCount))
	if err := os.Rename(newest.Dir, newDir); err != nil {
		return errs.Wrap(errs.InternalErr, err, "cache: purge: rename surviving revision dir")
	}
	if newest.Rev != nil {
		_ = newest.Rev.Close()
	}

	location := newest.Rev.Location()
	rebuilt, err := reopenRevision(location, newDir)
	if err != nil {
		return err
	}

	a.revisions = []revisionSlot{{Rev: rebuilt, Dir: newDir}}
	return a.saveInfoLocked()
}

// reopenRevision re-derives a Revision from an on-disk directory whose
// original install location is known, used after Purge renames the
// directory (which invalidates any zip.ReadCloser open on the old path)
// and at cache-reload time.
func reopenRevision(location, dir string) (revision.Revision, error) {
	switch {
	case isReferenceFile(location):
		path, err := decodeReferencePath(location)
		if err != nil {
			return nil, errs.Wrap(errs.BundleFailure, err, "cache: decode reference location %s", location)
		}
		fi, err := os.Stat(path)
		if err != nil {
			return nil, errs.Wrap(errs.BundleFailure, err, "cache: stat referenced location %s", path)
		}
		if fi.IsDir() {
			return revision.NewDirectory(location, path)
		}
		return revision.NewJar(location, path, true)
	case isInputStream(location):
		return revision.NewInputStream(location, filepath.Join(dir, "bundle.jar"))
	default:
		return revision.NewJar(location, filepath.Join(dir, "bundle.jar"), false)
	}
}

// Close releases in-memory resources (open zip readers) without deleting
// any content from disk.
func (a *Archive) Close() error {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.close()
}

func (a *Archive) close() error {
	var firstErr error
	for _, slot := range a.revisions {
		if slot.Rev != nil {
			if err := slot.Rev.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// CloseAndDelete closes the archive and removes its entire backing
// directory from disk.
func (a *Archive) CloseAndDelete() error {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.closeAndDelete()
}

func (a *Archive) closeAndDelete() error {
	if err := a.close(); err != nil {
		return err
	}
	if err := os.RemoveAll(a.root); err != nil {
		return errs.Wrap(errs.InternalErr, err, "cache: delete archive dir")
	}
	return nil
}

func (a *Archive) saveInfo() error {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.saveInfoLocked()
}

func (a *Archive) saveInfoLocked() error {
	doc := archiveInfoDoc{
		ID:               a.id,
		OriginalLocation: a.originalLocation,
		PersistentState:  string(a.persistentState),
		StartLevel:       a.startLevel,
		LastModified:     a.lastModified,
		RefreshCount:     a.refreshCount,
	}
	bs, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errs.Wrap(errs.InternalErr, err, "cache: marshal bundle.info")
	}
	if err := os.WriteFile(filepath.Join(a.root, infoFileName), bs, 0o644); err != nil {
		return errs.Wrap(errs.InternalErr, err, "cache: write bundle.info")
	}
	return nil
}

// loadInfo reads bundle.info, falling back to the legacy one-file-per-field
// layout when the consolidated file is absent (spec §4.1 Failure
// semantics).
func (a *Archive) loadInfo() error {
	bs, err := os.ReadFile(filepath.Join(a.root, infoFileName))
	if err == nil {
		var doc archiveInfoDoc
		if err := json.Unmarshal(bs, &doc); err != nil {
			return errs.Wrap(errs.InternalErr, err, "cache: parse bundle.info")
		}
		a.originalLocation = doc.OriginalLocation
		a.persistentState = state.PersistentState(doc.PersistentState)
		a.startLevel = doc.StartLevel
		a.lastModified = doc.LastModified
		a.refreshCount = doc.RefreshCount
		return nil
	}
	if !os.IsNotExist(err) {
		return errs.Wrap(errs.InternalErr, err, "cache: read bundle.info")
	}
	return a.loadLegacyInfo()
}

// legacy one-file-per-field layout (spec §4.1).
func (a *Archive) loadLegacyInfo() error {
	readStr := func(name string) (string, error) {
		bs, err := os.ReadFile(filepath.Join(a.root, name))
		if err != nil {
			if os.IsNotExist(err) {
				return "", nil
			}
			return "", err
		}
		return strings.TrimSpace(string(bs)), nil
	}

	loc, err := readStr("bundle.location")
	if err != nil {
		return errs.Wrap(errs.InternalErr, err, "cache: legacy bundle.location")
	}
	a.originalLocation = loc

	st, err := readStr("bundle.state")
	if err != nil {
		return errs.Wrap(errs.InternalErr, err, "cache: legacy bundle.state")
	}
	if st == "" {
		st = string(state.Installed)
	}
	a.persistentState = state.PersistentState(st)

	if sl, err := readStr("bundle.startlevel"); err != nil {
		return errs.Wrap(errs.InternalErr, err, "cache: legacy bundle.startlevel")
	} else if sl != "" {
		n, convErr := strconv.Atoi(sl)
		if convErr != nil {
			return errs.Wrap(errs.InternalErr, convErr, "cache: legacy bundle.startlevel")
		}
		a.startLevel = n
	} else {
		a.startLevel = 1
	}

	if lm, err := readStr("bundle.lastmodified"); err != nil {
		return errs.Wrap(errs.InternalErr, err, "cache: legacy bundle.lastmodified")
	} else if lm != "" {
		n, convErr := strconv.ParseInt(lm, 10, 64)
		if convErr != nil {
			return errs.Wrap(errs.InternalErr, convErr, "cache: legacy bundle.lastmodified")
		}
		a.lastModified = n
	}

	if rc, err := readStr("refresh.counter"); err != nil {
		return errs.Wrap(errs.InternalErr, err, "cache: legacy refresh.counter")
	} else if rc != "" {
		n, convErr := strconv.Atoi(rc)
		if convErr != nil {
			return errs.Wrap(errs.InternalErr, convErr, "cache: legacy refresh.counter")
		}
		a.refreshCount = n
	}

	return nil
}

// loadRevisions reconstructs the revision list from the on-disk
// versionN.M directories recorded at the archive's current refresh_count,
// keeping orphan placeholders for indices found past the highest
// contiguous one (spec §4.1 Failure semantics).
func (a *Archive) loadRevisions() error {
	entries, err := os.ReadDir(a.root)
	if err != nil {
		return errs.Wrap(errs.InternalErr, err, "cache: list archive dir")
	}

	prefix := fmt.Sprintf("version%d.", a.refreshCount)
	indexed := map[int]string{}
	maxIdx := -1
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		idxStr := strings.TrimPrefix(e.Name(), prefix)
		idx, err := strconv.Atoi(idxStr)
		if err != nil {
			continue
		}
		indexed[idx] = filepath.Join(a.root, e.Name())
		if idx > maxIdx {
			maxIdx = idx
		}
	}

	a.revisions = nil
	for i := 0; i <= maxIdx; i++ {
		dir, ok := indexed[i]
		if !ok {
			a.revisions = append(a.revisions, revisionSlot{Orphan: true})
			continue
		}
		locBytes, err := os.ReadFile(filepath.Join(dir, "revision.location"))
		if err != nil {
			a.revisions = append(a.revisions, revisionSlot{Orphan: true, Dir: dir})
			continue
		}
		rev, err := reopenRevision(strings.TrimSpace(string(locBytes)), dir)
		if err != nil {
			a.revisions = append(a.revisions, revisionSlot{Orphan: true, Dir: dir})
			continue
		}
		a.revisions = append(a.revisions, revisionSlot{Rev: rev, Dir: dir})
	}
	return nil
}
