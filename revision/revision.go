// Package revision implements the Revision variants described in spec §3
// and §4.1: one snapshot of a bundle's content, as a Jar, a referenced
// (in-place) Jar, an exploded Directory, or a copied InputStream. Every
// variant exposes the same read surface — manifest headers, a content
// entry lookup, and a native library listing — so that the module and
// cache packages never need to type-switch on the underlying storage.
package revision

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Type identifies which on-disk shape a Revision has.
type Type int

const (
	// TypeJar is a zip archive copied into the bundle cache.
	TypeJar Type = iota
	// TypeReferencedJar is a zip archive used in place (reference:file: to a
	// file).
	TypeReferencedJar
	// TypeDirectory is an exploded directory tree used in place
	// (reference:file: to a directory).
	TypeDirectory
	// TypeInputStream is content supplied as an in-memory stream, copied
	// into the cache and thereafter treated like TypeJar.
	TypeInputStream
)

func (t Type) String() string {
	switch t {
	case TypeJar:
		return "jar"
	case TypeReferencedJar:
		return "referenced-jar"
	case TypeDirectory:
		return "directory"
	case TypeInputStream:
		return "inputstream"
	default:
		return "unknown"
	}
}

// Revision is one version of a bundle's content.
type Revision interface {
	// Type reports which variant this revision is.
	Type() Type
	// Location is the original install location string this revision was
	// created from.
	Location() string
	// Root is the filesystem path of this revision's content: the jar file
	// itself for Jar/ReferencedJar/InputStream (inside the revision
	// directory unless referenced), or the directory for Directory.
	Root() string
	// Headers returns the parsed manifest header map (header-name -> value).
	Headers() (map[string]string, error)
	// Entry opens a named resource from the revision's content. The name is
	// a slash-separated path relative to the content root.
	Entry(name string) (io.ReadCloser, error)
	// HasEntry reports whether name exists in the revision's content,
	// without opening it. Used to verify declared native libraries exist
	// (spec §4.4 install step 6).
	HasEntry(name string) bool
	// NativeLibraries lists native library entry paths declared in the
	// manifest's Bundle-NativeCode-like header, already split on commas.
	NativeLibraries() []string
	// Close releases any resources (open zip readers) held by the
	// revision. It does not delete content from disk.
	Close() error
}

const manifestEntryName = "META-INF/MANIFEST.MF"

// parseManifest parses the Java-properties-like MANIFEST.MF format: one
// "Header-Name: value" pair per line, continuation lines beginning with a
// single space.
func parseManifest(r io.Reader) (map[string]string, error) {
	headers := map[string]string{}
	bs, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.ReplaceAll(string(bs), "\r\n", "\n"), "\n")
	var curKey string
	for _, line := range lines {
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, " ") && curKey != "" {
			headers[curKey] += strings.TrimPrefix(line, " ")
			continue
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		headers[key] = val
		curKey = key
	}
	return headers, nil
}

func splitNativeLibraries(headers map[string]string) []string {
	raw, ok := headers["Bundle-NativeCode"]
	if !ok || raw == "" {
		return nil
	}
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		// each clause may carry ";osname=...;processor=..." selectors; the
		// library path is the portion before the first ';'.
		path := strings.TrimSpace(strings.SplitN(entry, ";", 2)[0])
		if path != "" && path != "*" {
			out = append(out, path)
		}
	}
	return out
}

// errNoSuchEntry is returned by Entry when the named resource is absent.
func errNoSuchEntry(name string) error {
	return fmt.Errorf("revision: no such entry %q", name)
}

// cleanEntryName normalizes a requested entry name to a slash-separated,
// non-absolute path, rejecting attempts to escape the revision root.
func cleanEntryName(name string) (string, error) {
	cleaned := filepath.ToSlash(filepath.Clean(name))
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("revision: entry name escapes root: %q", name)
	}
	return cleaned, nil
}

// --- Directory ---

// DirectoryRevision serves content directly from an exploded directory on
// disk, in place (no copy).
type DirectoryRevision struct {
	location string
	root     string
	headers  map[string]string
}

// NewDirectory builds a DirectoryRevision rooted at root.
func NewDirectory(location, root string) (*DirectoryRevision, error) {
	d := &DirectoryRevision{location: location, root: root}
	f, err := os.Open(filepath.Join(root, manifestEntryName))
	if err != nil {
		if os.IsNotExist(err) {
			d.headers = map[string]string{}
			return d, nil
		}
		return nil, err
	}
	defer f.Close()
	headers, err := parseManifest(f)
	if err != nil {
		return nil, err
	}
	d.headers = headers
	return d, nil
}

func (d *DirectoryRevision) Type() Type        { return TypeDirectory }
func (d *DirectoryRevision) Location() string  { return d.location }
func (d *DirectoryRevision) Root() string      { return d.root }
func (d *DirectoryRevision) Headers() (map[string]string, error) {
	return d.headers, nil
}

func (d *DirectoryRevision) Entry(name string) (io.ReadCloser, error) {
	clean, err := cleanEntryName(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(d.root, filepath.FromSlash(clean)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errNoSuchEntry(name)
		}
		return nil, err
	}
	return f, nil
}

func (d *DirectoryRevision) HasEntry(name string) bool {
	clean, err := cleanEntryName(name)
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(d.root, filepath.FromSlash(clean)))
	return err == nil
}

func (d *DirectoryRevision) NativeLibraries() []string { return splitNativeLibraries(d.headers) }
func (d *DirectoryRevision) Close() error              { return nil }

// --- Jar / ReferencedJar ---

// JarRevision serves content from a zip archive. When referenced is true,
// the archive is used in place (ReferencedJar); otherwise it was copied
// into the bundle cache by the caller before NewJar was called.
type JarRevision struct {
	location   string
	root       string // path to the jar file itself
	referenced bool
	headers    map[string]string
	zr         *zip.ReadCloser
	index      map[string]*zip.File
}

// NewJar opens the zip archive at path. If referenced, the revision is
// marked TypeReferencedJar; otherwise TypeJar.
func NewJar(location, path string, referenced bool) (*JarRevision, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("revision: open jar %s: %w", path, err)
	}
	j := &JarRevision{
		location:   location,
		root:       path,
		referenced: referenced,
		zr:         zr,
		index:      map[string]*zip.File{},
	}
	for _, f := range zr.File {
		j.index[strings.TrimPrefix(filepath.ToSlash(f.Name), "/")] = f
	}
	if mf, ok := j.index[manifestEntryName]; ok {
		rc, err := mf.Open()
		if err != nil {
			zr.Close()
			return nil, err
		}
		headers, err := parseManifest(rc)
		rc.Close()
		if err != nil {
			zr.Close()
			return nil, err
		}
		j.headers = headers
	} else {
		j.headers = map[string]string{}
	}
	return j, nil
}

func (j *JarRevision) Type() Type {
	if j.referenced {
		return TypeReferencedJar
	}
	return TypeJar
}

func (j *JarRevision) Location() string { return j.location }
func (j *JarRevision) Root() string     { return j.root }
func (j *JarRevision) Headers() (map[string]string, error) {
	return j.headers, nil
}

func (j *JarRevision) Entry(name string) (io.ReadCloser, error) {
	clean, err := cleanEntryName(name)
	if err != nil {
		return nil, err
	}
	f, ok := j.index[clean]
	if !ok {
		return nil, errNoSuchEntry(name)
	}
	return f.Open()
}

func (j *JarRevision) HasEntry(name string) bool {
	clean, err := cleanEntryName(name)
	if err != nil {
		return false
	}
	_, ok := j.index[clean]
	return ok
}

func (j *JarRevision) NativeLibraries() []string { return splitNativeLibraries(j.headers) }

func (j *JarRevision) Close() error {
	if j.zr != nil {
		return j.zr.Close()
	}
	return nil
}

// --- InputStream ---

// InputStreamRevision wraps a JarRevision built from content that was
// copied out of an in-memory install stream. It behaves identically to a
// non-referenced Jar revision (spec §4.1: "treat as Jar" after the copy)
// but reports TypeInputStream so callers can tell how the content arrived.
type InputStreamRevision struct {
	*JarRevision
}

// NewInputStream wraps an already-copied jar file at path as an
// InputStreamRevision.
func NewInputStream(location, path string) (*InputStreamRevision, error) {
	jr, err := NewJar(location, path, false)
	if err != nil {
		return nil, err
	}
	return &InputStreamRevision{JarRevision: jr}, nil
}

func (i *InputStreamRevision) Type() Type { return TypeInputStream }
