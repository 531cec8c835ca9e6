// Package resolver defines the external collaborator contracts spec §1
// treats as out of scope for this container — dependency resolution,
// manifest parsing, and the service registry — and supplies one default,
// swappable Resolver implementation so the engine can be exercised end to
// end without a production-grade resolver wired in.
package resolver

import (
	"fmt"
	"sort"
	"strings"

	"github.com/modulehost/framework/errs"
	"github.com/modulehost/framework/module"
)

// Resolver computes a module's wiring against the set of candidate modules
// supplied by the caller. Production implementations typically also
// maintain their own view of the module graph and drive a resolver-listener
// callback; this package only models the synchronous contract the
// lifecycle engine depends on (spec §1, §4.4 "_resolve").
type Resolver interface {
	// Resolve wires target's requirements against candidates (every
	// currently installed module, including target itself) and returns the
	// resulting Wiring, or a BundleFailure if some mandatory (non-dynamic)
	// requirement could not be satisfied.
	Resolve(target *module.Module, candidates []*module.Module) (*module.Wiring, error)
}

// ManifestParser yields a module.Definition from a revision's raw manifest
// headers (spec §1: "yielding capabilities, requirements, version,
// symbolic name, and native libraries"). The revision package already
// exposes raw headers and native-library listing; a ManifestParser turns
// those into the resolver-facing Definition shape.
type ManifestParser interface {
	Parse(headers map[string]string, nativeLibraries []string) (*module.Definition, error)
}

// ServiceRegistry is the register/lookup/unget contract the lifecycle
// engine calls into when cleaning up a stopped or uninstalled bundle's
// services (spec §1, §4.4 start/stop cleanup steps). Out of scope to
// implement; the engine only needs to call UnregisterAll/UngetAll during
// cleanup.
type ServiceRegistry interface {
	UnregisterAll(bundleID int64)
	UngetAll(bundleID int64)
}

// Listener receives resolver-driven state changes (spec §4.4 "Resolver
// listener"). Production resolvers call Resolved/Unresolved as wiring
// outcomes become known; SimpleResolver calls Resolved synchronously from
// within Resolve since it has no background worker of its own.
type Listener interface {
	Resolved(m *module.Module)
	Unresolved(m *module.Module)
}

// SimpleResolver is the supplemented default Resolver: it wires each
// requirement to the newest candidate module whose declared capability
// satisfies the requirement's namespace and a "name;version-range" filter
// of the form "name>=1.0.0", "name==1.0.0", or a bare "name" (any version).
// It performs no dynamic-import deferral: dynamic requirements are
// best-effort and never fail resolution.
type SimpleResolver struct {
	listener Listener
}

// NewSimpleResolver returns a SimpleResolver that notifies listener (which
// may be nil) of each resolved module.
func NewSimpleResolver(listener Listener) *SimpleResolver {
	return &SimpleResolver{listener: listener}
}

// Resolve implements Resolver.
func (r *SimpleResolver) Resolve(target *module.Module, candidates []*module.Module) (*module.Wiring, error) {
	if target.Definition == nil {
		return nil, errs.BundleFailuref("resolver: module %s has no definition", target.ID())
	}

	satisfied := map[int]module.Capability{}
	for _, req := range target.Definition.Requirements {
		name, minVersion, exact := parseFilter(req.Filter)

		var best *module.Module
		var bestCap module.Capability
		for _, cand := range candidates {
			if cand == target || cand.Definition == nil {
				continue
			}
			for _, cap := range cand.Definition.Capabilities {
				if cap.Namespace != req.Namespace {
					continue
				}
				if cap.Attributes["name"] != name && name != "" {
					continue
				}
				v := cap.Attributes["version"]
				if exact != "" && v != exact {
					continue
				}
				if minVersion != "" && compareVersions(v, minVersion) < 0 {
					continue
				}
				if best == nil || compareVersions(v, bestCap.Attributes["version"]) > 0 {
					best = cand
					bestCap = cap
				}
			}
		}

		if best == nil {
			if req.Dynamic {
				continue
			}
			return nil, errs.BundleFailuref("resolver: unresolved requirement %s for module %s", req.Namespace, target.ID())
		}
		satisfied[best.Index()] = bestCap
	}

	w := &module.Wiring{Satisfied: satisfied}
	if r.listener != nil {
		r.listener.Resolved(target)
	}
	return w, nil
}

// parseFilter splits a requirement filter of the form "name", "name==1.2.3"
// or "name>=1.2.3" into its parts. An empty name matches any capability of
// the requirement's namespace.
func parseFilter(filter string) (name, minVersion, exact string) {
	switch {
	case strings.Contains(filter, ">="):
		parts := strings.SplitN(filter, ">=", 2)
		return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), ""
	case strings.Contains(filter, "=="):
		parts := strings.SplitN(filter, "==", 2)
		return strings.TrimSpace(parts[0]), "", strings.TrimSpace(parts[1])
	default:
		return strings.TrimSpace(filter), "", ""
	}
}

// compareVersions compares two dotted-numeric version strings
// (major.minor.micro[.qualifier]), as used throughout OSGi-style manifests.
// Missing or unparsed segments compare as 0; this is sufficient for the
// "newest exporting module" tie-break SimpleResolver needs and is not a
// general-purpose semver comparator.
func compareVersions(a, b string) int {
	as := versionSegments(a)
	bs := versionSegments(b)
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		var av, bv int
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}
		if av != bv {
			return av - bv
		}
	}
	return 0
}

func versionSegments(v string) []int {
	if v == "" {
		return nil
	}
	fields := strings.SplitN(v, ".", 4)
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		f = strings.SplitN(f, "-", 2)[0]
		n := 0
		fmt.Sscanf(f, "%d", &n)
		out = append(out, n)
	}
	return out
}

// NewestExporting returns candidates that export name, sorted newest
// version first. Exposed for callers that need the same ordering
// SimpleResolver uses internally.
func NewestExporting(candidates []*module.Module, namespace, name string) []*module.Module {
	var out []*module.Module
	for _, c := range candidates {
		if c.Definition == nil {
			continue
		}
		for _, cap := range c.Definition.Capabilities {
			if cap.Namespace == namespace && cap.Attributes["name"] == name {
				out = append(out, c)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return compareVersions(exportedVersion(out[i], namespace, name), exportedVersion(out[j], namespace, name)) > 0
	})
	return out
}

func exportedVersion(m *module.Module, namespace, name string) string {
	for _, cap := range m.Definition.Capabilities {
		if cap.Namespace == namespace && cap.Attributes["name"] == name {
			return cap.Attributes["version"]
		}
	}
	return ""
}
