package resolver

import (
	"strings"

	"github.com/modulehost/framework/module"
)

// DefaultManifestParser turns OSGi-style manifest headers (Bundle-
// SymbolicName, Bundle-Version, Export-Package, Import-Package,
// Require-Bundle) into a module.Definition. It implements ManifestParser
// and is the one concrete parser this package supplies, since manifest
// parsing is itself an external-collaborator contract per spec §1.
type DefaultManifestParser struct{}

// Parse implements ManifestParser.
func (DefaultManifestParser) Parse(headers map[string]string, nativeLibraries []string) (*module.Definition, error) {
	def := &module.Definition{
		SymbolicName:    headers["Bundle-SymbolicName"],
		Version:         headerVersion(headers["Bundle-Version"]),
		NativeLibraries: nativeLibraries,
	}

	for _, clause := range splitClauses(headers["Export-Package"]) {
		name, attrs := parseClause(clause)
		if name == "" {
			continue
		}
		def.Capabilities = append(def.Capabilities, module.Capability{
			Namespace:  "package",
			Attributes: map[string]string{"name": name, "version": attrs["version"]},
		})
	}

	for _, clause := range splitClauses(headers["Import-Package"]) {
		name, attrs := parseClause(clause)
		if name == "" {
			continue
		}
		def.Requirements = append(def.Requirements, module.Requirement{
			Namespace: "package",
			Filter:    importFilter(name, attrs["version"]),
		})
	}

	if name, _ := parseClause(def.SymbolicName); name != "" {
		def.Capabilities = append(def.Capabilities, module.Capability{
			Namespace:  "bundle",
			Attributes: map[string]string{"name": name, "version": def.Version},
		})
	}

	for _, clause := range splitClauses(headers["Require-Bundle"]) {
		name, attrs := parseClause(clause)
		if name == "" {
			continue
		}
		def.Requirements = append(def.Requirements, module.Requirement{
			Namespace: "bundle",
			Filter:    importFilter(name, attrs["bundle-version"]),
		})
	}

	for _, clause := range splitClauses(headers["DynamicImport-Package"]) {
		name, _ := parseClause(clause)
		if name == "" {
			continue
		}
		def.Requirements = append(def.Requirements, module.Requirement{
			Namespace: "package",
			Filter:    name,
			Dynamic:   true,
		})
	}

	return def, nil
}

func headerVersion(v string) string {
	if v == "" {
		return "0.0.0"
	}
	return v
}

func importFilter(name, version string) string {
	if version == "" {
		return name
	}
	return name + ">=" + version
}

// splitClauses splits a comma-separated manifest header value, respecting
// double-quoted segments so that version ranges like
// "pkg;version=\"[1.0,2.0)\"" do not get split on an internal comma.
func splitClauses(raw string) []string {
	if raw == "" {
		return nil
	}
	var clauses []string
	var cur strings.Builder
	inQuotes := false
	for _, r := range raw {
		switch r {
		case '"':
			inQuotes = !inQuotes
			cur.WriteRune(r)
		case ',':
			if inQuotes {
				cur.WriteRune(r)
			} else {
				clauses = append(clauses, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		clauses = append(clauses, cur.String())
	}
	return clauses
}

// parseClause splits one "name;attr=value;attr2=value2" clause into its
// package/bundle name and a flat attribute map. Directives (":="-valued)
// are folded in alongside attributes since this parser does not
// distinguish resolution directives from matching attributes.
func parseClause(clause string) (string, map[string]string) {
	parts := strings.Split(clause, ";")
	name := strings.TrimSpace(parts[0])
	attrs := map[string]string{}
	for _, p := range parts[1:] {
		p = strings.TrimSpace(p)
		sep := "="
		if strings.Contains(p, ":=") {
			sep = ":="
		}
		kv := strings.SplitN(p, sep, 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		val := strings.Trim(strings.TrimSpace(kv[1]), `"`)
		attrs[strings.ToLower(key)] = val
	}
	return name, attrs
}
