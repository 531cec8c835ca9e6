package resolver

import (
	"testing"

	"github.com/modulehost/framework/module"
)

func newModule(id int64, caps []module.Capability, reqs []module.Requirement) *module.Module {
	return &module.Module{
		BundleID:      id,
		RevisionIndex: 0,
		Definition: &module.Definition{
			Capabilities: caps,
			Requirements: reqs,
		},
	}
}

func TestSimpleResolverWiresNewestExporter(t *testing.T) {
	exporterOld := newModule(1, []module.Capability{
		{Namespace: "package", Attributes: map[string]string{"name": "p", "version": "1.0.0"}},
	}, nil)
	exporterNew := newModule(2, []module.Capability{
		{Namespace: "package", Attributes: map[string]string{"name": "p", "version": "2.0.0"}},
	}, nil)
	importer := newModule(3, nil, []module.Requirement{
		{Namespace: "package", Filter: "p"},
	})

	graph := module.NewGraph()
	graph.Add(exporterOld)
	graph.Add(exporterNew)
	graph.Add(importer)

	r := NewSimpleResolver(nil)
	candidates := []*module.Module{exporterOld, exporterNew, importer}
	wiring, err := r.Resolve(importer, candidates)
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if len(wiring.Satisfied) != 1 {
		t.Fatalf("expected exactly one satisfied requirement, got %d", len(wiring.Satisfied))
	}
	cap, ok := wiring.Satisfied[exporterNew.Index()]
	if !ok {
		t.Fatal("expected wiring to the newest exporter, not the older one")
	}
	if cap.Attributes["version"] != "2.0.0" {
		t.Fatalf("expected version 2.0.0, got %s", cap.Attributes["version"])
	}
}

func TestSimpleResolverFailsOnUnsatisfiedMandatoryRequirement(t *testing.T) {
	importer := newModule(1, nil, []module.Requirement{
		{Namespace: "package", Filter: "missing"},
	})
	graph := module.NewGraph()
	graph.Add(importer)

	r := NewSimpleResolver(nil)
	_, err := r.Resolve(importer, []*module.Module{importer})
	if err == nil {
		t.Fatal("expected resolve to fail for an unsatisfied mandatory requirement")
	}
}

func TestSimpleResolverDynamicRequirementNeverFailsResolution(t *testing.T) {
	importer := newModule(1, nil, []module.Requirement{
		{Namespace: "package", Filter: "missing", Dynamic: true},
	})
	graph := module.NewGraph()
	graph.Add(importer)

	r := NewSimpleResolver(nil)
	wiring, err := r.Resolve(importer, []*module.Module{importer})
	if err != nil {
		t.Fatalf("dynamic requirement should not fail resolution: %v", err)
	}
	if len(wiring.Satisfied) != 0 {
		t.Fatalf("expected no satisfied requirements, got %d", len(wiring.Satisfied))
	}
}

func TestSimpleResolverVersionRangeFilter(t *testing.T) {
	tooOld := newModule(1, []module.Capability{
		{Namespace: "package", Attributes: map[string]string{"name": "p", "version": "1.0.0"}},
	}, nil)
	justRight := newModule(2, []module.Capability{
		{Namespace: "package", Attributes: map[string]string{"name": "p", "version": "2.0.0"}},
	}, nil)
	importer := newModule(3, nil, []module.Requirement{
		{Namespace: "package", Filter: "p>=2.0.0"},
	})
	graph := module.NewGraph()
	graph.Add(tooOld)
	graph.Add(justRight)
	graph.Add(importer)

	r := NewSimpleResolver(nil)
	wiring, err := r.Resolve(importer, []*module.Module{tooOld, justRight, importer})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := wiring.Satisfied[justRight.Index()]; !ok {
		t.Fatal("expected wiring to the module meeting the version floor")
	}
}
