package config

import "testing"

func TestDefaultInjectsDefaults(t *testing.T) {
	c := Default()
	if c.StartLevel.Framework != defaultStartLevelFramework {
		t.Errorf("expected default framework start level %d, got %d", defaultStartLevelFramework, c.StartLevel.Framework)
	}
	if c.StartLevel.Bundle != defaultStartLevelBundle {
		t.Errorf("expected default bundle start level %d, got %d", defaultStartLevelBundle, c.StartLevel.Bundle)
	}
	if c.Cache.BufSize != defaultCacheBufSize {
		t.Errorf("expected default cache bufsize %d, got %d", defaultCacheBufSize, c.Cache.BufSize)
	}
}

func TestParseOverridesDefaults(t *testing.T) {
	raw := []byte(`
startlevel:
  framework: 5
  bundle: 2
cache:
  bufsize: 8192
  dir: /var/lib/framework
system_bundle:
  activators: ["a", "b"]
`)
	c, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.StartLevel.Framework != 5 {
		t.Errorf("expected framework start level 5, got %d", c.StartLevel.Framework)
	}
	if c.StartLevel.Bundle != 2 {
		t.Errorf("expected bundle start level 2, got %d", c.StartLevel.Bundle)
	}
	if c.Cache.BufSize != 8192 {
		t.Errorf("expected cache bufsize 8192, got %d", c.Cache.BufSize)
	}
	if c.Cache.Dir != "/var/lib/framework" {
		t.Errorf("expected cache dir to be set, got %q", c.Cache.Dir)
	}
	if len(c.SystemBundle.Activators) != 2 {
		t.Errorf("expected 2 activators, got %v", c.SystemBundle.Activators)
	}
}

func TestParseEmptyInputStillInjectsDefaults(t *testing.T) {
	c, err := Parse(nil)
	if err != nil {
		t.Fatalf("parse nil: %v", err)
	}
	if c.StartLevel.Framework != defaultStartLevelFramework {
		t.Errorf("expected default applied to empty input, got %d", c.StartLevel.Framework)
	}
}

func TestParseRejectsInvalidYAML(t *testing.T) {
	_, err := Parse([]byte("system_bundle: [unterminated"))
	if err == nil {
		t.Fatal("expected an error for malformed input")
	}
}

func TestParseDefaultsMissingKeyAndKeepsExplicitValue(t *testing.T) {
	// startlevel.framework explicitly absent from input; injectDefaults
	// should still apply since the zero value is indistinguishable from
	// "not set" for an int field.
	raw := []byte(`cache:
  bufsize: 1
`)
	c, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.StartLevel.Framework != defaultStartLevelFramework {
		t.Errorf("expected default framework start level, got %d", c.StartLevel.Framework)
	}
	if c.Cache.BufSize != 1 {
		t.Errorf("expected explicit bufsize 1 to be preserved, got %d", c.Cache.BufSize)
	}
}

func TestExecutionEnvironmentsParsesCommaSeparatedList(t *testing.T) {
	c := Default()
	c.Framework.ExecutionEnvironment = "JavaSE-11, JavaSE-17 ,OSGi/Minimum-1.2"
	envs := c.ExecutionEnvironments()
	want := []string{"JavaSE-11", "JavaSE-17", "OSGi/Minimum-1.2"}
	if len(envs) != len(want) {
		t.Fatalf("expected %d environments, got %v", len(want), envs)
	}
	for i, w := range want {
		if envs[i] != w {
			t.Errorf("index %d: expected %q, got %q", i, w, envs[i])
		}
	}
}

func TestExecutionEnvironmentsEmptyReturnsNil(t *testing.T) {
	c := Default()
	if envs := c.ExecutionEnvironments(); envs != nil {
		t.Errorf("expected nil for an unset execution environment, got %v", envs)
	}
}
