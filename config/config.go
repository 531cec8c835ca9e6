// Package config implements parsing and defaulting for the framework's
// configuration keys (spec §6). Configuration is accepted as YAML or JSON
// (JSON is a YAML subset, so a single unmarshal path covers both, following
// the corpus's dominant convention of YAML-first config files).
package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root framework configuration object.
type Config struct {
	SystemBundle     SystemBundleConfig `yaml:"system_bundle"`
	Log              LogConfig          `yaml:"log"`
	StartLevel       StartLevelConfig   `yaml:"startlevel"`
	Framework        FrameworkConfig    `yaml:"framework"`
	Cache            CacheConfig        `yaml:"cache"`
}

// SystemBundleConfig holds the activators invoked at system-bundle start/stop.
type SystemBundleConfig struct {
	Activators []string `yaml:"activators"`
}

// LogConfig controls the logger override.
type LogConfig struct {
	Logger string `yaml:"logger"`
	Level  string `yaml:"level"`
}

// StartLevelConfig sets the initial framework and default bundle start
// levels.
type StartLevelConfig struct {
	Framework int `yaml:"framework"`
	Bundle    int `yaml:"bundle"`
}

// FrameworkConfig groups the remaining framework-wide knobs.
type FrameworkConfig struct {
	ServiceURLHandlers  bool     `yaml:"service.urlhandlers"`
	StorageClean        string   `yaml:"storage.clean"`
	ExecutionEnvironment string  `yaml:"executionenvironment"`
}

// CacheConfig controls the on-disk bundle cache.
type CacheConfig struct {
	BufSize    int    `yaml:"bufsize"`
	Dir        string `yaml:"dir"`
	Profile    string `yaml:"profile"`
	ProfileDir string `yaml:"profiledir"`
}

const (
	defaultStartLevelFramework = 1
	defaultStartLevelBundle    = 1
	defaultCacheBufSize        = 4096

	// StorageCleanOnFirstInit is the value of framework.storage.clean that
	// flushes the cache on the first call to Init().
	StorageCleanOnFirstInit = "onFirstInit"
)

// Parse parses raw YAML/JSON bytes into a Config and injects defaults.
func Parse(raw []byte) (*Config, error) {
	var c Config
	if len(raw) > 0 {
		if err := yaml.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}
	c.injectDefaults()
	return &c, nil
}

// Default returns a Config with every default applied and no overrides.
func Default() *Config {
	c := &Config{}
	c.injectDefaults()
	return c
}

func (c *Config) injectDefaults() {
	if c.StartLevel.Framework == 0 {
		c.StartLevel.Framework = defaultStartLevelFramework
	}
	if c.StartLevel.Bundle == 0 {
		c.StartLevel.Bundle = defaultStartLevelBundle
	}
	if c.Cache.BufSize == 0 {
		c.Cache.BufSize = defaultCacheBufSize
	}
}

// ExecutionEnvironments returns the comma-separated
// framework.executionenvironment header parsed into a slice. An empty
// configuration means the framework advertises no execution environments.
func (c *Config) ExecutionEnvironments() []string {
	if strings.TrimSpace(c.Framework.ExecutionEnvironment) == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(c.Framework.ExecutionEnvironment, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
