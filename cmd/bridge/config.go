package main

import (
	"github.com/mewmew/bridge/abi"
	"github.com/mewmew/bridge/bin"
	"github.com/mewmew/bridge/catalog"
	"github.com/mewmew/bridge/state"
	"github.com/pkg/errors"
)

// Config is the session configuration of the bridge tool.
type Config struct {
	// Expected machine architecture of the catalog; empty to accept any.
	Arch string `yaml:"arch"`
	// Operating system; overrides the catalog if non-empty.
	OS string `yaml:"os"`
	// Default calling convention; overrides the catalog if non-empty.
	Conv string `yaml:"cc"`
	// Emulated state globals.
	State state.Config `yaml:"state"`
	// Trampoline generation policy.
	Policy Policy `yaml:"callbacks"`
}

// Policy specifies which trampolines to generate.
type Policy struct {
	// Generate exit points for internal functions without lifted translation.
	UnliftedExits bool `yaml:"unlifted_exits"`
	// Abort on the first failed generation; otherwise failures other than
	// catalog inconsistencies are reported as warnings.
	Strict bool `yaml:"strict"`
	// Additional entry points, by symbol name or address.
	Entries []string `yaml:"entries"`
	// Additional internal callbacks, by symbol name or address.
	Internal []string `yaml:"internal"`
	// Externals without exit points, by symbol name.
	Skip []string `yaml:"skip"`
}

// defaultConfig returns the default session configuration.
func defaultConfig() *Config {
	return &Config{
		State: state.DefaultConfig,
		Policy: Policy{
			UnliftedExits: true,
		},
	}
}

// loadConfig parses the given session configuration file. Settings missing
// from the file keep their default values.
func loadConfig(cfgPath string) (*Config, error) {
	cfg := defaultConfig()
	if err := parseYAML(cfgPath, cfg); err != nil {
		return nil, errors.WithStack(err)
	}
	if len(cfg.Arch) > 0 {
		if _, err := abi.ParseArch(cfg.Arch); err != nil {
			return nil, errors.Wrapf(err, "invalid configuration %q", cfgPath)
		}
	}
	if cfg.State.StackSize == 0 {
		cfg.State.StackSize = state.DefaultConfig.StackSize
	}
	return cfg, nil
}

// apply applies the configuration to the catalog.
func (cfg *Config) apply(cat *catalog.Catalog) error {
	if len(cfg.Arch) > 0 {
		arch, err := abi.ParseArch(cfg.Arch)
		if err != nil {
			return errors.WithStack(err)
		}
		if arch != cat.Arch {
			return errors.Errorf("architecture mismatch; expected %v, catalog has %v", arch, cat.Arch)
		}
	}
	if len(cfg.OS) > 0 {
		cat.OS = cfg.OS
	}
	if len(cfg.Conv) > 0 {
		if _, err := abi.Lookup(cat.Arch, cat.OS, cfg.Conv); err != nil {
			return errors.WithStack(err)
		}
		cat.Conv = cfg.Conv
	}
	return nil
}

// resolve returns the native objects of the catalog denoted by the given
// symbol names or addresses.
func resolve(cat *catalog.Catalog, refs []string) ([]*catalog.NativeObject, error) {
	var objs []*catalog.NativeObject
	for _, ref := range refs {
		if o, ok := cat.LookupName(ref); ok {
			objs = append(objs, o)
			continue
		}
		var addr bin.Addr
		if err := addr.Set(ref); err != nil {
			return nil, errors.Errorf("unable to locate native object %q", ref)
		}
		o, ok := cat.Lookup(addr)
		if !ok {
			return nil, errors.Errorf("unable to locate native object at %v", addr)
		}
		objs = append(objs, o)
	}
	return objs, nil
}
