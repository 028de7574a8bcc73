// Package config is used to load the configuration file
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const defaultMinPatches = 1

// Backend names an assembler implementation.
type Backend string

const (
	Native Backend = "native"
	LLVM   Backend = "llvm"
	Auto   Backend = "auto"
)

// UnmarshalText accepts a backend name in any case.
func (b *Backend) UnmarshalText(text []byte) error {
	switch v := Backend(strings.ToLower(strings.TrimSpace(string(text)))); v {
	case "", Native, LLVM, Auto:
		*b = v
		return nil
	default:
		return fmt.Errorf("unknown assembler backend %q (expected native, llvm or auto)", text)
	}
}

// Assembler selects the shellcode assembler.
type Assembler struct {
	Backend Backend `mapstructure:"backend" json:"backend"`
	LLVMMC  string `mapstructure:"llvm-mc" json:"llvm_mc"`
}

// Component overrides one driver component.
type Component struct {
	Path       string `mapstructure:"path" json:"path"`
	Skip       bool   `mapstructure:"skip" json:"skip"`
	MinPatches int    `mapstructure:"min-patches" json:"min_patches"`
}

// JB configures the bundle driver.
type JB struct {
	// BasePatch is the command run on the VM directory before the extension
	// components. Empty skips the base pass.
	BasePatch  string               `mapstructure:"base-patch" json:"base_patch"`
	MinPatches int                  `mapstructure:"min-patches" json:"min_patches"`
	Components map[string]Component `mapstructure:"components" json:"components"`
}

// Config is the configuration struct
type Config struct {
	Assembler Assembler `mapstructure:"assembler" json:"assembler"`
	JB        JB        `mapstructure:"jb" json:"jb"`
	Context   int       `mapstructure:"context" json:"context"`
}

// Component returns the overrides for the named driver component.
func (c *Config) Component(name string) (path string, skip bool, minPatches int) {
	minPatches = c.JB.MinPatches
	cc, ok := c.JB.Components[strings.ToLower(name)]
	if !ok {
		return "", false, minPatches
	}
	if cc.MinPatches > 0 {
		minPatches = cc.MinPatches
	}
	return cc.Path, cc.Skip, minPatches
}

func (c *Config) verify() error {
	if c.Assembler.Backend == "" {
		c.Assembler.Backend = Native
	}
	if c.Assembler.LLVMMC != "" {
		if _, err := os.Stat(c.Assembler.LLVMMC); err != nil {
			return fmt.Errorf("config: llvm-mc path: %v", err)
		}
	}
	if c.JB.MinPatches < 0 {
		return fmt.Errorf("config: jb.min-patches must not be negative")
	} else if c.JB.MinPatches == 0 {
		c.JB.MinPatches = defaultMinPatches
	}
	for name, cc := range c.JB.Components {
		if cc.MinPatches < 0 {
			return fmt.Errorf("config: jb.components.%s.min-patches must not be negative", name)
		}
	}
	if c.Context < 0 {
		return fmt.Errorf("config: context must not be negative")
	}
	return nil
}

// LoadConfig loads the configuration file
func LoadConfig() (*Config, error) {
	var c *Config

	if err := viper.Unmarshal(&c, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %v", err)
	}
	if c == nil {
		c = &Config{}
	}

	if err := c.verify(); err != nil {
		return nil, fmt.Errorf("config: failed to verify: %v", err)
	}

	return c, nil
}
