// Copyright 2024 The capcore Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides basic infrastructure to set configuration settings
// for core. Each setting is a flag, and may also be given in a TOML
// configuration file.
package config

import (
	"fmt"
	"reflect"

	"github.com/mohae/deepcopy"

	"capcore.dev/capcore/pkg/core"
	"capcore.dev/capcore/pkg/log"
	"capcore.dev/capcore/pkg/platform"
)

// Config holds configuration that is not part of the boot workload.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name and, if the setting may come from a
//     configuration file, a toml tag.
//  3. Register a new flag in flags.go, with name and description.
//  4. Add any necessary validation into validate().
type Config struct {
	// ConfigFile is the path of a TOML file holding settings. Flags set on
	// the command line take precedence over the file.
	ConfigFile string `flag:"config" toml:"-"`

	// Platform is the kernel ABI to boot on.
	Platform string `flag:"platform" toml:"platform"`

	// NumCPUs is the number of CPUs.
	NumCPUs int `flag:"cpus" toml:"cpus"`

	// MemorySize is the size of untyped memory in bytes.
	MemorySize uint64 `flag:"memory" toml:"memory"`

	// CSpaceSizeLog2 is the size of the core capability space.
	CSpaceSizeLog2 uint `flag:"cspace-bits" toml:"cspace_bits"`

	// PagerThreads is the number of pager threads. Zero means one per CPU.
	PagerThreads int `flag:"pager-threads" toml:"pager_threads"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug" toml:"debug"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log" toml:"log"`

	// LogFormat is the log format: text or json.
	LogFormat string `flag:"log-format" toml:"log_format"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr" toml:"alsologtostderr"`
}

func (c *Config) validate() error {
	if _, err := platform.Lookup(c.Platform); err != nil {
		return err
	}
	if c.NumCPUs <= 0 {
		return fmt.Errorf("cpus must be positive, got: %d", c.NumCPUs)
	}
	if c.MemorySize == 0 || c.MemorySize%(1<<12) != 0 {
		return fmt.Errorf("memory must be a positive multiple of the page size, got: %d", c.MemorySize)
	}
	if c.CSpaceSizeLog2 < 4 || c.CSpaceSizeLog2 > 16 {
		return fmt.Errorf("cspace-bits must be in [4, 16], got: %d", c.CSpaceSizeLog2)
	}
	if c.PagerThreads < 0 {
		return fmt.Errorf("pager-threads must not be negative, got: %d", c.PagerThreads)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	return nil
}

// Copy returns a deep copy of c.
func (c *Config) Copy() *Config {
	return deepcopy.Copy(c).(*Config)
}

// Core returns the boot configuration of core.
func (c *Config) Core() core.Config {
	return core.Config{
		Platform:       c.Platform,
		NumCPUs:        c.NumCPUs,
		MemorySize:     c.MemorySize,
		CSpaceSizeLog2: c.CSpaceSizeLog2,
		PagerThreads:   c.PagerThreads,
	}
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		log.Infof("\t%s: %v", st.Field(i).Name, obj.Field(i).Interface())
	}
}
