// Copyright 2026 The gVisor Authors.
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
// for vmsim. Each setting is a command line flag; a TOML file named by
// --config may supply values for flags not given on the command line.
package config

import (
	"fmt"
	"io"

	"github.com/mohae/deepcopy"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/refs"
	"vmcore.dev/vmcore/pkg/sentry/mm"
)

// Config holds configuration that is not part of a simulated process's
// state.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name.
//  3. Register a new flag in flags.go, with the same name and add a
//     description.
//  4. Add any necessary validation into validate().
//  5. If the flag can be set from a configuration file, nothing else is
//     needed: files are applied through the registered flag.
type Config struct {
	// ConfigFile is the path to a TOML file whose [flags] table supplies
	// values for flags not set on the command line.
	ConfigFile string `flag:"config"`

	// LogFormat is the log format, "text" or "json".
	LogFormat string `flag:"log-format"`

	// DebugLog is the path pattern of the log file. It may contain
	// %COMMAND% and %TIMESTAMP%, and names a directory if it ends in '/'.
	// Logs go to stderr if it is empty.
	DebugLog string `flag:"debug-log"`

	// Debug enables debug logging.
	Debug bool `flag:"debug"`

	// ReferenceLeak sets reference leak check mode.
	ReferenceLeak refs.LeakMode `flag:"ref-leak-mode"`

	// CacheFrames is the capacity of the page frame cache. Zero selects the
	// cache's default.
	CacheFrames int `flag:"cache-frames"`

	// MaxAreas is the maximum number of areas per address space. Zero means
	// unlimited.
	MaxAreas int `flag:"max-areas"`

	// MinAddr and MaxAddr bound the user address range, [MinAddr, MaxAddr).
	MinAddr uint64 `flag:"min-addr"`
	MaxAddr uint64 `flag:"max-addr"`
}

func (c *Config) validate() error {
	if _, err := log.ParseFormat(c.LogFormat, io.Discard); err != nil {
		return err
	}
	if c.CacheFrames < 0 {
		return fmt.Errorf("--cache-frames must be non-negative, got %d", c.CacheFrames)
	}
	if !hostarch.Addr(c.MinAddr).IsPageAligned() || !hostarch.Addr(c.MaxAddr).IsPageAligned() {
		return fmt.Errorf("user address bounds must be page aligned, got [%#x, %#x)", c.MinAddr, c.MaxAddr)
	}
	if err := c.Layout().Valid(); err != nil {
		return fmt.Errorf("invalid user address layout: %w", err)
	}
	return nil
}

// Layout returns the address space layout described by c.
func (c *Config) Layout() mm.Layout {
	return mm.Layout{
		MinPage:  hostarch.Addr(c.MinAddr).PageNumber(),
		MaxPage:  hostarch.Addr(c.MaxAddr).PageNumber(),
		MaxAreas: c.MaxAreas,
	}
}

// Copy returns a deep copy of c.
func (c *Config) Copy() *Config {
	return deepcopy.Copy(c).(*Config)
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	log.Infof("\t\tLogFormat: %s", c.LogFormat)
	log.Infof("\t\tDebugLog: %s", c.DebugLog)
	log.Infof("\t\tDebug: %t", c.Debug)
	log.Infof("\t\tReferenceLeak: %v", c.ReferenceLeak)
	log.Infof("\t\tCacheFrames: %d", c.CacheFrames)
	log.Infof("\t\tMaxAreas: %d", c.MaxAreas)
	log.Infof("\t\tUser range: [%#x, %#x)", c.MinAddr, c.MaxAddr)
}
