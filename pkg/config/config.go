// Copyright 2024 The ysos Authors.
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

// Package config loads the boot-time configuration: where the app
// archive lives, the stack geometry, and the logging level. gVisor's own
// runsc/config builds its Config from command-line flags instead of a
// file; this simulator boots headless, so a TOML file is the natural
// place for the same kind of settings to live.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

// Config is the boot configuration read from disk before the kernel
// brings up the process manager.
type Config struct {
	// AppDir is the directory scanned for *.elf app binaries
	// (bootinfo.AppTable's source).
	AppDir string `toml:"app_dir"`

	// LogLevel is parsed with logrus.ParseLevel ("debug", "info", "warn",
	// "error").
	LogLevel string `toml:"log_level"`

	// StackDefPages is how many pages a freshly spawned process's stack
	// starts with, overriding kernel.StackDefPages if positive.
	StackDefPages int `toml:"stack_def_pages"`

	// TickHz is the simulated timer interrupt frequency at which
	// cmd/ysosd's scheduler loop calls SaveCurrent/SwitchNext.
	TickHz int `toml:"tick_hz"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		AppDir:        "apps",
		LogLevel:      "info",
		StackDefPages: 1,
		TickHz:        50,
	}
}

// Load reads and decodes a TOML config file at path on top of Default():
// any field the file does not set keeps its Default() value.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyLogging sets logrus's level from cfg.LogLevel, falling back to Info
// and warning if the level string doesn't parse.
func ApplyLogging(cfg Config) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logrus.WithField("log_level", cfg.LogLevel).Warn("unrecognized log level, defaulting to info")
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}
