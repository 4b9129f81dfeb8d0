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

// Package bootinfo models the boot-time inputs handed to the kernel but
// outside the process subsystem's own core. Only the app table (ELF
// images available to spawn/exec) is modeled; there is no memory map. A
// real loader derives it from the bootloader's BootInfo struct; here it
// is read from a directory of ELF files on disk, the shape the
// interactive shell's "lsapp"/"exec" commands need.
package bootinfo

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"github.com/ysos-go/ysos/pkg/elfloader"
)

// App is one entry of the app table: a name and its parsed ELF image.
type App struct {
	Name string
	ELF  *elfloader.Image
}

// AppTable is the set of ELF binaries the kernel can spawn by name,
// the boot-time analogue of an APP_NAMES table built from the boot app
// archive.
type AppTable struct {
	mu   sync.RWMutex
	apps map[string]*App
	dir  string
}

// NewAppTable returns an empty table rooted at dir (the directory Load
// will scan for *.elf files).
func NewAppTable(dir string) *AppTable {
	return &AppTable{apps: make(map[string]*App), dir: dir}
}

// Load (re)scans dir for *.elf files, replacing the table's contents. A
// file lock guards the scan against a concurrent writer replacing the app
// archive mid-read, mirroring gVisor's own use of gofrs/flock around
// shared config/state files (cli/main.go's lock file handling).
func (t *AppTable) Load() error {
	lockPath := filepath.Join(t.dir, ".apptable.lock")
	fl := flock.New(lockPath)
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("locking app table: %w", err)
	}
	defer fl.Unlock()

	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return fmt.Errorf("reading app directory %s: %w", t.dir, err)
	}

	apps := make(map[string]*App)
	for _, ent := range entries {
		if ent.IsDir() || filepath.Ext(ent.Name()) != ".elf" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(t.dir, ent.Name()))
		if err != nil {
			logrus.WithError(err).WithField("file", ent.Name()).Warn("skipping unreadable app")
			continue
		}
		img, err := elfloader.Parse(raw)
		if err != nil {
			logrus.WithError(err).WithField("file", ent.Name()).Warn("skipping unparseable app")
			continue
		}
		name := ent.Name()[:len(ent.Name())-len(".elf")]
		apps[name] = &App{Name: name, ELF: img}
	}

	t.mu.Lock()
	t.apps = apps
	t.mu.Unlock()
	return nil
}

// Get looks up an app by name.
func (t *AppTable) Get(name string) (*App, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a, ok := t.apps[name]
	return a, ok
}

// Names returns the known app names in sorted order, for list_app.
func (t *AppTable) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.apps))
	for n := range t.apps {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
