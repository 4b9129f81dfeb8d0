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

// Command ysosd boots the simulated kernel: it loads configuration and
// the app table, brings up the process manager with the kernel process,
// spawns every app found in the app table, and runs until interrupted.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ysos-go/ysos/pkg/arch"
	"github.com/ysos-go/ysos/pkg/config"
	"github.com/ysos-go/ysos/pkg/kernel"
	"github.com/ysos-go/ysos/pkg/kernel/bootinfo"
	"github.com/ysos-go/ysos/pkg/kernel/manager"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML boot configuration file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logrus.WithError(err).Fatal("loading config")
		}
		cfg = loaded
	}
	config.ApplyLogging(cfg)
	kernel.SetStackDefPages(cfg.StackDefPages)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	apps := bootinfo.NewAppTable(cfg.AppDir)
	mgr := manager.New()

	// Loading the app table is the only bring-up step run through the
	// errgroup; boot fails fast if it errors rather than silently limping
	// along, the same bring-up pattern gVisor's sandbox process creation
	// uses for its concurrent setup steps. The group's derived context is
	// cancelled once Wait returns, so the scheduler and idle loop below
	// run on ctx instead.
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		return apps.Load()
	})
	if err := g.Wait(); err != nil {
		logrus.WithError(err).Fatal("boot failed")
	}

	for _, name := range apps.Names() {
		app, _ := apps.Get(name)
		id, err := mgr.Spawn(app.Name, app.ELF, nil, nil)
		if err != nil {
			logrus.WithError(err).WithField("app", name).Warn("failed to spawn boot app")
			continue
		}
		logrus.WithFields(logrus.Fields{"app": name, "pid": id}).Info("boot app spawned")
	}

	// live stands in for the CPU's current register file: a real timer
	// interrupt hands the trap handler this state directly, so one
	// ProcessContext shared across ticks is all the scheduler needs to
	// save the outgoing process and restore the incoming one into.
	var live arch.ProcessContext
	go runScheduler(ctx, mgr, &live, cfg.TickHz)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logrus.Info("shutting down")
			return
		case <-ticker.C:
			logrus.Debug("\n" + mgr.PrintProcessList())
		}
	}
}

// runScheduler paces the simulated timer interrupt at hz ticks per second
// and, on every tick, drives the same save_current/switch_next cycle a
// real trap return would: save the outgoing process's registers (and
// charge it a scheduler tick), then load the next ready process's saved
// registers into live.
func runScheduler(ctx context.Context, mgr *manager.Manager, live *arch.ProcessContext, hz int) {
	if hz <= 0 {
		hz = 1
	}
	limiter := rate.NewLimiter(rate.Limit(hz), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		mgr.SaveCurrent(live)
		if !mgr.SwitchNext(live) {
			logrus.Debug("timer tick: no runnable process, idling")
		}
	}
}
