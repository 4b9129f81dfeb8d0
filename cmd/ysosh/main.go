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

// Command ysosh is the interactive shell: a REPL over
// ps/lsapp/exec/kill/clear/exit/sleep/help, each
// implemented as a subcommands.Command the way runsc/cli registers one
// Command per verb.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/console"
	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/ysos-go/ysos/pkg/config"
	"github.com/ysos-go/ysos/pkg/kernel/bootinfo"
	"github.com/ysos-go/ysos/pkg/kernel/manager"
	"github.com/ysos-go/ysos/pkg/kernel/pid"
)

type shell struct {
	mgr  *manager.Manager
	apps *bootinfo.AppTable
}

type psCmd struct{ sh *shell }

func (*psCmd) Name() string             { return "ps" }
func (*psCmd) Synopsis() string         { return "list processes" }
func (*psCmd) Usage() string            { return "ps\n" }
func (*psCmd) SetFlags(*flag.FlagSet)   {}
func (c *psCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	fmt.Print(c.sh.mgr.PrintProcessList())
	return subcommands.ExitSuccess
}

type lsAppCmd struct{ sh *shell }

func (*lsAppCmd) Name() string           { return "lsapp" }
func (*lsAppCmd) Synopsis() string       { return "list available apps" }
func (*lsAppCmd) Usage() string          { return "lsapp\n" }
func (*lsAppCmd) SetFlags(*flag.FlagSet) {}
func (c *lsAppCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	for _, name := range c.sh.apps.Names() {
		fmt.Println(name)
	}
	return subcommands.ExitSuccess
}

type execCmd struct{ sh *shell }

func (*execCmd) Name() string           { return "exec" }
func (*execCmd) Synopsis() string       { return "spawn an app by name" }
func (*execCmd) Usage() string          { return "exec <app>\n" }
func (*execCmd) SetFlags(*flag.FlagSet) {}
func (c *execCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	app, ok := c.sh.apps.Get(f.Arg(0))
	if !ok {
		fmt.Fprintf(os.Stderr, "no such app: %s\n", f.Arg(0))
		return subcommands.ExitFailure
	}
	id, err := c.sh.mgr.Spawn(app.Name, app.ELF, nil, func(s string) { fmt.Print(s) })
	if err != nil {
		fmt.Fprintf(os.Stderr, "exec failed: %v\n", err)
		return subcommands.ExitFailure
	}
	fmt.Printf("spawned pid %s\n", id)
	return subcommands.ExitSuccess
}

type killCmd struct{ sh *shell }

func (*killCmd) Name() string           { return "kill" }
func (*killCmd) Synopsis() string       { return "kill a process by pid" }
func (*killCmd) Usage() string          { return "kill <pid>\n" }
func (*killCmd) SetFlags(*flag.FlagSet) {}
func (c *killCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	n, err := strconv.ParseUint(f.Arg(0), 10, 16)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad pid: %v\n", err)
		return subcommands.ExitUsageError
	}
	c.sh.mgr.Kill(pid.ProcessId(n), -1)
	return subcommands.ExitSuccess
}

type clearCmd struct{}

func (*clearCmd) Name() string           { return "clear" }
func (*clearCmd) Synopsis() string       { return "clear the screen" }
func (*clearCmd) Usage() string          { return "clear\n" }
func (*clearCmd) SetFlags(*flag.FlagSet) {}
func (*clearCmd) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	fmt.Print("\033[H\033[2J")
	return subcommands.ExitSuccess
}

type sleepCmd struct{}

func (*sleepCmd) Name() string           { return "sleep" }
func (*sleepCmd) Synopsis() string       { return "sleep for N milliseconds" }
func (*sleepCmd) Usage() string          { return "sleep <ms>\n" }
func (*sleepCmd) SetFlags(*flag.FlagSet) {}
func (*sleepCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	ms, err := strconv.Atoi(f.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad duration: %v\n", err)
		return subcommands.ExitUsageError
	}
	time.Sleep(time.Duration(ms) * time.Millisecond)
	return subcommands.ExitSuccess
}

type exitCmd struct{}

func (*exitCmd) Name() string           { return "exit" }
func (*exitCmd) Synopsis() string       { return "exit the shell" }
func (*exitCmd) Usage() string          { return "exit\n" }
func (*exitCmd) SetFlags(*flag.FlagSet) {}
func (*exitCmd) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	os.Exit(0)
	return subcommands.ExitSuccess
}

func main() {
	cfg := config.Default()
	if path := os.Getenv("YSOSH_CONFIG"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			logrus.WithError(err).Fatal("loading config")
		}
		cfg = loaded
	}
	config.ApplyLogging(cfg)

	apps := bootinfo.NewAppTable(cfg.AppDir)
	if err := apps.Load(); err != nil {
		logrus.WithError(err).Warn("loading app table")
	}

	sh := &shell{mgr: manager.New(), apps: apps}

	cur, err := console.ConsoleFromFile(os.Stdin)
	if err == nil {
		if sz, err := cur.Size(); err == nil {
			logrus.WithField("cols", sz.Width).Debug("attached to console")
		}
	}

	scanner := bufio.NewScanner(os.Stdin)
	ctx := context.Background()
	for {
		fmt.Print("ysos> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		fs := flag.NewFlagSet("ysosh", flag.ContinueOnError)
		cmdr := subcommands.NewCommander(fs, "ysosh")
		cmdr.Register(cmdr.HelpCommand(), "")
		cmdr.Register(&psCmd{sh}, "")
		cmdr.Register(&lsAppCmd{sh}, "")
		cmdr.Register(&execCmd{sh}, "")
		cmdr.Register(&killCmd{sh}, "")
		cmdr.Register(&clearCmd{}, "")
		cmdr.Register(&sleepCmd{}, "")
		cmdr.Register(&exitCmd{}, "")

		fs.Parse(strings.Fields(line))
		cmdr.Execute(ctx)
	}
}
