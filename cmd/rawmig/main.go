/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Command rawmig drives the raw-descriptor migration backend against a
// reference VM: it saves and restores state through files, descriptors and
// pipes, runs non-live dumps, and serves an admin endpoint that accepts
// descriptors over a unix socket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/rawmig/internal/debuglog"
	"github.com/srediag/rawmig/internal/metrics"
	"github.com/srediag/rawmig/pkg/migration"
)

var logger = debuglog.New("rawmig", os.Stderr)

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, env *env, args []string) error
}

var commands = []command{
	{"save", "save -dest DEST [-pages N]: migrate a VM out to a path or broker name", runSave},
	{"restore", "restore -src SRC [-pages N]: migrate a VM in from a descriptor number or path", runRestore},
	{"dump", "dump [-suspend] [-print] [-pages N]: non-live device state dump", runDump},
	{"serve", "serve [-addr ADDR] [-socket PATH] [-pages N]: admin endpoint and descriptor intake", runServe},
}

// env is what every command shares.
type env struct {
	cfg      *migration.Config
	registry *prometheus.Registry
	stats    *metrics.Collectors
}

func usage(fs *flag.FlagSet) func() {
	return func() {
		fmt.Fprintf(fs.Output(), "usage: rawmig [-config FILE] [-v LEVEL] COMMAND [flags]\n\ncommands:\n")
		for _, c := range commands {
			fmt.Fprintf(fs.Output(), "  %s\n", c.usage)
		}
		fmt.Fprintln(fs.Output())
		fs.PrintDefaults()
	}
}

func main() {
	fs := flag.NewFlagSet("rawmig", flag.ExitOnError)
	configPath := fs.String("config", "", "YAML configuration file")
	level := fs.Int("v", -1, "log level, 0 (trace) to 5 (silent)")
	fs.Usage = usage(fs)
	_ = fs.Parse(os.Args[1:])

	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(2)
	}

	if err := run(*configPath, *level, fs.Arg(0), fs.Args()[1:]); err != nil {
		logger.Errorf("%s: %v", fs.Arg(0), err)
		os.Exit(1)
	}
}

func run(configPath string, level int, name string, args []string) error {
	cfg := migration.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = migration.LoadConfig(configPath); err != nil {
			return err
		}
	}
	if level >= 0 {
		cfg.LogLevel = level
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	e := &env{cfg: cfg, registry: reg, stats: metrics.New(reg)}
	for _, c := range commands {
		if c.name == name {
			return c.run(ctx, e, args)
		}
	}
	return fmt.Errorf("unknown command %q", name)
}

var errUsage = errors.New("missing required flag")
