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

// Package cli is the main entrypoint for pkvmsim.
package cli

import (
	"context"
	"flag"
	"io"
	"os"
	"runtime"

	"github.com/google/subcommands"
	"gvisor.dev/pkvm/pkg/config"
	"gvisor.dev/pkvm/pkg/log"
	"gvisor.dev/pkvm/pkvmsim/cmd"
)

var (
	configPath = flag.String("config", "", "path to the TOML machine configuration. Built-in defaults are used if empty.")
	debug      = flag.Bool("debug", false, "log at debug level and check the hypervisor's state after every change.")
	logFormat  = flag.String("log-format", "", "log format, text or json. Overrides the configuration.")
	logFile    = flag.String("log", "", "file to append logs to. Logs go to stderr if empty.")
)

// Main is the main entrypoint.
func Main() {
	forEachCmd(subcommands.Register)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	conf, err := loadConfig()
	if err != nil {
		cmd.Fatalf("%v", err)
	}

	var out io.Writer = os.Stderr
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			cmd.Fatalf("error opening log file %q: %v", *logFile, err)
		}
		out = f
	}
	log.SetTarget(newEmitter(conf.Log.Format, out))
	level, err := conf.LogLevel()
	if err != nil {
		cmd.Fatalf("%v", err)
	}
	log.SetLevel(level)

	const delimString = `**************** pkvmsim ****************`
	log.Infof(delimString)
	log.Infof("%s, %s, %d CPUs, PID %d", runtime.Version(), runtime.GOARCH, runtime.NumCPU(), os.Getpid())
	log.Infof("Args: %v", os.Args)
	log.Infof("Machine: memory %v, mmio %v, %d cpus, %d vms", conf.Memory, conf.MMIO, conf.NrCPUs, conf.MaxVMs)
	log.Infof(delimString)

	status := subcommands.Execute(context.Background(), conf)
	if status != subcommands.ExitSuccess {
		log.Warningf("Failure to execute command, status: %v", status)
	}
	os.Exit(int(status))
}

// loadConfig reads the configuration and applies the global flags to it.
func loadConfig() (*config.Config, error) {
	conf := config.Default()
	if *configPath != "" {
		var err error
		if conf, err = config.Load(*configPath); err != nil {
			return nil, err
		}
	}
	if *debug {
		conf.Debug = true
		conf.Log.Level = "debug"
	}
	if *logFormat != "" {
		conf.Log.Format = *logFormat
	}
	return conf, conf.Validate()
}

// forEachCmd invokes the passed callback for each command supported by
// pkvmsim.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")

	cb(new(cmd.Boot), "")
	cb(new(cmd.Scenario), "")
	cb(new(cmd.Stress), "")

	const debugGroup = "debug"
	cb(new(cmd.Dump), debugGroup)
}

func newEmitter(format string, w io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{Emitter: &log.Writer{Next: w}}
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: w}}
	}
	cmd.Fatalf("invalid log format %q, must be 'text' or 'json'", format)
	panic("unreachable")
}
