// Copyright 2024 The gVisor Authors.
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

// Binary nestvm boots a guest kernel on the nested virtualization host.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/google/subcommands"
	"nestvm.dev/nestvm/cmd/nestvm/config"
	"nestvm.dev/nestvm/pkg/log"
)

func main() {
	// Register all commands.
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(new(Boot), "")
	subcommands.Register(new(Memmap), "")

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		fatalf("%v", err)
	}
	subcommand := flag.CommandLine.Arg(0)

	var logFile io.Writer
	if conf.LogFilename != "" {
		f, err := log.OpenFile(conf.LogFilename, os.O_WRONLY|os.O_CREATE|os.O_APPEND, log.PatternOpts{
			Command: subcommand,
			Start:   time.Now(),
		})
		if err != nil {
			fatalf("%v", err)
		}
		logFile = f
	}
	log.SetTarget(logTarget(conf, logFile, os.Stderr))
	log.SetLevel(conf.Level())

	const delimString = `**************** nestvm ****************`
	log.Infof(delimString)
	log.Infof("%s, %s, %d CPUs, %s, PID %d, UID %d", runtime.Version(), runtime.GOARCH, runtime.NumCPU(), runtime.GOOS, os.Getpid(), os.Getuid())
	log.Infof("Args: %v", os.Args)
	conf.Log()
	log.Infof(delimString)

	// Call the subcommand and pass in the configuration.
	status := subcommands.Execute(context.Background(), conf)
	if status != subcommands.ExitSuccess {
		log.Warningf("Failure to execute command, status: %v", status)
	}
	os.Exit(int(status))
}

// logTarget returns the emitter for conf. Logs go to logFile if there is one,
// and to stderr otherwise or when --alsologtostderr is set.
func logTarget(conf *config.Config, logFile, stderr io.Writer) log.Emitter {
	if logFile == nil {
		return newEmitter(conf.LogFormat, stderr)
	}
	e := newEmitter(conf.LogFormat, logFile)
	if !conf.AlsoLogToStderr {
		return e
	}
	// Stderr is for people; it always gets text.
	return &log.MultiEmitter{e, newEmitter("text", stderr)}
}

func newEmitter(format string, logFile io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{Emitter: &log.Writer{Next: logFile}}
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: logFile}}
	case "json-k8s":
		return log.K8sJSONEmitter{Writer: &log.Writer{Next: logFile}}
	}
	fatalf("invalid log format %q, must be 'text', 'json', or 'json-k8s'", format)
	panic("unreachable")
}

// fatalf logs to stderr and exits with a failure status code.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "nestvm: "+format+"\n", args...)
	os.Exit(int(subcommands.ExitFailure))
}
