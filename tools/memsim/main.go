// Command memsim runs the kernel memory manager on a simulated machine
// described by a TOML or YAML config file.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/T-O-R-U-S/sprinkles-os/kernel/kfmt"
	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
)

var (
	debug   = flag.Bool("debug", false, "emit debug log records from the kernel.")
	logPath = flag.String("log", "", "file to write kernel log records to. Defaults to stderr.")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&memmapCmd{}, "")
	subcommands.Register(&bootCmd{}, "")
	subcommands.Register(&spacesCmd{}, "")

	flag.Parse()

	logOut := os.Stderr
	if *logPath != "" {
		f, err := os.OpenFile(*logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[memsim] error: opening log file: %v\n", err)
			os.Exit(1)
		}
		logOut = f
	}

	kfmt.SetOutputSink(&kfmt.PrefixWriter{Sink: logOut, Prefix: []byte("[kernel] ")})
	if *debug {
		kfmt.SetLevel(logrus.DebugLevel)
	}

	status := subcommands.Execute(context.Background())
	if logOut != os.Stderr {
		logOut.Close()
	}
	os.Exit(int(status))
}

// fatalf reports a command failure and returns the matching exit status.
func fatalf(format string, args ...interface{}) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, "[memsim] error: "+format+"\n", args...)
	return subcommands.ExitFailure
}
