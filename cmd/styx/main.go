// cmd/styx is the command-line interface to the hypervisor core: self-test
// scenarios, configuration inspection, and virtual interrupt controller
// diagnostics, all runnable without a real host or guest.
package main

import (
	"context"
	"os"

	"github.com/smoynes/styx/internal/cli"
	"github.com/smoynes/styx/internal/cli/cmd"
)

var commands = []cli.Command{
	cmd.Selftest(),
	cmd.Layout(),
	cmd.VgicDump(),
}

// Entry point.
func main() {
	result :=
		cli.New(context.Background()).
			WithLogger(os.Stderr).
			WithCommands(commands).
			WithHelp(cmd.Help(commands)).
			Execute(os.Args[1:])

	os.Exit(result)
}
