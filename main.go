// rvvm is the command-line interface to the emulator core.
package main

import (
	"context"
	"os"

	"github.com/haltline/rvvm/internal/cli"
	"github.com/haltline/rvvm/internal/cli/cmd"
)

var (
	commands = []cli.Command{
		cmd.Runner(),
	}
)

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
