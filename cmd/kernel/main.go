// cmd/kernel is the command-line interface to the RV39 kernel simulator.
package main

import (
	"context"
	"os"

	"rv39kernel/internal/cli"
	"rv39kernel/internal/cli/cmd"
)

var commands = []cli.Command{
	cmd.Boot(),
	cmd.Console(),
}

func main() {
	result :=
		cli.New(context.Background()).
			WithLogger(os.Stderr).
			WithCommands(commands).
			WithHelp(cmd.Help(commands)).
			Execute(os.Args[1:])

	os.Exit(result)
}
