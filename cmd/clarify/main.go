package main

import (
	"context"
	"flag"
	"os"
	"path"

	"github.com/google/subcommands"
)

func main() {
	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")
	commander.Register(commander.CommandsCommand(), "")

	for _, c := range syncCommands {
		commander.Register(c, "sync")
	}
	for _, c := range pairingCommands {
		commander.Register(c, "pairings")
	}
	for _, c := range adminCommands {
		commander.Register(c, "admin")
	}

	flag.Parse()
	os.Exit(int(commander.Execute(context.Background())))
}
