package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"gitlab.com/gitlab-org/shapesync/internal/config"
)

type subcmd interface {
	FlagSet() *flag.FlagSet
	Exec(flags *flag.FlagSet, config config.Config) error
}

const shutdownFlushTimeout = 2 * time.Second

var subcommands = map[string]subcmd{
	convergeCmdName:   newConvergeSubcommand(os.Stdout),
	snapshotCmdName:   newSnapshotSubcommand(os.Stdout),
	sqlMigrateCmdName: newSQLMigrateSubCommand(os.Stdout),
}

// subCommand returns an exit code, to be fed into os.Exit.
func subCommand(conf config.Config, arg0 string, argRest []string) int {
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	go func() {
		<-interrupt
		os.Exit(130) // indicates program was interrupted
	}()

	subcmd, ok := subcommands[arg0]
	if !ok {
		printfErr("%s: unknown subcommand: %q\n", progname, arg0)
		return 1
	}

	flags := subcmd.FlagSet()

	if err := flags.Parse(argRest); err != nil {
		printfErr("%s\n", err)
		return 1
	}

	if err := subcmd.Exec(flags, conf); err != nil {
		printfErr("%s\n", err)
		return 1
	}

	return 0
}

func printfErr(format string, a ...interface{}) (int, error) {
	return fmt.Fprintf(os.Stderr, format, a...)
}
