// Command quicksand is the parent fleet controller (spec.md §4.7, §5): it
// materialises one or more simulator children's config, drives their
// lifecycle concurrently bounded by a cpuset-backed CPU budget, and
// surfaces BUG FOUND / TIMED OUT / COMPLETE / CANCELLED outcomes (spec.md
// §7) as the fleet runs to completion.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&runCommand{}, "")
	subcommands.Register(&resumeCommand{}, "")
	subcommands.Register(&statusCommand{}, "")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}
