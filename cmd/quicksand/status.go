package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"
)

// statusCommand implements subcommands.Command for "status": report a
// persisted bug-space's contents without running anything.
type statusCommand struct {
	bugSpaceFile string
}

func (*statusCommand) Name() string     { return "status" }
func (*statusCommand) Synopsis() string { return "report a persisted bug-space's contents" }
func (*statusCommand) Usage() string {
	return "status -bug-space-file <file> - print the bug subspaces already found\n"
}

func (c *statusCommand) SetFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.bugSpaceFile, "bug-space-file", "", "path to a persisted bug-space JSON file")
}

func (c *statusCommand) Execute(_ context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if c.bugSpaceFile == "" {
		fmt.Println("no -bug-space-file given")
		return subcommands.ExitUsageError
	}
	bugs, err := loadBugSpace(c.bugSpaceFile)
	if err != nil {
		fmt.Println(err)
		return subcommands.ExitFailure
	}
	generations := bugs.Published()
	fmt.Printf("%d bug subspace(s) found:\n", len(generations))
	for _, g := range generations {
		fmt.Printf("  %s\n", g)
	}
	return subcommands.ExitSuccess
}
