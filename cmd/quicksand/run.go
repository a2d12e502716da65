package main

import (
	"context"
	"flag"

	"github.com/google/subcommands"
)

// runCommand implements subcommands.Command for "run": explore a test case
// from scratch, with an empty bug-space.
type runCommand struct {
	flags fleetFlags
}

func (*runCommand) Name() string     { return "run" }
func (*runCommand) Synopsis() string { return "run the fleet against a test case from scratch" }
func (*runCommand) Usage() string {
	return "run -settings <file> [flags] - explore a test case's interleaving space\n"
}

func (c *runCommand) SetFlags(fs *flag.FlagSet) { c.flags.register(fs) }

func (c *runCommand) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	return runFleet(ctx, c.flags, false)
}
