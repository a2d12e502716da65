package main

import (
	"context"
	"flag"

	"github.com/google/subcommands"
)

// resumeCommand implements subcommands.Command for "resume": continue
// exploring a test case, reloading any previously published bug
// subspaces first so the fleet doesn't re-explore and re-report them.
type resumeCommand struct {
	flags fleetFlags
}

func (*resumeCommand) Name() string { return "resume" }
func (*resumeCommand) Synopsis() string {
	return "resume the fleet against a test case, skipping already-found bugs"
}
func (*resumeCommand) Usage() string {
	return "resume -settings <file> -bug-space-file <file> [flags] - continue exploring a test case\n"
}

func (c *resumeCommand) SetFlags(fs *flag.FlagSet) { c.flags.register(fs) }

func (c *resumeCommand) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	return runFleet(ctx, c.flags, true)
}
