package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/google/subcommands"

	"github.com/talismancer/landslide/internal/cpubudget"
	"github.com/talismancer/landslide/internal/fleet"
	"github.com/talismancer/landslide/internal/worker"
	"github.com/talismancer/landslide/pkg/config"
	"github.com/talismancer/landslide/pkg/lslog"
)

// fleetFlags are the options shared by the run and resume subcommands:
// where the fleet-wide settings and per-job scratch files live, and which
// simulator binary the worker controller execs (spec.md §6.2).
type fleetFlags struct {
	settingsPath string
	simulatorDir string
	simulatorBin string
	bugSpaceFile string
}

func (f *fleetFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.settingsPath, "settings", "", "path to a landslide.toml fleet settings file (optional)")
	fs.StringVar(&f.simulatorDir, "simulator-dir", ".", "working directory the simulator binary is exec'd from")
	fs.StringVar(&f.simulatorBin, "simulator-bin", "landslide", "simulator binary name, relative to -simulator-dir")
	fs.StringVar(&f.bugSpaceFile, "bug-space-file", "", "path a persisted bug-space JSON file is read from and written back to")
}

// runFleet drives the fleet to completion: builds the root job for the
// configured test case, runs it (and any rerun it requests, spec.md §4.7
// step 11) to completion under the configured concurrency and time
// budget, then persists the resulting bug-space.
func runFleet(ctx context.Context, f fleetFlags, resume bool) subcommands.ExitStatus {
	log := lslog.New("QUICKSAND")

	settings, err := config.LoadFleetSettings(f.settingsPath)
	if err != nil {
		log.Warnf("%v", err)
		return subcommands.ExitFailure
	}
	if settings.TestCase == "" {
		log.Warnf("no test_case configured (set it in the settings file)")
		return subcommands.ExitUsageError
	}

	var bugs *fleet.BugSpace
	if resume {
		bugs, err = loadBugSpace(f.bugSpaceFile)
		if err != nil {
			log.Warnf("%v", err)
			return subcommands.ExitFailure
		}
	} else {
		bugs = fleet.NewBugSpace()
	}

	deadline := time.Now().Add(settings.ParsedTimeBudget())
	budget := cpubudget.New(log, "landslide", sequentialCPUs(settings.Concurrency))
	defer budget.Close()

	controller := worker.NewController(
		log, f.simulatorDir, settings.ScratchDir, settings.LeaveLogs, deadline,
		worker.RealSpawner{Binary: f.simulatorBin}, worker.RealChannelOpener{}, budget, bugs,
	)
	printer := newProgressPrinter()
	controller.SetObserver(printer)

	notifyReady(log)
	watchdogDone := make(chan struct{})
	go watchdogPinger(log, watchdogDone)
	defer close(watchdogDone)

	scheduler := fleet.NewScheduler(log, controller, settings.Concurrency)

	static, dynamic := rootJobConfig(settings)
	pending := []*worker.Job{worker.NewJob(controller.NextJobID(), static, dynamic, "")}

	for len(pending) > 0 {
		if err := runFleetRound(ctx, scheduler, printer, pending); err != nil {
			log.Warnf("fleet round: %v", err)
			break
		}
		pending = rerunJobs(controller, pending)
	}
	fmt.Println()

	if err := saveBugSpace(f.bugSpaceFile, bugs); err != nil {
		log.Warnf("%v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// rootJobConfig materialises the static/dynamic config for the fleet's
// initial job (spec.md §4.7 step 3), applying any per-test-case special
// case augmentation (spec.md §6.3, the original_source/ job.c strcmp
// ladder folded into pkg/config's table-driven lookup).
func rootJobConfig(settings config.FleetSettings) (config.Static, config.Dynamic) {
	static := settings.ToStatic()
	static.TestCase = settings.TestCase
	dynamic := config.Dynamic{TestCase: settings.TestCase}
	if sc, ok := config.LookupSpecialCase(settings.TestCase); ok {
		sc.Apply(&static, &dynamic)
	}
	return static, dynamic
}

// rerunJobs builds the next round's job list from any job that asked to
// be re-explored with updated PPs (spec.md §4.7 step 11): a job the
// controller marked complete+cancelled because the child requested a
// rerun, and that did not time out, runs again under a fresh job id.
// Bug-subspace subsumption is not checked here; Controller.Run cancels a
// rerun job whose subspace already has a bug before spawning its child.
func rerunJobs(controller *worker.Controller, prev []*worker.Job) []*worker.Job {
	var next []*worker.Job
	for _, job := range prev {
		if !job.NeedsRerun() || job.TimedOut() {
			continue
		}
		next = append(next, worker.NewJob(controller.NextJobID(), job.Static, job.Dynamic, job.Generation))
	}
	return next
}

// runFleetRound runs one batch of jobs to completion, printing a
// rate-limited fleet summary while the round is in flight. Blocked jobs
// resume on their own: fleet.Scheduler hands each job's compile-lock
// wait a gate that releases and reacquires its concurrency slot in
// place (spec.md §5: blocked jobs free their resources for other
// runnable jobs), so there's no separate resume step to drive here.
func runFleetRound(ctx context.Context, scheduler *fleet.Scheduler, printer *progressPrinter, jobs []*worker.Job) error {
	tickCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				printer.tick(jobs)
			case <-tickCtx.Done():
				return
			}
		}
	}()
	return scheduler.RunAll(ctx, jobs)
}

// sequentialCPUs returns the physical CPU ids [0, n) cpubudget.Budget pins
// one fleet concurrency slot to each of.
func sequentialCPUs(n int) []int {
	if n <= 0 {
		n = 1
	}
	cpus := make([]int, n)
	for i := range cpus {
		cpus[i] = i
	}
	return cpus
}
