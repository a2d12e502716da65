package fleet

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/talismancer/landslide/internal/cpubudget"
	"github.com/talismancer/landslide/internal/worker"
	"github.com/talismancer/landslide/pkg/lslog"
)

// Runner is the narrow slice of worker.Controller the scheduler drives.
type Runner interface {
	Run(ctx context.Context, job *worker.Job, slot cpubudget.Slot, gate worker.SlotGate)
}

// Scheduler fans out job threads bounded by the fleet's configured
// concurrency (spec.md §5: "a small set of workqueue threads observe
// jobs via wait_on_job and resume_job"). golang.org/x/sync/errgroup
// collects the first job-thread error (none are expected in normal
// operation, since worker.Controller.Run never itself returns an error —
// this exists so a future panic-recovery wrapper has somewhere to report
// through); golang.org/x/sync/semaphore.Weighted enforces the
// concurrency ceiling.
type Scheduler struct {
	log         *lslog.Logger
	runner      Runner
	concurrency int64
	sem         *semaphore.Weighted
}

// NewScheduler builds a Scheduler bounded to concurrency simultaneous
// jobs.
func NewScheduler(log *lslog.Logger, runner Runner, concurrency int) *Scheduler {
	return &Scheduler{
		log:         log,
		runner:      runner,
		concurrency: int64(concurrency),
		sem:         semaphore.NewWeighted(int64(concurrency)),
	}
}

// RunAll runs every job in jobs to completion, each on its own goroutine,
// never running more than the configured concurrency at once. It blocks
// until every job reaches DONE or ctx is cancelled.
//
// Each job's Run call is handed a semGate wrapping the shared semaphore,
// so the concurrency slot it holds is genuinely released for the
// duration of the compile-lock wait (spec.md §5: a blocked job frees its
// resources for other runnable jobs) rather than sitting idle until Run
// returns.
func (s *Scheduler) RunAll(ctx context.Context, jobs []*worker.Job) error {
	g, ctx := errgroup.WithContext(ctx)
	for i, job := range jobs {
		job := job
		slot := cpubudget.Slot(int64(i) % s.concurrency)
		g.Go(func() error {
			if err := s.sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer s.sem.Release(1)
			s.runner.Run(ctx, job, slot, semGate{sem: s.sem})
			return nil
		})
	}
	return g.Wait()
}

// semGate adapts the scheduler's shared semaphore to worker.SlotGate.
type semGate struct {
	sem *semaphore.Weighted
}

func (g semGate) Release() { g.sem.Release(1) }

func (g semGate) Reacquire(ctx context.Context) error { return g.sem.Acquire(ctx, 1) }
