package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gofrs/flock"

	"github.com/talismancer/landslide/internal/cpubudget"
	"github.com/talismancer/landslide/pkg/lslog"
	"github.com/talismancer/landslide/pkg/messaging"
)

// CPUBudget is the narrow slice of internal/cpubudget.Budget the
// controller needs: release a job's CPU reservation before it blocks on
// the compile lock, and reacquire it afterward (spec.md §4.7 step 5, §5).
type CPUBudget interface {
	StartUsingCPU(slot cpubudget.Slot, pid int) error
	StopUsingCPU(slot cpubudget.Slot) error
}

// BugSubspaceSet answers the §6.5 bug-already-found-in-subspace query.
type BugSubspaceSet interface {
	AlreadyFound(generation string) bool
	Publish(generation string)
}

// SlotGate lets the caller bracket Run's compile-lock wait with a real
// release/reacquire of whatever concurrency resource it's managing
// (spec.md §5: a blocked job frees its resources for other runnable
// jobs). Run calls Release right after the job transitions to BLOCKED
// and Reacquire once the compile lock is won, so the fleet scheduler can
// actually hand the freed slot to a different job in between, rather
// than just holding it idle for the whole compile-lock wait.
type SlotGate interface {
	Release()
	Reacquire(ctx context.Context) error
}

// noopGate satisfies SlotGate for callers that don't manage a separate
// concurrency slot (e.g. tests driving Run directly).
type noopGate struct{}

func (noopGate) Release()                       {}
func (noopGate) Reacquire(ctx context.Context) error { return nil }

// Spawner starts the simulator child process. Production code execs the
// real simulator binary; tests substitute a fake.
type Spawner interface {
	Spawn(ctx context.Context, simulatorDir, staticPath, dynamicPath string, stdout, stderr *os.File) (ChildProcess, error)
}

// ChildProcess is the narrow slice of *os.Process the controller needs.
type ChildProcess interface {
	Pid() int
	Wait() (exitCode int, err error)
	Kill() error
}

// MessageChannel is the narrow slice of *messaging.Channel the controller
// needs; pinning to this interface (rather than the concrete type) lets
// tests substitute an in-memory fake instead of real named pipes.
type MessageChannel interface {
	Send(m messaging.Message) error
	Receive() (messaging.Message, error)
	Close() error
}

// ChannelOpener abstracts messaging.OpenParent for testability.
type ChannelOpener interface {
	Open(ctx context.Context, outputPipe, inputPipe string) (MessageChannel, error)
}

// Clock abstracts time.Now so time-up checks are testable.
type Clock interface {
	Now() time.Time
}

// Observer receives job outcome notifications for external reporting
// (spec.md §7's "failures surface to the user by" BUG FOUND / TIMED OUT /
// COMPLETE / CANCELLED lines). Controller calls it only if set; a nil
// Observer is the default and skips these notifications entirely.
type Observer interface {
	// BugFound is called from the message loop the instant a job reports
	// bug_found, before the job's own lifecycle completes.
	BugFound(jobID int64, tracePath string)
	// JobDone is called once a job reaches its terminal DONE status.
	JobDone(job *Job)
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Controller drives many Jobs concurrently, each on its own goroutine,
// serialising the compile phase across all of them with a single
// process-wide lock (spec.md §5 "compile_landslide_lock").
type Controller struct {
	log            *lslog.Logger
	simulatorDir   string
	scratchDir     string
	leaveLogs      bool
	deadline       time.Time
	clock          Clock
	spawner        Spawner
	channels       ChannelOpener
	budget         CPUBudget
	bugs           BugSubspaceSet
	observer       Observer
	compileMu      sync.Mutex
	nextJobID      int64
	idMu           sync.Mutex
}

// SetObserver installs the Observer this Controller notifies of job
// outcomes. Not safe to call concurrently with Run.
func (c *Controller) SetObserver(o Observer) { c.observer = o }

// NewController builds a Controller. A zero deadline means "no global
// time limit".
func NewController(log *lslog.Logger, simulatorDir, scratchDir string, leaveLogs bool, deadline time.Time, spawner Spawner, channels ChannelOpener, budget CPUBudget, bugs BugSubspaceSet) *Controller {
	return &Controller{
		log:          log,
		simulatorDir: simulatorDir,
		scratchDir:   scratchDir,
		leaveLogs:    leaveLogs,
		deadline:     deadline,
		clock:        realClock{},
		spawner:      spawner,
		channels:     channels,
		budget:       budget,
		bugs:         bugs,
	}
}

func (c *Controller) timeUp() bool {
	return !c.deadline.IsZero() && c.clock.Now().After(c.deadline)
}

// NextJobID allocates a fresh monotonic job id (spec.md §4.7 step 1).
func (c *Controller) NextJobID() int64 {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	c.nextJobID++
	return c.nextJobID
}

// Run drives one job's entire lifecycle (spec.md §4.7 steps 2-11). It
// blocks until the job reaches DONE; callers invoke it from a dedicated
// goroutine per job (the "job thread"). gate brackets the compile-lock
// wait with a real release/reacquire of the caller's concurrency slot
// (spec.md §5); pass noopGate{} if the caller doesn't manage one.
func (c *Controller) Run(ctx context.Context, job *Job, slot cpubudget.Slot, gate SlotGate) {
	if gate == nil {
		gate = noopGate{}
	}
	job.currentCPU = slot
	if c.observer != nil {
		defer func() { c.observer.JobDone(job) }()
	}

	if err := c.materializeScratchFiles(job); err != nil {
		c.log.Warnf("job %d: scratch file setup failed: %v", job.ID, err)
		job.MarkCancelledTimedOut(false)
		job.MarkDone(false, true, false)
		return
	}

	if err := c.budget.StopUsingCPU(slot); err != nil {
		c.log.Warnf("job %d: releasing cpu before compile lock: %v", job.ID, err)
	}
	job.Block()
	gate.Release()
	c.compileMu.Lock()
	if err := gate.Reacquire(ctx); err != nil {
		c.compileMu.Unlock()
		c.log.Warnf("job %d: context cancelled while waiting to resume after compile lock: %v", job.ID, err)
		job.Resume()
		job.MarkDone(false, true, false)
		return
	}
	job.Resume()
	reacquireErr := c.budget.StartUsingCPU(slot, os.Getpid())
	if reacquireErr != nil {
		c.log.Warnf("job %d: reacquiring cpu after compile lock: %v", job.ID, reacquireErr)
	}

	bugAlready := c.bugs.AlreadyFound(job.Generation)
	if bugAlready || c.timeUp() {
		c.compileMu.Unlock()
		c.cleanupScratchFiles(job, true)
		timedOut := c.timeUp()
		// Only the bug-already-found-in-subspace path is a cancellation;
		// a bare deadline trip completes the job normally (job.c:414-432
		// only sets j->cancelled inside the bug_in_subspace branch).
		if bugAlready {
			job.MarkCancelledTimedOut(timedOut)
		}
		job.MarkDone(true, bugAlready, timedOut)
		return
	}

	child, channel, spawnErr := c.spawnChild(ctx, job)
	c.compileMu.Unlock()
	if spawnErr != nil {
		c.log.Warnf("job %d: spawn failed: %v", job.ID, spawnErr)
		c.cleanupScratchFiles(job, false)
		job.MarkDone(true, false, false)
		return
	}

	alive := c.awaitAlive(channel)
	if alive {
		c.talkToChild(job, channel)
	} else {
		c.log.Warnf("job %d: child never came alive", job.ID)
	}

	channel.Close()
	exitCode, waitErr := child.Wait()
	if waitErr != nil {
		c.log.Warnf("job %d: wait: %v", job.ID, waitErr)
	}

	cleanExit := exitCode == 0 && waitErr == nil
	c.cleanupLogs(job, cleanExit)
	os.Remove(job.Logs.StaticConfig)
	os.Remove(job.Logs.DynamicConfig)

	rerun := job.NeedsRerun()
	job.MarkDone(true, rerun, false)
}

func (c *Controller) materializeScratchFiles(job *Job) error {
	if err := os.MkdirAll(c.scratchDir, 0o755); err != nil {
		return fmt.Errorf("worker: scratch dir: %w", err)
	}

	guard := flock.New(filepath.Join(c.scratchDir, ".lock"))
	err := guard.Lock()
	if err != nil {
		return fmt.Errorf("worker: locking scratch dir: %w", err)
	}
	defer guard.Unlock()

	base := filepath.Join(c.scratchDir, fmt.Sprintf("job-%d", job.ID))
	job.Logs = LogPaths{
		StaticConfig:  base + ".static",
		DynamicConfig: base + ".dynamic",
		Stdout:        base + ".stdout.log",
		Stderr:        base + ".stderr.log",
	}

	staticFile, err := os.Create(job.Logs.StaticConfig)
	if err != nil {
		return fmt.Errorf("worker: creating static config: %w", err)
	}
	defer staticFile.Close()
	if err := job.Static.Write(staticFile); err != nil {
		return fmt.Errorf("worker: writing static config: %w", err)
	}

	job.Dynamic.OutputPipe = base + ".out.pipe"
	job.Dynamic.InputPipe = base + ".in.pipe"
	if err := messaging.EnsurePipes(job.Dynamic.OutputPipe, job.Dynamic.InputPipe); err != nil {
		return fmt.Errorf("worker: creating pipes: %w", err)
	}

	dynamicFile, err := os.Create(job.Logs.DynamicConfig)
	if err != nil {
		return fmt.Errorf("worker: creating dynamic config: %w", err)
	}
	defer dynamicFile.Close()
	if err := job.Dynamic.Write(dynamicFile); err != nil {
		return fmt.Errorf("worker: writing dynamic config: %w", err)
	}

	return nil
}

func (c *Controller) cleanupScratchFiles(job *Job, deleteLogs bool) {
	os.Remove(job.Logs.StaticConfig)
	os.Remove(job.Logs.DynamicConfig)
	if deleteLogs {
		os.Remove(job.Logs.Stdout)
		os.Remove(job.Logs.Stderr)
	}
	os.Remove(job.Dynamic.OutputPipe)
	os.Remove(job.Dynamic.InputPipe)
}

func (c *Controller) cleanupLogs(job *Job, cleanExit bool) {
	if cleanExit && !c.leaveLogs {
		os.Remove(job.Logs.Stdout)
		os.Remove(job.Logs.Stderr)
	}
	os.Remove(job.Dynamic.OutputPipe)
	os.Remove(job.Dynamic.InputPipe)
}

func (c *Controller) spawnChild(ctx context.Context, job *Job) (ChildProcess, MessageChannel, error) {
	stdout, err := os.Create(job.Logs.Stdout)
	if err != nil {
		return nil, nil, fmt.Errorf("worker: opening stdout log: %w", err)
	}
	defer stdout.Close()
	stderr, err := os.Create(job.Logs.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("worker: opening stderr log: %w", err)
	}
	defer stderr.Close()

	child, err := c.spawner.Spawn(ctx, c.simulatorDir, job.Logs.StaticConfig, job.Logs.DynamicConfig, stdout, stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("worker: exec: %w", err)
	}

	channel, err := c.channels.Open(ctx, job.Dynamic.OutputPipe, job.Dynamic.InputPipe)
	if err != nil {
		child.Kill()
		return nil, nil, fmt.Errorf("worker: opening messaging channel: %w", err)
	}
	return child, channel, nil
}

// awaitAlive blocks, with a bounded backoff, for the child's handshake
// `alive` message (spec.md §4.7 step 8).
func (c *Controller) awaitAlive(channel MessageChannel) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var gotAlive bool
	op := func() error {
		m, err := channel.Receive()
		if err != nil {
			return err
		}
		if m.Kind != messaging.KindAlive {
			return fmt.Errorf("worker: expected alive, got %q", m.Kind)
		}
		gotAlive = true
		return nil
	}
	b := backoff.WithContext(backoff.NewConstantBackOff(100*time.Millisecond), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return false
	}
	return gotAlive
}

// talkToChild is the message-processing loop of spec.md §4.7 step 9: it
// consumes progress/PP/bug events until the child exits, mutating the
// job's stats under the stats lock, and relays a pending kill request.
func (c *Controller) talkToChild(job *Job, channel MessageChannel) {
	for {
		if job.KillRequested() {
			channel.Send(messaging.PleaseDie())
		}

		m, err := channel.Receive()
		if err != nil {
			return
		}
		switch m.Kind {
		case messaging.KindProgress:
			job.UpdateEstimate(m.Progress.Branches, Estimate{
				Proportion: m.Progress.Proportion,
				Elapsed:    time.Duration(m.Progress.ElapsedSeconds * float64(time.Second)),
				ETA:        time.Duration(m.Progress.ETASeconds * float64(time.Second)),
			})
		case messaging.KindPPDiscovered:
			c.log.Logf(lslog.Dev, "job %d: pp discovered eip=%x tid=%d", job.ID, m.PPDiscovered.Addr, m.PPDiscovered.TID)
		case messaging.KindBugFound:
			c.bugs.Publish(job.Generation)
			c.log.Infof("job %d: bug found, trace at %s", job.ID, m.BugFound.TracePath)
			if c.observer != nil {
				c.observer.BugFound(job.ID, m.BugFound.TracePath)
			}
		case messaging.KindTimedOut:
			job.MarkCancelledTimedOut(true)
		case messaging.KindNeedRerun:
			job.RequestRerun()
		case messaging.KindExiting:
			return
		}
	}
}
