// Package worker implements the parent-side per-job lifecycle (spec.md
// §4.7, §5): config materialisation, exclusive compile, child spawn,
// message-loop driven progress tracking, and cancellation. One Job is one
// simulator child exploring one PP-set subspace; one Controller drives
// many jobs concurrently, each on its own goroutine (the "job thread" of
// spec.md §5, played by a goroutine rather than a pthread).
package worker

import (
	"sync"
	"time"

	"github.com/talismancer/landslide/internal/cpubudget"
	"github.com/talismancer/landslide/pkg/config"
)

// Status is a Job's lifecycle state (spec.md §3 Job, §5 Ordering).
// DONE is terminal; transitions are NORMAL->BLOCKED->NORMAL->...->DONE,
// never DONE->anything (enforced by Job's transition methods, not caller
// discipline).
type Status int

const (
	StatusNormal Status = iota
	StatusBlocked
	StatusDone
)

func (s Status) String() string {
	switch s {
	case StatusNormal:
		return "NORMAL"
	case StatusBlocked:
		return "BLOCKED"
	case StatusDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// Estimate is a job's self-reported progress (spec.md §3, fed by
// messaging.Progress).
type Estimate struct {
	Proportion float64
	Elapsed    time.Duration
	ETA        time.Duration
}

// ETANumeric is the estimated time remaining in seconds, the key
// CompareJobETA orders jobs by.
func (e Estimate) ETANumeric() float64 { return e.ETA.Seconds() }

// LogPaths names a job's four scratch files (spec.md §4.7 step 2).
type LogPaths struct {
	StaticConfig  string
	DynamicConfig string
	Stdout        string
	Stderr        string
}

// Job is one unit of parent-side work: explore the subspace named by
// Static/Dynamic config, driven by a single goroutine end to end.
type Job struct {
	ID         int64
	Static     config.Static
	Dynamic    config.Dynamic
	Generation string // derived from the PP-set, for bug-subspace comparisons

	ShouldReproduce bool
	Logs            LogPaths

	// lifecycleMu guards status and the cancellation/completion flags;
	// doneCond broadcasts on any status change (many waiters, spec.md §5:
	// "BROADCAST is used... principally done_cvar"), blockingCond signals a
	// single blocked job's resume (one waiter).
	lifecycleMu  sync.Mutex
	status       Status
	cancelled    bool
	complete     bool
	timedOut     bool
	kill         bool
	needRerun    bool
	doneCond     *sync.Cond
	blockingCond *sync.Cond

	// statsMu protects the frequently-read, rarely-written progress
	// estimate (spec.md §5: "reader-writer lock for stats").
	statsMu         sync.RWMutex
	elapsedBranches int
	estimate        Estimate

	currentCPU cpubudget.Slot // -1 until assigned
}

// NewJob constructs a Job in status NORMAL, not yet assigned a CPU slot.
func NewJob(id int64, static config.Static, dynamic config.Dynamic, generation string) *Job {
	j := &Job{
		ID:         id,
		Static:     static,
		Dynamic:    dynamic,
		Generation: generation,
		currentCPU: cpubudget.Slot(-1),
	}
	j.doneCond = sync.NewCond(&j.lifecycleMu)
	j.blockingCond = sync.NewCond(&j.lifecycleMu)
	return j
}

// Status returns the job's current lifecycle status.
func (j *Job) Status() Status {
	j.lifecycleMu.Lock()
	defer j.lifecycleMu.Unlock()
	return j.status
}

// Block transitions NORMAL -> BLOCKED, waking any wait_on_job waiter
// (spec.md §4.7 "job_block"). Called by Controller.Run after it releases
// the job's CPU reservation and before it waits on the compile lock.
func (j *Job) Block() {
	j.lifecycleMu.Lock()
	defer j.lifecycleMu.Unlock()
	if j.status == StatusDone {
		return
	}
	j.status = StatusBlocked
	j.doneCond.Broadcast()
}

// Resume transitions BLOCKED -> NORMAL, waking the job's own blockingCond
// waiter. Called by Controller.Run once the job holds the compile lock and
// has its concurrency slot back, or when that wait is cancelled.
func (j *Job) Resume() {
	j.lifecycleMu.Lock()
	defer j.lifecycleMu.Unlock()
	if j.status != StatusBlocked {
		return
	}
	j.status = StatusNormal
	j.blockingCond.Broadcast()
}

// WaitOnJob blocks until status != NORMAL, returning true iff the job
// became BLOCKED (still resumable) rather than DONE.
func (j *Job) WaitOnJob() bool {
	j.lifecycleMu.Lock()
	defer j.lifecycleMu.Unlock()
	for j.status == StatusNormal {
		j.doneCond.Wait()
	}
	return j.status == StatusBlocked
}

// WaitUntilResumed blocks (while BLOCKED) until Resume is called.
func (j *Job) WaitUntilResumed() {
	j.lifecycleMu.Lock()
	defer j.lifecycleMu.Unlock()
	for j.status == StatusBlocked {
		j.blockingCond.Wait()
	}
}

// MarkDone transitions to the terminal DONE status exactly once,
// recording the final complete/cancelled/timedOut flags, and broadcasts
// to every done_cvar waiter (spec.md §4.7 step 11, §5 ordering: "status =
// DONE is always paired with BROADCAST(done_cvar) inside the lifecycle
// lock").
func (j *Job) MarkDone(complete, cancelled, timedOut bool) {
	j.lifecycleMu.Lock()
	defer j.lifecycleMu.Unlock()
	if j.status == StatusDone {
		return
	}
	j.status = StatusDone
	j.complete = complete
	j.cancelled = j.cancelled || cancelled
	j.timedOut = j.timedOut || timedOut
	j.doneCond.Broadcast()
	j.blockingCond.Broadcast()
}

// RequestKill sets the kill flag the message loop must observe and relay
// to the child (spec.md §5 cancellation vector (b)).
func (j *Job) RequestKill() {
	j.lifecycleMu.Lock()
	defer j.lifecycleMu.Unlock()
	j.kill = true
}

// KillRequested reports whether RequestKill has been called.
func (j *Job) KillRequested() bool {
	j.lifecycleMu.Lock()
	defer j.lifecycleMu.Unlock()
	return j.kill
}

// RequestRerun marks need_rerun (the child detected a new data race and
// asked for its subspace to be re-explored with updated PPs, spec.md
// §4.7 step 11).
func (j *Job) RequestRerun() {
	j.lifecycleMu.Lock()
	defer j.lifecycleMu.Unlock()
	j.needRerun = true
}

// NeedsRerun reports whether RequestRerun has been called.
func (j *Job) NeedsRerun() bool {
	j.lifecycleMu.Lock()
	defer j.lifecycleMu.Unlock()
	return j.needRerun
}

// Cancelled, Complete, and TimedOut report the job's terminal flags. Only
// meaningful once Status() == StatusDone.
func (j *Job) Cancelled() bool {
	j.lifecycleMu.Lock()
	defer j.lifecycleMu.Unlock()
	return j.cancelled
}

func (j *Job) Complete() bool {
	j.lifecycleMu.Lock()
	defer j.lifecycleMu.Unlock()
	return j.complete
}

func (j *Job) TimedOut() bool {
	j.lifecycleMu.Lock()
	defer j.lifecycleMu.Unlock()
	return j.timedOut
}

// MarkCancelledTimedOut stamps the job as a true cancellation before
// transitioning to DONE. Callers must only reach for this when the job
// is actually being cancelled (spec.md §4.7 step 6's bug-already-found-
// in-subspace case): a bare deadline trip alone is not a cancellation
// and should go through MarkDone directly instead.
func (j *Job) MarkCancelledTimedOut(timedOut bool) {
	j.lifecycleMu.Lock()
	defer j.lifecycleMu.Unlock()
	j.cancelled = true
	j.timedOut = timedOut
}

// UpdateEstimate records a fresh progress report under the stats lock
// (spec.md §5: many readers, one writer).
func (j *Job) UpdateEstimate(branches int, e Estimate) {
	j.statsMu.Lock()
	defer j.statsMu.Unlock()
	j.elapsedBranches = branches
	j.estimate = e
}

// Estimate returns a snapshot of the job's current progress.
func (j *Job) Estimate() (int, Estimate) {
	j.statsMu.RLock()
	defer j.statsMu.RUnlock()
	return j.elapsedBranches, j.estimate
}

// CompareJobETA totally orders jobs by estimated time remaining (spec.md
// §4.7 "compare_job_eta"). The fleet scheduler does not consult it:
// blocked jobs resume in the order the compile lock and the slot
// semaphore release their waiters, not by ETA.
func CompareJobETA(a, b *Job) int {
	_, ea := a.Estimate()
	_, eb := b.Estimate()
	switch {
	case ea.ETANumeric() < eb.ETANumeric():
		return -1
	case ea.ETANumeric() > eb.ETANumeric():
		return 1
	default:
		return 0
	}
}
