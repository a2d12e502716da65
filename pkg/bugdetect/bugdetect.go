// Package bugdetect implements deadlock detection and false-positive
// avoidance (spec.md §4.6): distinguishing a true deadlock from a
// checker-induced artifact of ICB/HTM/abort-set blocking, and reporting a
// genuine deadlock as a bug.
package bugdetect

import (
	"github.com/talismancer/landslide/pkg/arbiter"
	"github.com/talismancer/landslide/pkg/choicetree"
	"github.com/talismancer/landslide/pkg/lslog"
	"github.com/talismancer/landslide/pkg/schedmodel"
)

// Detector implements arbiter.DeadlockDetector: the arbiter delegates to it
// whenever no agent is runnable.
type Detector struct {
	log    *lslog.Logger
	budget int

	attempts int
}

// New returns a deadlock detector with the given per-branch false-positive
// avoidance budget. budget <= 0 uses arbiter.DefaultFPBudget (spec.md §4.6).
func New(log *lslog.Logger, budget int) *Detector {
	if budget <= 0 {
		budget = arbiter.DefaultFPBudget
	}
	return &Detector{log: log, budget: budget}
}

// ResetBudget clears the attempt counter, for use at branch boundaries
// (the budget is per-branch, spec.md §4.6).
func (d *Detector) ResetBudget() { d.attempts = 0 }

// Detect implements spec.md §4.6: it tries, in priority order, to find a
// thread whose blockage is a checker artifact rather than a true stall, up
// to the configured budget; if none is found, it decides whether to report
// a true deadlock.
func (d *Detector) Detect(sched *schedmodel.Scheduler, voluntary bool) arbiter.DeadlockOutcome {
	for d.attempts < d.budget {
		d.attempts++

		if a, ok := d.wakeICBBlocked(sched, voluntary); ok {
			d.log.Logf(lslog.Branch, "false-positive avoidance: waking icb-blocked tid %d", a.TID)
			return arbiter.DeadlockOutcome{Woke: true, WokeTID: a.TID}
		}
		if a, ok := d.wakeAbortSetBlocked(sched); ok {
			d.log.Logf(lslog.Branch, "false-positive avoidance: waking abort-set-blocked tid %d", a.TID)
			return arbiter.DeadlockOutcome{Woke: true, WokeTID: a.TID}
		}
		if a, ok := d.wakeAddrOrYieldBlocked(sched); ok {
			d.log.Logf(lslog.Branch, "false-positive avoidance: waking addr/yield-blocked tid %d", a.TID)
			return arbiter.DeadlockOutcome{Woke: true, WokeTID: a.TID}
		}
		break // no candidate in any tier; looping further can't help
	}

	return d.declareDeadlock(sched)
}

// wakeICBBlocked implements tier 1: a thread that would be runnable but for
// the ICB bound. Force-running one is returned alone, without touching the
// other tiers, since waking an ICB-blocked thread alongside others would
// produce an infinite subtree (spec.md §4.6).
func (d *Detector) wakeICBBlocked(sched *schedmodel.Scheduler, voluntary bool) (*schedmodel.Agent, bool) {
	for _, a := range sched.AllAgents() {
		if a.Blocked() || sched.IsIdle(a) || sched.HTMBlocked(a) || sched.AbortSetBlocked(a) {
			continue
		}
		if sched.ICBBlocked(voluntary, a) {
			return a, true
		}
	}
	return nil, false
}

// wakeAbortSetBlocked implements tier 2: clear the preempted-evil-ancestor
// marker and pick one abort-set-blocked thread.
func (d *Detector) wakeAbortSetBlocked(sched *schedmodel.Scheduler) (*schedmodel.Agent, bool) {
	for _, a := range sched.AllAgents() {
		if sched.AbortSetBlocked(a) {
			sched.UpcomingAborts = choicetree.AbortSet{PreemptedEvilAncestorTID: schedmodel.TIDNone}
			return a, true
		}
	}
	return nil, false
}

// wakeAddrOrYieldBlocked implements tier 3: clear the blockage on every
// addr-blocked or yield-loop-blocked thread (we can't tell which one faked
// it; a true deadlock will simply re-block), then pick the last in
// enumeration order.
func (d *Detector) wakeAddrOrYieldBlocked(sched *schedmodel.Scheduler) (*schedmodel.Agent, bool) {
	var candidates []*schedmodel.Agent
	for _, a := range sched.AllAgents() {
		if a.BlockedOnAddr != schedmodel.AddrNone || a.Yield.Blocked {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return nil, false
	}
	for _, a := range candidates {
		a.BlockedOnAddr = schedmodel.AddrNone
		a.Yield.Blocked = false
	}
	return candidates[len(candidates)-1], true
}

// declareDeadlock implements spec.md §4.6's reporting gate: deadlock is
// reported only when bug-on-threads-wedged is enabled, at least one agent
// exists, and no blocked agent is waiting on disk I/O (a disk-blocked
// agent means an idle thread can legitimately be the only runnable one).
func (d *Detector) declareDeadlock(sched *schedmodel.Scheduler) arbiter.DeadlockOutcome {
	if !sched.BugOnThreadsWedged || !sched.AnybodyAlive() || d.anyBlockedOnDiskIO(sched) {
		return arbiter.DeadlockOutcome{}
	}
	d.log.Warnf("deadlock detected after %d false-positive-avoidance attempts", d.attempts)
	return arbiter.DeadlockOutcome{IsDeadlock: true}
}

func (d *Detector) anyBlockedOnDiskIO(sched *schedmodel.Scheduler) bool {
	for _, a := range sched.AllAgents() {
		if a.Blocked() && a.Action.DiskIO {
			return true
		}
	}
	return false
}

// MarkTerminal flags a node as end-of-test, used when a deadlock is
// reported on a voluntary transition (spec.md §4.7's dispatch table:
// "Creates terminal node (if voluntary), reports FOUND_A_BUG, branch ends").
func MarkTerminal(tree *choicetree.Tree, id choicetree.NodeID) {
	tree.Node(id).IsEndOfTest = true
}

// Report is the bug record handed off to messaging once a deadlock (or any
// other guest-reported bug) has been confirmed (spec.md §6.4's bug_found
// message, §6.5's bug-already-found-in-subspace bookkeeping).
type Report struct {
	TracePath   string
	FABTimestamp int64
	FABCPUTime   int64
}
