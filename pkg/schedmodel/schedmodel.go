// Package schedmodel tracks the abstract agent (guest thread) set: which
// threads exist, which are runnable, and the scheduling-adjacent state the
// arbiter consults to classify preemption points and pick the next thread
// to run (spec.md §3 "Agent", §4.3).
//
// Per spec.md §9 ("Branching polymorphism over agents"), callers that need
// an exhaustive single-state view of an agent should use Status, a tagged
// variant; the boolean predicates below exist because the arbiter's
// decision order (spec.md §4.5) treats several of these conditions as
// independently-combinable, not mutually exclusive.
package schedmodel

import "github.com/talismancer/landslide/pkg/choicetree"

// TIDNone is the "no thread" sentinel, matching the original's TID_NONE.
const TIDNone = -1

// AddrNone is the "not blocked on any address" sentinel.
const AddrNone = ^uint64(0)

// YieldState is a user thread's voluntary-yield bookkeeping (spec.md §3).
type YieldState struct {
	LoopCount   int
	Blocked     bool
	XchgBlocked bool
}

// TxnState is a thread's hardware-transactional-memory bookkeeping
// (spec.md §3's "in-transaction flag and last HTM entry/exit eip").
type TxnState struct {
	InTransaction bool
	LastEntryEIP  uint64
	LastExitEIP   uint64
}

// ActionFlags are the "what is this thread doing right now" bits the
// arbiter consults (spec.md §3).
type ActionFlags struct {
	HandlingTimer       bool
	KernMutexLocking    bool
	KernMutexUnlocking  bool
	KernMutexTrylocking bool
	UserMutexLocking    bool
	UserMutexUnlocking  bool
	DiskIO              bool
	UserTxn             bool
}

// Agent is the checker's model of one guest thread (spec.md §3).
type Agent struct {
	TID           int
	Runnable      bool
	BlockedOnAddr uint64 // AddrNone if not blocked
	Yield         YieldState
	Txn           TxnState
	Action        ActionFlags

	MostRecentSyscall int
	LastCallEIP       uint64
}

// Status is the exhaustive tagged-variant view of an agent's scheduling
// state (spec.md §9).
type Status int

const (
	StatusRunning Status = iota
	StatusYieldBlocked
	StatusAddrBlocked
	StatusInTransaction
)

// Status classifies the agent's most salient condition for diagnostics; the
// arbiter itself uses the finer-grained predicates below, since an agent
// can be e.g. both in a transaction and addr-blocked at once.
func (a *Agent) Status() Status {
	switch {
	case a.BlockedOnAddr != AddrNone:
		return StatusAddrBlocked
	case a.Yield.Blocked:
		return StatusYieldBlocked
	case a.Txn.InTransaction:
		return StatusInTransaction
	default:
		return StatusRunning
	}
}

// Blocked implements spec.md §4.3's BLOCKED(a) predicate.
func (a *Agent) Blocked() bool {
	return a.BlockedOnAddr != AddrNone || a.Yield.Blocked
}

// AgentHasYielded reports whether the thread just voluntarily yielded
// without (yet) being counted as truly blocked -- the arbiter.choose fast
// path that re-runs the same thread with no preemption-count cost
// (spec.md §4.5.2).
func AgentHasYielded(y YieldState) bool {
	return y.LoopCount > 0 && !y.Blocked
}

// Scheduler tracks the whole agent set plus the cross-agent bookkeeping the
// arbiter needs: current/last agent, ICB counters, DPOR preference stack,
// and the upcoming HTM abort set (spec.md §4.3).
type Scheduler struct {
	agents map[int]*Agent
	order  []int // insertion order, for deterministic FOR_EACH_RUNNABLE_AGENT iteration

	CurrentTID          int
	LastTID             int
	VoluntaryReschedTID int

	MostAgentsEver  int
	StartPopulation int
	TestEverCaused  bool

	IdleTID           int
	BugOnThreadsWedged bool

	ICBPreemptionCount int
	ICBBound           int // negative means ICB is disabled (never blocks)

	dporPreferred []int
	considerOnlyMostRecentDPORPreferred bool

	htmDeferred map[int]bool

	UpcomingAborts choicetree.AbortSet

	DeadlockFPAvoidanceCount int
}

// New returns an empty scheduler model. icbBound < 0 disables ICB.
func New(icbBound int, considerOnlyMostRecentDPORPreferred bool) *Scheduler {
	return &Scheduler{
		agents:                               map[int]*Agent{},
		CurrentTID:                           TIDNone,
		LastTID:                              TIDNone,
		VoluntaryReschedTID:                  TIDNone,
		IdleTID:                              TIDNone,
		ICBBound:                             icbBound,
		considerOnlyMostRecentDPORPreferred: considerOnlyMostRecentDPORPreferred,
		htmDeferred:                          map[int]bool{},
	}
}

// CreateAgent registers a new thread, called when the guest kernel reports
// thread creation (spec.md §3).
func (s *Scheduler) CreateAgent(tid int) *Agent {
	a := &Agent{TID: tid, Runnable: true, BlockedOnAddr: AddrNone}
	s.agents[tid] = a
	s.order = append(s.order, tid)
	if len(s.agents) > s.MostAgentsEver {
		s.MostAgentsEver = len(s.agents)
	}
	return a
}

// DestroyAgent removes a thread, called on vanish/exit (spec.md §3).
func (s *Scheduler) DestroyAgent(tid int) {
	delete(s.agents, tid)
	for i, t := range s.order {
		if t == tid {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Agent returns the agent for tid, or nil if it doesn't exist.
func (s *Scheduler) Agent(tid int) *Agent { return s.agents[tid] }

// CurrentAgent returns the currently scheduled agent, or nil if none.
func (s *Scheduler) CurrentAgent() *Agent { return s.agents[s.CurrentTID] }

// AllAgents returns every known agent in creation order (spec.md's
// FOR_EACH_RUNNABLE_AGENT iterates this way before filtering).
func (s *Scheduler) AllAgents() []*Agent {
	out := make([]*Agent, 0, len(s.order))
	for _, tid := range s.order {
		out = append(out, s.agents[tid])
	}
	return out
}

// AnybodyAlive reports whether any agent exists, used to distinguish true
// deadlock from end-of-test (spec.md §4.6).
func (s *Scheduler) AnybodyAlive() bool { return len(s.agents) > 0 }

// IsIdle implements spec.md §4.5's IS_IDLE(ls, a) macro.
func (s *Scheduler) IsIdle(a *Agent) bool {
	return a.TID == s.IdleTID && s.BugOnThreadsWedged &&
		s.TestEverCaused && s.StartPopulation != s.MostAgentsEver
}

// SetHTMDeferred marks (or clears) tid as HTM-deferred: the scheduler has
// committed to defer this tid's retry along the current path (spec.md §4.3).
func (s *Scheduler) SetHTMDeferred(tid int, deferred bool) {
	if deferred {
		s.htmDeferred[tid] = true
	} else {
		delete(s.htmDeferred, tid)
	}
}

// HTMBlocked implements spec.md §4.3's HTM_BLOCKED predicate.
func (s *Scheduler) HTMBlocked(a *Agent) bool { return s.htmDeferred[a.TID] }

// AbortSetBlocked implements spec.md §4.3's ABORT_SET_BLOCKED predicate.
func (s *Scheduler) AbortSetBlocked(a *Agent) bool {
	return s.UpcomingAborts.Blocks(a.TID)
}

// NoPreemptionRequired reports whether switching to a doesn't need to be
// charged against the ICB preemption budget: either a is already the
// current agent, or the transition is voluntary (spec.md §4.3, §4.5.2).
func (s *Scheduler) NoPreemptionRequired(voluntary bool, a *Agent) bool {
	return a.TID == s.CurrentTID || voluntary
}

// ICBBlocked implements spec.md §4.3's ICB_BLOCKED predicate: choosing this
// switch now would exceed the configured preemption bound.
func (s *Scheduler) ICBBlocked(voluntary bool, a *Agent) bool {
	if s.ICBBound < 0 {
		return false
	}
	if s.NoPreemptionRequired(voluntary, a) {
		return false
	}
	return s.ICBPreemptionCount >= s.ICBBound
}

// Runnable combines every blocking predicate the arbiter's enumeration
// loops apply (spec.md §4.5.2, §4.6): not BLOCKED, not IDLE, not
// HTM-blocked, not abort-set-blocked, not ICB-blocked.
func (s *Scheduler) Runnable(voluntary bool, a *Agent) bool {
	return !a.Blocked() && !s.IsIdle(a) && !s.HTMBlocked(a) &&
		!s.AbortSetBlocked(a) && !s.ICBBlocked(voluntary, a)
}

// RunnableAgents returns every agent currently eligible to be chosen,
// in creation order (spec.md's FOR_EACH_RUNNABLE_AGENT).
func (s *Scheduler) RunnableAgents(voluntary bool) []*Agent {
	var out []*Agent
	for _, tid := range s.order {
		a := s.agents[tid]
		if s.Runnable(voluntary, a) {
			out = append(out, a)
		}
	}
	return out
}

// PushDPORPreferred records that DPOR has chosen to switch to tid, for the
// choose() tie-break (spec.md §4.5.2).
func (s *Scheduler) PushDPORPreferred(tid int) {
	s.dporPreferred = append(s.dporPreferred, tid)
}

// DPORPreferredTIDs returns the preference stack, most-recently-pushed
// last. If ConsiderOnlyMostRecent is set, only the top entry is returned
// (spec.md §4.5's CONSIDER_ONLY_MOST_RECENT_DPOR_PREFERRED_TID knob).
func (s *Scheduler) DPORPreferredTIDs() []int {
	if len(s.dporPreferred) == 0 {
		return nil
	}
	if s.considerOnlyMostRecentDPORPreferred {
		return s.dporPreferred[len(s.dporPreferred)-1:]
	}
	out := make([]int, len(s.dporPreferred))
	copy(out, s.dporPreferred)
	return out
}

// ResetDPORPreferred clears the preference stack, for use at branch
// boundaries.
func (s *Scheduler) ResetDPORPreferred() { s.dporPreferred = nil }
