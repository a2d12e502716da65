// Package arbiter implements the decision procedure at the heart of the
// checker: at every candidate preemption point it classifies the current
// instruction (spec.md §4.5.1) and, when a PP exists, picks which runnable
// thread runs next (spec.md §4.5.2). It is the one package that reaches
// into both the PP registry and the scheduler model, since both feed the
// classification.
package arbiter

import (
	"github.com/talismancer/landslide/pkg/choicetree"
	"github.com/talismancer/landslide/pkg/lslog"
	"github.com/talismancer/landslide/pkg/machine"
	"github.com/talismancer/landslide/pkg/ppset"
	"github.com/talismancer/landslide/pkg/schedmodel"
)

// Kind is interested()'s result classification (spec.md §4.5.1).
type Kind int

const (
	NotAPP Kind = iota
	PP
	DataRace
	VoluntaryReschedule
	Sleep
	Joined
	XbeginOrXend
)

// Interest is the full result of classifying the current instruction.
type Interest struct {
	Kind      Kind
	JoinedTID int  // valid when Kind == Joined
	Xbegin    bool // true for xbegin, false for xend, when Kind == XbeginOrXend
	AbortTxn  bool // under strong atomicity, an xchg-blocked PP aborts its own transaction
}

// Config carries the runtime policy knobs the original expressed as
// compile-time #ifdefs (spec.md §9's "Compile-time #ifdef thicket"
// redesign flag): which guest mode is under test, atomicity strength, and
// tie-break policy.
type Config struct {
	TestingUserspace            bool
	StrongAtomicity             bool
	DRPPsRespectWithinFunctions bool
	ExploreBackwards            bool
	PintosSemaphoreSpinExempt   bool
	GuestYieldWindowEnabled     bool
	FPBudget                    int // false-positive avoidance attempts per branch, default 128
}

// DefaultFPBudget matches the original's default false-positive avoidance
// budget (spec.md §4.6).
const DefaultFPBudget = 128

// Event bundles everything interested() needs to know about the current
// instruction and the agent executing it. The machine facade and scheduler
// model are the ones who actually know these facts; the caller (the
// per-instruction hook driving the child simulator) assembles one of these
// per candidate instruction.
type Event struct {
	EIP   uint64
	Stack []uint64

	// MemAccesses is the shared-memory access set the backend recorded for
	// this instruction, threaded through to the choice-tree node a PP
	// commits (spec.md §3's DPOR conflict detection).
	MemAccesses []choicetree.MemAccess

	PrevTID                     int
	CurrentTID                  int
	PrevHandlingTimer           bool
	FollowedReschedulePrimitive bool
	IsPintosSemaphoreSpin       bool

	TestStarted     bool
	Population      int
	StartPopulation int

	Opcode            machine.Opcode
	LastCallEIP       uint64
	MostRecentSyscall int

	XchgBlocked   bool
	InTransaction bool

	KernelAddress      bool
	InGuestYieldWindow bool

	MutexLockEntry     bool
	MutexUnlockExit    bool
	MakeRunnableExit   bool
	TrustedThrJoinExit bool
	XbeginEntry        bool
	XendEntry          bool

	KernDecisionPoint bool
	PintosSemDownExit bool
	PintosSemUpExit   bool
	CliStiWindow      bool
}

// Arbiter holds the PP registry and policy configuration it classifies
// against. It is stateless across calls except for the externally-injected
// choice queue.
type Arbiter struct {
	log    *lslog.Logger
	pps    *ppset.Registry
	config Config
	queue  choiceQueue
}

// New returns an arbiter over the given PP registry and policy.
func New(log *lslog.Logger, pps *ppset.Registry, config Config) *Arbiter {
	if config.FPBudget == 0 {
		config.FPBudget = DefaultFPBudget
	}
	return &Arbiter{log: log, pps: pps, config: config}
}

// Interested implements spec.md §4.5.1's decision order; first match wins.
func (ar *Arbiter) Interested(ev Event) Interest {
	// 1. Voluntary reschedule.
	if ev.PrevTID != ev.CurrentTID && !ev.PrevHandlingTimer && ev.FollowedReschedulePrimitive {
		return Interest{Kind: VoluntaryReschedule}
	}
	if ev.PrevTID != ev.CurrentTID {
		lslog.Assert(ar.config.PintosSemaphoreSpinExempt && ev.IsPintosSemaphoreSpin,
			"one-thread-per-pp violated: prev tid %d, current tid %d", ev.PrevTID, ev.CurrentTID)
	}

	// 2. HLT.
	if ev.Opcode == machine.OpcodeHLT {
		return Interest{Kind: Sleep}
	}

	// 3. Pre-test-start.
	if !ev.TestStarted || ev.Population == ev.StartPopulation {
		return Interest{Kind: NotAPP}
	}

	// 4. Suspected data race.
	if ar.isDataRace(ev) {
		return Interest{Kind: DataRace}
	}

	// 5. User-mode PPs.
	if ar.config.TestingUserspace {
		if ev.KernelAddress {
			if !(ar.config.GuestYieldWindowEnabled && ev.InGuestYieldWindow) {
				return Interest{Kind: NotAPP}
			}
		} else {
			if ev.XchgBlocked {
				return Interest{Kind: PP, AbortTxn: ar.config.StrongAtomicity && ev.InTransaction}
			}
			if (ev.MutexLockEntry || ev.MutexUnlockExit) && !(ar.config.StrongAtomicity && ev.InTransaction) {
				if ar.pps.CheckUserWithin(ev.Stack) {
					return Interest{Kind: PP}
				}
			}
			if ev.MakeRunnableExit || ev.TrustedThrJoinExit {
				return Interest{Kind: Joined, JoinedTID: ev.CurrentTID}
			}
			if ev.XbeginEntry || ev.XendEntry {
				return Interest{Kind: XbeginOrXend, Xbegin: ev.XbeginEntry}
			}
		}
	}

	// 6. Kernel-mode PPs.
	if (ev.PintosSemDownExit || ev.PintosSemUpExit || ev.KernDecisionPoint || ev.CliStiWindow) &&
		ar.pps.CheckKernelWithin(ev.Stack) {
		return Interest{Kind: PP}
	}

	return Interest{Kind: NotAPP}
}

func (ar *Arbiter) isDataRace(ev Event) bool {
	if ev.XchgBlocked {
		return false
	}
	if ar.config.DRPPsRespectWithinFunctions && !ar.pps.CheckUserWithin(ev.Stack) {
		return false
	}
	if ar.config.StrongAtomicity && ev.InTransaction {
		return false
	}
	return ar.pps.IsDataRaceHere(ppset.DataRaceMatch{
		EIP:               ev.EIP,
		TID:               ev.CurrentTID,
		LastCall:          ev.LastCallEIP,
		MostRecentSyscall: ev.MostRecentSyscall,
	})
}

// Choice is an externally-dictated scheduling decision that overrides the
// arbiter's own judgement (spec.md §3's "Choice (arbiter queue entry)").
type Choice struct {
	TID         int
	IsTxn       bool
	XabortCode  uint32
	Aborts      choicetree.AbortSet
}

// choiceQueue implements "pushed to front, popped from tail" FIFO ordering
// (spec.md §3): the oldest-pushed entry is always the one returned next.
type choiceQueue struct {
	items []Choice
}

func (q *choiceQueue) pushFront(c Choice) {
	q.items = append([]Choice{c}, q.items...)
}

func (q *choiceQueue) popBack() (Choice, bool) {
	if len(q.items) == 0 {
		return Choice{}, false
	}
	last := q.items[len(q.items)-1]
	q.items = q.items[:len(q.items)-1]
	return last, true
}

// InjectChoice pushes an externally-dictated choice, consumed by the next
// call to Choose.
func (ar *Arbiter) InjectChoice(c Choice) { ar.queue.pushFront(c) }

// DeadlockOutcome is what a DeadlockDetector reports back to Choose.
type DeadlockOutcome struct {
	WokeTID    int
	Woke       bool
	IsDeadlock bool
}

// DeadlockDetector is the narrow interface Choose needs when no agent is
// runnable (spec.md §4.6); implemented by pkg/bugdetect.
type DeadlockDetector interface {
	Detect(sched *schedmodel.Scheduler, voluntary bool) DeadlockOutcome
}

// Decision is choose()'s result: either an externally-dictated choice, an
// arbiter-selected agent, or a deadlock report.
type Decision struct {
	Target         *schedmodel.Agent
	IsOurChoice    bool
	IsDeadlock     bool
	ExternalTxn    bool
	ExternalCode   uint32
	ExternalAborts choicetree.AbortSet
}

// Choose implements spec.md §4.5.2.
func (ar *Arbiter) Choose(sched *schedmodel.Scheduler, current *schedmodel.Agent, voluntary bool, dl DeadlockDetector) Decision {
	// 1. Externally injected choice queue.
	if c, ok := ar.queue.popBack(); ok {
		return Decision{
			Target:         sched.Agent(c.TID),
			IsOurChoice:    false,
			ExternalTxn:    c.IsTxn,
			ExternalCode:   c.XabortCode,
			ExternalAborts: c.Aborts,
		}
	}

	// 2. Enumerate runnable agents.
	runnable := sched.RunnableAgents(voluntary)
	currentLegal := false
	for _, a := range runnable {
		if current != nil && a.TID == current.TID {
			currentLegal = true
			break
		}
	}

	// 3. Tie-breaks and preferences.
	var chosen *schedmodel.Agent
	if current != nil && (schedmodel.AgentHasYielded(current.Yield) || current.Yield.XchgBlocked) {
		if currentLegal {
			chosen = current
		} else {
			current.Yield.LoopCount = 0
		}
	}
	if chosen == nil {
		if !currentLegal {
			preferred := sched.DPORPreferredTIDs()
			for i := len(preferred) - 1; i >= 0; i-- {
				for _, a := range runnable {
					if a.TID == preferred[i] {
						chosen = a
						break
					}
				}
				if chosen != nil {
					break
				}
			}
		}
	}
	if chosen == nil && len(runnable) > 0 {
		if ar.config.ExploreBackwards {
			chosen = runnable[len(runnable)-1]
		} else {
			chosen = runnable[0]
		}
	}

	if chosen == nil {
		// 5. No agent runnable: delegate to deadlock detection.
		outcome := dl.Detect(sched, voluntary)
		if outcome.Woke {
			return Decision{Target: sched.Agent(outcome.WokeTID), IsOurChoice: true}
		}
		return Decision{IsDeadlock: outcome.IsDeadlock}
	}

	// 4. ICB preemption accounting.
	if !sched.NoPreemptionRequired(voluntary, chosen) {
		sched.ICBPreemptionCount++
	}

	return Decision{Target: chosen, IsOurChoice: true}
}
