// Package saverestore implements the in-process checkpoint/restore engine
// DPOR drives the choice tree with: setjmp creates a tree node and snapshots
// machine state into it, longjmp restores a prior snapshot and commits the
// next thread to run (spec.md §4.4, §9 "Setjmp/longjmp discipline"). This is
// not stack unwinding -- it is "snapshot the black-box simulator's state
// into a tree node, then restore from that node", driven here through the
// simulator's own snapshot API via the Snapshotter interface.
package saverestore

import (
	"fmt"
	"time"

	"github.com/talismancer/landslide/pkg/choicetree"
	"github.com/talismancer/landslide/pkg/lslog"
)

// TIDNone is the sentinel "no thread selected yet" value, matching the
// original's TID_NONE.
const TIDNone = -1

// Snapshotter is the narrow interface the save/restore engine needs from
// the machine facade: capture enough state to resume execution later, and
// restore it. What a Checkpoint actually contains is opaque to this
// package -- it's produced and consumed entirely by the backend.
type Snapshotter interface {
	Snapshot() Checkpoint
	Restore(Checkpoint)
}

// Checkpoint is an opaque machine snapshot.
type Checkpoint any

// Stats accumulates the save-state counters spec.md §3 calls out
// (total_choices, total_jumps, total_triggers, depth_total, and wall/CPU
// time bookkeeping), used by the progress-reporting path.
type Stats struct {
	TotalChoices     uint64
	TotalJumps       uint64
	TotalTriggers    uint64
	DepthTotal       uint64
	LastSaveWallTime time.Time
	// TotalUsecs accumulates wall-clock microseconds between successive
	// Setjmp calls -- the closest substitute for the original's getrusage
	// CPU-time accounting available here, since the instrumented execution
	// happens out of process in the remote backend.
	TotalUsecs uint64
}

// State is the save/restore engine's persistent state: the choice tree
// DPOR operates over, the pending decision for the next PP, and running
// statistics (spec.md §3 "Save state").
type State struct {
	Tree *choicetree.Tree

	NextTID        int
	NextXabort     bool
	NextXabortCode uint32

	Stats Stats

	log         *lslog.Logger
	checkpoints map[choicetree.NodeID]Checkpoint
}

// New returns a fresh save/restore state over an empty choice tree.
func New(log *lslog.Logger) *State {
	return &State{
		Tree:        choicetree.New(),
		NextTID:     TIDNone,
		log:         log,
		checkpoints: map[choicetree.NodeID]Checkpoint{},
	}
}

// SetjmpParams describes the decision being committed at a new tree node.
// Field names mirror spec.md §4.4's setjmp signature.
type SetjmpParams struct {
	NextTID     int
	IsPP        bool
	EndOfTest   bool
	DataRaceEIP uint64
	Voluntary   bool
	JoinedTID   int
	Xbegin      bool
	PruneAborts bool
	CheckRetry  bool
	StackTrace  []uint64
	MemAccesses []choicetree.MemAccess
	ChosenTID   int
}

// Setjmp creates a new child node under the current node (or a root, if no
// node exists yet), snapshots machine state into it, and arms NextTID for
// the decision that follows (spec.md §4.4).
func (s *State) Setjmp(snap Snapshotter, p SetjmpParams) choicetree.NodeID {
	id := s.Tree.CreateChild(s.Tree.Current(), choicetree.Node{
		ChosenTID:   p.ChosenTID,
		AtPP:        p.IsPP,
		StackTrace:  p.StackTrace,
		MemAccesses: p.MemAccesses,
		IsEndOfTest: p.EndOfTest,
		DataRaceEIP: p.DataRaceEIP,
		Voluntary:   p.Voluntary,
		JoinedTID:   p.JoinedTID,
		Xbegin:      p.Xbegin,
		PruneAborts: p.PruneAborts,
		CheckRetry:  p.CheckRetry,
	})
	s.Tree.SetCurrent(id)
	s.checkpoints[id] = snap.Snapshot()

	now := time.Now()
	if !s.Stats.LastSaveWallTime.IsZero() {
		s.Stats.TotalUsecs += uint64(now.Sub(s.Stats.LastSaveWallTime).Microseconds())
	}
	s.NextTID = p.NextTID
	s.Stats.TotalChoices++
	s.Stats.DepthTotal += uint64(s.Tree.Depth(id))
	s.Stats.LastSaveWallTime = now

	s.log.Logf(lslog.Branch, "setjmp: node %d (tid %d), next_tid %d", id, p.ChosenTID, p.NextTID)
	return id
}

// LongjmpParams describes a requested rollback. Target must be an ancestor
// of (or equal to) the current node; choicetree.None means "roll back to
// the root".
type LongjmpParams struct {
	Target     choicetree.NodeID
	TID        int
	Txn        bool
	XabortCode uint32
	Aborts     choicetree.AbortSet
}

// Longjmp restores machine state from an ancestor node (or the root, if
// Target is choicetree.None), and arms NextTID/abort fields so the next
// execution of that point picks the requested path (spec.md §4.4). It is a
// programming-invariant violation -- not a runtime condition -- to request
// a target that isn't an ancestor of current; per spec.md §7, that panics.
func (s *State) Longjmp(snap Snapshotter, p LongjmpParams) {
	target := p.Target
	if target == choicetree.None {
		target = s.Tree.Root()
	}

	lslog.Assert(s.Tree.IsAncestor(target, s.Tree.Current()),
		"longjmp target %d is not an ancestor of current %d", target, s.Tree.Current())

	cp, ok := s.checkpoints[target]
	lslog.Assert(ok, "longjmp target %d has no checkpoint", target)
	snap.Restore(cp)

	s.Tree.SetCurrent(target)
	if target != choicetree.None {
		s.Tree.Node(target).Aborts = p.Aborts
	}

	s.NextTID = p.TID
	s.NextXabort = p.Txn
	s.NextXabortCode = p.XabortCode
	s.Stats.TotalJumps++

	s.log.Logf(lslog.Branch, "longjmp: restored to node %d, next_tid %d", target, p.TID)
}

// Recover arms NextTID/abort fields for "choose current thread and keep
// going" without creating a new tree node -- the arbiter's fast path when
// it decides the currently running agent should simply continue
// (spec.md §4.4's recover, "same as setjmp-with-no-PP").
func (s *State) Recover(nextTID int, xabort bool, xabortCode uint32) {
	s.NextTID = nextTID
	s.NextXabort = xabort
	s.NextXabortCode = xabortCode
	s.Stats.TotalTriggers++
}

// ResetTree discards the entire choice tree and its checkpoints, for use at
// experiment boundaries (spec.md §4.4's reset_tree). Running statistics
// survive the reset; they describe the whole exploration, not one branch.
func (s *State) ResetTree() {
	s.Tree.Reset()
	s.checkpoints = map[choicetree.NodeID]Checkpoint{}
	s.NextTID = TIDNone
}

// String renders the save state for diagnostics.
func (s *State) String() string {
	return fmt.Sprintf("save{current=%d next_tid=%d choices=%d jumps=%d}",
		s.Tree.Current(), s.NextTID, s.Stats.TotalChoices, s.Stats.TotalJumps)
}
