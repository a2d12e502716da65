package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/talismancer/landslide/pkg/arbiter"
	"github.com/talismancer/landslide/pkg/bugdetect"
	"github.com/talismancer/landslide/pkg/choicetree"
	"github.com/talismancer/landslide/pkg/lslog"
	"github.com/talismancer/landslide/pkg/machine"
	"github.com/talismancer/landslide/pkg/messaging"
	"github.com/talismancer/landslide/pkg/ppset"
	"github.com/talismancer/landslide/pkg/saverestore"
	"github.com/talismancer/landslide/pkg/schedmodel"
)

// session bundles one exploration's worth of state: the decision
// procedure and the channel it reports progress and bugs over. One
// candidate instruction in, at most one committed tree node out
// (spec.md §4.2-§4.7's per-instruction hook, played on a single goroutine
// since the whole decision path is single-threaded by design, spec.md §5).
type session struct {
	log *lslog.Logger

	facade  *machine.Facade
	backend saverestore.Snapshotter
	pps     *ppset.Registry
	sched   *schedmodel.Scheduler
	save    *saverestore.State
	arbiter *arbiter.Arbiter
	bugs    *bugdetect.Detector
	channel *messaging.Channel

	traceDir string

	branches int
	start    time.Time
}

// step runs spec.md's per-instruction decision order once: classify,
// choose, commit. It returns done=true once the branch has ended (a bug
// was reported or the test ran to completion), at which point the caller
// should tear down and let the controller schedule the next branch.
func (s *session) step(ev arbiter.Event) (done bool, err error) {
	interest := s.arbiter.Interested(ev)

	if interest.Kind == arbiter.NotAPP {
		s.save.Recover(ev.CurrentTID, false, 0)
		return false, nil
	}

	if interest.Kind == arbiter.DataRace {
		s.channel.Send(messaging.NewPPDiscovered(messaging.PPDiscovered{
			Addr:              ev.EIP,
			TID:               ev.CurrentTID,
			LastCall:          ev.LastCallEIP,
			MostRecentSyscall: ev.MostRecentSyscall,
		}))
	}

	voluntary := interest.Kind == arbiter.VoluntaryReschedule
	current := s.sched.CurrentAgent()

	decision := s.arbiter.Choose(s.sched, current, voluntary, s.bugs)

	if decision.IsDeadlock {
		if voluntary {
			bugdetect.MarkTerminal(s.save.Tree, s.save.Tree.Current())
		}
		return true, s.reportBug(ev)
	}

	if decision.Target == nil {
		s.save.Recover(ev.CurrentTID, false, 0)
		return false, nil
	}

	if decision.IsOurChoice {
		s.sched.PushDPORPreferred(decision.Target.TID)
	}

	s.save.Setjmp(s.backend, saverestore.SetjmpParams{
		NextTID:     decision.Target.TID,
		IsPP:        interest.Kind == arbiter.PP,
		DataRaceEIP: dataRaceEIP(interest, ev),
		Voluntary:   voluntary,
		JoinedTID:   interest.JoinedTID,
		Xbegin:      interest.Xbegin,
		StackTrace:  ev.Stack,
		MemAccesses: ev.MemAccesses,
		ChosenTID:   decision.Target.TID,
	})
	s.sched.CurrentTID = decision.Target.TID
	s.bugs.ResetBudget()
	s.branches++

	return false, nil
}

func dataRaceEIP(i arbiter.Interest, ev arbiter.Event) uint64 {
	if i.Kind == arbiter.DataRace {
		return ev.EIP
	}
	return 0
}

// reportBug writes a trace file describing the path to the terminal node
// and tells the parent about it (spec.md §6.4 bug_found).
func (s *session) reportBug(ev arbiter.Event) error {
	path := fmt.Sprintf("%s/trace-%d.txt", s.traceDir, s.save.Tree.Current())
	if err := writeTraceFile(path, s.save.Tree, s.save.Tree.Current()); err != nil {
		s.log.Warnf("writing trace file: %v", err)
	}
	return s.channel.Send(messaging.NewBugFound(messaging.BugFound{
		TracePath:    path,
		FABTimestamp: time.Now().Unix(),
		FABCPUTime:   int64(s.save.Stats.TotalUsecs),
	}))
}

// reportProgress sends a progress snapshot (spec.md §6.4 progress).
func (s *session) reportProgress(icbBound int) error {
	elapsed := time.Since(s.start)
	return s.channel.Send(messaging.NewProgress(messaging.Progress{
		Branches:       s.branches,
		Proportion:     0, // no global branch-count estimate without guest feedback
		ElapsedSeconds: elapsed.Seconds(),
		ETASeconds:     0,
		ICBBound:       icbBound,
	}))
}

// writeTraceFile renders the ancestor chain from id to the root, one nobe
// per line, as the human-readable trace the parent's trace_dir collects.
func writeTraceFile(path string, tree *choicetree.Tree, id choicetree.NodeID) error {
	var chain []choicetree.NodeID
	for cur := id; cur != choicetree.None; {
		chain = append(chain, cur)
		n := tree.Node(cur)
		if n == nil || n.Parent == cur {
			break
		}
		cur = n.Parent
	}

	f, err := createTraceFile(path)
	if err != nil {
		return err
	}
	defer f.Close()

	for i := len(chain) - 1; i >= 0; i-- {
		n := tree.Node(chain[i])
		fmt.Fprintf(f, "node %d: tid=%d pp=%v voluntary=%v end_of_test=%v\n",
			chain[i], n.ChosenTID, n.AtPP, n.Voluntary, n.IsEndOfTest)
	}
	return nil
}

func createTraceFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("landslide: creating trace dir: %w", err)
	}
	return os.Create(path)
}
