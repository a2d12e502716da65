package schedmodel

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/talismancer/landslide/pkg/choicetree"
)

func TestCreateAgentTracksMostAgentsEver(t *testing.T) {
	s := New(-1, false)
	s.CreateAgent(1)
	s.CreateAgent(2)
	assert.Equal(t, 2, s.MostAgentsEver)

	s.DestroyAgent(1)
	assert.Equal(t, 2, s.MostAgentsEver)
	assert.Nil(t, s.Agent(1))
}

func TestBlockedPredicate(t *testing.T) {
	a := &Agent{BlockedOnAddr: AddrNone}
	assert.False(t, a.Blocked())

	a.BlockedOnAddr = 0x1000
	assert.True(t, a.Blocked())

	a.BlockedOnAddr = AddrNone
	a.Yield.Blocked = true
	assert.True(t, a.Blocked())
}

func TestAgentHasYielded(t *testing.T) {
	assert.True(t, AgentHasYielded(YieldState{LoopCount: 3}))
	assert.False(t, AgentHasYielded(YieldState{LoopCount: 0}))
	assert.False(t, AgentHasYielded(YieldState{LoopCount: 3, Blocked: true}))
}

func TestStatusClassification(t *testing.T) {
	running := &Agent{BlockedOnAddr: AddrNone}
	assert.Equal(t, StatusRunning, running.Status())

	addrBlocked := &Agent{BlockedOnAddr: 0x2000}
	assert.Equal(t, StatusAddrBlocked, addrBlocked.Status())

	yieldBlocked := &Agent{BlockedOnAddr: AddrNone, Yield: YieldState{Blocked: true}}
	assert.Equal(t, StatusYieldBlocked, yieldBlocked.Status())

	inTxn := &Agent{BlockedOnAddr: AddrNone, Txn: TxnState{InTransaction: true}}
	assert.Equal(t, StatusInTransaction, inTxn.Status())
}

func TestIsIdle(t *testing.T) {
	s := New(-1, false)
	a := s.CreateAgent(1)
	s.IdleTID = 1

	assert.False(t, s.IsIdle(a), "not idle while bug-on-threads-wedged is off and the test has not begun")

	s.BugOnThreadsWedged = true
	s.TestEverCaused = true
	s.StartPopulation = 1
	s.MostAgentsEver = 2
	assert.True(t, s.IsIdle(a))

	s.MostAgentsEver = 1 // population never grew beyond the idle thread itself
	assert.False(t, s.IsIdle(a))
}

func TestHTMBlocked(t *testing.T) {
	s := New(-1, false)
	a := s.CreateAgent(1)
	assert.False(t, s.HTMBlocked(a))

	s.SetHTMDeferred(1, true)
	assert.True(t, s.HTMBlocked(a))

	s.SetHTMDeferred(1, false)
	assert.False(t, s.HTMBlocked(a))
}

func TestAbortSetBlocked(t *testing.T) {
	s := New(-1, false)
	a := s.CreateAgent(2)
	s.UpcomingAborts = choicetree.AbortSet{Blocked: map[int]bool{2: true}}
	assert.True(t, s.AbortSetBlocked(a))

	b := s.CreateAgent(3)
	assert.False(t, s.AbortSetBlocked(b))
}

func TestICBBlocked(t *testing.T) {
	s := New(1, false)
	s.CurrentTID = 1
	other := s.CreateAgent(2)

	assert.False(t, s.ICBBlocked(false, other), "budget not yet spent")

	s.ICBPreemptionCount = 1
	assert.True(t, s.ICBBlocked(false, other), "switching to a different thread exceeds the bound")
	assert.False(t, s.ICBBlocked(true, other), "voluntary switches never count against the budget")

	current := s.CreateAgent(1)
	assert.False(t, s.ICBBlocked(false, current), "no preemption needed to keep running the current thread")
}

func TestICBDisabled(t *testing.T) {
	s := New(-1, false)
	s.CurrentTID = 1
	other := s.CreateAgent(2)
	s.ICBPreemptionCount = 1000
	assert.False(t, s.ICBBlocked(false, other))
}

func TestRunnableAgentsFiltersBlocked(t *testing.T) {
	s := New(-1, false)
	a1 := s.CreateAgent(1)
	a2 := s.CreateAgent(2)
	a2.BlockedOnAddr = 0x400

	runnable := s.RunnableAgents(false)
	assert.Len(t, runnable, 1)
	assert.Equal(t, a1.TID, runnable[0].TID)
}

func TestDPORPreferredTIDsOrdering(t *testing.T) {
	s := New(-1, false)
	s.PushDPORPreferred(1)
	s.PushDPORPreferred(2)
	s.PushDPORPreferred(3)

	assert.Equal(t, []int{1, 2, 3}, s.DPORPreferredTIDs())

	s.ResetDPORPreferred()
	assert.Nil(t, s.DPORPreferredTIDs())
}

func TestDPORPreferredTIDsOnlyMostRecent(t *testing.T) {
	s := New(-1, true)
	s.PushDPORPreferred(1)
	s.PushDPORPreferred(2)

	assert.Equal(t, []int{2}, s.DPORPreferredTIDs())
}

func TestAllAgentsPreservesCreationOrder(t *testing.T) {
	s := New(-1, false)
	s.CreateAgent(5)
	s.CreateAgent(1)
	s.CreateAgent(3)

	var tids []int
	for _, a := range s.AllAgents() {
		tids = append(tids, a.TID)
	}
	assert.Equal(t, []int{5, 1, 3}, tids)
}

func TestAnybodyAlive(t *testing.T) {
	s := New(-1, false)
	assert.False(t, s.AnybodyAlive())
	s.CreateAgent(1)
	assert.True(t, s.AnybodyAlive())
}
