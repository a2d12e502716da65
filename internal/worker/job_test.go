package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talismancer/landslide/pkg/config"
)

func newTestJob(t *testing.T) *Job {
	t.Helper()
	return NewJob(1, config.Static{TestCase: "mutex_test"}, config.Dynamic{}, "gen-1")
}

func TestNewJobStartsNormal(t *testing.T) {
	j := newTestJob(t)
	assert.Equal(t, StatusNormal, j.Status())
}

func TestBlockThenResumeCycle(t *testing.T) {
	j := newTestJob(t)
	j.Block()
	assert.Equal(t, StatusBlocked, j.Status())

	done := make(chan struct{})
	go func() {
		j.WaitUntilResumed()
		close(done)
	}()

	j.Resume()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitUntilResumed did not return after Resume")
	}
	assert.Equal(t, StatusNormal, j.Status())
}

func TestWaitOnJobReturnsTrueForBlocked(t *testing.T) {
	j := newTestJob(t)
	result := make(chan bool, 1)
	go func() { result <- j.WaitOnJob() }()

	time.Sleep(10 * time.Millisecond)
	j.Block()

	select {
	case becameBlocked := <-result:
		assert.True(t, becameBlocked)
	case <-time.After(time.Second):
		t.Fatal("WaitOnJob never returned")
	}
}

func TestWaitOnJobReturnsFalseForDone(t *testing.T) {
	j := newTestJob(t)
	result := make(chan bool, 1)
	go func() { result <- j.WaitOnJob() }()

	time.Sleep(10 * time.Millisecond)
	j.MarkDone(true, false, false)

	select {
	case becameBlocked := <-result:
		assert.False(t, becameBlocked)
	case <-time.After(time.Second):
		t.Fatal("WaitOnJob never returned")
	}
}

func TestMarkDoneIsTerminalOnce(t *testing.T) {
	j := newTestJob(t)
	j.MarkDone(true, false, false)
	assert.True(t, j.Complete())

	// A later MarkDone call with different flags must not override the
	// first terminal transition (DONE -> anything is forbidden).
	j.MarkDone(false, true, true)
	assert.True(t, j.Complete())
	assert.False(t, j.TimedOut())
}

func TestBlockAfterDoneIsNoop(t *testing.T) {
	j := newTestJob(t)
	j.MarkDone(true, false, false)
	j.Block()
	assert.Equal(t, StatusDone, j.Status())
}

func TestKillRequestedRoundTrip(t *testing.T) {
	j := newTestJob(t)
	assert.False(t, j.KillRequested())
	j.RequestKill()
	assert.True(t, j.KillRequested())
}

func TestNeedsRerunRoundTrip(t *testing.T) {
	j := newTestJob(t)
	assert.False(t, j.NeedsRerun())
	j.RequestRerun()
	assert.True(t, j.NeedsRerun())
}

func TestUpdateAndReadEstimate(t *testing.T) {
	j := newTestJob(t)
	j.UpdateEstimate(10, Estimate{Proportion: 0.3, Elapsed: time.Second, ETA: 4 * time.Second})
	branches, est := j.Estimate()
	assert.Equal(t, 10, branches)
	assert.Equal(t, 4*time.Second, est.ETA)
}

func TestCompareJobETA(t *testing.T) {
	a := newTestJob(t)
	b := NewJob(2, config.Static{}, config.Dynamic{}, "gen-2")
	a.UpdateEstimate(0, Estimate{ETA: 10 * time.Second})
	b.UpdateEstimate(0, Estimate{ETA: 5 * time.Second})

	require.Equal(t, 1, CompareJobETA(a, b))
	require.Equal(t, -1, CompareJobETA(b, a))
	require.Equal(t, 0, CompareJobETA(a, a))
}

func TestMarkCancelledTimedOut(t *testing.T) {
	j := newTestJob(t)
	j.MarkCancelledTimedOut(true)
	assert.True(t, j.Cancelled())
	assert.True(t, j.TimedOut())
}
