package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talismancer/landslide/pkg/arbiter"
	"github.com/talismancer/landslide/pkg/bugdetect"
	"github.com/talismancer/landslide/pkg/lslog"
	"github.com/talismancer/landslide/pkg/messaging"
	"github.com/talismancer/landslide/pkg/ppset"
	"github.com/talismancer/landslide/pkg/saverestore"
	"github.com/talismancer/landslide/pkg/schedmodel"
)

// openTestChannelPair opens a live child/parent channel pair over a real
// pair of named pipes, the same way pkg/messaging's own tests do.
func openTestChannelPair(t *testing.T) (child, parent *messaging.Channel) {
	t.Helper()
	dir := t.TempDir()
	outputPipe := filepath.Join(dir, "out.pipe")
	inputPipe := filepath.Join(dir, "in.pipe")
	require.NoError(t, messaging.EnsurePipes(outputPipe, inputPipe))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	childCh := make(chan *messaging.Channel, 1)
	childErr := make(chan error, 1)
	go func() {
		c, err := messaging.OpenChild(ctx, outputPipe, inputPipe)
		if err != nil {
			childErr <- err
			return
		}
		childCh <- c
	}()

	parent, err := messaging.OpenParent(ctx, outputPipe, inputPipe)
	require.NoError(t, err)
	t.Cleanup(func() { parent.Close() })

	select {
	case child = <-childCh:
	case err := <-childErr:
		t.Fatalf("opening child channel: %v", err)
	case <-ctx.Done():
		t.Fatal("timed out opening child channel")
	}
	t.Cleanup(func() { child.Close() })
	return child, parent
}

func newTestSession(t *testing.T, channel *messaging.Channel) *session {
	t.Helper()
	log := lslog.New("TEST")
	pps := ppset.New(log, nil, nil, nil)
	return &session{
		log:      log,
		pps:      pps,
		sched:    schedmodel.New(-1, false),
		save:     saverestore.New(log),
		arbiter:  arbiter.New(log, pps, arbiter.Config{TestingUserspace: true}),
		bugs:     bugdetect.New(log, arbiter.DefaultFPBudget),
		channel:  channel,
		traceDir: t.TempDir(),
		start:    time.Now(),
	}
}

// A pre-test-start event with no thread switch and no HLT is NotAPP (spec.md
// §4.5.1 rule 3): step should recover the agent and report no decision.
func TestSessionStepNotAPPRecoversAndContinues(t *testing.T) {
	child, _ := openTestChannelPair(t)
	sess := newTestSession(t, child)

	done, err := sess.step(arbiter.Event{PrevTID: 1, CurrentTID: 1, TestStarted: false})
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, 0, sess.branches)
}

func TestSessionReportProgressSendsOverChannel(t *testing.T) {
	child, parent := openTestChannelPair(t)
	sess := newTestSession(t, child)
	sess.branches = 3

	require.NoError(t, sess.reportProgress(2))

	got, err := parent.Receive()
	require.NoError(t, err)
	assert.Equal(t, messaging.KindProgress, got.Kind)
	assert.Equal(t, 3, got.Progress.Branches)
	assert.Equal(t, 2, got.Progress.ICBBound)
}

func TestSessionReportBugWritesTraceAndSendsBugFound(t *testing.T) {
	child, parent := openTestChannelPair(t)
	sess := newTestSession(t, child)

	require.NoError(t, sess.reportBug(arbiter.Event{CurrentTID: 1}))

	got, err := parent.Receive()
	require.NoError(t, err)
	assert.Equal(t, messaging.KindBugFound, got.Kind)
	assert.FileExists(t, got.BugFound.TracePath)
}
