package worker

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talismancer/landslide/internal/cpubudget"
	"github.com/talismancer/landslide/pkg/config"
	"github.com/talismancer/landslide/pkg/lslog"
	"github.com/talismancer/landslide/pkg/messaging"
)

type fakeChildProcess struct {
	pid      int
	exitCode int
	waitErr  error
	killed   bool
}

func (f *fakeChildProcess) Pid() int { return f.pid }
func (f *fakeChildProcess) Wait() (int, error) { return f.exitCode, f.waitErr }
func (f *fakeChildProcess) Kill() error        { f.killed = true; return nil }

type fakeSpawner struct {
	child *fakeChildProcess
	err   error
}

func (s *fakeSpawner) Spawn(ctx context.Context, simulatorDir, staticPath, dynamicPath string, stdout, stderr *os.File) (ChildProcess, error) {
	if s.err != nil {
		return nil, s.err
	}
	// Exercise the provided log file handles, mirroring what a real exec
	// would do by writing a line to each.
	io.WriteString(stdout, "spawned\n")
	io.WriteString(stderr, "")
	return s.child, nil
}

// fakeChannel is an in-memory MessageChannel: Send appends to toParent
// (if this end is the child) or toChild; Receive pulls from the inbox a
// test wired up for this end.
type fakeChannel struct {
	mu     sync.Mutex
	inbox  []messaging.Message
	sent   []messaging.Message
	closed bool
}

func newFakeChannel(inbox ...messaging.Message) *fakeChannel {
	return &fakeChannel{inbox: inbox}
}

func (c *fakeChannel) Send(m messaging.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, m)
	return nil
}

func (c *fakeChannel) Receive() (messaging.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inbox) == 0 {
		return messaging.Message{}, io.EOF
	}
	m := c.inbox[0]
	c.inbox = c.inbox[1:]
	return m, nil
}

func (c *fakeChannel) Close() error {
	c.closed = true
	return nil
}

type fakeChannelOpener struct {
	channel *fakeChannel
	err     error
}

func (o *fakeChannelOpener) Open(ctx context.Context, outputPipe, inputPipe string) (MessageChannel, error) {
	if o.err != nil {
		return nil, o.err
	}
	return o.channel, nil
}

type fakeBudget struct {
	mu      sync.Mutex
	started map[cpubudget.Slot]int
	stopped []cpubudget.Slot
}

func newFakeBudget() *fakeBudget {
	return &fakeBudget{started: map[cpubudget.Slot]int{}}
}

func (b *fakeBudget) StartUsingCPU(slot cpubudget.Slot, pid int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started[slot] = pid
	return nil
}

func (b *fakeBudget) StopUsingCPU(slot cpubudget.Slot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = append(b.stopped, slot)
	return nil
}

type fakeBugSet struct {
	mu        sync.Mutex
	found     map[string]bool
	published []string
}

func newFakeBugSet() *fakeBugSet { return &fakeBugSet{found: map[string]bool{}} }

func (s *fakeBugSet) AlreadyFound(generation string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.found[generation]
}

func (s *fakeBugSet) Publish(generation string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, generation)
	s.found[generation] = true
}

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

func newTestController(t *testing.T, channel *fakeChannel, spawner *fakeSpawner, budget *fakeBudget, bugs *fakeBugSet) *Controller {
	t.Helper()
	c := NewController(
		lslog.New("TEST"),
		t.TempDir(),
		t.TempDir(),
		false,
		time.Time{},
		spawner,
		&fakeChannelOpener{channel: channel},
		budget,
		bugs,
	)
	c.clock = fakeClock{now: time.Now()}
	return c
}

func TestRunCompletesCleanlyOnExitingMessage(t *testing.T) {
	job := NewJob(1, config.Static{TestCase: "mutex_test"}, config.Dynamic{}, "gen-1")
	channel := newFakeChannel(messaging.Alive(), messaging.NewProgress(messaging.Progress{Branches: 5, Proportion: 0.1, ETASeconds: 2}), messaging.Exiting())
	spawner := &fakeSpawner{child: &fakeChildProcess{pid: 123, exitCode: 0}}
	budget := newFakeBudget()
	bugs := newFakeBugSet()

	c := newTestController(t, channel, spawner, budget, bugs)
	c.Run(context.Background(), job, cpubudget.Slot(0), nil)

	assert.Equal(t, StatusDone, job.Status())
	assert.True(t, job.Complete())
	branches, est := job.Estimate()
	assert.Equal(t, 5, branches)
	assert.Equal(t, 2*time.Second, est.ETA)
	assert.True(t, channel.closed)

	_, err := os.Stat(job.Logs.StaticConfig)
	assert.True(t, os.IsNotExist(err), "static config should be deleted after the run")
}

func TestRunSkipsWhenBugAlreadyFoundInSubspace(t *testing.T) {
	job := NewJob(2, config.Static{}, config.Dynamic{}, "gen-2")
	bugs := newFakeBugSet()
	bugs.found["gen-2"] = true
	spawner := &fakeSpawner{child: &fakeChildProcess{pid: 1}}
	budget := newFakeBudget()

	c := newTestController(t, newFakeChannel(), spawner, budget, bugs)
	c.Run(context.Background(), job, cpubudget.Slot(0), nil)

	assert.Equal(t, StatusDone, job.Status())
	assert.True(t, job.Cancelled())
}

func TestRunSkipsWhenTimeUp(t *testing.T) {
	job := NewJob(3, config.Static{}, config.Dynamic{}, "gen-3")
	spawner := &fakeSpawner{child: &fakeChildProcess{pid: 1}}
	budget := newFakeBudget()
	bugs := newFakeBugSet()

	c := newTestController(t, newFakeChannel(), spawner, budget, bugs)
	c.deadline = time.Now().Add(-time.Hour)

	c.Run(context.Background(), job, cpubudget.Slot(0), nil)
	assert.False(t, job.Cancelled(), "a bare deadline trip completes the job, it doesn't cancel it")
	assert.True(t, job.TimedOut())
}

func TestRunPublishesBugFound(t *testing.T) {
	job := NewJob(4, config.Static{}, config.Dynamic{}, "gen-4")
	channel := newFakeChannel(
		messaging.Alive(),
		messaging.NewBugFound(messaging.BugFound{TracePath: "/tmp/t", FABTimestamp: 1, FABCPUTime: 2}),
		messaging.Exiting(),
	)
	spawner := &fakeSpawner{child: &fakeChildProcess{pid: 1}}
	budget := newFakeBudget()
	bugs := newFakeBugSet()

	c := newTestController(t, channel, spawner, budget, bugs)
	c.Run(context.Background(), job, cpubudget.Slot(0), nil)

	assert.Contains(t, bugs.published, "gen-4")
}

type fakeObserver struct {
	bugs []string
	done []int64
}

func (o *fakeObserver) BugFound(jobID int64, tracePath string) {
	o.bugs = append(o.bugs, tracePath)
}

func (o *fakeObserver) JobDone(job *Job) {
	o.done = append(o.done, job.ID)
}

func TestRunNotifiesObserverOfBugAndCompletion(t *testing.T) {
	job := NewJob(6, config.Static{}, config.Dynamic{}, "gen-6")
	channel := newFakeChannel(
		messaging.Alive(),
		messaging.NewBugFound(messaging.BugFound{TracePath: "/tmp/t6"}),
		messaging.Exiting(),
	)
	spawner := &fakeSpawner{child: &fakeChildProcess{pid: 1}}
	budget := newFakeBudget()
	bugs := newFakeBugSet()
	obs := &fakeObserver{}

	c := newTestController(t, channel, spawner, budget, bugs)
	c.SetObserver(obs)
	c.Run(context.Background(), job, cpubudget.Slot(0), nil)

	assert.Equal(t, []string{"/tmp/t6"}, obs.bugs)
	assert.Equal(t, []int64{6}, obs.done)
}

func TestRunHandlesSpawnFailure(t *testing.T) {
	job := NewJob(5, config.Static{}, config.Dynamic{}, "gen-5")
	spawner := &fakeSpawner{err: assertableErr{"exec failed"}}
	budget := newFakeBudget()
	bugs := newFakeBugSet()

	c := newTestController(t, newFakeChannel(), spawner, budget, bugs)
	c.Run(context.Background(), job, cpubudget.Slot(0), nil)

	assert.Equal(t, StatusDone, job.Status())
	assert.True(t, job.Complete())
}

func TestRunHandlesChildNeverAlive(t *testing.T) {
	job := NewJob(6, config.Static{}, config.Dynamic{}, "gen-6")
	channel := newFakeChannel() // no alive message ever arrives
	spawner := &fakeSpawner{child: &fakeChildProcess{pid: 1}}
	budget := newFakeBudget()
	bugs := newFakeBugSet()

	c := newTestController(t, channel, spawner, budget, bugs)
	c.Run(context.Background(), job, cpubudget.Slot(0), nil)

	assert.Equal(t, StatusDone, job.Status())
	assert.True(t, channel.closed)
}

func TestRunRequestsKillRelayedToChild(t *testing.T) {
	job := NewJob(7, config.Static{}, config.Dynamic{}, "gen-7")
	job.RequestKill()
	channel := newFakeChannel(messaging.Alive(), messaging.Exiting())
	spawner := &fakeSpawner{child: &fakeChildProcess{pid: 1}}
	budget := newFakeBudget()
	bugs := newFakeBugSet()

	c := newTestController(t, channel, spawner, budget, bugs)
	c.Run(context.Background(), job, cpubudget.Slot(0), nil)

	found := false
	for _, m := range channel.sent {
		if m.Kind == messaging.KindPleaseDie {
			found = true
		}
	}
	assert.True(t, found)
}

func TestNextJobIDIsMonotonic(t *testing.T) {
	c := newTestController(t, newFakeChannel(), &fakeSpawner{}, newFakeBudget(), newFakeBugSet())
	a := c.NextJobID()
	b := c.NextJobID()
	require.Less(t, a, b)
}

func TestMaterializeScratchFilesWritesConfigs(t *testing.T) {
	job := NewJob(8, config.Static{TestCase: "mutex_test"}, config.Dynamic{}, "gen-8")
	c := newTestController(t, newFakeChannel(), &fakeSpawner{}, newFakeBudget(), newFakeBugSet())

	require.NoError(t, c.materializeScratchFiles(job))
	contents, err := os.ReadFile(job.Logs.StaticConfig)
	require.NoError(t, err)
	assert.Contains(t, string(contents), "TEST_CASE=mutex_test")
	assert.Equal(t, filepath.Join(c.scratchDir, "job-8.out.pipe"), job.Dynamic.OutputPipe)
}

type assertableErr struct{ msg string }

func (e assertableErr) Error() string { return e.msg }
