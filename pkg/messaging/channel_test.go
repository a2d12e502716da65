package messaging

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestChannelRoundTrip exercises a real pair of named pipes end to end:
// the child sends `alive` then a `progress` line, the parent replies with
// `please_die`.
func TestChannelRoundTrip(t *testing.T) {
	dir := t.TempDir()
	outputPipe := filepath.Join(dir, "out.pipe")
	inputPipe := filepath.Join(dir, "in.pipe")
	require.NoError(t, EnsurePipes(outputPipe, inputPipe))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	childCh := make(chan *Channel, 1)
	childErr := make(chan error, 1)
	go func() {
		c, err := OpenChild(ctx, outputPipe, inputPipe)
		if err != nil {
			childErr <- err
			return
		}
		childCh <- c
	}()

	parent, err := OpenParent(ctx, outputPipe, inputPipe)
	require.NoError(t, err)
	defer parent.Close()

	var child *Channel
	select {
	case child = <-childCh:
	case err := <-childErr:
		t.Fatalf("opening child channel: %v", err)
	case <-ctx.Done():
		t.Fatal("timed out opening child channel")
	}
	defer child.Close()

	require.NoError(t, child.Send(Alive()))
	got, err := parent.Receive()
	require.NoError(t, err)
	assert.Equal(t, Alive(), got)

	progress := NewProgress(Progress{Branches: 10, Proportion: 0.25, ElapsedSeconds: 1, ETASeconds: 3, ICBBound: 1})
	require.NoError(t, child.Send(progress))
	got, err = parent.Receive()
	require.NoError(t, err)
	assert.Equal(t, progress, got)

	require.NoError(t, parent.Send(PleaseDie()))
	got, err = child.Receive()
	require.NoError(t, err)
	assert.Equal(t, PleaseDie(), got)
}
