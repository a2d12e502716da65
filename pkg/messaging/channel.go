package messaging

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/containerd/fifo"
	"golang.org/x/sys/unix"
)

// Channel is a bidirectional line-oriented message pipe between one
// simulator child and the parent controller, backed by a pair of named
// pipes (spec.md §6.4): the dynamic config file's `O <pipe>` names the
// channel the child writes and the parent reads; `I <pipe>` is the
// reverse. Each end holds its own Channel: OpenChild and OpenParent open
// the same two pipes with swapped read/write roles.
type Channel struct {
	out *bufio.Writer
	in  *bufio.Scanner

	outCloser io.Closer
	inCloser  io.Closer

	mu sync.Mutex // serialises writes; containerd/fifo pipes aren't required to be write-safe for concurrent callers
}

// OpenChild opens a Channel from the simulator child's side: it writes to
// outputPipe (its `alive`/`progress`/... stream) and reads from
// inputPipe (`request_progress`/`please_die`).
func OpenChild(ctx context.Context, outputPipe, inputPipe string) (*Channel, error) {
	return open(ctx, outputPipe, unix.O_WRONLY|unix.O_CREAT, inputPipe, unix.O_RDONLY|unix.O_CREAT)
}

// OpenParent opens a Channel from the parent controller's side: the
// read/write roles are the mirror image of OpenChild, naming the same two
// pipe paths.
func OpenParent(ctx context.Context, outputPipe, inputPipe string) (*Channel, error) {
	return open(ctx, inputPipe, unix.O_WRONLY|unix.O_CREAT, outputPipe, unix.O_RDONLY|unix.O_CREAT)
}

func open(ctx context.Context, writePath string, writeFlags int, readPath string, readFlags int) (*Channel, error) {
	w, err := fifo.OpenFifo(ctx, writePath, writeFlags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("messaging: opening write pipe %q: %w", writePath, err)
	}
	r, err := fifo.OpenFifo(ctx, readPath, readFlags, 0o600)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("messaging: opening read pipe %q: %w", readPath, err)
	}
	return &Channel{
		out:       bufio.NewWriter(w),
		in:        bufio.NewScanner(r),
		outCloser: w,
		inCloser:  r,
	}, nil
}

// Send encodes and writes one message, flushing immediately so the peer
// sees it without buffering delay.
func (c *Channel) Send(m Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.out.WriteString(m.Encode()); err != nil {
		return fmt.Errorf("messaging: send: %w", err)
	}
	return c.out.Flush()
}

// Receive blocks for the next line and decodes it. io.EOF is returned
// when the peer has closed its end (the child process exited, spec.md
// §6.4's `exiting` message is the polite form of this).
func (c *Channel) Receive() (Message, error) {
	if !c.in.Scan() {
		if err := c.in.Err(); err != nil {
			return Message{}, fmt.Errorf("messaging: receive: %w", err)
		}
		return Message{}, io.EOF
	}
	return Decode(c.in.Text())
}

// Close closes both pipe ends.
func (c *Channel) Close() error {
	errOut := c.outCloser.Close()
	errIn := c.inCloser.Close()
	if errOut != nil {
		return errOut
	}
	return errIn
}

// EnsurePipes creates the two named pipes at the given paths if they do
// not already exist, for whichever side opens them first (the teacher's
// sandbox control socket follows the same create-before-connect
// ordering in runsc/sandbox).
func EnsurePipes(outputPipe, inputPipe string) error {
	for _, p := range []string{outputPipe, inputPipe} {
		if err := unix.Mkfifo(p, 0o600); err != nil && !os.IsExist(err) {
			return fmt.Errorf("messaging: creating fifo %q: %w", p, err)
		}
	}
	return nil
}
