package worker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/talismancer/landslide/pkg/messaging"
)

// RealSpawner execs the actual simulator binary (spec.md §6.2): `./<bin>
// <static_config_path> <dynamic_config_path>`, stdin inherited, stdout
// and stderr redirected to the given log files, cwd changed to the
// simulator's directory.
type RealSpawner struct {
	Binary string
}

type osChildProcess struct {
	cmd *exec.Cmd
}

func (p *osChildProcess) Pid() int { return p.cmd.Process.Pid }

func (p *osChildProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			return status.ExitStatus(), nil
		}
	}
	return -1, err
}

func (p *osChildProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// Spawn implements Spawner.
func (s RealSpawner) Spawn(ctx context.Context, simulatorDir, staticPath, dynamicPath string, stdout, stderr *os.File) (ChildProcess, error) {
	cmd := exec.CommandContext(ctx, filepath.Join(simulatorDir, s.Binary), staticPath, dynamicPath)
	cmd.Dir = simulatorDir
	cmd.Stdin = os.Stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("worker: starting simulator: %w", err)
	}
	return &osChildProcess{cmd: cmd}, nil
}

// RealChannelOpener opens a genuine named-pipe Channel from the parent's
// side.
type RealChannelOpener struct{}

// Open implements ChannelOpener.
func (RealChannelOpener) Open(ctx context.Context, outputPipe, inputPipe string) (MessageChannel, error) {
	return messaging.OpenParent(ctx, outputPipe, inputPipe)
}
