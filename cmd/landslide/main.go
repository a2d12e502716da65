// Command landslide is the simulator-side checker process: exec'd by
// quicksand as `./landslide <static_config_path> <dynamic_config_path>`
// (spec.md §6.2), it drives one DPOR exploration branch to completion,
// reporting progress and bugs back over the named-pipe channel the dynamic
// config names.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/talismancer/landslide/pkg/arbiter"
	"github.com/talismancer/landslide/pkg/bugdetect"
	"github.com/talismancer/landslide/pkg/config"
	"github.com/talismancer/landslide/pkg/lslog"
	"github.com/talismancer/landslide/pkg/machine"
	"github.com/talismancer/landslide/pkg/messaging"
	"github.com/talismancer/landslide/pkg/ppset"
	"github.com/talismancer/landslide/pkg/saverestore"
	"github.com/talismancer/landslide/pkg/schedmodel"
)

var (
	backendSocket = flag.String("backend-socket", "", "unix socket the cycle-accurate guest backend listens on (out of scope per spec.md §1; required to actually execute a branch)")
	traceDir      = flag.String("trace-dir", "traces", "directory bug trace files are written under")
	progressEvery = flag.Duration("progress-interval", 5*time.Second, "how often to report progress to the parent absent an explicit request_progress")
)

func main() {
	flag.Parse()
	log := lslog.New("LANDSLIDE")

	if flag.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "usage: landslide <static_config_path> <dynamic_config_path>")
		os.Exit(1)
	}
	staticPath, dynamicPath := flag.Arg(0), flag.Arg(1)

	if err := run(log, staticPath, dynamicPath); err != nil {
		log.Warnf("exiting with error: %v", err)
		os.Exit(1)
	}
}

func run(log *lslog.Logger, staticPath, dynamicPath string) error {
	staticFile, err := os.Open(staticPath)
	if err != nil {
		return fmt.Errorf("landslide: opening static config: %w", err)
	}
	static, err := config.ReadStatic(staticFile)
	staticFile.Close()
	if err != nil {
		return fmt.Errorf("landslide: parsing static config: %w", err)
	}
	lslog.SetVerbose(static.Verbose)

	if sc, ok := config.LookupSpecialCase(static.TestCase); ok {
		dynamic := config.Dynamic{}
		sc.Apply(&static, &dynamic)
	}

	frozen := config.FromStatic(static)

	pps := ppset.New(log, nil, nil, nil)
	if _, err := pps.LoadDynamic(dynamicPath); err != nil {
		return fmt.Errorf("landslide: loading dynamic pp set: %w", err)
	}

	if pps.OutputPipe == "" || pps.InputPipe == "" {
		return fmt.Errorf("landslide: dynamic config named no messaging pipes")
	}

	ctx := context.Background()
	channel, err := messaging.OpenChild(ctx, pps.OutputPipe, pps.InputPipe)
	if err != nil {
		return fmt.Errorf("landslide: opening messaging channel: %w", err)
	}
	defer channel.Close()

	if err := channel.Send(messaging.Alive()); err != nil {
		return fmt.Errorf("landslide: sending alive handshake: %w", err)
	}

	sched := schedmodel.New(frozen.ICBBound, frozen.ConsiderOnlyMostRecentDPORPreferredTID)
	save := saverestore.New(log)
	bugs := bugdetect.New(log, frozen.FPBudget)
	ar := arbiter.New(log, pps, frozen.ToArbiterConfig())

	sess := &session{
		log:      log,
		pps:      pps,
		sched:    sched,
		save:     save,
		arbiter:  ar,
		bugs:     bugs,
		channel:  channel,
		traceDir: *traceDir,
		start:    time.Now(),
	}

	var backend *remoteBackend
	if *backendSocket != "" {
		var err error
		backend, err = dialBackend(*backendSocket)
		if err != nil {
			return err
		}
		sess.facade = machine.New(backend, machine.KernelLayout{})
		sess.backend = backend
	}

	return driveToCompletion(sess, channel, backend)
}

// driveToCompletion runs the message loop that talks to the parent while
// the session's branch runs, alongside the per-instruction decision loop
// (session.step) fed by events the connected backend assembles. The two
// run concurrently: the backend drip-feeds candidate instructions on its
// own pace, while the parent can ask for progress or tell the child to
// die at any point in between.
func driveToCompletion(sess *session, channel *messaging.Channel, backend *remoteBackend) error {
	ticker := time.NewTicker(*progressEvery)
	defer ticker.Stop()

	requests := make(chan messaging.Message)
	errs := make(chan error, 1)
	go func() {
		for {
			m, err := channel.Receive()
			if err != nil {
				errs <- err
				return
			}
			requests <- m
		}
	}()

	branchDone := make(chan error, 1)
	if backend != nil {
		go func() { branchDone <- runBranch(sess, backend) }()
	}

	for {
		select {
		case <-ticker.C:
			if err := sess.reportProgress(sess.sched.ICBBound); err != nil {
				return err
			}
		case m := <-requests:
			switch m.Kind {
			case messaging.KindRequestProgress:
				if err := sess.reportProgress(sess.sched.ICBBound); err != nil {
					return err
				}
			case messaging.KindPleaseDie:
				return channel.Send(messaging.Exiting())
			}
		case err := <-errs:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case err := <-branchDone:
			if err != nil {
				return err
			}
			return channel.Send(messaging.Exiting())
		}
	}
}

// runBranch pulls candidate instructions from the backend and feeds them
// through the decision procedure until the branch ends (a bug is reported
// or the backend has no more events to offer).
func runBranch(sess *session, backend *remoteBackend) error {
	for {
		ev, ok, err := backend.NextEvent()
		if err != nil {
			return fmt.Errorf("landslide: reading next event: %w", err)
		}
		if !ok {
			return nil
		}
		done, err := sess.step(ev)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}
