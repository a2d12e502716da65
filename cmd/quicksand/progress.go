package main

import (
	"fmt"
	"os"
	"time"

	"github.com/containerd/console"
	"golang.org/x/time/rate"

	"github.com/talismancer/landslide/internal/worker"
)

const (
	ansiRed    = "\x1b[31m"
	ansiYellow = "\x1b[33m"
	ansiGreen  = "\x1b[32m"
	ansiReset  = "\x1b[0m"
)

// progressPrinter implements worker.Observer, rendering the coloured
// BUG FOUND / TIMED OUT / COMPLETE / CANCELLED lines spec.md §7 calls for.
// Per-job outcome lines are never throttled; the periodic fleet-summary
// tick is, since a fleet of hundreds of jobs would otherwise flood the
// terminal on every redraw.
type progressPrinter struct {
	limiter *rate.Limiter
	width   int
}

func newProgressPrinter() *progressPrinter {
	width := 80
	if c, err := console.ConsoleFromFile(os.Stdout); err == nil {
		if size, err := c.Size(); err == nil && size.Width > 0 {
			width = int(size.Width)
		}
	}
	return &progressPrinter{
		limiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
		width:   width,
	}
}

// BugFound implements worker.Observer.
func (p *progressPrinter) BugFound(jobID int64, tracePath string) {
	fmt.Printf("%sBUG FOUND%s   job %d: %s\n", ansiRed, ansiReset, jobID, tracePath)
}

// JobDone implements worker.Observer.
func (p *progressPrinter) JobDone(job *worker.Job) {
	switch {
	case job.TimedOut():
		fmt.Printf("%sTIMED OUT%s   job %d\n", ansiYellow, ansiReset, job.ID)
	case job.Cancelled():
		fmt.Printf("%sCANCELLED%s   job %d\n", ansiYellow, ansiReset, job.ID)
	default:
		branches, _ := job.Estimate()
		fmt.Printf("%sCOMPLETE%s    job %d (%d branches)\n", ansiGreen, ansiReset, job.ID, branches)
	}
}

// tick prints a one-line fleet summary, dropped silently if the redraw
// rate limiter hasn't replenished since the last call.
func (p *progressPrinter) tick(jobs []*worker.Job) {
	if !p.limiter.Allow() {
		return
	}
	var running, blocked, done int
	for _, j := range jobs {
		switch j.Status() {
		case worker.StatusNormal:
			running++
		case worker.StatusBlocked:
			blocked++
		case worker.StatusDone:
			done++
		}
	}
	line := fmt.Sprintf("\rfleet: running=%d blocked=%d done=%d/%d", running, blocked, done, len(jobs))
	if len(line) > p.width {
		line = line[:p.width]
	}
	fmt.Print(line)
}
