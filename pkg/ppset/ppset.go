// Package ppset implements the preemption-point registry: the static and
// dynamically loaded directives that tell the arbiter which kernel/user
// function ranges are eligible for preemption, and which instruction/tid/
// call-site/syscall tuples constitute a suspected data race (spec.md §3, §4.2).
package ppset

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/talismancer/landslide/pkg/lslog"
)

// DRTidWildcard matches any tid in a DataRace directive.
const DRTidWildcard = -1

// WithinDirective is a "within-function" scope predicate: func_start/func_end
// bound a code range, and Within selects whitelist (true) or blacklist
// (false) polarity for that range (spec.md §3).
type WithinDirective struct {
	FuncStart uint64
	FuncEnd   uint64
	Within    bool
}

func (d WithinDirective) contains(pc uint64) bool {
	return pc >= d.FuncStart && pc < d.FuncEnd
}

// DataRace is a data-race fingerprint: an eip, together with the tid,
// last-call site, and most-recent-syscall that must match for a suspected
// race to fire (spec.md §3).
type DataRace struct {
	EIP                uint64
	TID                int // DRTidWildcard matches any tid
	LastCall           uint64 // 0 matches any last_call
	MostRecentSyscall  int
}

// Registry holds the static and dynamically loaded PP directives for one
// simulator run (spec.md §4.2).
type Registry struct {
	log *lslog.Logger

	kernWithins []WithinDirective
	userWithins []WithinDirective
	dataRaces   []DataRace

	dynamicLoaded bool

	OutputPipe string
	InputPipe  string
}

// New returns a Registry seeded with the statically compiled-in directives.
// A real deployment has none (all PPs arrive via LoadDynamic from quicksand),
// but standalone/manual runs can seed a fixed set here, mirroring
// pps_init's KERN_WITHIN_FUNCTIONS/USER_WITHIN_FUNCTIONS/DATA_RACE_INFO
// tables in the original.
func New(log *lslog.Logger, kernWithins, userWithins []WithinDirective, dataRaces []DataRace) *Registry {
	return &Registry{
		log:         log,
		kernWithins: append([]WithinDirective{}, kernWithins...),
		userWithins: append([]WithinDirective{}, userWithins...),
		dataRaces:   append([]DataRace{}, dataRaces...),
	}
}

// LoadDynamic loads additional directives from the line-oriented dynamic PP
// file (spec.md §6.1). It is idempotent in the sense that a second call
// always fails and has no side effect (spec.md §7, §8).
func (r *Registry) LoadDynamic(filename string) (bool, error) {
	if r.dynamicLoaded {
		return false, nil
	}

	f, err := os.Open(filename)
	if err != nil {
		return false, fmt.Errorf("ppset: opening dynamic pp file %q: %w", filename, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if line == "" {
			continue
		}
		if err := r.loadLine(line); err != nil {
			r.log.Warnf("malformed directive %q: %v", line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("ppset: reading dynamic pp file %q: %w", filename, err)
	}

	r.dynamicLoaded = true

	if err := os.Remove(filename); err != nil {
		r.log.Warnf("failed to remove temp pp file %s: %v", filename, err)
	}

	return true, nil
}

func (r *Registry) loadLine(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return fmt.Errorf("empty directive")
	}

	switch fields[0] {
	case "O":
		if len(fields) != 2 || r.OutputPipe != "" {
			return fmt.Errorf("bad O directive")
		}
		r.OutputPipe = fields[1]
		r.log.Logf(lslog.Dev, "output pipe %s", r.OutputPipe)
	case "I":
		if len(fields) != 2 || r.InputPipe != "" {
			return fmt.Errorf("bad I directive")
		}
		r.InputPipe = fields[1]
		r.log.Logf(lslog.Dev, "input pipe %s", r.InputPipe)
	case "K", "U":
		d, err := parseWithin(fields)
		if err != nil {
			return err
		}
		if fields[0] == "K" {
			r.kernWithins = append(r.kernWithins, d)
		} else {
			r.userWithins = append(r.userWithins, d)
		}
		r.log.Logf(lslog.Dev, "new PP: %s %x %x %v", fields[0], d.FuncStart, d.FuncEnd, d.Within)
	case "DR":
		d, err := parseDataRace(fields)
		if err != nil {
			return err
		}
		r.dataRaces = append(r.dataRaces, d)
		r.log.Logf(lslog.Dev, "new PP: dr %x %d %x %d", d.EIP, d.TID, d.LastCall, d.MostRecentSyscall)
	default:
		return fmt.Errorf("unrecognized directive %q", fields[0])
	}
	return nil
}

func parseWithin(fields []string) (WithinDirective, error) {
	if len(fields) != 4 {
		return WithinDirective{}, fmt.Errorf("expected 3 fields after directive letter")
	}
	start, err := strconv.ParseUint(fields[1], 16, 64)
	if err != nil {
		return WithinDirective{}, fmt.Errorf("bad func_start: %w", err)
	}
	end, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return WithinDirective{}, fmt.Errorf("bad func_end: %w", err)
	}
	polarity, err := strconv.Atoi(fields[3])
	if err != nil {
		return WithinDirective{}, fmt.Errorf("bad polarity: %w", err)
	}
	return WithinDirective{FuncStart: start, FuncEnd: end, Within: polarity != 0}, nil
}

func parseDataRace(fields []string) (DataRace, error) {
	if len(fields) != 5 {
		return DataRace{}, fmt.Errorf("expected 4 fields after DR")
	}
	eip, err := strconv.ParseUint(fields[1], 16, 64)
	if err != nil {
		return DataRace{}, fmt.Errorf("bad eip: %w", err)
	}
	tid, err := strconv.Atoi(fields[2])
	if err != nil {
		return DataRace{}, fmt.Errorf("bad tid: %w", err)
	}
	lastCall, err := strconv.ParseUint(fields[3], 16, 64)
	if err != nil {
		return DataRace{}, fmt.Errorf("bad last_call: %w", err)
	}
	syscall, err := strconv.Atoi(fields[4])
	if err != nil {
		return DataRace{}, fmt.Errorf("bad syscall: %w", err)
	}
	return DataRace{EIP: eip, TID: tid, LastCall: lastCall, MostRecentSyscall: syscall}, nil
}

func checkWithins(pps []WithinDirective, stack []uint64) bool {
	answer := true
	anyWithins := false

	for _, pp := range pps {
		in := false
		for _, pc := range stack {
			if pp.contains(pc) {
				in = true
				break
			}
		}
		if pp.Within {
			if !anyWithins {
				anyWithins = true
				answer = false
			}
			if in {
				answer = true
			}
		} else {
			if in {
				answer = false
			}
		}
	}
	return answer
}

// CheckKernelWithin reports whether the given kernel stack trace lies within
// the allowed kernel PP scope (spec.md §4.2).
func (r *Registry) CheckKernelWithin(stack []uint64) bool {
	return checkWithins(r.kernWithins, stack)
}

// CheckUserWithin reports whether the given user stack trace lies within the
// allowed user PP scope (spec.md §4.2).
func (r *Registry) CheckUserWithin(stack []uint64) bool {
	return checkWithins(r.userWithins, stack)
}

// DataRaceMatch describes the agent-observable state needed to evaluate a
// suspected data race at the current instruction.
type DataRaceMatch struct {
	EIP               uint64
	TID               int
	LastCall          uint64
	MostRecentSyscall int
}

// IsDataRaceHere reports whether the current instruction matches any loaded
// data-race fingerprint (spec.md §4.2).
func (r *Registry) IsDataRaceHere(m DataRaceMatch) bool {
	for _, pp := range r.dataRaces {
		if pp.EIP != m.EIP {
			continue
		}
		if pp.TID != DRTidWildcard && pp.TID != m.TID {
			continue
		}
		if pp.LastCall != 0 && pp.LastCall != m.LastCall {
			continue
		}
		if pp.MostRecentSyscall != m.MostRecentSyscall {
			continue
		}
		return true
	}
	return false
}
