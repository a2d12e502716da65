// Package messaging implements the line-oriented RPC between a simulator
// child and the parent fleet controller (spec.md §6.4): one message per
// line, transported over the named pipes the dynamic PP file's `O`/`I`
// directives name (pkg/config.Dynamic.OutputPipe/InputPipe).
package messaging

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind names a wire message's verb.
type Kind string

const (
	// Child -> parent.
	KindAlive       Kind = "alive"
	KindProgress    Kind = "progress"
	KindPPDiscovered Kind = "pp_discovered"
	KindBugFound    Kind = "bug_found"
	KindTimedOut    Kind = "timed_out"
	KindNeedRerun   Kind = "need_rerun"
	KindExiting     Kind = "exiting"

	// Parent -> child.
	KindRequestProgress Kind = "request_progress"
	KindPleaseDie       Kind = "please_die"
)

// Progress carries the fields of a `progress` message.
type Progress struct {
	Branches int
	Proportion float64
	ElapsedSeconds float64
	ETASeconds float64
	ICBBound int
}

// PPDiscovered carries the fields of a `pp_discovered` message: a
// data-race fingerprint the child observed that the parent should fold
// into future dynamic PP sets.
type PPDiscovered struct {
	Addr              uint64
	TID               int
	LastCall          uint64
	MostRecentSyscall int
}

// BugFound carries the fields of a `bug_found` message.
type BugFound struct {
	TracePath   string
	FABTimestamp int64
	FABCPUTime   int64
}

// Message is one parsed line of the protocol. Exactly one of the typed
// payload fields is populated, selected by Kind; messages with no payload
// (alive, timed_out, need_rerun, exiting, request_progress, please_die)
// leave all payload fields zero.
type Message struct {
	Kind Kind

	Progress     Progress
	PPDiscovered PPDiscovered
	BugFound     BugFound
}

// Encode renders m as a single newline-terminated protocol line.
func (m Message) Encode() string {
	var b strings.Builder
	b.WriteString(string(m.Kind))
	switch m.Kind {
	case KindProgress:
		fmt.Fprintf(&b, " %d %s %s %s %d",
			m.Progress.Branches,
			strconv.FormatFloat(m.Progress.Proportion, 'g', -1, 64),
			strconv.FormatFloat(m.Progress.ElapsedSeconds, 'g', -1, 64),
			strconv.FormatFloat(m.Progress.ETASeconds, 'g', -1, 64),
			m.Progress.ICBBound)
	case KindPPDiscovered:
		fmt.Fprintf(&b, " %x %d %x %d",
			m.PPDiscovered.Addr, m.PPDiscovered.TID,
			m.PPDiscovered.LastCall, m.PPDiscovered.MostRecentSyscall)
	case KindBugFound:
		fmt.Fprintf(&b, " %s %d %d",
			m.BugFound.TracePath, m.BugFound.FABTimestamp, m.BugFound.FABCPUTime)
	}
	b.WriteString("\n")
	return b.String()
}

// Alive, TimedOut, NeedRerun, Exiting, RequestProgress, and PleaseDie are
// the no-payload message constructors.
func Alive() Message           { return Message{Kind: KindAlive} }
func TimedOut() Message        { return Message{Kind: KindTimedOut} }
func NeedRerun() Message       { return Message{Kind: KindNeedRerun} }
func Exiting() Message         { return Message{Kind: KindExiting} }
func RequestProgress() Message { return Message{Kind: KindRequestProgress} }
func PleaseDie() Message       { return Message{Kind: KindPleaseDie} }

// NewProgress builds a `progress` message.
func NewProgress(p Progress) Message { return Message{Kind: KindProgress, Progress: p} }

// NewPPDiscovered builds a `pp_discovered` message.
func NewPPDiscovered(p PPDiscovered) Message {
	return Message{Kind: KindPPDiscovered, PPDiscovered: p}
}

// NewBugFound builds a `bug_found` message.
func NewBugFound(b BugFound) Message { return Message{Kind: KindBugFound, BugFound: b} }

// Decode parses a single protocol line (without its trailing newline).
func Decode(line string) (Message, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Message{}, fmt.Errorf("messaging: empty line")
	}
	kind := Kind(fields[0])
	args := fields[1:]

	switch kind {
	case KindAlive, KindTimedOut, KindNeedRerun, KindExiting, KindRequestProgress, KindPleaseDie:
		return Message{Kind: kind}, nil

	case KindProgress:
		if len(args) != 5 {
			return Message{}, fmt.Errorf("messaging: progress wants 5 fields, got %d", len(args))
		}
		branches, err := strconv.Atoi(args[0])
		if err != nil {
			return Message{}, fmt.Errorf("messaging: progress branches: %w", err)
		}
		proportion, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return Message{}, fmt.Errorf("messaging: progress proportion: %w", err)
		}
		elapsed, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			return Message{}, fmt.Errorf("messaging: progress elapsed: %w", err)
		}
		eta, err := strconv.ParseFloat(args[3], 64)
		if err != nil {
			return Message{}, fmt.Errorf("messaging: progress eta: %w", err)
		}
		icbBound, err := strconv.Atoi(args[4])
		if err != nil {
			return Message{}, fmt.Errorf("messaging: progress icb_bound: %w", err)
		}
		return Message{Kind: kind, Progress: Progress{
			Branches: branches, Proportion: proportion,
			ElapsedSeconds: elapsed, ETASeconds: eta, ICBBound: icbBound,
		}}, nil

	case KindPPDiscovered:
		if len(args) != 4 {
			return Message{}, fmt.Errorf("messaging: pp_discovered wants 4 fields, got %d", len(args))
		}
		addr, err := strconv.ParseUint(args[0], 16, 64)
		if err != nil {
			return Message{}, fmt.Errorf("messaging: pp_discovered addr: %w", err)
		}
		tid, err := strconv.Atoi(args[1])
		if err != nil {
			return Message{}, fmt.Errorf("messaging: pp_discovered tid: %w", err)
		}
		lastCall, err := strconv.ParseUint(args[2], 16, 64)
		if err != nil {
			return Message{}, fmt.Errorf("messaging: pp_discovered last_call: %w", err)
		}
		syscall, err := strconv.Atoi(args[3])
		if err != nil {
			return Message{}, fmt.Errorf("messaging: pp_discovered syscall: %w", err)
		}
		return Message{Kind: kind, PPDiscovered: PPDiscovered{
			Addr: addr, TID: tid, LastCall: lastCall, MostRecentSyscall: syscall,
		}}, nil

	case KindBugFound:
		if len(args) != 3 {
			return Message{}, fmt.Errorf("messaging: bug_found wants 3 fields, got %d", len(args))
		}
		ts, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return Message{}, fmt.Errorf("messaging: bug_found fab_timestamp: %w", err)
		}
		cpu, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return Message{}, fmt.Errorf("messaging: bug_found fab_cputime: %w", err)
		}
		return Message{Kind: kind, BugFound: BugFound{
			TracePath: args[0], FABTimestamp: ts, FABCPUTime: cpu,
		}}, nil

	default:
		return Message{}, fmt.Errorf("messaging: unrecognised message kind %q", kind)
	}
}
