package config

import (
	"bytes"
	"fmt"
	"io"
)

// WithinDirective is one K/U within-function line (spec.md §6.1).
type WithinDirective struct {
	Kernel    bool // K if true, U if false
	FuncStart uint64
	FuncEnd   uint64
	Within    bool
}

// DataRaceDirective is one DR line (spec.md §6.1).
type DataRaceDirective struct {
	EIP               uint64
	TID               int // ppset.DRTidWildcard (-1) matches any tid
	LastCall          uint64
	MostRecentSyscall int
}

// Dynamic is the dynamic PP-set file's contents: the per-branch PP
// directives for the subspace this job explores, plus the messaging pipe
// paths (spec.md §6.1, §4.7 step 3).
type Dynamic struct {
	// TestCase, when set, is written as the very first line. spec.md §6.3's
	// mandatory ordering (issue #120) requires TEST_CASE precede every PP
	// directive in this file.
	TestCase string

	OutputPipe string
	InputPipe  string

	Withins          []WithinDirective
	WithoutFunctions []string // kernel "without_function" lines, derived from test_name/pintos/pathos/txn mode
	DataRaces        []DataRaceDirective
}

// Write renders the dynamic config file, honoring the TEST_CASE-first
// ordering invariant.
func (d Dynamic) Write(w io.Writer) error {
	var buf bytes.Buffer

	if d.TestCase != "" {
		fmt.Fprintf(&buf, "TEST_CASE=%s\n", d.TestCase)
	}
	if d.OutputPipe != "" {
		fmt.Fprintf(&buf, "O %s\n", d.OutputPipe)
	}
	if d.InputPipe != "" {
		fmt.Fprintf(&buf, "I %s\n", d.InputPipe)
	}
	for _, w := range d.Withins {
		letter := "U"
		if w.Kernel {
			letter = "K"
		}
		polarity := 0
		if w.Within {
			polarity = 1
		}
		fmt.Fprintf(&buf, "%s %x %x %d\n", letter, w.FuncStart, w.FuncEnd, polarity)
	}
	for _, name := range d.WithoutFunctions {
		fmt.Fprintf(&buf, "without_function %s\n", name)
	}
	for _, dr := range d.DataRaces {
		fmt.Fprintf(&buf, "DR %x %d %x %d\n", dr.EIP, dr.TID, dr.LastCall, dr.MostRecentSyscall)
	}

	_, err := w.Write(buf.Bytes())
	return err
}
