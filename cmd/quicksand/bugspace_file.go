package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/talismancer/landslide/internal/fleet"
)

// bugSpaceFile is the on-disk shape of a persisted bug-space (spec.md
// §6.5): the set of PP-set generations a prior fleet run already reported
// a bug in, so `resume` and `status` don't need to re-derive it from
// scratch-dir leftovers.
type bugSpaceFile struct {
	Generations []string `json:"generations"`
}

// loadBugSpace reads a previously persisted bug-space file. A missing
// file is not an error -- it just means no bugs have been found yet.
func loadBugSpace(path string) (*fleet.BugSpace, error) {
	if path == "" {
		return fleet.NewBugSpace(), nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return fleet.NewBugSpace(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("quicksand: reading bug-space file %q: %w", path, err)
	}
	var f bugSpaceFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("quicksand: parsing bug-space file %q: %w", path, err)
	}
	return fleet.NewBugSpaceFromGenerations(f.Generations), nil
}

// saveBugSpace persists bugs to path, overwriting any previous contents.
func saveBugSpace(path string, bugs *fleet.BugSpace) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(bugSpaceFile{Generations: bugs.Published()}, "", "  ")
	if err != nil {
		return fmt.Errorf("quicksand: encoding bug-space file: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("quicksand: writing bug-space file %q: %w", path, err)
	}
	return nil
}
