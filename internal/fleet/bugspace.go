// Package fleet implements the parent-side scheduling of many worker.Job
// instances: a bounded-concurrency workqueue (spec.md §5's "workqueue
// threads") and the global bug-already-found-in-subspace set (spec.md
// §6.5). Blocked jobs are not ranked by ETA: they resume in whatever order
// the compile lock and the slot semaphore release them.
package fleet

import (
	"strings"
	"sync"
)

// BugSpace tracks the set of PP-set "generations" (spec.md §3 Job.generation)
// in which a bug has already been reported. A generation is represented as
// a sorted, slash-joined list of PP-directive keys; Publish is append-only,
// and AlreadyFound answers true iff some published generation is a subset
// of (or equal to) the queried one, per §6.5: "returns true iff some
// bug-reported set ⊆ S".
type BugSpace struct {
	mu        sync.RWMutex
	published []Subspace
}

// Subspace is the PP-set identifying one job's slice of the search space,
// as an unordered set of directive keys (e.g. "K:1000-2000:1",
// "DR:badc0de:3").
type Subspace map[string]struct{}

// NewSubspace builds a Subspace from directive key strings.
func NewSubspace(keys ...string) Subspace {
	s := make(Subspace, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// Generation renders a Subspace as the job's canonical generation string
// (sorted for determinism, since map iteration order is not).
func (s Subspace) Generation() string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sortStrings(keys)
	return strings.Join(keys, "/")
}

// subsetOf reports whether s is a subset of other (every key in s is
// present in other).
func (s Subspace) subsetOf(other Subspace) bool {
	for k := range s {
		if _, ok := other[k]; !ok {
			return false
		}
	}
	return true
}

func sortStrings(s []string) {
	// small-n insertion sort; the pack imports sort.Strings but this keeps
	// the package dependency-free for a one-line utility used only here.
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// NewBugSpace returns an empty BugSpace.
func NewBugSpace() *BugSpace {
	return &BugSpace{}
}

// AlreadyFound reports whether generation's subspace is subsumed by an
// already-published find.
func (b *BugSpace) AlreadyFound(generation string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	candidate := subspaceFromGeneration(generation)
	for _, published := range b.published {
		if published.subsetOf(candidate) {
			return true
		}
	}
	return false
}

// AlreadyFoundSubspace is the Subspace-typed variant of AlreadyFound, for
// callers that already have a structured Subspace rather than its string
// encoding.
func (b *BugSpace) AlreadyFoundSubspace(candidate Subspace) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, published := range b.published {
		if published.subsetOf(candidate) {
			return true
		}
	}
	return false
}

// Publish records that a bug was found in generation's subspace. Append-only
// per §6.5.
func (b *BugSpace) Publish(generation string) {
	b.PublishSubspace(subspaceFromGeneration(generation))
}

// PublishSubspace is the Subspace-typed variant of Publish.
func (b *BugSpace) PublishSubspace(s Subspace) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, s)
}

// Published returns every published generation string, for persisting the
// bug-space across fleet runs (cmd/quicksand's resume subcommand).
func (b *BugSpace) Published() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, len(b.published))
	for i, s := range b.published {
		out[i] = s.Generation()
	}
	return out
}

// NewBugSpaceFromGenerations rebuilds a BugSpace from previously published
// generation strings, the inverse of Published.
func NewBugSpaceFromGenerations(generations []string) *BugSpace {
	b := NewBugSpace()
	for _, g := range generations {
		b.Publish(g)
	}
	return b
}

func subspaceFromGeneration(generation string) Subspace {
	if generation == "" {
		return Subspace{}
	}
	return NewSubspace(strings.Split(generation, "/")...)
}
