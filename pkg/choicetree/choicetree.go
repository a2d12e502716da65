// Package choicetree implements the persistent choice tree DPOR operates
// over: an append-only arena of "nobes", each recording one committed
// scheduling decision (spec.md §3, §9 "Cyclic and back-reference
// structures"). Nodes reference their parent by arena index rather than by
// pointer, so the tree has no ownership cycles and save/restore replay is a
// simple walk of ancestor indices.
package choicetree

import "math"

// NodeID indexes a node in a Tree's arena. The zero value is not a valid
// node; use None to test for "no node".
type NodeID int32

// None is the sentinel NodeID meaning "no node" (e.g. an unset parent, or
// "restore to the root" in a longjmp target).
const None NodeID = -1

// MemAccess is one recorded shared-memory access backing DPOR's conflict
// detection, attached to the nobe at which it was observed.
type MemAccess struct {
	Addr  uint64
	TID   int
	Write bool
}

// AbortSet is the per-nobe record used to implement HTM abort-set
// reductions (spec.md §3, §4.6): PreemptedEvilAncestorTID names the tid an
// ancestor deferred revisiting, and Blocked marks which tids are currently
// suppressed because of that deferral.
type AbortSet struct {
	PreemptedEvilAncestorTID int // TID_NONE sentinel value if unset
	Blocked                  map[int]bool
}

// Blocks reports whether tid is currently abort-set-blocked.
func (a AbortSet) Blocks(tid int) bool {
	return a.Blocked != nil && a.Blocked[tid]
}

// Node is one committed scheduling decision (spec.md §3's "nobe").
type Node struct {
	Parent NodeID

	ChosenTID    int
	AtPP         bool
	StackTrace   []uint64
	MemAccesses  []MemAccess
	IsEndOfTest  bool
	DataRaceEIP  uint64 // 0 if this node is not a data-race PP
	Voluntary    bool
	JoinedTID    int // TID_NONE if this wasn't a trusted-join PP
	Xbegin       bool
	PruneAborts  bool
	CheckRetry   bool
	Aborts       AbortSet

	Children []NodeID
}

// Tree is the arena holding every nobe created during the current branch.
// It is reset (not reallocated) between experiments (spec.md §3).
type Tree struct {
	nodes   []Node
	root    NodeID
	current NodeID
}

// New returns an empty tree with no root yet. The root is set by the first
// call to CreateChild (spec.md §3: "Root node = first PP ever hit").
func New() *Tree {
	return &Tree{root: None, current: None}
}

// Root returns the tree's root node, or None if no node has been created yet.
func (t *Tree) Root() NodeID { return t.root }

// Current returns the tree's current node.
func (t *Tree) Current() NodeID { return t.current }

// Node returns the node record for id. Panics on an out-of-range id; callers
// only ever pass ids this tree itself produced.
func (t *Tree) Node(id NodeID) *Node {
	return &t.nodes[id]
}

// IsAncestor reports whether ancestor is id itself or a proper ancestor of
// id, walking parent links. None is never considered an ancestor of
// anything except itself.
func (t *Tree) IsAncestor(ancestor, id NodeID) bool {
	if ancestor == None {
		return id == None
	}
	for cur := id; cur != None; cur = t.nodes[cur].Parent {
		if cur == ancestor {
			return true
		}
	}
	return false
}

// CreateChild appends a new node under parent (or as the root, if parent is
// None and no root exists yet), and returns its id. This is the tree-side
// half of the save/restore engine's setjmp (spec.md §4.4); it never moves
// `current` itself -- callers do that once the new node is the one in play.
func (t *Tree) CreateChild(parent NodeID, n Node) NodeID {
	n.Parent = parent
	n.Children = nil
	id := NodeID(len(t.nodes))
	t.nodes = append(t.nodes, n)

	if parent == None {
		if t.root != None {
			panic("choicetree: attempted to create a second root")
		}
		t.root = id
	} else {
		p := &t.nodes[parent]
		p.Children = append(p.Children, id)
	}
	return id
}

// SetCurrent moves the tree's current pointer. Per the choice-tree
// monotonicity invariant (spec.md §3, §8), during a branch `current` only
// ever moves to a descendant of itself; resetting to an ancestor is only
// legal as part of a longjmp, which the saverestore package enforces before
// calling this.
func (t *Tree) SetCurrent(id NodeID) { t.current = id }

// Reset discards the entire tree, for use at experiment boundaries
// (spec.md §4.4's reset_tree).
func (t *Tree) Reset() {
	t.nodes = nil
	t.root = None
	t.current = None
}

// Depth returns the number of ancestors between id and the root, inclusive
// of id but not the root (root has depth 0).
func (t *Tree) Depth(id NodeID) int {
	depth := 0
	for cur := id; cur != t.root && cur != None; cur = t.nodes[cur].Parent {
		depth++
	}
	return depth
}

// Size returns the number of nodes ever created in this tree.
func (t *Tree) Size() int { return len(t.nodes) }

// childByTID returns the child of id chosen for tid, if any such child has
// already been explored. Used to detect whether a subtree has already been
// visited (e.g. by the arbiter/DPOR layer when deciding what's new).
func (t *Tree) childByTID(id NodeID, tid int) (NodeID, bool) {
	if id == None {
		return None, false
	}
	for _, c := range t.nodes[id].Children {
		if t.nodes[c].ChosenTID == tid {
			return c, true
		}
	}
	return None, false
}

// ChildByTID exposes childByTID for callers outside the package (DPOR
// backtrack-point selection, out of scope per spec.md §1, still needs read
// access to "has this tid already been tried here").
func (t *Tree) ChildByTID(id NodeID, tid int) (NodeID, bool) { return t.childByTID(id, tid) }

// MaxNodeID is the largest NodeID value the arena can hold before NodeID's
// underlying int32 would overflow; exposed so callers can size long-running
// exploration loops sensibly.
const MaxNodeID = NodeID(math.MaxInt32)
