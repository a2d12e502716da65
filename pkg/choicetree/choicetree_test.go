package choicetree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstCreateChildBecomesRoot(t *testing.T) {
	tree := New()
	assert.Equal(t, None, tree.Root())

	root := tree.CreateChild(None, Node{ChosenTID: 1})
	assert.Equal(t, root, tree.Root())
	assert.Equal(t, NodeID(0), root)
}

func TestCreateChildLinksParentAndChild(t *testing.T) {
	tree := New()
	root := tree.CreateChild(None, Node{ChosenTID: 1})
	child := tree.CreateChild(root, Node{ChosenTID: 2})

	assert.Equal(t, root, tree.Node(child).Parent)
	assert.Contains(t, tree.Node(root).Children, child)
}

func TestSecondRootPanics(t *testing.T) {
	tree := New()
	tree.CreateChild(None, Node{ChosenTID: 1})
	assert.Panics(t, func() {
		tree.CreateChild(None, Node{ChosenTID: 2})
	})
}

func TestIsAncestor(t *testing.T) {
	tree := New()
	root := tree.CreateChild(None, Node{ChosenTID: 1})
	child := tree.CreateChild(root, Node{ChosenTID: 2})
	grandchild := tree.CreateChild(child, Node{ChosenTID: 3})

	assert.True(t, tree.IsAncestor(root, grandchild))
	assert.True(t, tree.IsAncestor(child, grandchild))
	assert.True(t, tree.IsAncestor(grandchild, grandchild))
	assert.False(t, tree.IsAncestor(grandchild, root))

	other := tree.CreateChild(root, Node{ChosenTID: 4})
	assert.False(t, tree.IsAncestor(other, grandchild))
}

func TestDepth(t *testing.T) {
	tree := New()
	root := tree.CreateChild(None, Node{ChosenTID: 1})
	child := tree.CreateChild(root, Node{ChosenTID: 2})
	grandchild := tree.CreateChild(child, Node{ChosenTID: 3})

	assert.Equal(t, 0, tree.Depth(root))
	assert.Equal(t, 1, tree.Depth(child))
	assert.Equal(t, 2, tree.Depth(grandchild))
}

func TestResetDiscardsTree(t *testing.T) {
	tree := New()
	tree.CreateChild(None, Node{ChosenTID: 1})
	tree.Reset()

	assert.Equal(t, None, tree.Root())
	assert.Equal(t, None, tree.Current())
	assert.Equal(t, 0, tree.Size())
}

func TestAbortSetBlocks(t *testing.T) {
	as := AbortSet{Blocked: map[int]bool{2: true}}
	assert.True(t, as.Blocks(2))
	assert.False(t, as.Blocks(3))

	var empty AbortSet
	assert.False(t, empty.Blocks(1))
}

func TestChildByTID(t *testing.T) {
	tree := New()
	root := tree.CreateChild(None, Node{ChosenTID: 1})
	child := tree.CreateChild(root, Node{ChosenTID: 2})

	got, ok := tree.ChildByTID(root, 2)
	require.True(t, ok)
	assert.Equal(t, child, got)

	_, ok = tree.ChildByTID(root, 99)
	assert.False(t, ok)
}
