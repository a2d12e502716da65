package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talismancer/landslide/internal/fleet"
)

func TestLoadBugSpaceMissingFileReturnsEmpty(t *testing.T) {
	bugs, err := loadBugSpace(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, err)
	assert.Empty(t, bugs.Published())
}

func TestLoadBugSpaceEmptyPathReturnsEmpty(t *testing.T) {
	bugs, err := loadBugSpace("")
	require.NoError(t, err)
	assert.Empty(t, bugs.Published())
}

func TestSaveThenLoadBugSpaceRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bugs.json")

	bugs := fleet.NewBugSpace()
	bugs.Publish(fleet.NewSubspace("A", "B").Generation())
	bugs.Publish(fleet.NewSubspace("C").Generation())

	require.NoError(t, saveBugSpace(path, bugs))

	restored, err := loadBugSpace(path)
	require.NoError(t, err)
	assert.True(t, restored.AlreadyFound(fleet.NewSubspace("A", "B", "D").Generation()))
	assert.True(t, restored.AlreadyFound(fleet.NewSubspace("C").Generation()))
	assert.False(t, restored.AlreadyFound(fleet.NewSubspace("E").Generation()))
}

func TestSaveBugSpaceEmptyPathIsNoop(t *testing.T) {
	require.NoError(t, saveBugSpace("", fleet.NewBugSpace()))
}
