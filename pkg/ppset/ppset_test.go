package ppset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talismancer/landslide/pkg/lslog"
)

func testRegistry() *Registry {
	return New(lslog.New("PP"), nil, nil, nil)
}

func writeDynamicFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pps.quicksand")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadDynamicIdempotent(t *testing.T) {
	r := testRegistry()
	path := writeDynamicFile(t, "K 1000 2000 0\n")

	ok, err := r.LoadDynamic(path)
	require.NoError(t, err)
	assert.True(t, ok)

	// File was unlinked; a second load must fail with no side effect,
	// regardless of whether the path still exists.
	ok, err = r.LoadDynamic(path)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoadDynamicParsesDirectives(t *testing.T) {
	r := testRegistry()
	path := writeDynamicFile(t, "O /tmp/out.pipe\nI /tmp/in.pipe\nK 100 200 1\nU 300 400 0\nDR ff0 -1 0 3\nbogus line\n")

	ok, err := r.LoadDynamic(path)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, "/tmp/out.pipe", r.OutputPipe)
	assert.Equal(t, "/tmp/in.pipe", r.InputPipe)
	assert.True(t, r.IsDataRaceHere(DataRaceMatch{EIP: 0xff0, TID: 42, LastCall: 0, MostRecentSyscall: 3}))
}

func TestWithinFunctionsDefaultYes(t *testing.T) {
	// No directives at all -> default answer is yes.
	assert.True(t, checkWithins(nil, []uint64{0x1000}))
}

func TestWithinFunctionsWhitelistMode(t *testing.T) {
	pps := []WithinDirective{
		{FuncStart: 0x1000, FuncEnd: 0x2000, Within: true},
	}
	// Once any within=true directive exists, default flips to "no".
	assert.False(t, checkWithins(pps, []uint64{0x500}))
	assert.True(t, checkWithins(pps, []uint64{0x1500}))
}

func TestWithinFunctionsLaterOverridesEarlier(t *testing.T) {
	pps := []WithinDirective{
		{FuncStart: 0x1000, FuncEnd: 0x2000, Within: true},
		{FuncStart: 0x1500, FuncEnd: 0x1600, Within: false},
	}
	// Inside the outer whitelist range but inside the later blacklist carve-out.
	assert.False(t, checkWithins(pps, []uint64{0x1550}))
	// Inside the outer whitelist range, outside the carve-out.
	assert.True(t, checkWithins(pps, []uint64{0x1700}))
}

func TestDataRaceWildcardTid(t *testing.T) {
	r := testRegistry()
	path := writeDynamicFile(t, "DR 500 -1 0 0\n")
	_, err := r.LoadDynamic(path)
	require.NoError(t, err)

	assert.True(t, r.IsDataRaceHere(DataRaceMatch{EIP: 0x500, TID: 1}))
	assert.True(t, r.IsDataRaceHere(DataRaceMatch{EIP: 0x500, TID: 99}))
	assert.False(t, r.IsDataRaceHere(DataRaceMatch{EIP: 0x501, TID: 1}))
}

func TestDataRaceFixedTid(t *testing.T) {
	r := testRegistry()
	path := writeDynamicFile(t, "DR 500 3 0 0\n")
	_, err := r.LoadDynamic(path)
	require.NoError(t, err)

	assert.True(t, r.IsDataRaceHere(DataRaceMatch{EIP: 0x500, TID: 3}))
	assert.False(t, r.IsDataRaceHere(DataRaceMatch{EIP: 0x500, TID: 4}))
}
