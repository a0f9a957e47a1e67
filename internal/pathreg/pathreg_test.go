package pathreg

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRootIsRoot(t *testing.T) {
	r := New()
	root := r.NewRoot()
	assert.True(t, r.IsRoot(root))
	assert.Equal(t, "", r.ParentOf(root))
}

func TestExtendBuildsPath(t *testing.T) {
	r := New()
	root := r.NewRoot()
	researcher, err := r.Extend(root, "researcher")
	require.NoError(t, err)
	search, err := r.Extend(researcher, "search")
	require.NoError(t, err)
	google, err := r.Extend(search, "google")
	require.NoError(t, err)

	path, err := r.PathOf(google)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, ".researcher.search.google"))
	assert.Equal(t, search, r.ParentOf(google))
	assert.Equal(t, researcher, r.ParentOf(search))
	assert.Equal(t, root, r.ParentOf(researcher))
}

func TestExtendUnknownParentFails(t *testing.T) {
	r := New()
	_, err := r.Extend("does-not-exist", "child")
	assert.Error(t, err)
}

func TestExtendDisambiguatesSiblingCollision(t *testing.T) {
	r := New()
	root := r.NewRoot()
	a, err := r.Extend(root, "search")
	require.NoError(t, err)
	b, err := r.Extend(root, "search")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	pathA, _ := r.PathOf(a)
	pathB, _ := r.PathOf(b)
	assert.NotEqual(t, pathA, pathB)
}

func TestPruneReturnsParentAndReleasesSlot(t *testing.T) {
	r := New()
	root := r.NewRoot()
	child, err := r.Extend(root, "search")
	require.NoError(t, err)

	parent, err := r.Prune(child)
	require.NoError(t, err)
	assert.Equal(t, root, parent)
	assert.False(t, r.Exists(child))

	// a new child can reuse the freed segment name without collision suffix
	second, err := r.Extend(root, "search")
	require.NoError(t, err)
	path, _ := r.PathOf(second)
	assert.True(t, strings.HasSuffix(path, ".search"))
}

func TestPruneRootReturnsEmptyParent(t *testing.T) {
	r := New()
	root := r.NewRoot()
	parent, err := r.Prune(root)
	require.NoError(t, err)
	assert.Equal(t, "", parent)
}

func TestPruneUnknownFails(t *testing.T) {
	r := New()
	_, err := r.Prune("nope")
	assert.Error(t, err)
}

func TestNewRootFromGatewayIsOpaqueRoot(t *testing.T) {
	r := New()
	id := r.NewRootFromGateway()
	assert.True(t, r.IsRoot(id))
}

func TestAppendHistoryOrdersByCallSequence(t *testing.T) {
	r := New()
	root := r.NewRoot()
	r.AppendHistory(root, "researcher", []byte("<question>a</question>"))
	r.AppendHistory(root, "calculator", []byte("<result>42</result>"))

	entries := r.History(root)
	require.Len(t, entries, 2)
	assert.Equal(t, "researcher", entries[0].From)
	assert.Equal(t, "calculator", entries[1].From)
}

func TestAppendHistoryTracksByIDEvenBeforeNodeExists(t *testing.T) {
	r := New()
	r.AppendHistory("client-supplied-t1", "client", []byte("<a/>"))
	assert.Len(t, r.History("client-supplied-t1"), 1)
}

func TestPruneReleasesHistory(t *testing.T) {
	r := New()
	root := r.NewRoot()
	r.AppendHistory(root, "x", []byte("<a/>"))
	_, err := r.Prune(root)
	require.NoError(t, err)
	assert.Empty(t, r.History(root))
}

func TestPruneIdleRemovesStaleThreadsOnly(t *testing.T) {
	r := New()
	stale := r.NewRoot()
	r.lastActive[stale] = time.Now().Add(-time.Hour)

	fresh := r.NewRoot()

	pruned := r.PruneIdle(time.Minute)
	assert.ElementsMatch(t, []string{stale}, pruned)
	assert.False(t, r.Exists(stale))
	assert.True(t, r.Exists(fresh))
}

func TestPruneIdlePrunesWholeStaleSubtreeLeavesFirst(t *testing.T) {
	r := New()
	root := r.NewRoot()
	child, err := r.Extend(root, "search")
	require.NoError(t, err)

	old := time.Now().Add(-time.Hour)
	r.lastActive[root] = old
	r.lastActive[child] = old

	pruned := r.PruneIdle(time.Minute)
	assert.ElementsMatch(t, []string{root, child}, pruned)
	assert.False(t, r.Exists(root))
	assert.False(t, r.Exists(child))
}

func TestPruneIdleLeavesActiveSubtreeAlone(t *testing.T) {
	r := New()
	root := r.NewRoot()
	_, err := r.Extend(root, "search")
	require.NoError(t, err)

	pruned := r.PruneIdle(time.Hour)
	assert.Empty(t, pruned)
	assert.True(t, r.Exists(root))
}
