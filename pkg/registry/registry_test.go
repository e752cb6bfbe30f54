package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddAndGet(t *testing.T) {
	c := NewCatalog[int]()
	require.NoError(t, c.Add("one", 1))

	v, ok := c.Get("one")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = c.Get("two")
	assert.False(t, ok)
}

func TestAddRejectsDuplicatesAndEmptyNames(t *testing.T) {
	c := NewCatalog[string]()
	require.Error(t, c.Add("", "x"))
	require.NoError(t, c.Add("a", "x"))
	require.Error(t, c.Add("a", "y"))
}

func TestSnapshotIsACopy(t *testing.T) {
	c := NewCatalog[string]()
	require.NoError(t, c.Add("a", "x"))

	snap := c.Snapshot()
	require.NoError(t, c.Add("b", "y"))
	snap["c"] = "z"

	assert.Len(t, snap, 2)
	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("c")
	assert.False(t, ok, "writing through a snapshot must not reach the catalog")
}

func TestNamesAreSorted(t *testing.T) {
	c := NewCatalog[int]()
	require.NoError(t, c.Add("zeta", 1))
	require.NoError(t, c.Add("alpha", 2))
	require.NoError(t, c.Add("mid", 3))
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, c.Names())
}

func TestDropIsIdempotent(t *testing.T) {
	c := NewCatalog[string]()
	require.NoError(t, c.Add("a", "x"))

	assert.True(t, c.Drop("a"))
	assert.False(t, c.Drop("a"))
	assert.Equal(t, 0, c.Len())
}

func TestGenerationTracksMutations(t *testing.T) {
	c := NewCatalog[string]()
	g0 := c.Generation()

	require.NoError(t, c.Add("a", "x"))
	g1 := c.Generation()
	assert.Greater(t, g1, g0)

	// Reads never move the generation.
	c.Get("a")
	c.Snapshot()
	c.Names()
	assert.Equal(t, g1, c.Generation())

	// A failed add is not a mutation.
	require.Error(t, c.Add("a", "y"))
	assert.Equal(t, g1, c.Generation())

	assert.True(t, c.Drop("a"))
	g2 := c.Generation()
	assert.Greater(t, g2, g1)
	assert.False(t, c.Drop("a"))
	assert.Equal(t, g2, c.Generation(), "dropping a missing entry is not a mutation")
}
