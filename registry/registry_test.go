package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindLookup(t *testing.T) {
	r := New()
	_, ok := r.Lookup("ak")
	require.False(t, ok)

	_, superseded := r.Bind("ak", "s1")
	assert.False(t, superseded)
	sid, ok := r.Lookup("ak")
	require.True(t, ok)
	assert.Equal(t, "s1", sid)
	assert.Equal(t, 1, r.Len())
}

func TestBindReplacesEarlierSession(t *testing.T) {
	r := New()
	r.Bind("ak", "s2")
	prev, superseded := r.Bind("ak", "s3")
	require.True(t, superseded)
	assert.Equal(t, "s2", prev)

	sid, _ := r.Lookup("ak")
	assert.Equal(t, "s3", sid)
	assert.Equal(t, 1, r.Len())
}

func TestBindSameSessionNotSuperseded(t *testing.T) {
	r := New()
	r.Bind("ak", "s1")
	_, superseded := r.Bind("ak", "s1")
	assert.False(t, superseded)
}

func TestUnbindStaleSessionKeepsNewer(t *testing.T) {
	r := New()
	r.Bind("ak", "s2")
	r.Bind("ak", "s3")

	assert.Empty(t, r.Unbind("s2"))
	sid, ok := r.Lookup("ak")
	require.True(t, ok)
	assert.Equal(t, "s3", sid)

	assert.Equal(t, []string{"ak"}, r.Unbind("s3"))
	_, ok = r.Lookup("ak")
	assert.False(t, ok)
}

func TestUnbindUnknownSession(t *testing.T) {
	r := New()
	r.Bind("ndg", "s1")
	assert.Empty(t, r.Unbind("nope"))
	assert.Equal(t, 1, r.Len())
}

func TestUnbindRemovesEveryUserOfSession(t *testing.T) {
	r := New()
	r.Bind("ndg", "s1")
	r.Bind("ak", "s1")
	r.Bind("mom", "s2")

	assert.ElementsMatch(t, []string{"ndg", "ak"}, r.Unbind("s1"))
	_, ok := r.Lookup("ndg")
	assert.False(t, ok)
	_, ok = r.Lookup("ak")
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())
}
