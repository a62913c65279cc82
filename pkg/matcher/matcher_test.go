package matcher

import (
	"testing"

	"github.com/cuemby/pulp-manager/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func repos(names ...string) []*types.PulpServerRepo {
	out := make([]*types.PulpServerRepo, len(names))
	for i, n := range names {
		out[i] = &types.PulpServerRepo{Name: n}
	}
	return out
}

func TestMatchRegexPrecedence(t *testing.T) {
	include, err := Compile("^ext-")
	require.NoError(t, err)
	exclude, err := Compile("banned$")
	require.NoError(t, err)

	got := Match(repos("ext-banned", "ext-b", "ext-a", "other"), include, exclude)

	names := make([]string, len(got))
	for i, r := range got {
		names[i] = r.Name
	}
	assert.Equal(t, []string{"ext-a", "ext-b"}, names)
}

func TestMatchEmptyIncludeMatchesAll(t *testing.T) {
	include, err := Compile("")
	require.NoError(t, err)
	require.Nil(t, include)

	got := Match(repos("b", "a", "c"), include, nil)

	names := make([]string, len(got))
	for i, r := range got {
		names[i] = r.Name
	}
	assert.Equal(t, []string{"a", "b", "c"}, names)
}

func TestMatchIsStableAcrossCalls(t *testing.T) {
	include, _ := Compile("^x")
	all := repos("x3", "x1", "x2")

	first := Match(all, include, nil)
	second := Match(all, include, nil)

	require.Len(t, first, 3)
	for i := range first {
		assert.Equal(t, first[i].Name, second[i].Name)
	}
}
