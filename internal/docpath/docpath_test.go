package docpath_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pactflow/pact-protobuf-plugin-sub000/internal/docpath"
)

func TestPath_String(t *testing.T) {
	p := docpath.RootPath().Field("a").Field("b").Index(0).Star()
	assert.Equal(t, "$.a.b[0].*", p.String())
}

func TestPath_Parent(t *testing.T) {
	p := docpath.RootPath().Field("a").Star()
	assert.Equal(t, "$.a", p.Parent().String())
	assert.Equal(t, "$", docpath.RootPath().Parent().String())
}

func TestParse_RoundTrip(t *testing.T) {
	for _, s := range []string{"$", "$.a", "$.a.b[0]", "$.a.b[0].*", "$.a.*"} {
		p, err := docpath.Parse(s)
		require.NoError(t, err, s)
		assert.Equal(t, s, p.String())
	}
}

func TestParse_Invalid(t *testing.T) {
	_, err := docpath.Parse("a.b")
	require.Error(t, err)
}

func TestIsWildcardStep(t *testing.T) {
	p := docpath.RootPath().Field("labels").Star()
	assert.True(t, p.IsWildcardStep())
	assert.False(t, p.Parent().IsWildcardStep())
}
