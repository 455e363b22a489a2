package shardid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	id := New()
	parsed, err := Parse(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestParseErrors(t *testing.T) {
	_, err := Parse("x123")
	assert.ErrorContains(t, err, "incorrect prefix")

	_, err = Parse("sabc")
	assert.ErrorContains(t, err, "invalid length")

	_, err = Parse("s" + "not-a-uuid-but-36-characters-long!!!")
	assert.Error(t, err)
}

func TestZeroValue(t *testing.T) {
	var id ShardID
	assert.True(t, id.IsZero())
	assert.False(t, New().IsZero())
}
