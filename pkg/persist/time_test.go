package persist

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAntichain_LessEqual(t *testing.T) {
	assert.True(t, AntichainAt(3).LessEqual(AntichainAt(5)))
	assert.False(t, AntichainAt(5).LessEqual(AntichainAt(3)))
	assert.True(t, AntichainAt(5).LessEqual(EmptyAntichain()))
	assert.False(t, EmptyAntichain().LessEqual(AntichainAt(5)))
	assert.True(t, EmptyAntichain().LessEqual(EmptyAntichain()))
}

func TestAntichain_MeetAndJoin(t *testing.T) {
	assert.Equal(t, AntichainAt(3), Meet(AntichainAt(3), AntichainAt(5)))
	assert.Equal(t, AntichainAt(3), Meet(AntichainAt(3), EmptyAntichain()))
	assert.Equal(t, AntichainAt(5), Join(AntichainAt(3), AntichainAt(5)))
	assert.Equal(t, EmptyAntichain(), Join(AntichainAt(3), EmptyAntichain()))
}

func TestAntichain_Covers(t *testing.T) {
	assert.True(t, AntichainAt(5).Covers(5))
	assert.True(t, AntichainAt(5).Covers(10))
	assert.False(t, AntichainAt(5).Covers(4))
	assert.False(t, EmptyAntichain().Covers(100))
}
