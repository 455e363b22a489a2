package blob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBlob(t *testing.T, b Blob) {
	t.Helper()
	ctx := context.Background()

	got, err := b.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, b.Set(ctx, "k1", []byte("hello")))
	got, err = b.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	// Re-setting the same key with identical bytes is a no-op, not an error.
	require.NoError(t, b.Set(ctx, "k1", []byte("hello")))

	require.NoError(t, b.Set(ctx, "k2", []byte("world")))
	require.NoError(t, b.Set(ctx, "other", []byte("x")))

	keys, err := b.List(ctx, "k")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"k1", "k2"}, keys)

	require.NoError(t, b.Delete(ctx, "k1"))
	got, err = b.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Deleting an absent key is not an error.
	require.NoError(t, b.Delete(ctx, "k1"))
}

func TestMemBlob(t *testing.T) {
	testBlob(t, NewMemBlob())
}

func TestBoltBlob(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBoltBlob(dir)
	require.NoError(t, err)
	defer b.Close()

	testBlob(t, b)
}
