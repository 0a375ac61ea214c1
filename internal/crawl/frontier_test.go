package crawl

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrontierDedup(t *testing.T) {
	f := newFrontier("https://example.com/")

	require.False(t, f.enqueue("https://example.com/", 1))
	require.True(t, f.enqueue("https://example.com/docs/", 1))
	require.False(t, f.enqueue("https://example.com/docs/", 2))
	require.Equal(t, 2, f.pending())
}

func TestFrontierBatchFIFO(t *testing.T) {
	f := newFrontier("https://example.com/a")
	require.True(t, f.enqueue("https://example.com/b", 1))
	require.True(t, f.enqueue("https://example.com/c", 1))

	batch := f.dequeueBatch(2)
	require.Len(t, batch, 2)
	require.Equal(t, "https://example.com/a", batch[0].url)
	require.Equal(t, "https://example.com/b", batch[1].url)

	batch = f.dequeueBatch(10)
	require.Len(t, batch, 1)
	require.Equal(t, "https://example.com/c", batch[0].url)
	require.Nil(t, f.dequeueBatch(5))
}

func TestFrontierDropStopsEnqueue(t *testing.T) {
	f := newFrontier("https://example.com/")
	f.drop()
	require.False(t, f.enqueue("https://example.com/docs/", 1))
	require.Zero(t, f.pending())
}
