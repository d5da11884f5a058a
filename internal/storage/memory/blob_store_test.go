package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutAndGet(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	uri, err := store.PutObject(context.Background(), "runs/run-1/screenshot.png", "image/png", []byte{1, 2, 3})
	require.NoError(t, err)
	require.Equal(t, "memory://runs/run-1/screenshot.png", uri)

	data, ok := store.GetObject("runs/run-1/screenshot.png")
	require.True(t, ok)
	require.Equal(t, []byte{1, 2, 3}, data)

	_, err = store.PutObject(context.Background(), "  ", "image/png", nil)
	require.Error(t, err)
}
