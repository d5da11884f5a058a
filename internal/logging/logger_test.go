package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewBuildsBothModes(t *testing.T) {
	t.Parallel()

	dev, err := New(true)
	require.NoError(t, err)
	_ = dev.Sync()

	prod, err := New(false)
	require.NoError(t, err)
	_ = prod.Sync()
}
