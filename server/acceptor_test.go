package server

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNextNumAccept(t *testing.T) {
	require.Equal(t, 20, nextNumAccept(20, false))
	require.Equal(t, 40, nextNumAccept(20, true))
	require.Equal(t, 80, nextNumAccept(40, true))

	n := initialNumAccept
	for i := 0; i < 16; i++ {
		n = nextNumAccept(n, true)
	}
	require.Equal(t, maxNumAccept, n, "batch size caps at %d", maxNumAccept)
	require.Equal(t, maxNumAccept, nextNumAccept(maxNumAccept, true))
}
