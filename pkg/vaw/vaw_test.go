package vaw

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/songweijia/libwsong/pkg/wserr"
)

func withMetaHome(t *testing.T) {
	t.Helper()
	t.Setenv(metaHomeEnv, t.TempDir())
}

func TestCreateInitializeLifecycle(t *testing.T) {
	withMetaHome(t)

	require.NoError(t, Create("g1"))

	err := Create("g1")
	require.True(t, wserr.Is(err, wserr.AlreadyExists))

	require.NoError(t, Initialize("g1"))

	err = Initialize("g1")
	require.True(t, wserr.Is(err, wserr.InvalidArgument))

	w, err := Get()
	require.NoError(t, err)
	require.Equal(t, "g1", w.Group())

	require.NoError(t, Uninitialize())

	_, err = Get()
	require.True(t, wserr.Is(err, wserr.NotInitialized))

	require.NoError(t, Remove("g1"))
}

func TestAllocateFreeRoundTrip(t *testing.T) {
	withMetaHome(t)
	require.NoError(t, Create("g2"))
	require.NoError(t, Initialize("g2"))
	defer func() {
		require.NoError(t, Uninitialize())
		require.NoError(t, Remove("g2"))
	}()

	w, err := Get()
	require.NoError(t, err)

	off, err := w.Allocate(MinPool)
	require.NoError(t, err)
	require.Zero(t, off % MinPool)

	bOff, size, err := w.Query(off)
	require.NoError(t, err)
	require.Equal(t, off, bOff)
	require.EqualValues(t, MinPool, size)

	require.NoError(t, w.Free(off))
}

func TestAllocateInvalidArguments(t *testing.T) {
	withMetaHome(t)
	require.NoError(t, Create("g3"))
	require.NoError(t, Initialize("g3"))
	defer func() {
		require.NoError(t, Uninitialize())
		require.NoError(t, Remove("g3"))
	}()

	w, err := Get()
	require.NoError(t, err)

	_, err = w.Allocate(MinPool - 1)
	require.True(t, wserr.Is(err, wserr.InvalidArgument))

	_, err = w.Allocate(3 * MinPool) // not power of two
	require.True(t, wserr.Is(err, wserr.InvalidArgument))

	err = w.Free(MinPool / 2)
	require.True(t, wserr.Is(err, wserr.InvalidArgument))
}
