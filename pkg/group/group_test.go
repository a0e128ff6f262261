package group

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/songweijia/libwsong/pkg/vaw"
	"github.com/songweijia/libwsong/pkg/wserr"
)

func withMetaHome(t *testing.T) {
	t.Helper()
	t.Setenv("WSONG_META_HOME", t.TempDir())
}

func TestGroupLifecycle(t *testing.T) {
	withMetaHome(t)

	require.NoError(t, Create("g1"))
	require.True(t, wserr.Is(Create("g1"), wserr.AlreadyExists))

	require.NoError(t, Initialize("g1"))
	require.True(t, wserr.Is(Initialize("g1"), wserr.InvalidArgument))

	name, err := Get()
	require.NoError(t, err)
	require.Equal(t, "g1", name)

	require.NoError(t, Uninitialize())
	_, err = Get()
	require.True(t, wserr.Is(err, wserr.NotInitialized))

	require.NoError(t, Remove("g1"))
}

func TestDeriveKeyIsDeterministicAndRangeBound(t *testing.T) {
	k1 := DeriveKey("g", vaw.MinPool)
	k2 := DeriveKey("g", vaw.MinPool)
	require.Equal(t, k1, k2)
	require.LessOrEqual(t, k1, uint64(0x7fffffff))

	k3 := DeriveKey("g", 2*vaw.MinPool)
	require.NotEqual(t, k1, k3)
}
