package shmpool

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/songweijia/libwsong/pkg/group"
	"github.com/songweijia/libwsong/pkg/vaw"
)

func withGroup(t *testing.T, name string) {
	t.Helper()
	t.Setenv("WSONG_META_HOME", t.TempDir())
	require.NoError(t, group.Create(name))
	require.NoError(t, group.Initialize(name))
	t.Cleanup(func() {
		_ = group.Uninitialize()
		_ = group.Remove(name)
	})
}

func TestPoolCreateMallocFreeRelease(t *testing.T) {
	withGroup(t, "p1")

	g, err := group.Get()
	require.NoError(t, err)

	pool, err := Create(g, vaw.MinPool)
	require.NoError(t, err)
	require.Equal(t, vaw.MinPool, pool.GetCapacity())
	require.Equal(t, uintptr(vaw.VAStart+pool.GetOffset()), pool.GetVaddr())

	ptr, err := pool.Malloc(256)
	require.NoError(t, err)
	require.True(t, ptr >= pool.GetVaddr() && ptr < pool.GetVaddr()+uintptr(pool.GetCapacity()))

	require.NoError(t, pool.Free(ptr))
	require.NoError(t, pool.Release())
}

func TestPoolPointerSharingWithinProcess(t *testing.T) {
	withGroup(t, "p2")

	g, err := group.Get()
	require.NoError(t, err)

	pool, err := Create(g, vaw.MinPool)
	require.NoError(t, err)
	defer pool.Release()

	ptr, err := pool.Malloc(4096)
	require.NoError(t, err)

	registryMu.Lock()
	seg, ok := registry[g][ptr-ptr%ChunkSize]
	registryMu.Unlock()
	require.True(t, ok)

	offsetInChunk := ptr % ChunkSize
	magic := byte(0x42)
	seg.data[offsetInChunk] = magic
	require.Equal(t, magic, seg.data[offsetInChunk])
}
