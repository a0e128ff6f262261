package shmpool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeHooks is an ExtentHooks double that hands out addresses with no
// memory behind them (the arena never dereferences them), so arena logic
// can be exercised without touching real shared memory.
type fakeHooks struct {
	next  uintptr
	freed []uintptr
}

func (f *fakeHooks) Alloc(size uint64, addr uintptr, commit bool) (uintptr, error) {
	if addr != 0 {
		return addr, nil
	}
	if f.next == 0 {
		f.next = 0x1000
	}
	base := f.next
	f.next += uintptr(size)
	return base, nil
}

func (f *fakeHooks) Dalloc(addr uintptr, size uint64) error      { f.freed = append(f.freed, addr); return nil }
func (f *fakeHooks) Destroy(addr uintptr, size uint64) error     { f.freed = append(f.freed, addr); return nil }
func (f *fakeHooks) Commit(addr uintptr, size uint64) error      { return nil }
func (f *fakeHooks) Decommit(addr uintptr, size uint64) error    { return nil }
func (f *fakeHooks) PurgeLazy(addr uintptr, size uint64) error   { return nil }
func (f *fakeHooks) PurgeForced(addr uintptr, size uint64) error { return nil }
func (f *fakeHooks) Split(addr uintptr, size, a, b uint64) error { return nil }
func (f *fakeHooks) Merge(a, b uintptr, size uint64) error       { return nil }

func TestArenaMallocReusesFreedBlock(t *testing.T) {
	hooks := &fakeHooks{}
	ar := newArena(hooks)

	p1, err := ar.Malloc(64)
	require.NoError(t, err)
	require.NoError(t, ar.Free(p1))

	p2, err := ar.Malloc(64)
	require.NoError(t, err)
	require.Equal(t, p1, p2)
}

func TestArenaCarvesSingleExtentForManySmallAllocations(t *testing.T) {
	hooks := &fakeHooks{}
	ar := newArena(hooks)

	seen := map[uintptr]bool{}
	for i := 0; i < 16; i++ {
		p, err := ar.Malloc(32)
		require.NoError(t, err)
		require.False(t, seen[p], "arena returned the same block twice without a Free in between")
		seen[p] = true
	}
	require.Equal(t, uintptr(0x1000+ChunkSize), hooks.next, "more than one extent was requested")
}

func TestArenaFreeUnknownPointerFails(t *testing.T) {
	hooks := &fakeHooks{}
	ar := newArena(hooks)
	require.Error(t, ar.Free(0xdeadbeef))
}

func TestArenaRejectsOversizeRequest(t *testing.T) {
	hooks := &fakeHooks{}
	ar := newArena(hooks)
	_, err := ar.Malloc(ChunkSize + 1)
	require.Error(t, err)
}

func TestSizeClassOfRoundsUpToPowerOfTwo(t *testing.T) {
	require.Equal(t, blockSizeOf(sizeClassOf(1)), uint64(minBlockSize))
	require.Equal(t, blockSizeOf(sizeClassOf(minBlockSize+1)), uint64(2*minBlockSize))
	require.Equal(t, blockSizeOf(sizeClassOf(4096)), uint64(4096))
}
