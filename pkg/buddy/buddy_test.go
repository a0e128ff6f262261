package buddy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/songweijia/libwsong/pkg/wserr"
)

const (
	testCapacity = 8 * 1024 * 1024 // 8 MiB
	testUnit     = 1024 * 1024     // 1 MiB
)

// TestBuddyBasicScenario walks through the end-to-end scenario from the
// specification: a sequence of allocations and frees on an 8 MiB/1 MiB tree
// that ends with the tree fully idle again.
func TestBuddyBasicScenario(t *testing.T) {
	tr, err := New(testCapacity, testUnit)
	require.NoError(t, err)

	off1, err := tr.Allocate(testUnit)
	require.NoError(t, err)
	require.EqualValues(t, 0, off1)

	off2, err := tr.Allocate(100)
	require.NoError(t, err)
	require.EqualValues(t, testUnit, off2)

	off3, err := tr.Allocate(testUnit + 1)
	require.NoError(t, err)
	require.EqualValues(t, 2*testUnit, off3)

	off4, err := tr.Allocate(2 * testUnit)
	require.NoError(t, err)
	require.EqualValues(t, 4*testUnit, off4)

	_, err = tr.Allocate(3 * testUnit)
	require.Error(t, err)
	require.True(t, wserr.Is(err, wserr.OutOfSpace))

	require.NoError(t, tr.Free(off2))
	require.NoError(t, tr.Free(off1))

	err = tr.Free(off1)
	require.Error(t, err)
	require.True(t, wserr.Is(err, wserr.InvalidArgument))

	require.NoError(t, tr.Free(off3))
	require.NoError(t, tr.Free(off4))

	require.Equal(t, StateIdle, tr.cells[1])
}

func TestBuddyRoundTrip(t *testing.T) {
	tr, err := New(testCapacity, testUnit)
	require.NoError(t, err)

	off, err := tr.Allocate(500)
	require.NoError(t, err)
	require.Zero(t, off%testUnit)

	for k := uint64(0); k < 500; k += 97 {
		bOff, size, err := tr.Query(off + k)
		require.NoError(t, err)
		require.Equal(t, off, bOff)
		require.EqualValues(t, 500, size)
	}
}

func TestBuddyExhaustion(t *testing.T) {
	tr, err := New(testCapacity, testUnit)
	require.NoError(t, err)

	n := testCapacity / testUnit
	offsets := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		off, err := tr.Allocate(testUnit)
		require.NoError(t, err)
		offsets = append(offsets, off)
	}

	_, err = tr.Allocate(testUnit)
	require.True(t, wserr.Is(err, wserr.OutOfSpace))

	require.NoError(t, tr.Free(offsets[0]))
	_, err = tr.Allocate(testUnit)
	require.NoError(t, err)
}

func TestBuddyIsFree(t *testing.T) {
	tr, err := New(testCapacity, testUnit)
	require.NoError(t, err)

	free, err := tr.IsFree(0, testCapacity)
	require.NoError(t, err)
	require.True(t, free)

	off, err := tr.Allocate(testUnit)
	require.NoError(t, err)

	free, err = tr.IsFree(off, testUnit)
	require.NoError(t, err)
	require.False(t, free)

	free, err = tr.IsFree(off+testUnit, testUnit)
	require.NoError(t, err)
	require.True(t, free)

	_, err = tr.IsFree(testCapacity-testUnit, 2*testUnit)
	require.Error(t, err)
	require.True(t, wserr.Is(err, wserr.InvalidArgument))
}

func TestBuddyInvalidArguments(t *testing.T) {
	_, err := New(0, testUnit)
	require.Error(t, err)

	_, err = New(testCapacity, 3) // not power of two
	require.Error(t, err)

	_, err = New(testUnit, testCapacity) // unit > capacity
	require.Error(t, err)

	tr, err := New(testCapacity, testUnit)
	require.NoError(t, err)

	_, err = tr.Allocate(0)
	require.True(t, wserr.Is(err, wserr.InvalidArgument))

	_, err = tr.Allocate(2 * testCapacity)
	require.True(t, wserr.Is(err, wserr.InvalidArgument))

	err = tr.Free(testUnit / 2) // not unit-aligned
	require.True(t, wserr.Is(err, wserr.InvalidArgument))
}

func TestCalcTreeSize(t *testing.T) {
	require.EqualValues(t, 2*(testCapacity/testUnit)*8, CalcTreeSize(testCapacity, testUnit))
}

func TestBuddyStats(t *testing.T) {
	tr, err := New(testCapacity, testUnit)
	require.NoError(t, err)

	s := tr.Stats()
	require.EqualValues(t, testCapacity, s.FreeBytes)
	require.EqualValues(t, testCapacity, s.LargestFree)

	_, err = tr.Allocate(testUnit)
	require.NoError(t, err)

	s = tr.Stats()
	require.EqualValues(t, testCapacity-testUnit, s.FreeBytes)
}
