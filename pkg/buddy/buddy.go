// Package buddy implements a pure, single-threaded binary-tree buddy
// allocator over a fixed capacity and unit size. It is the innermost
// primitive of libwsong: the virtual address window (pkg/vaw) persists one
// of these trees in a memory-mapped file so the allocator's state survives
// across every process in a group.
package buddy

import (
	"math/bits"
	"unsafe"

	"github.com/songweijia/libwsong/pkg/wserr"
)

// Cell states, per the wire format: a flat array of signed 64-bit cells,
// index 1 is the root, index 0 is reserved and unused.
const (
	StateIdle         int64 = 0
	StateSplitHalfway int64 = -1
	StateSplitFull    int64 = -2
)

// backingKind distinguishes a heap-owned tree from one whose cells live in
// caller-supplied memory (e.g. a memory-mapped file). Modeled as a sum type
// rather than an inheritance hierarchy, per the single point of variation
// the design calls out.
type backingKind int

const (
	backingOwned backingKind = iota
	backingBorrowed
)

// Tree is a buddy allocator over capacity bytes in units of unit bytes.
// It is not safe for concurrent use; callers needing cross-thread or
// cross-process safety (pkg/vaw) must serialize access themselves.
type Tree struct {
	cells    []int64
	capacity uint64
	unit     uint64
	levels   uint32
	kind     backingKind
	release  func() error
}

// CalcTreeSize returns the number of bytes a tree's backing array needs for
// the given capacity and unit size: 2*(capacity/unit)*8.
func CalcTreeSize(capacity, unit uint64) uint64 {
	return 2 * (capacity / unit) * 8
}

func validateCapacityUnit(capacity, unit uint64) error {
	if capacity == 0 || unit == 0 {
		return wserr.New(wserr.InvalidArgument, "buddy.New", "capacity and unit must be nonzero")
	}
	if !isPow2(capacity) {
		return wserr.New(wserr.InvalidArgument, "buddy.New", "capacity must be a power of two")
	}
	if !isPow2(unit) {
		return wserr.New(wserr.InvalidArgument, "buddy.New", "unit must be a power of two")
	}
	if unit > capacity {
		return wserr.New(wserr.InvalidArgument, "buddy.New", "unit must not exceed capacity")
	}
	return nil
}

// New constructs a heap-owned tree of the given capacity and unit size,
// with the root initialized to Idle.
func New(capacity, unit uint64) (*Tree, error) {
	if err := validateCapacityUnit(capacity, unit); err != nil {
		return nil, err
	}
	nCells := 2 * (capacity / unit)
	t := &Tree{
		cells:    make([]int64, nCells),
		capacity: capacity,
		unit:     unit,
		levels:   uint32(bits.TrailingZeros64(capacity/unit)) + 1,
		kind:     backingOwned,
	}
	t.cells[1] = StateIdle
	return t, nil
}

// Load constructs a tree whose cells live in caller-supplied memory (for
// example a memory-mapped file). buf must be at least CalcTreeSize(capacity,
// unit) bytes and 8-byte aligned (true of any mmap'd region or file-backed
// page). If init is true the root cell is reset to Idle; otherwise the
// existing contents of buf are trusted as-is (the restart path). release,
// if non-nil, is invoked by Close instead of simply dropping the reference.
func Load(buf []byte, capacity, unit uint64, init bool, release func() error) (*Tree, error) {
	if err := validateCapacityUnit(capacity, unit); err != nil {
		return nil, err
	}
	want := CalcTreeSize(capacity, unit)
	if uint64(len(buf)) < want {
		return nil, wserr.New(wserr.InvalidArgument, "buddy.Load", "backing buffer too small")
	}
	nCells := int(want / 8)
	cells := unsafe.Slice((*int64)(unsafe.Pointer(&buf[0])), nCells)
	t := &Tree{
		cells:    cells,
		capacity: capacity,
		unit:     unit,
		levels:   uint32(bits.TrailingZeros64(capacity/unit)) + 1,
		kind:     backingBorrowed,
		release:  release,
	}
	if init {
		t.cells[1] = StateIdle
	}
	return t, nil
}

// Close releases the tree. For an owned tree this just drops the
// reference (Go's GC reclaims it); for a borrowed tree it invokes the
// release callback supplied to Load, if any.
func (t *Tree) Close() error {
	if t.kind == backingBorrowed && t.release != nil {
		return t.release()
	}
	t.cells = nil
	return nil
}

// Capacity returns the tree's total capacity in bytes.
func (t *Tree) Capacity() uint64 { return t.capacity }

// UnitSize returns the tree's minimum allocation unit in bytes.
func (t *Tree) UnitSize() uint64 { return t.unit }

func isPow2(n uint64) bool { return n > 0 && n&(n-1) == 0 }

func nextPow2(n uint64) uint64 {
	if n <= 1 {
		return 1
	}
	return 1 << uint(bits.Len64(n-1))
}

func isFull(s int64) bool { return s > 0 || s == StateSplitFull }

// levelOf returns the 1-based level of tree index n (root is level 1).
func levelOf(n uint64) uint32 { return uint32(bits.Len64(n)) }

// numSiblingsOf returns the number of tree nodes at n's level.
func numSiblingsOf(n uint64) uint64 { return uint64(1) << (levelOf(n) - 1) }

func siblingIndexOf(n uint64) uint64 { return n - numSiblingsOf(n) }

func (t *Tree) offsetOf(n uint64) uint64 {
	return t.capacity / numSiblingsOf(n) * siblingIndexOf(n)
}

func (t *Tree) rangeOf(n uint64) uint64 {
	return t.capacity / numSiblingsOf(n)
}

// Allocate rounds size up to the nearest power of two (clamped to at least
// the unit size), descends the tree left-child-first, and returns the
// offset of an allocated region whose span covers size. The cell stores the
// caller's original size, not the rounded span, so Query can return it.
func (t *Tree) Allocate(size uint64) (uint64, error) {
	if size < 1 {
		return 0, wserr.New(wserr.InvalidArgument, "buddy.Allocate", "size must be at least 1")
	}
	rounded := nextPow2(size)
	if rounded < t.unit {
		rounded = t.unit
	}
	if rounded > t.capacity {
		return 0, wserr.New(wserr.InvalidArgument, "buddy.Allocate", "size exceeds tree capacity")
	}
	targetLevel := t.levels - uint32(bits.TrailingZeros64(rounded/t.unit))
	node := t.allocateBuddy(targetLevel, 1, size)
	if node == 0 {
		return 0, wserr.New(wserr.OutOfSpace, "buddy.Allocate", "no free region of the requested size")
	}
	return t.offsetOf(node), nil
}

// allocateBuddy implements the recursive descent: split Idle nodes on the
// way down (always taking the left child first), try left-then-right at a
// SplitHalfway node, and promote to SplitFull once both children are full.
func (t *Tree) allocateBuddy(level uint32, cur uint64, size uint64) uint64 {
	curLevel := levelOf(cur)
	if curLevel == level {
		if t.cells[cur] == StateIdle {
			t.cells[cur] = int64(size)
			return cur
		}
		return 0
	}

	l := cur << 1
	r := l + 1
	switch t.cells[cur] {
	case StateIdle:
		t.cells[cur] = StateSplitHalfway
		t.cells[l] = StateIdle
		t.cells[r] = StateIdle
		return t.allocateBuddy(level, l, size)
	case StateSplitHalfway:
		ret := t.allocateBuddy(level, l, size)
		if ret == 0 {
			ret = t.allocateBuddy(level, r, size)
		}
		if ret != 0 && isFull(t.cells[l]) && isFull(t.cells[r]) {
			t.cells[cur] = StateSplitFull
		}
		return ret
	default: // StateSplitFull
		return 0
	}
}

// findNode walks from the deepest virtual leaf covering offset upward until
// it reaches the positive cell that actually owns the allocation, per the
// free/query algorithm: "compute the unique deepest tree index such that the
// cell is positive". Returns 0 if no allocation covers offset.
func (t *Tree) findNode(offset uint64) uint64 {
	node := (t.capacity + offset) / t.unit
	for node >= 1 {
		if t.cells[node] > 0 {
			return node
		}
		node >>= 1
	}
	return 0
}

// Free releases the allocation containing offset, which must be an offset
// returned by a prior Allocate and not yet freed.
func (t *Tree) Free(offset uint64) error {
	if offset%t.unit != 0 {
		return wserr.New(wserr.InvalidArgument, "buddy.Free", "offset is not aligned to the unit size")
	}
	if offset >= t.capacity {
		return wserr.New(wserr.InvalidArgument, "buddy.Free", "offset out of range")
	}
	node := t.findNode(offset)
	if node == 0 {
		return wserr.New(wserr.InvalidArgument, "buddy.Free", "offset does not match any allocated region")
	}
	t.cells[node] = StateIdle
	parent := node >> 1
	for parent > 0 {
		l, r := parent<<1, (parent<<1)+1
		if t.cells[l] == StateIdle && t.cells[r] == StateIdle {
			t.cells[parent] = StateIdle
		} else if t.cells[parent] == StateSplitFull {
			t.cells[parent] = StateSplitHalfway
		} else {
			break
		}
		parent >>= 1
	}
	return nil
}

// Query returns the (buddy_offset, stored_size) of the allocation covering
// offset. stored_size is the caller's original logical size, not the
// rounded span.
func (t *Tree) Query(offset uint64) (uint64, uint64, error) {
	if offset >= t.capacity {
		return 0, 0, wserr.New(wserr.InvalidArgument, "buddy.Query", "offset out of range")
	}
	node := t.findNode(offset)
	if node == 0 {
		return 0, 0, wserr.New(wserr.InvalidArgument, "buddy.Query", "offset falls in no allocation")
	}
	return t.offsetOf(node), uint64(t.cells[node]), nil
}

// IsFree reports whether [offset, offset+size) overlaps no allocated
// region.
func (t *Tree) IsFree(offset, size uint64) (bool, error) {
	if offset+size > t.capacity {
		return false, wserr.New(wserr.InvalidArgument, "buddy.IsFree", "range out of capacity")
	}
	return t.isFreeNode(1, offset, size), nil
}

func (t *Tree) isFreeNode(cur, offset, size uint64) bool {
	switch {
	case t.cells[cur] == StateIdle:
		return true
	case isFull(t.cells[cur]):
		return false
	default: // SplitHalfway
		l, r := cur<<1, (cur<<1)+1
		rOffset := t.offsetOf(r)
		switch {
		case offset+size <= rOffset:
			return t.isFreeNode(l, offset, size)
		case offset >= rOffset:
			return t.isFreeNode(r, offset, size)
		default:
			return t.isFreeNode(l, offset, rOffset-offset) &&
				t.isFreeNode(r, rOffset, offset+size-rOffset)
		}
	}
}

// Stats is a diagnostic snapshot of a tree's occupancy. No CLI command
// currently prints it.
type Stats struct {
	Capacity       uint64
	UnitSize       uint64
	FreeBytes      uint64
	LargestFree    uint64
	SplitNodeCount uint64
	LeafNodeCount  uint64
}

// Stats walks the tree and reports free bytes, the largest contiguous free
// span, and the number of split/leaf nodes currently in use.
func (t *Tree) Stats() Stats {
	s := Stats{Capacity: t.capacity, UnitSize: t.unit}
	t.statsWalk(1, &s)
	return s
}

func (t *Tree) statsWalk(cur uint64, s *Stats) {
	switch t.cells[cur] {
	case StateIdle:
		span := t.rangeOf(cur)
		s.FreeBytes += span
		if span > s.LargestFree {
			s.LargestFree = span
		}
	case StateSplitHalfway, StateSplitFull:
		s.SplitNodeCount++
		t.statsWalk(cur<<1, s)
		t.statsWalk((cur<<1)+1, s)
	default:
		s.LeafNodeCount++
	}
}
