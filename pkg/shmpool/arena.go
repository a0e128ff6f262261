package shmpool

import (
	"math/bits"
	"sync"

	"github.com/songweijia/libwsong/pkg/wserr"
)

// minBlockSize is the smallest block the arena ever hands out; requests
// smaller than this are rounded up to it.
const minBlockSize = 16

// numSizeClasses covers block sizes from minBlockSize up to one extent
// (ChunkSize); each class i holds blocks of exactly 1<<i bytes, the same
// free-list-per-power-of-two shape as other_examples/xgzlucario-GigaCache's
// level table, generalized from a fixed 16-level table to one sized by
// ChunkSize and carved from extents obtained through ExtentHooks instead
// of a single fixed backing array.
var numSizeClasses = bits.TrailingZeros64(ChunkSize) + 1

// freeNode is one link in a size class's free list.
type freeNode struct {
	addr uintptr
	next *freeNode
}

// arena is the minimal reference general-purpose allocator plugged into a
// pool through ExtentHooks. It is not a production jemalloc-equivalent: no
// coalescing across size classes, no decommit-under-pressure policy. It
// exists to make Malloc/Free functional end-to-end over a pool's extents.
type arena struct {
	hooks     ExtentHooks
	mu        sync.Mutex
	freeLists []*freeNode
	classOf   map[uintptr]int // live allocation -> size class, needed because Free(ptr) carries no size
}

func newArena(hooks ExtentHooks) *arena {
	return &arena{
		hooks:     hooks,
		freeLists: make([]*freeNode, numSizeClasses),
		classOf:   make(map[uintptr]int),
	}
}

func sizeClassOf(size uint64) int {
	if size < minBlockSize {
		size = minBlockSize
	}
	rounded := nextPow2(size)
	return bits.TrailingZeros64(rounded)
}

func blockSizeOf(class int) uint64 { return uint64(1) << uint(class) }

// Malloc returns a pointer to a block of at least size bytes, requesting a
// fresh extent from the hooks when no free block of the right class
// remains.
func (a *arena) Malloc(size uint64) (uintptr, error) {
	const op = "shmpool.Malloc"
	if size == 0 {
		return 0, wserr.New(wserr.InvalidArgument, op, "size must be at least 1")
	}
	class := sizeClassOf(size)
	if blockSizeOf(class) > ChunkSize {
		return 0, wserr.New(wserr.InvalidArgument, op, "size exceeds the maximum single-extent block size")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if n := a.freeLists[class]; n != nil {
		a.freeLists[class] = n.next
		a.classOf[n.addr] = class
		return n.addr, nil
	}

	addr, err := a.hooks.Alloc(ChunkSize, 0, true)
	if err != nil {
		return 0, err
	}
	a.carveExtent(addr, class)

	n := a.freeLists[class]
	a.freeLists[class] = n.next
	a.classOf[n.addr] = class
	return n.addr, nil
}

// carveExtent splits a freshly obtained ChunkSize extent into blocks of
// the requested class and pushes them all onto that class's free list.
func (a *arena) carveExtent(base uintptr, class int) {
	blockSize := blockSizeOf(class)
	n := ChunkSize / blockSize
	for i := uint64(0); i < n; i++ {
		a.pushFree(class, base+uintptr(i*blockSize))
	}
}

func (a *arena) pushFree(class int, addr uintptr) {
	a.freeLists[class] = &freeNode{addr: addr, next: a.freeLists[class]}
}

// Free returns ptr's block to its size class's free list. The underlying
// extent is never released back through Dalloc/Destroy here — extents are
// reclaimed only when the pool itself is destroyed, avoiding a
// reference-counting scheme the reference arena does not attempt.
func (a *arena) Free(ptr uintptr) error {
	const op = "shmpool.Free"
	a.mu.Lock()
	defer a.mu.Unlock()

	class, ok := a.classOf[ptr]
	if !ok {
		return wserr.New(wserr.InvalidArgument, op, "pointer was not returned by Malloc or already freed")
	}
	delete(a.classOf, ptr)
	a.pushFree(class, ptr)
	return nil
}

func nextPow2(n uint64) uint64 {
	if n <= 1 {
		return 1
	}
	return 1 << uint(bits.Len64(n-1))
}
