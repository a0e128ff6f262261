package ringbuf

import (
	"sync/atomic"
	"unsafe"
)

// HeaderSize is the fixed size of a ring buffer segment's header, chosen to
// make cacheline isolation and huge-page alignment trivial.
const HeaderSize = 4096

const cacheline = 64

// Attribute block: stable after creation.
const (
	offKey           = 0
	offSegmentID     = 8
	offPageSize      = 12
	offCapacity      = 16
	offEntrySize     = 24
	offMultiProducer = 32
	offMultiConsumer = 36
	offDescription   = 40
	descriptionLen   = 256
)

// State block: each field lives in its own cacheline to prevent false
// sharing between the producer and consumer sides.
const (
	offHead          = 1024
	offTail          = offHead + cacheline
	offProducerLock  = offTail + cacheline
	offConsumerLock  = offProducerLock + cacheline
)

// PageSize selects the huge-page flavor backing a ring buffer's segment.
type PageSize uint32

const (
	PageSize4KiB PageSize = 4 * 1024
	PageSize2MiB PageSize = 2 * 1024 * 1024
	PageSize1GiB PageSize = 1 * 1024 * 1024 * 1024
)

// header is a typed view over a ring buffer segment's first HeaderSize
// bytes, in the same style as the teacher's RingHeader: fixed byte offsets
// with atomic accessor methods, no Go pointers held into shared memory.
type header struct {
	base unsafe.Pointer
}

func newHeader(mem []byte) *header {
	return &header{base: unsafe.Pointer(&mem[0])}
}

func (h *header) u64At(off uintptr) *uint64 {
	return (*uint64)(unsafe.Pointer(uintptr(h.base) + off))
}

func (h *header) u32At(off uintptr) *uint32 {
	return (*uint32)(unsafe.Pointer(uintptr(h.base) + off))
}

func (h *header) Key() uint64      { return atomic.LoadUint64(h.u64At(offKey)) }
func (h *header) SetKey(v uint64)  { atomic.StoreUint64(h.u64At(offKey), v) }

func (h *header) SegmentID() int32     { return int32(atomic.LoadUint32(h.u32At(offSegmentID))) }
func (h *header) SetSegmentID(v int32) { atomic.StoreUint32(h.u32At(offSegmentID), uint32(v)) }

func (h *header) PageSize() PageSize     { return PageSize(atomic.LoadUint32(h.u32At(offPageSize))) }
func (h *header) SetPageSize(v PageSize) { atomic.StoreUint32(h.u32At(offPageSize), uint32(v)) }

func (h *header) Capacity() uint64     { return atomic.LoadUint64(h.u64At(offCapacity)) }
func (h *header) SetCapacity(v uint64) { atomic.StoreUint64(h.u64At(offCapacity), v) }

func (h *header) EntrySize() uint64     { return atomic.LoadUint64(h.u64At(offEntrySize)) }
func (h *header) SetEntrySize(v uint64) { atomic.StoreUint64(h.u64At(offEntrySize), v) }

func (h *header) MultipleProducer() bool {
	return atomic.LoadUint32(h.u32At(offMultiProducer)) != 0
}
func (h *header) SetMultipleProducer(v bool) {
	atomic.StoreUint32(h.u32At(offMultiProducer), boolToU32(v))
}

func (h *header) MultipleConsumer() bool {
	return atomic.LoadUint32(h.u32At(offMultiConsumer)) != 0
}
func (h *header) SetMultipleConsumer(v bool) {
	atomic.StoreUint32(h.u32At(offMultiConsumer), boolToU32(v))
}

func (h *header) descBytes() *[descriptionLen]byte {
	return (*[descriptionLen]byte)(unsafe.Pointer(uintptr(h.base) + offDescription))
}

func (h *header) Description() string {
	b := h.descBytes()
	n := 0
	for n < descriptionLen && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

func (h *header) SetDescription(s string) {
	b := h.descBytes()
	n := copy(b[:], s)
	for i := n; i < descriptionLen; i++ {
		b[i] = 0
	}
}

// Head is the monotonic consumer cursor.
func (h *header) Head() uint32     { return atomic.LoadUint32(h.u32At(offHead)) }
func (h *header) SetHead(v uint32) { atomic.StoreUint32(h.u32At(offHead), v) }

// Tail is the monotonic producer cursor.
func (h *header) Tail() uint32     { return atomic.LoadUint32(h.u32At(offTail)) }
func (h *header) SetTail(v uint32) { atomic.StoreUint32(h.u32At(offTail), v) }

// TryLockProducer CAS-spins the producer gate from false (0) to true (1);
// callers loop on the bool result until they win it.
func (h *header) TryLockProducer() bool {
	return atomic.CompareAndSwapUint32(h.u32At(offProducerLock), 0, 1)
}

func (h *header) UnlockProducer() { atomic.StoreUint32(h.u32At(offProducerLock), 0) }

func (h *header) TryLockConsumer() bool {
	return atomic.CompareAndSwapUint32(h.u32At(offConsumerLock), 0, 1)
}

func (h *header) UnlockConsumer() { atomic.StoreUint32(h.u32At(offConsumerLock), 0) }

// DataPtr returns the address of the first slot, immediately after the
// header.
func (h *header) DataPtr() unsafe.Pointer {
	return unsafe.Pointer(uintptr(h.base) + HeaderSize)
}

func boolToU32(v bool) uint32 {
	if v {
		return 1
	}
	return 0
}
