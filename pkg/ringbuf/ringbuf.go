// Package ringbuf implements the lockless single-host ring buffer: a
// bounded SPSC/MPSC/SPMC/MPMC queue living in its own System V shared
// memory segment, independent of the pool system (pkg/shmpool).
package ringbuf

import (
	"time"
	"unsafe"

	"github.com/songweijia/libwsong/pkg/wserr"
)

// Attr describes a ring buffer to be created. A zero Key asks for a
// randomly chosen key, surfaced back to the caller afterward.
type Attr struct {
	Key              uint64
	Capacity         uint64 // power of two; usable depth is Capacity-1
	EntrySize        uint64 // power of two, <= 64 KiB
	PageSize         PageSize
	MultipleProducer bool
	MultipleConsumer bool
	Description      string
}

const maxEntrySize = 64 * 1024

func isPow2(n uint64) bool { return n > 0 && n&(n-1) == 0 }

func validateAttr(attr Attr) error {
	const op = "ringbuf.CreateRingBuffer"
	if !isPow2(attr.Capacity) {
		return wserr.New(wserr.InvalidArgument, op, "capacity must be a nonzero power of two")
	}
	if !isPow2(attr.EntrySize) || attr.EntrySize > maxEntrySize {
		return wserr.New(wserr.InvalidArgument, op, "entry_size must be a nonzero power of two <= 64 KiB")
	}
	switch attr.PageSize {
	case PageSize4KiB, PageSize2MiB, PageSize1GiB:
	default:
		return wserr.New(wserr.InvalidArgument, op, "page_size must be 4 KiB, 2 MiB, or 1 GiB")
	}
	return nil
}

// CreateRingBuffer allocates, pins, and initializes a new ring buffer
// segment, returning its key (the caller-supplied one, or a freshly chosen
// one if Key was 0).
func CreateRingBuffer(attr Attr) (uint64, error) {
	if err := validateAttr(attr); err != nil {
		return 0, err
	}

	totalSize := uint64(HeaderSize) + attr.Capacity*attr.EntrySize
	seg, err := createSegment(attr.Key, totalSize, attr.PageSize)
	if err != nil {
		return 0, err
	}

	h := newHeader(seg.mem)
	h.SetKey(seg.key)
	h.SetSegmentID(int32(seg.id))
	h.SetPageSize(attr.PageSize)
	h.SetCapacity(attr.Capacity)
	h.SetEntrySize(attr.EntrySize)
	h.SetMultipleProducer(attr.MultipleProducer)
	h.SetMultipleConsumer(attr.MultipleConsumer)
	h.SetDescription(attr.Description)
	h.SetHead(0)
	h.SetTail(0)
	// Producer/consumer locks are already zero: System V allocates
	// zero-filled segments.

	if err := seg.detach(); err != nil {
		return 0, err
	}
	return seg.key, nil
}

// RingBuffer is a process's attached view of a ring buffer segment.
type RingBuffer struct {
	seg    *segment
	header *header
}

// GetRingBuffer attaches to an existing ring buffer by key.
func GetRingBuffer(key uint64) (*RingBuffer, error) {
	seg, err := attachSegment(key)
	if err != nil {
		return nil, err
	}
	return &RingBuffer{seg: seg, header: newHeader(seg.mem)}, nil
}

// Close detaches (but does not delete) the segment.
func (r *RingBuffer) Close() error { return r.seg.detach() }

// Key, Capacity, EntrySize, and Description are the ring buffer's stable
// attributes.
func (r *RingBuffer) Key() uint64          { return r.header.Key() }
func (r *RingBuffer) Capacity() uint64     { return r.header.Capacity() }
func (r *RingBuffer) EntrySize() uint64    { return r.header.EntrySize() }
func (r *RingBuffer) Description() string  { return r.header.Description() }

func (r *RingBuffer) slot(cursor uint32) []byte {
	capacity := r.header.Capacity()
	entrySize := r.header.EntrySize()
	pos := uint64(cursor) % capacity
	ptr := unsafe.Pointer(uintptr(r.header.DataPtr()) + uintptr(pos*entrySize))
	return unsafe.Slice((*byte)(ptr), entrySize)
}

// Produce writes buf[:size] into the next slot, blocking (spinning) up to
// timeoutNs nanoseconds for space to free up. If MultipleProducer is set,
// it first CAS-spins the producer lock so only one producer is ever
// writing at a time.
func (r *RingBuffer) Produce(buf []byte, size int, timeoutNs int64) error {
	const op = "ringbuf.Produce"
	if size <= 0 || uint64(size) > r.header.EntrySize() {
		return wserr.New(wserr.InvalidArgument, op, "size must be in (0, entry_size]")
	}

	h := r.header
	if h.MultipleProducer() {
		for !h.TryLockProducer() {
		}
		defer h.UnlockProducer()
	}

	deadline := time.Now().Add(time.Duration(timeoutNs))
	capacity := uint32(h.Capacity())
	for {
		tail := h.Tail()
		head := h.Head()
		used := tail - head // uint32 wraparound subtraction, valid as long as the gap never exceeds 2^32
		if used == capacity-1 {
			if !time.Now().Before(deadline) {
				return wserr.New(wserr.Timeout, op, "ring buffer is full")
			}
			continue
		}
		copy(r.slot(tail), buf[:size])
		h.SetTail(tail + 1) // release: payload write happens-before this becomes visible
		return nil
	}
}

// Consume reads the oldest unread entry into buf (sized at least
// EntrySize), blocking up to timeoutNs nanoseconds for data to arrive. It
// returns the number of bytes copied, which is always EntrySize — callers
// that produced fewer bytes than EntrySize are responsible for their own
// framing within the slot.
func (r *RingBuffer) Consume(buf []byte, timeoutNs int64) (int, error) {
	const op = "ringbuf.Consume"
	entrySize := int(r.header.EntrySize())
	if len(buf) < entrySize {
		return 0, wserr.New(wserr.InvalidArgument, op, "buf shorter than entry_size")
	}

	h := r.header
	if h.MultipleConsumer() {
		for !h.TryLockConsumer() {
		}
		defer h.UnlockConsumer()
	}

	deadline := time.Now().Add(time.Duration(timeoutNs))
	for {
		head := h.Head()
		tail := h.Tail() // acquire: must observe the producer's payload write
		if head == tail {
			if !time.Now().Before(deadline) {
				return 0, wserr.New(wserr.Timeout, op, "ring buffer is empty")
			}
			continue
		}
		n := copy(buf, r.slot(head))
		h.SetHead(head + 1)
		return n, nil
	}
}

// Size returns a best-effort snapshot of the number of produced-but-not-
// consumed entries; it is not serialized with concurrent producers or
// consumers.
func (r *RingBuffer) Size() uint64 {
	return uint64(r.header.Tail() - r.header.Head())
}

// Empty reports tail == head, with the same best-effort caveat as Size.
func (r *RingBuffer) Empty() bool {
	return r.header.Tail() == r.header.Head()
}

// DeleteRingBuffer destroys the segment identified by key immediately,
// without checking for attached readers or writers — the caller is
// responsible for that invariant.
func DeleteRingBuffer(key uint64) error {
	return destroySegmentByKey(key)
}
