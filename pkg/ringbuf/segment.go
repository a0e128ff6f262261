package ringbuf

import (
	"crypto/rand"
	"encoding/binary"

	"golang.org/x/sys/unix"

	"github.com/songweijia/libwsong/pkg/wserr"
)

// Huge-page shmflg bits. golang.org/x/sys/unix exposes IPC_CREAT/IPC_EXCL/
// IPC_PRIVATE but not every architecture's shm.h huge-page bits, so these
// mirror the kernel's <linux/shm.h> values directly the way the teacher's
// futex constants are hand-mirrored in futex_errors.go.
const (
	shmHugeShift = 26
	shmHugeTLB   = 0x800
	shmHuge2MB   = 21 << shmHugeShift
	shmHuge1GB   = 30 << shmHugeShift
)

// segment is one attached view of a ring buffer's System V shared memory
// segment.
type segment struct {
	id  int
	key uint64
	mem []byte
}

func hugeFlag(pageSize PageSize) int {
	switch pageSize {
	case PageSize2MiB:
		return shmHugeTLB | shmHuge2MB
	case PageSize1GiB:
		return shmHugeTLB | shmHuge1GB
	default:
		return 0
	}
}

func randomKey() (uint64, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	// Avoid 0 (IPC_PRIVATE) and the top bit (shmget keys are a signed
	// int32 on the wire).
	k := binary.BigEndian.Uint32(buf[:]) & 0x7fffffff
	if k == 0 {
		k = 1
	}
	return uint64(k), nil
}

// createSegment creates a new System V shared memory segment sized size
// bytes (rounded up to pageSize by the kernel) and attaches it in this
// process. If key is 0, a random key is generated and retried on collision
// — the two paths (create with a caller-supplied key vs. create with a
// kernel/random one) are deliberately distinct, per the reference's
// IPC_CREAT|IPC_EXCL semantics.
func createSegment(key uint64, size uint64, pageSize PageSize) (*segment, error) {
	const op = "ringbuf.createSegment"
	flag := 0o600 | unix.IPC_CREAT | unix.IPC_EXCL | hugeFlag(pageSize)

	if key != 0 {
		id, err := unix.SysvShmGet(int(key), int(size), flag)
		if err != nil {
			return nil, wserr.Wrap(wserr.OutOfSpace, op, err)
		}
		return attachNewSegment(id, key, pageSize)
	}

	for attempt := 0; attempt < 16; attempt++ {
		candidate, err := randomKey()
		if err != nil {
			return nil, wserr.Wrap(wserr.System, op, err)
		}
		id, err := unix.SysvShmGet(int(candidate), int(size), flag)
		if err == nil {
			return attachNewSegment(id, candidate, pageSize)
		}
		if err != unix.EEXIST {
			return nil, wserr.Wrap(wserr.OutOfSpace, op, err)
		}
	}
	return nil, wserr.New(wserr.OutOfSpace, op, "exhausted retries choosing a random key")
}

func attachNewSegment(id int, key uint64, pageSize PageSize) (*segment, error) {
	const op = "ringbuf.createSegment"
	mem, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		_, _ = unix.SysvShmCtl(id, unix.IPC_RMID, nil)
		return nil, wserr.Wrap(wserr.System, op, err)
	}
	if err := unix.Mlock(mem); err != nil && pageSize == PageSize4KiB {
		// Huge pages are never swapped, so Mlock failing there is harmless;
		// on normal pages we require the pin the specification calls for.
		_ = unix.SysvShmDetach(mem)
		_, _ = unix.SysvShmCtl(id, unix.IPC_RMID, nil)
		return nil, wserr.Wrap(wserr.OutOfSpace, op, err)
	}
	return &segment{id: id, key: key, mem: mem}, nil
}

// attachSegment attaches an existing segment identified by key, for
// get_ring_buffer / re-attach after create.
func attachSegment(key uint64) (*segment, error) {
	const op = "ringbuf.attachSegment"
	id, err := unix.SysvShmGet(int(key), 0, 0)
	if err != nil {
		return nil, wserr.Wrap(wserr.System, op, err)
	}
	mem, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		return nil, wserr.Wrap(wserr.System, op, err)
	}
	return &segment{id: id, key: key, mem: mem}, nil
}

func (s *segment) detach() error {
	if s.mem == nil {
		return nil
	}
	if err := unix.SysvShmDetach(s.mem); err != nil {
		return wserr.Wrap(wserr.System, "ringbuf.detach", err)
	}
	s.mem = nil
	return nil
}

// destroySegmentByKey removes the segment immediately, without checking whether any
// process still has it attached — the caller is responsible, per the
// specification's documented-undefined-behavior contract.
func destroySegmentByKey(key uint64) error {
	const op = "ringbuf.DeleteRingBuffer"
	id, err := unix.SysvShmGet(int(key), 0, 0)
	if err != nil {
		return wserr.Wrap(wserr.System, op, err)
	}
	if _, err := unix.SysvShmCtl(id, unix.IPC_RMID, nil); err != nil {
		return wserr.Wrap(wserr.System, op, err)
	}
	return nil
}
