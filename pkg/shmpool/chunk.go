package shmpool

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/songweijia/libwsong/pkg/vaw"
	"github.com/songweijia/libwsong/pkg/wserr"
)

// chunkSegment is a single ChunkSize-sized POSIX shared-memory segment: a
// file under META_HOME/group_<name>/chunks/ mapped at a fixed address
// inside a pool's vaddr range. Segments are per-group, not per-pool-instance
// — every participating process maps the same file at the same address, so
// the physical pages (and therefore pointer values) are identical
// everywhere, satisfying the pool's stable-vaddr invariant.
type chunkSegment struct {
	addr uintptr
	data []byte
}

// registry tracks this process's live chunk mappings, keyed by group and
// chunk-aligned address. It is the process-local half of the per-group
// chunk table the specification describes: the lessor populates it via the
// extent hooks (Alloc/Dalloc/Destroy), and a lessee populates its own copy
// via Attach when it wants to read a pointer the lessor handed it.
var (
	registryMu sync.Mutex
	registry   = map[string]map[uintptr]*chunkSegment{}
)

func chunksDir(group string) string {
	return filepath.Join(vaw.MetaHome(), "group_"+group, "chunks")
}

// chunkFilePath derives a deterministic file name from a chunk's absolute
// address so any process can independently locate the segment backing a
// given vaddr.
func chunkFilePath(group string, addr uintptr) string {
	idx := (uint64(addr) - vaw.VAStart) / ChunkSize
	return filepath.Join(chunksDir(group), fmt.Sprintf("%016x.seg", idx))
}

// attachChunk creates (if necessary) and maps, in this process, the
// ChunkSize segment backing addr. It is idempotent: attaching an
// already-mapped chunk is a no-op.
func attachChunk(group string, addr uintptr) error {
	const op = "shmpool.attachChunk"
	if addr%ChunkSize != 0 {
		return wserr.New(wserr.InvalidArgument, op, "chunk address is not ChunkSize-aligned")
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if group2seg, ok := registry[group]; ok {
		if _, ok := group2seg[addr]; ok {
			return nil
		}
	} else {
		registry[group] = make(map[uintptr]*chunkSegment)
	}

	if err := os.MkdirAll(chunksDir(group), 0o755); err != nil {
		return wserr.Wrap(wserr.System, op, err)
	}

	path := chunkFilePath(group, addr)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return wserr.Wrap(wserr.System, op, err)
	}
	defer f.Close()

	if err := f.Truncate(ChunkSize); err != nil {
		return wserr.Wrap(wserr.System, op, err)
	}

	data, err := mmapFixed(int(f.Fd()), addr, ChunkSize)
	if err != nil {
		return wserr.Wrap(wserr.System, op, err)
	}
	registry[group][addr] = &chunkSegment{addr: addr, data: data}
	return nil
}

// detachChunk unmaps this process's view of addr. If destroy is true the
// backing file is also removed, permanently releasing the segment for
// every process.
func detachChunk(group string, addr uintptr, destroy bool) error {
	const op = "shmpool.detachChunk"
	registryMu.Lock()
	defer registryMu.Unlock()

	group2seg := registry[group]
	seg, ok := group2seg[addr]
	if !ok {
		return nil
	}
	delete(group2seg, addr)

	if err := munmapFixed(seg.data); err != nil {
		return wserr.Wrap(wserr.System, op, err)
	}
	if destroy {
		path := chunkFilePath(group, addr)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return wserr.Wrap(wserr.System, op, err)
		}
	}
	return nil
}

// Attach is the lessee-side counterpart to a lessor's extent Alloc: it
// ensures this process has [vaddr, vaddr+size) mapped so pointers the
// lessor handed out through the pool are dereferenceable here too.
func Attach(group string, vaddr uintptr, size uint64) error {
	first := vaddr - vaddr%ChunkSize
	last := vaddr + uintptr(size) - 1
	last -= last % ChunkSize
	for addr := first; addr <= last; addr += ChunkSize {
		if err := attachChunk(group, addr); err != nil {
			return err
		}
	}
	return nil
}

// Unmap is a lessee-side, pool-instance-independent operation: it tears
// down this process's mappings that overlap [vaddr, vaddr+size), including
// partially overlapping chunks, without touching the backing files.
func Unmap(group string, vaddr uintptr, size uint64) error {
	first := vaddr - vaddr%ChunkSize
	last := vaddr + uintptr(size) - 1
	last -= last % ChunkSize
	for addr := first; addr <= last; addr += ChunkSize {
		if err := detachChunk(group, addr, false); err != nil {
			return err
		}
	}
	return nil
}

// mmapFixed maps fd at the exact virtual address addr. golang.org/x/sys/unix
// does not expose an addr-taking Mmap variant (its wrapper always passes a
// NULL hint), so the pool — alone among libwsong's packages — drops to the
// raw SYS_MMAP syscall to honor MAP_FIXED, which a fixed-address allocator
// requires.
func mmapFixed(fd int, addr uintptr, length int) ([]byte, error) {
	r1, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		addr,
		uintptr(length),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_FIXED,
		uintptr(fd),
		0,
	)
	if errno != 0 {
		return nil, errno
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(r1)), length), nil
}

// munmapFixed unmaps memory obtained through mmapFixed. unix.Munmap only
// recognizes mappings it created itself (it tracks them internally and
// rejects anything else with EINVAL), so a region mapped via the raw
// SYS_MMAP syscall above must also be torn down with the raw SYS_MUNMAP
// syscall.
func munmapFixed(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	_, _, errno := unix.Syscall(
		unix.SYS_MUNMAP,
		uintptr(unsafe.Pointer(&data[0])),
		uintptr(len(data)),
		0,
	)
	if errno != 0 {
		return errno
	}
	return nil
}
