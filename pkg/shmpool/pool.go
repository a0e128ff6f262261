package shmpool

import (
	"github.com/hashicorp/go-multierror"

	"github.com/songweijia/libwsong/pkg/vaw"
	"github.com/songweijia/libwsong/pkg/wserr"
)

// Pool is a lessor's handle on a shared-memory pool: a capacity-byte,
// vaddr-anchored range of the group's virtual address window, served by an
// arena that provisions its extents as POSIX shared-memory chunks. Pool
// implements ExtentHooks against itself — per the specification, SHMP is
// always the sole implementer of the hook table.
type Pool struct {
	group    string
	capacity uint64
	offset   uint64
	vaddr    uintptr
	next     uint64 // bump cursor for hook-chosen (addr==0) extent placement

	arena *arena
}

// Create allocates capacity bytes of the active group's virtual address
// window and registers a fresh arena against it. The caller becomes the
// pool's lessor.
func Create(group string, capacity uint64) (*Pool, error) {
	const op = "shmpool.Create"
	w, err := vaw.Get()
	if err != nil {
		return nil, err
	}
	if capacity%ChunkSize != 0 {
		return nil, wserr.New(wserr.InvalidArgument, op, "capacity must be a multiple of ChunkSize")
	}

	offset, err := w.Allocate(capacity)
	if err != nil {
		return nil, err
	}

	p := &Pool{
		group:    group,
		capacity: capacity,
		offset:   offset,
		vaddr:    uintptr(vaw.VAStart + offset),
	}
	p.arena = newArena(p)
	return p, nil
}

// GetCapacity, GetOffset, and GetVaddr are the pool's constant attribute
// accessors.
func (p *Pool) GetCapacity() uint64 { return p.capacity }
func (p *Pool) GetOffset() uint64   { return p.offset }
func (p *Pool) GetVaddr() uintptr   { return p.vaddr }

// Malloc delegates to the pool's arena, returning a pointer inside
// [vaddr, vaddr+capacity).
func (p *Pool) Malloc(size uint64) (uintptr, error) {
	return p.arena.Malloc(size)
}

// Free delegates to the pool's arena.
func (p *Pool) Free(ptr uintptr) error {
	return p.arena.Free(ptr)
}

// Release unmaps every chunk this process has mapped inside the pool's
// range, removes each chunk's backing file, and frees the pool's virtual
// address window range. The arena's free lists are left as they are. It does not
// detect lessees with live mappings elsewhere — the caller must observe
// that application-level invariant.
func (p *Pool) Release() error {
	const op = "shmpool.Release"
	var merr *multierror.Error

	registryMu.Lock()
	addrs := make([]uintptr, 0, len(registry[p.group]))
	for addr := range registry[p.group] {
		if addr >= p.vaddr && addr < p.vaddr+uintptr(p.capacity) {
			addrs = append(addrs, addr)
		}
	}
	registryMu.Unlock()

	for _, addr := range addrs {
		if err := detachChunk(p.group, addr, true); err != nil {
			merr = multierror.Append(merr, err)
		}
	}

	w, err := vaw.Get()
	if err != nil {
		merr = multierror.Append(merr, err)
		return wserr.Wrap(wserr.System, op, merr.ErrorOrNil())
	}
	if err := w.Free(p.offset); err != nil {
		merr = multierror.Append(merr, err)
	}
	if merr.ErrorOrNil() != nil {
		return wserr.Wrap(wserr.System, op, merr.ErrorOrNil())
	}
	return nil
}

// --- ExtentHooks ---

// Alloc returns a mapping of size bytes (a multiple of ChunkSize). If addr
// is nonzero the mapping lands exactly there; otherwise a ChunkSize-aligned
// address is chosen by bumping a cursor across the pool's own range.
func (p *Pool) Alloc(size uint64, addr uintptr, commit bool) (uintptr, error) {
	const op = "shmpool.Alloc"
	if size == 0 || size%ChunkSize != 0 {
		return 0, wserr.New(wserr.InvalidArgument, op, "size must be a nonzero multiple of ChunkSize")
	}

	base := addr
	if base == 0 {
		base = p.vaddr + uintptr(p.next)
		p.next += size
	}
	if base < p.vaddr || uint64(base-p.vaddr)+size > p.capacity {
		return 0, wserr.New(wserr.OutOfSpace, op, "extent would exceed the pool's capacity")
	}

	n := size / ChunkSize
	for i := uint64(0); i < n; i++ {
		chunkAddr := base + uintptr(i*ChunkSize)
		if err := attachChunk(p.group, chunkAddr); err != nil {
			return 0, err
		}
	}
	if commit {
		if err := p.Commit(base, size); err != nil {
			return 0, err
		}
	}
	return base, nil
}

// Dalloc detaches the extent's chunks without destroying their backing
// segments, so a later Alloc at the same address can reuse the pages.
func (p *Pool) Dalloc(addr uintptr, size uint64) error {
	return p.forEachChunk(addr, size, func(chunkAddr uintptr) error {
		return detachChunk(p.group, chunkAddr, false)
	})
}

// Destroy detaches and permanently releases the extent's backing segments.
func (p *Pool) Destroy(addr uintptr, size uint64) error {
	return p.forEachChunk(addr, size, func(chunkAddr uintptr) error {
		return detachChunk(p.group, chunkAddr, true)
	})
}

// Commit and Decommit are no-ops: POSIX-backed shared memory has no
// separate commit charge to manage, so both hooks succeed trivially, which
// the arena interprets as "already committed".
func (p *Pool) Commit(addr uintptr, size uint64) error   { return nil }
func (p *Pool) Decommit(addr uintptr, size uint64) error { return nil }

// PurgeLazy and PurgeForced both issue madvise(MADV_DONTNEED) on every
// chunk in the range without unmapping it; neither defers the purge until
// memory pressure.
func (p *Pool) PurgeLazy(addr uintptr, size uint64) error {
	return p.forEachChunk(addr, size, func(chunkAddr uintptr) error {
		return p.madvise(chunkAddr, ChunkSize, madviseDontNeed)
	})
}

func (p *Pool) PurgeForced(addr uintptr, size uint64) error {
	return p.forEachChunk(addr, size, func(chunkAddr uintptr) error {
		return p.madvise(chunkAddr, ChunkSize, madviseDontNeed)
	})
}

// Split and Merge are admissible only on ChunkSize boundaries; since every
// extent this pool hands out is already chunk-granular and the registry
// tracks chunks individually, both are no-ops — the chunks on either side
// of the boundary are already independently addressable.
func (p *Pool) Split(addr uintptr, size, sizeA, sizeB uint64) error {
	const op = "shmpool.Split"
	if sizeA%ChunkSize != 0 || sizeB%ChunkSize != 0 {
		return wserr.New(wserr.InvalidArgument, op, "split sizes must be ChunkSize-aligned")
	}
	return nil
}

func (p *Pool) Merge(addrA, addrB uintptr, size uint64) error {
	const op = "shmpool.Merge"
	if addrB != addrA+uintptr(size)/2 || addrB%ChunkSize != 0 {
		return wserr.New(wserr.InvalidArgument, op, "merge requires ChunkSize-aligned neighbors")
	}
	return nil
}

func (p *Pool) forEachChunk(addr uintptr, size uint64, fn func(uintptr) error) error {
	var merr *multierror.Error
	n := size / ChunkSize
	for i := uint64(0); i < n; i++ {
		if err := fn(addr + uintptr(i*ChunkSize)); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}
