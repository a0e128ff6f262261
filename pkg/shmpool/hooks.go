// Package shmpool implements the shared memory pool: a general-purpose
// heap whose virtual address is stable across every process in a group,
// served by an arena plugged in through nine extent hooks.
package shmpool

// ChunkSize is the fixed granule every extent is provisioned in multiples
// of (reference configuration: 2 MiB).
const ChunkSize = 2 * 1024 * 1024

// ExtentHooks is the contract between a pool and the general-purpose
// allocator arena registered against it. A pool is always its own sole
// implementer (spec: "SHMP is the sole implementer; the table lives per
// pool") — the arena in arena.go calls back through this interface rather
// than touching shared memory directly.
type ExtentHooks interface {
	// Alloc returns a mapping of size bytes (a multiple of ChunkSize). If
	// addr is nonzero the mapping must land exactly there; otherwise the
	// implementation chooses a ChunkSize-aligned address inside its pool's
	// range.
	Alloc(size uint64, addr uintptr, commit bool) (uintptr, error)
	// Dalloc detaches the extent at addr without destroying its backing
	// segments (they may be reused by a later Alloc at the same address).
	Dalloc(addr uintptr, size uint64) error
	// Destroy detaches and permanently releases the extent's backing
	// segments.
	Destroy(addr uintptr, size uint64) error
	// Commit/Decommit map to OS commit primitives where supported. The
	// arena never calls them directly; Pool implements both as no-ops that
	// return nil, and Pool.Alloc fails if Commit returns an error.
	Commit(addr uintptr, size uint64) error
	Decommit(addr uintptr, size uint64) error
	// PurgeLazy/PurgeForced advise or force reclamation of the physical
	// pages backing addr without unmapping them.
	PurgeLazy(addr uintptr, size uint64) error
	PurgeForced(addr uintptr, size uint64) error
	// Split/Merge are admissible only on ChunkSize boundaries.
	Split(addr uintptr, size, sizeA, sizeB uint64) error
	Merge(addrA, addrB uintptr, size uint64) error
}
