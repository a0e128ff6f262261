package shmpool

import (
	"golang.org/x/sys/unix"

	"github.com/songweijia/libwsong/pkg/wserr"
)

const madviseDontNeed = unix.MADV_DONTNEED

// madvise advises the kernel about addr's pages without touching the
// mapping or the registry's bookkeeping, for the purge hooks.
func (p *Pool) madvise(addr uintptr, size uint64, advice int) error {
	const op = "shmpool.madvise"
	if addr%ChunkSize != 0 || size%ChunkSize != 0 {
		return wserr.New(wserr.InvalidArgument, op, "range must be ChunkSize-aligned")
	}

	registryMu.Lock()
	seg, ok := registry[p.group][addr]
	registryMu.Unlock()
	if !ok {
		return wserr.New(wserr.InvalidArgument, op, "no live mapping at addr in this process")
	}

	if err := unix.Madvise(seg.data, advice); err != nil {
		return wserr.Wrap(wserr.System, op, err)
	}
	return nil
}
