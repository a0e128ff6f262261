// Package vaw implements the virtual address window: a per-process
// singleton wrapping a buddy tree whose backing store is a memory-mapped
// file shared across every process in a group. It is the layer that turns
// pkg/buddy's pure, single-threaded allocator into something process- and
// thread-safe across a whole host.
package vaw

import (
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/songweijia/libwsong/pkg/buddy"
	"github.com/songweijia/libwsong/pkg/wserr"
)

// Reference configuration from the specification.
const (
	// VAStart is the start of the reserved virtual address range.
	VAStart uint64 = 0x200000000000
	// VASize is the size of the reserved virtual address range (16 TiB).
	VASize uint64 = 16 * 1024 * 1024 * 1024 * 1024
	// MinPool is the minimum shared-memory pool size, and the buddy tree's
	// unit size (4 GiB).
	MinPool uint64 = 4 * 1024 * 1024 * 1024

	treeFileName = "buddies"
	metaHomeEnv  = "WSONG_META_HOME"
	defaultHome  = "/dev/shm"
)

// MetaHome returns the host-local ramdisk root under which group
// directories live. WSONG_META_HOME overrides the reference default of
// /dev/shm, primarily so tests can run somewhere writable.
func MetaHome() string {
	if v := os.Getenv(metaHomeEnv); v != "" {
		return v
	}
	return defaultHome
}

func groupDir(group string) string {
	return filepath.Join(MetaHome(), "group_"+group)
}

func treeFilePath(group string) string {
	return filepath.Join(groupDir(group), treeFileName)
}

// Window is the per-group virtual address window singleton.
type Window struct {
	group string
	file  *os.File
	data  []byte
	tree  *buddy.Tree
	mu    sync.Mutex // serializes this process's mutators
}

var (
	registryMu sync.Mutex
	singleton  *Window
)

// Create creates the group's metadata directory and pre-sized, zero-filled
// buddy tree file. It fails with AlreadyExists if the directory already
// exists. The caller is expected to Initialize afterward to actually use
// the window.
func Create(group string) error {
	const op = "vaw.Create"
	dir := groupDir(group)
	if err := os.Mkdir(dir, 0o755); err != nil {
		if os.IsExist(err) {
			return wserr.New(wserr.AlreadyExists, op, "group directory already exists: "+dir)
		}
		return wserr.Wrap(wserr.System, op, err)
	}

	size := buddy.CalcTreeSize(VASize, MinPool)
	path := treeFilePath(group)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		_ = os.Remove(dir)
		return wserr.Wrap(wserr.System, op, err)
	}
	defer f.Close()
	if err := f.Truncate(int64(size)); err != nil {
		_ = os.Remove(path)
		_ = os.Remove(dir)
		return wserr.Wrap(wserr.System, op, err)
	}

	// Construct a transient view to initialize the root cell, mirroring
	// the compound lock discipline used everywhere else: exclusive flock,
	// mutate, unlock.
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = os.Remove(path)
		_ = os.Remove(dir)
		return wserr.Wrap(wserr.System, op, err)
	}
	defer unix.Munmap(data)

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		_ = os.Remove(path)
		_ = os.Remove(dir)
		return wserr.Wrap(wserr.System, op, err)
	}
	tree, err := buddy.Load(data, VASize, MinPool, true, nil)
	unlockErr := unix.Flock(int(f.Fd()), unix.LOCK_UN)
	if err != nil {
		_ = os.Remove(path)
		_ = os.Remove(dir)
		return wserr.Wrap(wserr.InvalidArgument, op, err)
	}
	_ = tree.Close() // borrowed backing, no-op release here
	if unlockErr != nil {
		return wserr.Wrap(wserr.System, op, unlockErr)
	}
	return nil
}

// Remove deletes the group's buddy tree file and directory. The caller
// guarantees no live users remain.
func Remove(group string) error {
	const op = "vaw.Remove"
	if err := os.Remove(treeFilePath(group)); err != nil && !os.IsNotExist(err) {
		return wserr.Wrap(wserr.System, op, err)
	}
	if err := os.Remove(groupDir(group)); err != nil && !os.IsNotExist(err) {
		return wserr.Wrap(wserr.System, op, err)
	}
	return nil
}

// Initialize opens the existing group file, memory-maps it read-write
// shared, and installs the per-process singleton. Calling it twice without
// an intervening Uninitialize is an error.
func Initialize(group string) error {
	const op = "vaw.Initialize"
	registryMu.Lock()
	defer registryMu.Unlock()

	if singleton != nil {
		return wserr.New(wserr.InvalidArgument, op, "vaw already initialized; call Uninitialize first")
	}

	path := treeFilePath(group)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return wserr.Wrap(wserr.System, op, err)
	}

	size := buddy.CalcTreeSize(VASize, MinPool)
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return wserr.Wrap(wserr.System, op, err)
	}

	tree, err := buddy.Load(data, VASize, MinPool, false, nil)
	if err != nil {
		unix.Munmap(data)
		f.Close()
		return wserr.Wrap(wserr.InvalidArgument, op, err)
	}

	singleton = &Window{group: group, file: f, data: data, tree: tree}
	return nil
}

// Uninitialize unmaps and closes the singleton's resources and drops it.
func Uninitialize() error {
	const op = "vaw.Uninitialize"
	registryMu.Lock()
	defer registryMu.Unlock()

	if singleton == nil {
		return wserr.New(wserr.NotInitialized, op, "vaw is not initialized")
	}
	w := singleton
	singleton = nil

	var firstErr error
	if err := unix.Munmap(w.data); err != nil && firstErr == nil {
		firstErr = wserr.Wrap(wserr.System, op, err)
	}
	if err := w.file.Close(); err != nil && firstErr == nil {
		firstErr = wserr.Wrap(wserr.System, op, err)
	}
	if firstErr != nil {
		return firstErr
	}
	return nil
}

// Get returns the process singleton, or NotInitialized if Initialize has
// not been called.
func Get() (*Window, error) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if singleton == nil {
		return nil, wserr.New(wserr.NotInitialized, "vaw.Get", "call Initialize first")
	}
	return singleton, nil
}

// Group returns the name this window was initialized with.
func (w *Window) Group() string { return w.group }

func validatePoolSize(size uint64) error {
	if size == 0 || size&(size-1) != 0 {
		return wserr.New(wserr.InvalidArgument, "vaw.Allocate", "pool_size must be a power of two")
	}
	if size < MinPool || size > VASize {
		return wserr.New(wserr.InvalidArgument, "vaw.Allocate", "pool_size out of [MIN_POOL, VA_SIZE] range")
	}
	return nil
}

func validatePoolOffset(offset uint64) error {
	if offset%MinPool != 0 {
		return wserr.New(wserr.InvalidArgument, "vaw.Free", "pool_offset must be a multiple of MIN_POOL")
	}
	if offset >= VASize {
		return wserr.New(wserr.InvalidArgument, "vaw.Free", "pool_offset out of range")
	}
	return nil
}

// Allocate reserves a pool_size-byte range of the virtual address window
// and returns its offset from VAStart. It acquires the in-process mutex,
// then an exclusive advisory lock on the tree file, so it is safe to call
// concurrently from any thread of any process attached to the group.
func (w *Window) Allocate(poolSize uint64) (uint64, error) {
	const op = "vaw.Allocate"
	if err := validatePoolSize(poolSize); err != nil {
		return 0, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := unix.Flock(int(w.file.Fd()), unix.LOCK_EX); err != nil {
		return 0, wserr.Wrap(wserr.System, op, err)
	}
	defer unix.Flock(int(w.file.Fd()), unix.LOCK_UN)

	offset, err := w.tree.Allocate(poolSize)
	if err != nil {
		return 0, err
	}
	return offset, nil
}

// Free releases a pool_offset previously returned by Allocate.
func (w *Window) Free(poolOffset uint64) error {
	const op = "vaw.Free"
	if err := validatePoolOffset(poolOffset); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := unix.Flock(int(w.file.Fd()), unix.LOCK_EX); err != nil {
		return wserr.Wrap(wserr.System, op, err)
	}
	defer unix.Flock(int(w.file.Fd()), unix.LOCK_UN)

	return w.tree.Free(poolOffset)
}

// Query returns the (offset, size) of the allocation containing offset,
// under a shared advisory lock.
func (w *Window) Query(offset uint64) (uint64, uint64, error) {
	const op = "vaw.Query"
	if offset >= VASize {
		return 0, 0, wserr.New(wserr.InvalidArgument, op, "offset out of range")
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := unix.Flock(int(w.file.Fd()), unix.LOCK_SH); err != nil {
		return 0, 0, wserr.Wrap(wserr.System, op, err)
	}
	defer unix.Flock(int(w.file.Fd()), unix.LOCK_UN)

	return w.tree.Query(offset)
}
