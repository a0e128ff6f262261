// Package group implements the naming and lifecycle scope that ties a
// virtual address window, pool metadata, and lessee processes together: a
// small filesystem convention plus an initialization state machine layered
// directly over pkg/vaw.
package group

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/songweijia/libwsong/pkg/vaw"
	"github.com/songweijia/libwsong/pkg/wserr"
)

var (
	mu     sync.Mutex
	active string
	is     bool
)

// Create wraps vaw.Create: it creates the group's metadata directory and
// buddy tree file, failing with AlreadyExists if the directory already
// exists.
func Create(name string) error {
	return vaw.Create(name)
}

// Remove wraps vaw.Remove. The caller has taken application-level
// responsibility that no process is attached.
func Remove(name string) error {
	return vaw.Remove(name)
}

// Initialize wraps vaw.Initialize and persists name as the active group
// singleton. Calling it twice without an intervening Uninitialize is an
// error.
func Initialize(name string) error {
	const op = "group.Initialize"
	mu.Lock()
	defer mu.Unlock()
	if is {
		return wserr.New(wserr.InvalidArgument, op, "group already initialized; call Uninitialize first")
	}
	if err := vaw.Initialize(name); err != nil {
		return err
	}
	active = name
	is = true
	return nil
}

// Uninitialize wraps vaw.Uninitialize and clears the active group.
func Uninitialize() error {
	mu.Lock()
	defer mu.Unlock()
	if err := vaw.Uninitialize(); err != nil {
		return err
	}
	is = false
	active = ""
	return nil
}

// Get returns the active group's name, or NotInitialized if Initialize has
// not been called.
func Get() (string, error) {
	mu.Lock()
	defer mu.Unlock()
	if !is {
		return "", wserr.New(wserr.NotInitialized, "group.Get", "call Initialize first")
	}
	return active, nil
}

// DeriveKey computes a deterministic 31-bit identifier from a group name
// and a pool offset within it, for diagnostic correlation (e.g. deriving a
// stable ring-buffer key from a pool's location without a coordination
// round-trip). This supplements the specification, which does not itself
// need a hash function, the way the rest of the example pack reaches for
// xxhash wherever a deterministic content-addressed key is useful.
func DeriveKey(name string, offset uint64) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(name)
	var buf [8]byte
	for i := range buf {
		buf[i] = byte(offset >> (8 * i))
	}
	_, _ = h.Write(buf[:])
	return h.Sum64() & 0x7fffffff
}
