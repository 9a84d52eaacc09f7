package sharedroot

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/detailyang/go-fallocate"
	"golang.org/x/sys/unix"
)

// Mapping is a process's attachment to a world's shared root plus its main
// pool, both backed by the same file. Both regions are mapped wherever the
// OS places them; the fixed addresses RootAddress and MainPoolAddress
// compute are not used here. Only the socket backend needs this: the device
// backend's /dev/fusion<N> already hands the kernel a page to map, and the
// inproc backend has no shared memory at all (spec.md §4.1's contrast of
// the three backends).
type Mapping struct {
	file       *os.File
	root       []byte
	pool       []byte
	rootSize   uintptr
	worldIndex int
}

// backingPath is the socket-backend convention for where a world's shared
// memory file lives, a sibling of the socket directory itself.
func backingPath(dir string) string {
	return dir + ".shm"
}

// Attach opens (creating if necessary) the backing file for worldIndex,
// preallocates it with Fallocate so the eventual mmap can never SIGBUS on a
// sparse-file short read, and maps both the root region and the main pool
// region read-write at addresses the OS chooses.
//
// Preallocation uses github.com/detailyang/go-fallocate rather than
// truncating with os.Truncate: ftruncate only extends a file's apparent
// size and leaves the new range sparse, so a later mmap write can still
// fault past the point the filesystem actually ran out of space; fallocate
// reserves real blocks up front, the same guarantee the original
// fusion_shm.c gets from the kernel's fusion_shm ioctls.
func Attach(socketDir string, worldIndex int, rootSize uintptr, create bool) (*Mapping, error) {
	path := backingPath(socketDir)
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0600)
	if err != nil {
		return nil, fmt.Errorf("sharedroot: open %s: %w", path, err)
	}

	total := int64(RootStride(rootSize)) + int64(MainPoolStride)
	if create {
		if err := fallocate.Fallocate(f, 0, total); err != nil {
			f.Close()
			return nil, fmt.Errorf("sharedroot: fallocate %s: %w", path, err)
		}
	}

	root, err := unix.Mmap(int(f.Fd()), 0, int(PageAlign(rootSize)),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("sharedroot: mmap root: %w", err)
	}

	pool, err := unix.Mmap(int(f.Fd()), int64(RootStride(rootSize)), MainPoolStride,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Munmap(root)
		f.Close()
		return nil, fmt.Errorf("sharedroot: mmap pool: %w", err)
	}

	return &Mapping{file: f, root: root, pool: pool, rootSize: rootSize, worldIndex: worldIndex}, nil
}

// RootBytes returns the mapped root region.
func (m *Mapping) RootBytes() []byte { return m.root }

// PoolBytes returns the mapped main-pool region.
func (m *Mapping) PoolBytes() []byte { return m.pool }

// RefCountWord returns a pointer to the participant-refcount word stored
// at the start of the mapped root region. Root itself — with its
// time.Time and syncutil.InvariantMutex fields — cannot live in shared
// memory (Go gives those types no defined in-place, cross-process
// representation), so the master's Root stays a private heap object and
// this word is the one field of it mirrored into the mapping, via
// Root.AttachMirror, so a process holding only a Mapping (a socket-mode
// slave, which never gets a *Root) can still read the live participant
// count without a round trip through the master's dispatcher.
func (m *Mapping) RefCountWord() *int32 {
	return (*int32)(unsafe.Pointer(&m.root[0]))
}

// Close unmaps both regions and closes the backing file. It does not remove
// the backing file; the last participant to leave a world does that
// separately, mirroring the socket backend's own directory cleanup.
func (m *Mapping) Close() error {
	var firstErr error
	if err := unix.Munmap(m.root); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := unix.Munmap(m.pool); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := m.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Remove deletes the backing file that Attach created for socketDir.
// World.Exit does not call it, so the backing file stays on disk after the
// last participant leaves.
func Remove(socketDir string) error {
	return os.Remove(backingPath(socketDir))
}
