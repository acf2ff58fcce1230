//go:build linux

// Package guestmem implements component C2: mapping a guest's shared Virtio
// memory window into the VMM process and presenting it as addressable guest
// memory. Grounded on unix.Mmap, the same golang.org/x/sys/unix surface the
// teacher uses for ioctl framing.
package guestmem

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/bao-project/bao-virtio-dm/internal/baoerr"
)

// Region is one mapped guest-memory window, anchored at a guest-physical
// base address.
type Region struct {
	GuestBase uint64
	HostPath  string
	HostOff   int64
	Size      uint64

	data []byte
	file *os.File
}

// Fd returns the host file descriptor backing this region, for callers (the
// vhost-user dataplane) that must forward it to an external backend's own
// mmap (spec.md §4.2 "vhost backends require enumerating them").
func (r *Region) Fd() uintptr { return r.file.Fd() }

// Regions is an ordered collection of mapped guest-memory windows. Only one
// region per device is mapped in practice, but vhost backends require
// enumerating N of them (spec.md §4.2).
type Regions struct {
	mu   sync.RWMutex
	list []*Region
}

// Map opens path read-write and establishes a shared mapping covering
// [hostOffset, hostOffset+size) anchored at guestBase. The resulting region
// is appended to rs.
func (rs *Regions) Map(path string, hostOffset int64, guestBase, size uint64) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %s", baoerr.ErrMmapGuestMemoryFailed, path, err)
	}

	data, err := unix.Mmap(int(f.Fd()), hostOffset, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: mmap %s: %s", baoerr.ErrMmapGuestMemoryFailed, path, err)
	}

	r := &Region{
		GuestBase: guestBase,
		HostPath:  path,
		HostOff:   hostOffset,
		Size:      size,
		data:      data,
		file:      f,
	}

	rs.mu.Lock()
	rs.list = append(rs.list, r)
	rs.mu.Unlock()

	return r, nil
}

// All returns a snapshot of the mapped regions.
func (rs *Regions) All() []*Region {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	out := make([]*Region, len(rs.list))
	copy(out, rs.list)
	return out
}

// Unmap releases every mapping.
func (rs *Regions) Unmap() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	var firstErr error
	for _, r := range rs.list {
		if err := unix.Munmap(r.data); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := r.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	rs.list = nil
	return firstErr
}

// contains reports whether addr..addr+n falls entirely within the region.
func (r *Region) contains(addr uint64, n int) bool {
	if addr < r.GuestBase {
		return false
	}
	off := addr - r.GuestBase
	return off+uint64(n) <= r.Size
}

// ReadAt implements io.ReaderAt against guest-physical addresses within this
// region (off is interpreted as a guest-physical address, matching the
// GuestMemory contract virtqueue handlers expect).
func (r *Region) ReadAt(p []byte, off int64) (int, error) {
	addr := uint64(off)
	if !r.contains(addr, len(p)) {
		return 0, fmt.Errorf("guestmem: read [0x%x,+%d) out of region [0x%x,+0x%x)", addr, len(p), r.GuestBase, r.Size)
	}
	rel := addr - r.GuestBase
	copy(p, r.data[rel:rel+uint64(len(p))])
	return len(p), nil
}

// WriteAt implements io.WriterAt against guest-physical addresses.
func (r *Region) WriteAt(p []byte, off int64) (int, error) {
	addr := uint64(off)
	if !r.contains(addr, len(p)) {
		return 0, fmt.Errorf("guestmem: write [0x%x,+%d) out of region [0x%x,+0x%x)", addr, len(p), r.GuestBase, r.Size)
	}
	rel := addr - r.GuestBase
	copy(r.data[rel:rel+uint64(len(p))], p)
	return len(p), nil
}

// Slice returns a direct byte slice view over [addr, addr+n) without a copy,
// for callers (e.g. block I/O) that want to read/write guest buffers
// directly.
func (r *Region) Slice(addr uint64, n int) ([]byte, error) {
	if !r.contains(addr, n) {
		return nil, fmt.Errorf("guestmem: slice [0x%x,+%d) out of region [0x%x,+0x%x)", addr, n, r.GuestBase, r.Size)
	}
	rel := addr - r.GuestBase
	return r.data[rel : rel+uint64(n)], nil
}
