//go:build linux

// Package fs implements the virtio-fs queue handler. virtio-fs has no
// in-process dataplane (internal/config.validate requires DataplaneVhostUser
// for KindFs): the actual FUSE request/reply semantics are an external
// collaborator reached through github.com/hanwen/go-fuse/v2's vhostuser
// subpackage, the same library the pack supplies for exactly this protocol.
// This package's job is limited to forwarding queue memory, kick/call fds
// and the shared-memory table into that library per spec.md §4.2/§4.4.
package fs

import (
	"fmt"
	"net"
	"sync"

	"github.com/hanwen/go-fuse/v2/vhostuser"

	"github.com/bao-project/bao-virtio-dm/internal/guestmem"
	"github.com/bao-project/bao-virtio-dm/internal/virtio"
)

const (
	vendorID = 0x554d4551 // "QEMU"
	deviceID = 26

	queueHiprio = 0
	queueReq    = 1
	queueMax    = 1024

	tagMaxLen = 36
)

// Config carries the construction-time parameters for a virtio-fs device.
type Config struct {
	Tag        string
	SocketPath string // the FUSE daemon's listening socket
	Regions    *guestmem.Regions
}

// Fs implements virtio.Handler for a virtio-fs device. Queue draining is
// delegated entirely to an embedded vhostuser.Device; the FUSE daemon
// listening at cfg.SocketPath is the actual filesystem backend.
type Fs struct {
	mu sync.Mutex

	tag  string
	vdev *vhostuser.Device

	regions *guestmem.Regions
	conn    net.Conn

	interrupt *virtio.InterruptStatus
	irq       virtio.IrqRaiser
}

// New dials the configured FUSE daemon socket and wraps it in a
// vhostuser.Device ready to be wired to guest queues in Activate.
func New(cfg Config) (*Fs, error) {
	if len(cfg.Tag) > tagMaxLen {
		return nil, fmt.Errorf("virtio-fs: tag %q exceeds %d bytes", cfg.Tag, tagMaxLen)
	}
	conn, err := net.Dial("unix", cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("virtio-fs: dial %s: %w", cfg.SocketPath, err)
	}
	f := &Fs{tag: cfg.Tag, regions: cfg.Regions, conn: conn}
	f.vdev = vhostuser.NewDevice(f.handle)
	return f, nil
}

// handle relays one virtqueue element's FUSE request to the daemon and
// copies its reply back; FUSE opcode interpretation itself is the daemon's
// job, not the core's (spec.md "device payload semantics" is out of scope).
func (f *Fs) handle(elem *vhostuser.VirtqElem) int {
	for _, seg := range elem.Read {
		if _, err := f.conn.Write(seg); err != nil {
			return 0
		}
	}
	total := 0
	for _, seg := range elem.Write {
		n, err := f.conn.Read(seg)
		if err != nil {
			break
		}
		total += n
		if n < len(seg) {
			break
		}
	}
	return total
}

// BindDevice wires the generic core's shared InterruptStatus and irqfd into
// this handler. The irqfd is forwarded straight into the vhostuser.Device
// as the call-fd; InterruptStatus itself is unused in this dataplane.
func (f *Fs) BindDevice(interrupt *virtio.InterruptStatus, irq virtio.IrqRaiser) {
	f.interrupt = interrupt
	f.irq = irq
}

func (f *Fs) DeviceID() uint32        { return deviceID }
func (f *Fs) VendorID() uint32        { return vendorID }
func (f *Fs) NumQueues() int          { return 2 }
func (f *Fs) QueueMaxSize(int) uint16 { return queueMax }
func (f *Fs) FeatureBits() uint64     { return 0 }

// ReadConfig exposes the filesystem tag, followed by zero bytes up to
// tagMaxLen, the device's only config-space field.
func (f *Fs) ReadConfig(offset uint64, data []byte) {
	var buf [tagMaxLen]byte
	copy(buf[:], f.tag)
	for i := range data {
		if int(offset)+i < len(buf) {
			data[i] = buf[int(offset)+i]
		} else {
			data[i] = 0
		}
	}
}

func (f *Fs) WriteConfig(uint64, []byte) {}

func (f *Fs) Activate(queues []*virtio.Queue, ioeventFds []virtio.EventSource) error {
	if len(queues) != 2 {
		return fmt.Errorf("virtio-fs: expected hiprio and request queues")
	}
	if f.regions != nil {
		for _, r := range f.regions.All() {
			reg := &vhostuser.VhostUserMemoryRegion{
				GuestPhysAddr: r.GuestBase,
				MemorySize:    r.Size,
				DriverAddr:    r.GuestBase,
			}
			if err := f.vdev.AddMemReg(int(r.Fd()), reg); err != nil {
				return fmt.Errorf("virtio-fs: map shared memory: %w", err)
			}
		}
	}
	for idx, q := range queues {
		f.vdev.SetVringNum(&vhostuser.VhostVringState{Index: uint32(idx), Num: uint32(q.Size)})
		if err := f.vdev.SetVringAddr(&vhostuser.VhostVringAddr{
			Index:         uint32(idx),
			DescUserAddr:  q.DescTableAddr,
			AvailUserAddr: q.AvailRingAddr,
			UsedUserAddr:  q.UsedRingAddr,
		}); err != nil {
			return fmt.Errorf("virtio-fs: map queue %d rings: %w", idx, err)
		}
		if ev := ioeventFds[idx]; ev != nil {
			if err := f.vdev.SetVringKick(ev.Fd(), uint64(idx)); err != nil {
				return fmt.Errorf("virtio-fs: set kick fd for queue %d: %w", idx, err)
			}
		}
		if f.irq != nil {
			f.vdev.SetVringCall(f.irq.Fd(), uint64(idx))
		}
		f.vdev.SetVringEnable(&vhostuser.VhostVringState{Index: uint32(idx), Num: 1})
	}
	return nil
}

func (f *Fs) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for idx := 0; idx < 2; idx++ {
		f.vdev.SetVringEnable(&vhostuser.VhostVringState{Index: uint32(idx), Num: 0})
	}
}

var _ virtio.Handler = (*Fs)(nil)
