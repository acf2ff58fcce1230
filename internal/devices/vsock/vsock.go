//go:build linux

// Package vsock implements the virtio-vsock queue handler. Unlike block,
// console and net, a vhost-user vsock device does not drain its own
// virtqueues: spec.md §4.2 treats vhost/vhost-user backends as external
// collaborators that the core forwards ioeventfds, irqfd and the memory
// table to, so the actual CID-addressed stream semantics live outside this
// package (here, in github.com/hanwen/go-fuse/v2's vhostuser.Device, the
// same library the pack's go-fuse example grounds virtio-fs on). The
// in-process dataplane variant dials its UNIX socket but registers no queue
// handler, so its rx/tx queues are not drained.
package vsock

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
	deviceID = 19

	queueRx  = 0
	queueTx  = 1
	queueMax = 256
)

// Config carries the construction-time parameters for a vsock device.
type Config struct {
	GuestCID   uint32
	SocketPath string // AF_UNIX backend socket, dialed for both dataplanes
	VhostUser  bool   // true selects the vhostuser.Device dataplane
	Regions    *guestmem.Regions
}

// Vsock implements virtio.Handler for a virtio-vsock device. When
// cfg.VhostUser is set, queue draining is delegated entirely to an embedded
// vhostuser.Device, whose handle callback relays through the socket at
// cfg.SocketPath. Otherwise the socket is dialed but Activate registers no
// queue handler: the in-process dataplane does not drain the rx/tx queues.
type Vsock struct {
	mu sync.Mutex

	guestCID uint32

	vhostUser bool
	vdev      *vhostuser.Device
	regions   *guestmem.Regions

	conn net.Conn

	interrupt *virtio.InterruptStatus
	irq       virtio.IrqRaiser
}

// New constructs a Vsock handler. In the vhost-user case the actual stream
// framing is handled by vdev's handle callback, which here only shuttles
// raw bytes through cfg.SocketPath — per-connection CID/port demuxing is
// out of scope for the core (spec.md "device payload semantics").
func New(cfg Config) (*Vsock, error) {
	v := &Vsock{guestCID: cfg.GuestCID, vhostUser: cfg.VhostUser, regions: cfg.Regions}
	conn, err := net.Dial("unix", cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("virtio-vsock: dial %s: %w", cfg.SocketPath, err)
	}
	v.conn = conn
	if cfg.VhostUser {
		v.vdev = vhostuser.NewDevice(v.handle)
	}
	return v, nil
}

// handle forwards one vhost-user virtqueue element's readable buffers to
// the backend socket and copies the reply into its writable buffers.
func (v *Vsock) handle(elem *vhostuser.VirtqElem) int {
	if v.conn == nil {
		return 0
	}
	for _, seg := range elem.Read {
		if _, err := v.conn.Write(seg); err != nil {
			return 0
		}
	}
	total := 0
	for _, seg := range elem.Write {
		n, err := v.conn.Read(seg)
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
// this handler. For the vhost-user dataplane the irqfd is forwarded straight
// into the embedded vhostuser.Device as its call-fd (SetVringCall); the
// handler itself never touches InterruptStatus in that mode.
func (v *Vsock) BindDevice(interrupt *virtio.InterruptStatus, irq virtio.IrqRaiser) {
	v.interrupt = interrupt
	v.irq = irq
}

func (v *Vsock) DeviceID() uint32        { return deviceID }
func (v *Vsock) VendorID() uint32        { return vendorID }
func (v *Vsock) NumQueues() int          { return 2 }
func (v *Vsock) QueueMaxSize(int) uint16 { return queueMax }
func (v *Vsock) FeatureBits() uint64     { return 0 }

// ReadConfig exposes guest_cid, the device's only config-space field.
func (v *Vsock) ReadConfig(offset uint64, data []byte) {
	var buf [8]byte
	buf[0] = byte(v.guestCID)
	buf[1] = byte(v.guestCID >> 8)
	buf[2] = byte(v.guestCID >> 16)
	buf[3] = byte(v.guestCID >> 24)
	for i := range data {
		if int(offset)+i < len(buf) {
			data[i] = buf[int(offset)+i]
		} else {
			data[i] = 0
		}
	}
}

func (v *Vsock) WriteConfig(uint64, []byte) {}

func (v *Vsock) Activate(queues []*virtio.Queue, ioeventFds []virtio.EventSource) error {
	if len(queues) != 2 {
		return fmt.Errorf("virtio-vsock: expected rx and tx queues")
	}
	if !v.vhostUser {
		return nil
	}
	if v.regions != nil {
		for _, r := range v.regions.All() {
			reg := &vhostuser.VhostUserMemoryRegion{
				GuestPhysAddr: r.GuestBase,
				MemorySize:    r.Size,
				DriverAddr:    r.GuestBase,
			}
			if err := v.vdev.AddMemReg(int(r.Fd()), reg); err != nil {
				return fmt.Errorf("virtio-vsock: map shared memory: %w", err)
			}
		}
	}
	for idx, q := range queues {
		v.vdev.SetVringNum(&vhostuser.VhostVringState{Index: uint32(idx), Num: uint32(q.Size)})
		if err := v.vdev.SetVringAddr(&vhostuser.VhostVringAddr{
			Index:         uint32(idx),
			DescUserAddr:  q.DescTableAddr,
			AvailUserAddr: q.AvailRingAddr,
			UsedUserAddr:  q.UsedRingAddr,
		}); err != nil {
			return fmt.Errorf("virtio-vsock: map queue %d rings: %w", idx, err)
		}
		if ev := ioeventFds[idx]; ev != nil {
			if err := v.vdev.SetVringKick(ev.Fd(), uint64(idx)); err != nil {
				return fmt.Errorf("virtio-vsock: set kick fd for queue %d: %w", idx, err)
			}
		}
		if v.irq != nil {
			v.vdev.SetVringCall(v.irq.Fd(), uint64(idx))
		}
		v.vdev.SetVringEnable(&vhostuser.VhostVringState{Index: uint32(idx), Num: 1})
	}
	return nil
}

func (v *Vsock) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.vhostUser {
		for idx := 0; idx < 2; idx++ {
			v.vdev.SetVringEnable(&vhostuser.VhostVringState{Index: uint32(idx), Num: 0})
		}
	}
}

var _ virtio.Handler = (*Vsock)(nil)
