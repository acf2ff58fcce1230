//go:build linux

package vmm

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/bao-project/bao-virtio-dm/internal/baoabi"
	"github.com/bao-project/bao-virtio-dm/internal/baoerr"
)

// irqfd implements virtio.IrqRaiser: a non-blocking eventfd registered with
// the hypervisor as the edge source for one device's Virtio interrupt line
// (spec.md §4.6 step 2 "creates the irqfd ... registers the irqfd with the
// hypervisor"). Grounded on the teacher's eventfd-as-notifier pattern in
// internal/hv/kvm, generalized from vCPU-exit notification to irq delivery.
type irqfd struct {
	fd int
	dm *baoabi.DeviceModel
}

func newIrqFd(dm *baoabi.DeviceModel) (*irqfd, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("%w: eventfd: %s", baoerr.ErrRegisterIrqfd, err)
	}
	if err := dm.RegisterIrqFd(fd, false); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &irqfd{fd: fd, dm: dm}, nil
}

// Fd returns the raw eventfd, for vhost-user dataplanes that hand it
// directly to an external backend as its call-fd.
func (f *irqfd) Fd() int { return f.fd }

// Raise writes 1 to the eventfd, delivering the VM-level Virtio interrupt.
func (f *irqfd) Raise() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(f.fd, buf[:])
	if err != nil {
		return fmt.Errorf("%w: %s", baoerr.ErrEventFdWriteFailed, err)
	}
	return nil
}

func (f *irqfd) close() error {
	_ = f.dm.RegisterIrqFd(f.fd, true)
	return unix.Close(f.fd)
}
