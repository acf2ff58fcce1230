//go:build linux

package vmm

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/bao-project/bao-virtio-dm/internal/baoabi"
	"github.com/bao-project/bao-virtio-dm/internal/baoerr"
	"github.com/bao-project/bao-virtio-dm/internal/virtio"
)

// ioEventFd implements virtio.EventSource: a non-blocking eventfd registered
// with the hypervisor as the queue-notify sink for one Virtqueue, filtered
// by queue index via DATAMATCH (spec.md §4.4 "Activation preparation").
type ioEventFd struct {
	fd       int
	dm       *baoabi.DeviceModel
	addr     uint64
	datamatch uint64
}

// newIoEventFdFactory returns a virtio.Config.NewIoEventFd closure bound to
// dm and the device's QueueNotify MMIO address.
func newIoEventFdFactory(dm *baoabi.DeviceModel, queueNotifyAddr uint64) func(queueIdx int) (virtio.EventSource, error) {
	return func(queueIdx int) (virtio.EventSource, error) {
		fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
		if err != nil {
			return nil, fmt.Errorf("%w: eventfd: %s", baoerr.ErrHandleIoEventFailed, err)
		}
		datamatch := uint64(queueIdx)
		if err := dm.RegisterIoEventFd(fd, queueNotifyAddr, datamatch, false); err != nil {
			unix.Close(fd)
			return nil, err
		}
		return &ioEventFd{fd: fd, dm: dm, addr: queueNotifyAddr, datamatch: datamatch}, nil
	}
}

func (e *ioEventFd) Fd() int { return e.fd }

// Drain reads and clears the eventfd's accumulated counter.
func (e *ioEventFd) Drain() (uint64, error) {
	var buf [8]byte
	n, err := unix.Read(e.fd, buf[:])
	if err != nil {
		if err == unix.EAGAIN {
			return 0, nil
		}
		return 0, err
	}
	if n != 8 {
		return 0, nil
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (e *ioEventFd) Close() error {
	_ = e.dm.RegisterIoEventFd(e.fd, e.addr, e.datamatch, true)
	return unix.Close(e.fd)
}

var _ virtio.EventSource = (*ioEventFd)(nil)
