//go:build linux

// Package baoabi wraps the Bao hypervisor's control-device ioctl ABI as a
// typed facade (component C1). It is grounded on the teacher's
// internal/hv/kvm ioctl-calling convention: raw unix.Syscall(SYS_IOCTL, ...)
// with a thin retry-on-EINTR wrapper, rather than cgo.
package baoabi

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/bao-project/bao-virtio-dm/internal/baoerr"
)

// DefaultControlPath is the Bao hypervisor's control character device.
const DefaultControlPath = "/dev/bao"

func ioctl(fd uintptr, request uint32, arg uintptr) (uintptr, error) {
	v1, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), arg)
	if errno != 0 {
		return 0, errno
	}
	return v1, nil
}

func ioctlWithRetry(fd uintptr, request uint32, arg uintptr) (uintptr, error) {
	for {
		v1, err := ioctl(fd, request, arg)
		if err == unix.EINTR {
			continue
		}
		return v1, err
	}
}

// Control is the process-wide handle to the hypervisor control device. It is
// opened once by the VMM bootstrap and shared by every DeviceModel (spec.md
// §9 "Global state").
type Control struct {
	file *os.File
}

// OpenControl opens the hypervisor control device at path (DefaultControlPath
// if empty).
func OpenControl(path string) (*Control, error) {
	if path == "" {
		path = DefaultControlPath
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, &baoerr.OpenFdFailed{What: "bao control device", Err: err}
	}
	return &Control{file: f}, nil
}

// Close releases the control device.
func (c *Control) Close() error {
	return c.file.Close()
}

// DeviceModel is a per-VM handle materialised by CreateBackend. Exactly one
// DeviceModel exists per (VMM, VM-id) pair over its lifetime (spec.md §3).
type DeviceModel struct {
	ctl       *Control
	backendFd uintptr
	vmID      uint16
}

// CreateBackend reserves a Virtio backend slot for vmID. Fails if the slot is
// already bound.
func (c *Control) CreateBackend(vmID uint16) (*DeviceModel, error) {
	id := int32(vmID)
	ret, err := ioctlWithRetry(c.file.Fd(), ioctlBackendCreate, uintptr(unsafe.Pointer(&id)))
	if err != nil {
		return nil, &baoerr.BaoIoctlError{Site: "create_backend", Err: err}
	}
	return &DeviceModel{ctl: c, backendFd: ret, vmID: vmID}, nil
}

// DestroyBackend releases the slot and all associated registrations.
func (d *DeviceModel) DestroyBackend() error {
	id := int32(d.vmID)
	_, err := ioctlWithRetry(d.backendFd, ioctlBackendDestroy, uintptr(unsafe.Pointer(&id)))
	if err != nil {
		return &baoerr.BaoIoctlError{Site: "destroy_backend", Err: err}
	}
	return nil
}

// AttachIOClient blocks until the dispatch loop is owner of the next
// request.
func (d *DeviceModel) AttachIOClient() error {
	_, err := ioctlWithRetry(d.backendFd, ioctlIOAttachClient, 0)
	if err != nil {
		return &baoerr.BaoIoctlError{Site: "attach_io_client", Err: err}
	}
	return nil
}

// RequestIO returns the pending request after a successful AttachIOClient.
func (d *DeviceModel) RequestIO() (IoRequest, error) {
	req := IoRequest{Op: IoAsk}
	_, err := ioctlWithRetry(d.backendFd, ioctlIORequest, uintptr(unsafe.Pointer(&req)))
	if err != nil {
		return IoRequest{}, &baoerr.BaoIoctlError{Site: "request_io", Err: err}
	}
	return req, nil
}

// NotifyIOCompleted posts the completion (including req.Value for READ).
// req must carry the same identification fields as the request it completes.
func (d *DeviceModel) NotifyIOCompleted(req IoRequest) error {
	_, err := ioctlWithRetry(d.backendFd, ioctlIORequestDone, uintptr(unsafe.Pointer(&req)))
	if err != nil {
		return &baoerr.BaoIoctlError{Site: "notify_io_completed", Err: err}
	}
	return nil
}

// NotifyGuest synthesises a config-change interrupt.
func (d *DeviceModel) NotifyGuest() error {
	_, err := ioctlWithRetry(d.backendFd, ioctlIONotifyGuest, 0)
	if err != nil {
		return &baoerr.BaoIoctlError{Site: "notify_guest", Err: err}
	}
	return nil
}

// RegisterIoEventFd asks the hypervisor to raise fd whenever a guest write
// hits addr with a value equal to datamatch (the DATAMATCH flag is always
// set). Pass deassign=true to remove
// a previously-registered eventfd at the same (addr, datamatch).
func (d *DeviceModel) RegisterIoEventFd(fd int, addr uint64, datamatch uint64, deassign bool) error {
	flags := uint32(IoEventFdFlagDataMatch)
	if deassign {
		flags |= IoEventFdFlagDeassign
	}
	ev := IoEventFd{
		Fd:    uint32(fd),
		Flags: flags,
		Addr:  addr,
		Len:   4,
		Data:  datamatch,
	}
	_, err := ioctlWithRetry(d.backendFd, ioctlIoEventFd, uintptr(unsafe.Pointer(&ev)))
	if err != nil {
		return fmt.Errorf("%w: %s", baoerr.ErrRegisterIoevent, err)
	}
	return nil
}

// RegisterIrqFd binds fd as the edge source for the VM-level Virtio
// interrupt line. Writing 1 into fd delivers the IRQ.
func (d *DeviceModel) RegisterIrqFd(fd int, deassign bool) error {
	flags := uint32(IrqFdFlagAssign)
	if deassign {
		flags = IrqFdFlagDeassign
	}
	irq := IrqFd{Fd: int32(fd), Flags: flags}
	_, err := ioctlWithRetry(d.backendFd, ioctlIrqFd, uintptr(unsafe.Pointer(&irq)))
	if err != nil {
		return fmt.Errorf("%w: %s", baoerr.ErrRegisterIrqfd, err)
	}
	return nil
}

// VMID returns the VM id this device model was created for.
func (d *DeviceModel) VMID() uint16 { return d.vmID }
