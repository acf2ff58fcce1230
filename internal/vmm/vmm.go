//go:build linux

// Package vmm implements component C6, the per-VM orchestrator: it ties the
// hypervisor ABI (C1), the shared-memory mapper (C2), the MMIO bus (C3), the
// generic Virtio device core (C4) and the event loop (C5) together around
// one configured device, then runs the dispatch and event contexts spec.md
// §4.6/§5 describe. Grounded on the teacher's per-VM goroutine-pair pattern
// (one synchronous dispatch loop, one async poll loop) in its VM run loop.
package vmm

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/bao-project/bao-virtio-dm/internal/baoabi"
	"github.com/bao-project/bao-virtio-dm/internal/baoerr"
	"github.com/bao-project/bao-virtio-dm/internal/config"
	"github.com/bao-project/bao-virtio-dm/internal/devices/block"
	"github.com/bao-project/bao-virtio-dm/internal/devices/console"
	"github.com/bao-project/bao-virtio-dm/internal/devices/fs"
	devnet "github.com/bao-project/bao-virtio-dm/internal/devices/net"
	"github.com/bao-project/bao-virtio-dm/internal/devices/vsock"
	"github.com/bao-project/bao-virtio-dm/internal/eventloop"
	"github.com/bao-project/bao-virtio-dm/internal/guestmem"
	"github.com/bao-project/bao-virtio-dm/internal/mmiobus"
	"github.com/bao-project/bao-virtio-dm/internal/virtio"
)

// VM runs one configured device's dispatch and event contexts end to end.
type VM struct {
	cfg config.DeviceConfig
	log *slog.Logger

	dm      *baoabi.DeviceModel
	bus     *mmiobus.Bus
	loop    *eventloop.Loop
	regions *guestmem.Regions
	irq     *irqfd

	dispatchDone chan error
	stop         chan struct{}
	stopOnce     sync.Once
}

// New constructs the device described by cfg against ctl and registers it on
// the MMIO bus, but does not yet run its execution contexts. Activation
// happens later, when the guest driver sets DRIVER_OK.
func New(ctl *baoabi.Control, cfg config.DeviceConfig, log *slog.Logger) (*VM, error) {
	if log == nil {
		log = slog.Default()
	}
	dm, err := ctl.CreateBackend(cfg.ID)
	if err != nil {
		return nil, err
	}

	vm := &VM{
		cfg:          cfg,
		log:          log,
		dm:           dm,
		bus:          mmiobus.New(),
		regions:      &guestmem.Regions{},
		dispatchDone: make(chan error, 1),
		stop:         make(chan struct{}),
	}

	if cfg.Dataplane == config.DataplaneVirtio {
		loop, err := eventloop.New()
		if err != nil {
			_ = dm.DestroyBackend()
			return nil, err
		}
		vm.loop = loop
	}

	if err := vm.setup(); err != nil {
		vm.teardownPartial()
		return nil, err
	}
	return vm, nil
}

func (vm *VM) teardownPartial() {
	if vm.loop != nil {
		vm.loop.Close()
	}
	_ = vm.dm.DestroyBackend()
}

// setup maps shared memory, builds the device handler, constructs the
// generic Virtio core, binds queues to guest memory, registers the MMIO
// range, and creates the irqfd (spec.md §4.6 step 2).
func (vm *VM) setup() error {
	region, err := vm.regions.Map(vm.cfg.SharedMemory.Path, 0, vm.cfg.SharedMemory.GuestBase, vm.cfg.SharedMemory.Size)
	if err != nil {
		return err
	}

	handler, err := vm.buildHandler()
	if err != nil {
		return err
	}

	irq, err := newIrqFd(vm.dm)
	if err != nil {
		return err
	}
	vm.irq = irq

	queueNotifyAddr := vm.cfg.MmioBase + virtioMMIOQueueNotifyOffset
	dev, err := virtio.New(virtio.Config{
		Handler:      handler,
		NewIoEventFd: newIoEventFdFactory(vm.dm, queueNotifyAddr),
		Irq:          irq,
		Log:          vm.log,
	})
	if err != nil {
		irq.close()
		return err
	}

	for _, q := range dev.Queues() {
		q.Bind(region)
	}

	if binder, ok := handler.(interface {
		BindDevice(*virtio.InterruptStatus, virtio.IrqRaiser)
	}); ok {
		binder.BindDevice(dev.Interrupt(), irq)
	}

	if err := vm.bus.Register(mmiobus.Range{Base: vm.cfg.MmioBase, Size: mmioRangeSize}, dev); err != nil {
		irq.close()
		return err
	}

	return nil
}

// virtioMMIOQueueNotifyOffset and mmioRangeSize match the Virtio 1.x MMIO
// register layout internal/virtio/device.go implements (spec.md §3
// "MmioRange ... size 0x200").
const (
	virtioMMIOQueueNotifyOffset = 0x50
	mmioRangeSize               = 0x200
)

// buildHandler constructs the concrete device backend for vm.cfg.Kind.
func (vm *VM) buildHandler() (virtio.Handler, error) {
	switch vm.cfg.Kind {
	case config.KindBlock:
		if vm.cfg.Block == nil {
			return nil, &baoerr.WrongDeviceConfiguration{Kind: string(vm.cfg.Kind), Dataplane: string(vm.cfg.Dataplane)}
		}
		f, err := openBlockFile(vm.cfg.Block.Path, vm.cfg.Block.ReadOnly)
		if err != nil {
			return nil, err
		}
		return block.New(block.Config{File: f, ReadOnly: vm.cfg.Block.ReadOnly, Flush: vm.cfg.Block.Flush, Loop: vm.loop})

	case config.KindNet:
		if vm.cfg.Net == nil {
			return nil, &baoerr.WrongDeviceConfiguration{Kind: string(vm.cfg.Kind), Dataplane: string(vm.cfg.Dataplane)}
		}
		mac, err := net.ParseMAC(vm.cfg.Net.MAC)
		if err != nil {
			return nil, fmt.Errorf("%w: mac %q: %s", baoerr.ErrNetInvalidIfname, vm.cfg.Net.MAC, err)
		}
		return devnet.New(devnet.Config{TapName: vm.cfg.Net.TapName, MAC: mac, Loop: vm.loop})

	case config.KindConsole:
		alias := ""
		if vm.cfg.Console != nil {
			alias = vm.cfg.Console.PtyAlias
		}
		return console.New(console.Config{PtyAlias: alias, Loop: vm.loop})

	case config.KindVsock:
		if vm.cfg.Vsock == nil {
			return nil, &baoerr.WrongDeviceConfiguration{Kind: string(vm.cfg.Kind), Dataplane: string(vm.cfg.Dataplane)}
		}
		return vsock.New(vsock.Config{
			GuestCID:   vm.cfg.Vsock.GuestCID,
			SocketPath: vm.cfg.Vsock.SocketPath,
			VhostUser:  vm.cfg.Dataplane == config.DataplaneVhostUser,
			Regions:    vm.regions,
		})

	case config.KindFs:
		if vm.cfg.Fs == nil {
			return nil, &baoerr.WrongDeviceConfiguration{Kind: string(vm.cfg.Kind), Dataplane: string(vm.cfg.Dataplane)}
		}
		return fs.New(fs.Config{Tag: vm.cfg.Fs.Tag, SocketPath: vm.cfg.Fs.SocketPath, Regions: vm.regions})

	default:
		return nil, fmt.Errorf("%w: kind=%q", baoerr.ErrBaoDevNotSupported, vm.cfg.Kind)
	}
}

// Run spawns the dispatch and event execution contexts and blocks until the
// dispatch context returns, then stops and joins the event context (spec.md
// §4.6 step 3-4). An event-loop error is logged and does not end Run.
func (vm *VM) Run() error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		vm.dispatchDone <- vm.dispatchLoop()
	}()

	if vm.loop != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := vm.loop.Run(); err != nil {
				vm.log.Error("event loop terminated", "device", vm.cfg.ID, "err", err)
			}
		}()
	}

	err := <-vm.dispatchDone
	vm.Stop()
	wg.Wait()
	return err
}

// Stop asks both execution contexts to return.
func (vm *VM) Stop() {
	vm.stopOnce.Do(func() {
		close(vm.stop)
		if vm.loop != nil {
			vm.loop.Stop()
		}
	})
}

// Close destroys the backend and releases every resource setup acquired.
func (vm *VM) Close() error {
	if vm.loop != nil {
		vm.loop.Close()
	}
	vm.irq.close()
	_ = vm.regions.Unmap()
	return vm.dm.DestroyBackend()
}

// dispatchLoop runs the synchronous attach -> request -> dispatch ->
// complete cycle against the hypervisor ABI (spec.md §4.6 "Dispatch
// context"). Iterates forever until a fatal C1 error or Stop.
func (vm *VM) dispatchLoop() error {
	for {
		select {
		case <-vm.stop:
			return nil
		default:
		}

		if err := vm.dm.AttachIOClient(); err != nil {
			return err
		}
		req, err := vm.dm.RequestIO()
		if err != nil {
			return err
		}

		if err := vm.completeRequest(req); err != nil {
			return err
		}
	}
}

// completeRequest implements spec.md §4.6's "Request dispatch detail": pack
// req.Value as 4-byte little-endian, dispatch WRITE/READ through the MMIO
// bus, unpack the result back into req.Value for READ, and complete the
// request. Any other op is completed with InvalidIoReqDirection.
func (vm *VM) completeRequest(req baoabi.IoRequest) error {
	req = dispatchRequest(vm.bus, vm.log, req)
	return vm.dm.NotifyIOCompleted(req)
}

// dispatchRequest is the request-dispatch detail: it touches only the bus it
// dispatches through and the returned copy of req, so it is exercisable
// against a bare mmiobus.Bus without a real hypervisor.
func dispatchRequest(bus *mmiobus.Bus, log *slog.Logger, req baoabi.IoRequest) baoabi.IoRequest {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(req.Value))

	switch req.Op {
	case baoabi.IoWrite:
		if err := bus.Write(req.Addr, buf[:]); err != nil {
			req.Ret = -1
		}
	case baoabi.IoRead:
		if err := bus.Read(req.Addr, buf[:]); err != nil {
			req.Ret = -1
		} else {
			req.Value = uint64(binary.LittleEndian.Uint32(buf[:]))
		}
	default:
		if log != nil {
			log.Warn("io request with invalid direction", "op", req.Op, "err", &baoerr.InvalidIoReqDirection{Op: req.Op})
		}
		req.Ret = -1
	}
	return req
}
