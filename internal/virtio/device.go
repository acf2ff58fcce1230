package virtio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/bao-project/bao-virtio-dm/internal/baoerr"
)

// Handler is the small contract a concrete device (block/net/console/vsock/fs)
// plugs into the generic core (spec.md §1 "the core only requires that each
// device plug in a queue handler satisfying a small contract").
type Handler interface {
	DeviceID() uint32
	VendorID() uint32
	NumQueues() int
	QueueMaxSize(idx int) uint16
	FeatureBits() uint64

	// ReadConfig/WriteConfig access the device-specific config space
	// (offsets relative to RegConfig).
	ReadConfig(offset uint64, data []byte)
	WriteConfig(offset uint64, data []byte)

	// Activate is invoked exactly once, when the driver sets DRIVER_OK with
	// every enabled queue ready. ioeventFds[i] is the ioeventfd the core
	// registered for queues[i] (nil entries for disabled queues).
	Activate(queues []*Queue, ioeventFds []EventSource) error

	// Reset releases any resources Activate acquired. Invoked on STATUS=0.
	Reset()
}

// EventSource is the minimal surface a queue-notify ioeventfd needs to
// expose to a concrete device: the raw fd for epoll registration, and a
// counter-drain read.
type EventSource interface {
	Fd() int
	Drain() (uint64, error)
	Close() error
}

// IrqRaiser is implemented by the per-device irqfd: writing to it delivers
// the VM-level Virtio interrupt. Fd exposes the raw eventfd so vhost-user
// dataplanes can hand it directly to an external backend as its call-fd
// (spec.md §4.2), bypassing InterruptStatus entirely.
type IrqRaiser interface {
	Raise() error
	Fd() int
}

// Device holds per-device VirtioConfig register state and implements
// mmiobus.Device by dispatching byte-offset MMIO accesses into the
// activation state machine (spec.md §4.4). Grounded on the teacher's
// mmioDevice read/writeRegister dispatch in internal/devices/virtio/mmio.go.
type Device struct {
	mu sync.Mutex

	handler Handler
	irq     IrqRaiser

	deviceID uint32
	vendorID uint32
	version  uint32

	deviceFeatureSel uint32
	driverFeatureSel uint32
	deviceFeatures   [2]uint32 // word 0 = bits 0-31, word 1 = bits 32-63
	driverFeatures   [2]uint32

	queueSel     uint32
	status       uint32
	configGen    uint32
	interrupt    InterruptStatus
	activated    bool
	queues       []*Queue
	scratch      uint32

	// newIoEventFd creates a non-blocking eventfd and registers it with the
	// hypervisor at this device's QueueNotify address, filtered by queue
	// index (spec.md §4.4 "Activation preparation"). Injected so tests can
	// stub it without a real hypervisor.
	newIoEventFd func(queueIdx int) (EventSource, error)

	log *slog.Logger
}

// Config carries the construction-time parameters for a generic Virtio
// device core.
type Config struct {
	Handler      Handler
	Version      uint32 // 1 = legacy (unsupported), 2 = Virtio 1.x modern
	NewIoEventFd func(queueIdx int) (EventSource, error)
	Irq          IrqRaiser
	Log          *slog.Logger
}

// New builds a Device from handler and wires its queues from
// handler.NumQueues()/QueueMaxSize().
func New(cfg Config) (*Device, error) {
	if cfg.Handler == nil {
		return nil, fmt.Errorf("virtio: handler is required")
	}
	n := cfg.Handler.NumQueues()
	if n <= 0 {
		return nil, fmt.Errorf("virtio: device must expose at least one queue")
	}
	version := cfg.Version
	if version == 0 {
		version = 2
	}
	if version == 1 {
		return nil, baoerr.ErrMmioLegacyNotSupported
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	d := &Device{
		handler:      cfg.Handler,
		irq:          cfg.Irq,
		deviceID:     cfg.Handler.DeviceID(),
		vendorID:     cfg.Handler.VendorID(),
		version:      version,
		newIoEventFd: cfg.NewIoEventFd,
		log:          log,
	}

	features := cfg.Handler.FeatureBits() | FeatureVersion1
	d.deviceFeatures[0] = uint32(features & 0xffffffff)
	d.deviceFeatures[1] = uint32(features >> 32)

	d.queues = make([]*Queue, n)
	for i := range d.queues {
		max := cfg.Handler.QueueMaxSize(i)
		if max == 0 {
			return nil, fmt.Errorf("virtio: queue %d has zero max size", i)
		}
		d.queues[i] = &Queue{Index: i, MaxSize: max}
	}

	return d, nil
}

// Interrupt exposes the shared InterruptStatus byte for the queue handler to
// raise used-ring notifications through (spec.md §5 ordering contract: set
// the bit, then write the irqfd).
func (d *Device) Interrupt() *InterruptStatus { return &d.interrupt }

// Queues returns the device's Virtqueues, so the orchestrator can bind guest
// memory to each one immediately after construction (before any register
// traffic can reach them).
func (d *Device) Queues() []*Queue { return d.queues }

// IsActivated reports whether DRIVER_OK activation has completed.
func (d *Device) IsActivated() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.activated
}

func (d *Device) currentQueue() *Queue {
	if int(d.queueSel) >= len(d.queues) {
		return nil
	}
	return d.queues[d.queueSel]
}

// MmioRead implements mmiobus.Device.
func (d *Device) MmioRead(offset uint64, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(data) == 0 || len(data) > 8 {
		return
	}
	v := d.readRegisterLocked(offset)
	littleEndianStore(data, v)
}

// MmioWrite implements mmiobus.Device.
func (d *Device) MmioWrite(offset uint64, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(data) == 0 || len(data) > 8 {
		return
	}
	d.writeRegisterLocked(offset, littleEndianLoad(data))
}

func (d *Device) readRegisterLocked(offset uint64) uint64 {
	switch offset {
	case RegMagicValue:
		return MagicValue
	case RegVersion:
		return uint64(d.version)
	case RegDeviceID:
		return uint64(d.deviceID)
	case RegVendorID:
		return uint64(d.vendorID)
	case RegDeviceFeatures:
		if d.deviceFeatureSel < 2 {
			return uint64(d.deviceFeatures[d.deviceFeatureSel])
		}
	case RegDeviceFeaturesSel:
		return uint64(d.deviceFeatureSel)
	case RegDriverFeatures:
		if d.driverFeatureSel < 2 {
			return uint64(d.driverFeatures[d.driverFeatureSel])
		}
	case RegDriverFeaturesSel:
		return uint64(d.driverFeatureSel)
	case RegQueueSel:
		return uint64(d.queueSel)
	case RegQueueNumMax:
		if q := d.currentQueue(); q != nil {
			return uint64(q.MaxSize)
		}
	case RegQueueNum:
		if q := d.currentQueue(); q != nil {
			return uint64(q.Size)
		}
	case RegQueueReady:
		if q := d.currentQueue(); q != nil && q.Ready {
			return 1
		}
	case RegQueueDescLow:
		if q := d.currentQueue(); q != nil {
			return q.DescTableAddr & 0xffffffff
		}
	case RegQueueDescHigh:
		if q := d.currentQueue(); q != nil {
			return q.DescTableAddr >> 32
		}
	case RegQueueAvailLow:
		if q := d.currentQueue(); q != nil {
			return q.AvailRingAddr & 0xffffffff
		}
	case RegQueueAvailHigh:
		if q := d.currentQueue(); q != nil {
			return q.AvailRingAddr >> 32
		}
	case RegQueueUsedLow:
		if q := d.currentQueue(); q != nil {
			return q.UsedRingAddr & 0xffffffff
		}
	case RegQueueUsedHigh:
		if q := d.currentQueue(); q != nil {
			return q.UsedRingAddr >> 32
		}
	case RegInterruptStatus:
		return uint64(d.interrupt.Load())
	case RegStatus:
		return uint64(d.status)
	case RegConfigGeneration:
		return uint64(d.configGen)
	case RegScratch:
		return uint64(d.scratch)
	default:
		if offset >= RegConfig {
			buf := make([]byte, 4)
			d.handler.ReadConfig(offset-RegConfig, buf)
			return littleEndianLoad(buf)
		}
	}
	// Reads below/beyond the defined range return zero-padded data
	// (spec.md property 8).
	return 0
}

func (d *Device) writeRegisterLocked(offset, value uint64) {
	switch offset {
	case RegDeviceFeaturesSel:
		d.deviceFeatureSel = uint32(value)
	case RegDriverFeaturesSel:
		d.driverFeatureSel = uint32(value)
	case RegDriverFeatures:
		// Writes to driver-features accumulate, but only before
		// FEATURES_OK is latched (spec.md §4.4).
		if d.status&StatusFeaturesOK != 0 {
			return
		}
		if d.driverFeatureSel < 2 {
			d.driverFeatures[d.driverFeatureSel] = uint32(value)
		}
	case RegQueueSel:
		d.queueSel = uint32(value)
	case RegQueueNum:
		if q := d.currentQueue(); q != nil && uint32(value) <= uint32(q.MaxSize) {
			q.Size = uint16(value)
		}
	case RegQueueReady:
		if q := d.currentQueue(); q != nil {
			if value&1 == 0 {
				// Ring addresses stay frozen once the device is activated;
				// only a STATUS=0 reset clears them then.
				if d.activated {
					return
				}
				q.reset()
				return
			}
			if q.Size == 0 {
				return
			}
			q.Ready = true
			q.Enabled = true
			d.maybeActivateLocked()
		}
	case RegQueueDescLow:
		d.setQueueAddrLow(func(q *Queue) *uint64 { return &q.DescTableAddr }, value)
	case RegQueueDescHigh:
		d.setQueueAddrHigh(func(q *Queue) *uint64 { return &q.DescTableAddr }, value)
	case RegQueueAvailLow:
		d.setQueueAddrLow(func(q *Queue) *uint64 { return &q.AvailRingAddr }, value)
	case RegQueueAvailHigh:
		d.setQueueAddrHigh(func(q *Queue) *uint64 { return &q.AvailRingAddr }, value)
	case RegQueueUsedLow:
		d.setQueueAddrLow(func(q *Queue) *uint64 { return &q.UsedRingAddr }, value)
	case RegQueueUsedHigh:
		d.setQueueAddrHigh(func(q *Queue) *uint64 { return &q.UsedRingAddr }, value)
	case RegQueueNotify:
		// Never written directly by the driver in steady state — the
		// hypervisor intercepts it via ioeventfd. A write that reaches the
		// device here (e.g. before ioeventfd is armed) is dropped
		// (spec.md §4.4).
	case RegInterruptACK:
		d.interrupt.Ack(uint32(value))
	case RegStatus:
		if value == 0 {
			d.resetLocked()
			return
		}
		d.status = uint32(value)
		if d.status&StatusFeaturesOK != 0 && !d.hasVersion1Locked() {
			err := &baoerr.DeviceBadFeatures{DriverFeatures: d.driverFeaturesLocked()}
			d.log.Warn("virtio: rejecting feature negotiation", "err", err)
			d.status |= StatusFailed
			return
		}
		if d.status&StatusDriverOK != 0 {
			d.maybeActivateLocked()
		}
	case RegScratch:
		d.scratch = uint32(value)
	default:
		if offset >= RegConfig {
			buf := make([]byte, 4)
			littleEndianStore(buf, value)
			d.handler.WriteConfig(offset-RegConfig, buf)
		}
		// Writes to undefined offsets are silently ignored (spec.md property 8).
	}
}

func (d *Device) setQueueAddrLow(field func(*Queue) *uint64, value uint64) {
	q := d.currentQueue()
	if q == nil || q.Ready {
		return
	}
	p := field(q)
	*p = (*p &^ 0xffffffff) | (value & 0xffffffff)
}

func (d *Device) setQueueAddrHigh(field func(*Queue) *uint64, value uint64) {
	q := d.currentQueue()
	if q == nil || q.Ready {
		return
	}
	p := field(q)
	*p = (*p &^ (uint64(0xffffffff) << 32)) | (value << 32)
}

func (d *Device) driverFeaturesLocked() uint64 {
	return uint64(d.driverFeatures[0]) | uint64(d.driverFeatures[1])<<32
}

func (d *Device) hasVersion1Locked() bool {
	return d.driverFeaturesLocked()&FeatureVersion1 != 0
}

func (d *Device) allQueuesReadyLocked() bool {
	for _, q := range d.queues {
		if q.Enabled && !q.Ready {
			return false
		}
	}
	return true
}

// maybeActivateLocked invokes handler.Activate exactly once, once DRIVER_OK
// is set, FEATURES_OK passed, and every enabled queue is ready (spec.md
// §4.4). Must be called with d.mu held.
func (d *Device) maybeActivateLocked() {
	if d.activated {
		d.log.Warn("virtio: rejecting re-activation", "err", baoerr.ErrDeviceAlreadyActivated)
		d.status |= StatusFailed
		return
	}
	if d.status&StatusFailed != 0 {
		return
	}
	if d.status&StatusDriverOK == 0 || d.status&StatusFeaturesOK == 0 {
		return
	}
	if !d.allQueuesReadyLocked() {
		return
	}

	ioeventFds := make([]EventSource, len(d.queues))
	if d.newIoEventFd != nil {
		for i, q := range d.queues {
			if !q.Enabled {
				continue
			}
			ev, err := d.newIoEventFd(i)
			if err != nil {
				d.log.Error("virtio: ioeventfd registration failed", "queue", i, "err", err)
				d.status |= StatusFailed
				return
			}
			ioeventFds[i] = ev
		}
	}

	if err := d.handler.Activate(d.queues, ioeventFds); err != nil {
		d.log.Error("virtio: device activation failed", "err", err)
		d.status |= StatusFailed
		return
	}

	d.activated = true
}

// Activate invokes the activation path directly, returning
// ErrDeviceAlreadyActivated if already activated (used by callers driving
// activation out-of-band of a STATUS write, and by tests).
func (d *Device) Activate() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.activated {
		d.status |= StatusFailed
		return baoerr.ErrDeviceAlreadyActivated
	}
	d.status |= StatusDriverOK
	d.maybeActivateLocked()
	if d.status&StatusFailed != 0 {
		return fmt.Errorf("virtio: activation failed")
	}
	return nil
}

func (d *Device) resetLocked() {
	d.status = 0
	d.deviceFeatureSel = 0
	d.driverFeatureSel = 0
	d.driverFeatures = [2]uint32{}
	d.queueSel = 0
	d.interrupt = InterruptStatus{}
	for _, q := range d.queues {
		q.reset()
	}
	if d.activated {
		d.handler.Reset()
	}
	d.activated = false
}

// RaiseConfigChange bumps the config generation and sets the config-change
// interrupt bit, then raises the irqfd (host-initiated state changes,
// spec.md §4.1 notify_guest).
func (d *Device) RaiseConfigChange() error {
	d.mu.Lock()
	d.configGen++
	changed := d.interrupt.RaiseBits(IntConfig)
	d.mu.Unlock()
	if changed && d.irq != nil {
		return d.irq.Raise()
	}
	return nil
}
