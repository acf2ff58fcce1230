package virtio

import (
	"encoding/binary"
	"testing"
)

type fakeHandler struct {
	id, vendor uint32
	numQueues  int
	maxSize    uint16
	features   uint64
	config     []byte

	activateCalls int
	activateErr   error
	resetCalls    int
}

func (h *fakeHandler) DeviceID() uint32         { return h.id }
func (h *fakeHandler) VendorID() uint32         { return h.vendor }
func (h *fakeHandler) NumQueues() int           { return h.numQueues }
func (h *fakeHandler) QueueMaxSize(int) uint16  { return h.maxSize }
func (h *fakeHandler) FeatureBits() uint64      { return h.features }

func (h *fakeHandler) ReadConfig(offset uint64, data []byte) {
	for i := range data {
		if int(offset)+i < len(h.config) {
			data[i] = h.config[int(offset)+i]
		} else {
			data[i] = 0
		}
	}
}

func (h *fakeHandler) WriteConfig(offset uint64, data []byte) {}

func (h *fakeHandler) Activate(queues []*Queue, ioeventFds []EventSource) error {
	h.activateCalls++
	return h.activateErr
}

func (h *fakeHandler) Reset() { h.resetCalls++ }

func newTestDevice(t *testing.T) (*Device, *fakeHandler) {
	t.Helper()
	h := &fakeHandler{id: 2, vendor: 0x554d4551, numQueues: 1, maxSize: 256}
	d, err := New(Config{Handler: h})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d, h
}

func readReg(d *Device, offset uint64, n int) uint64 {
	buf := make([]byte, n)
	d.MmioRead(offset, buf)
	return littleEndianLoad(buf)
}

func writeReg(d *Device, offset uint64, n int, v uint64) {
	buf := make([]byte, n)
	littleEndianStore(buf, v)
	d.MmioWrite(offset, buf)
}

// Scenario S1: magic value readback.
func TestMagicValue(t *testing.T) {
	d, _ := newTestDevice(t)
	buf := make([]byte, 4)
	d.MmioRead(RegMagicValue, buf)
	got := binary.LittleEndian.Uint32(buf)
	if got != MagicValue {
		t.Fatalf("got magic 0x%x, want 0x%x", got, MagicValue)
	}
}

// Property 5: scratch register round-trips any 4-byte value.
func TestScratchRoundTrip(t *testing.T) {
	d, _ := newTestDevice(t)
	writeReg(d, RegScratch, 4, 0xDEADBEEF)
	if got := readReg(d, RegScratch, 4); got != 0xDEADBEEF {
		t.Fatalf("got 0x%x, want 0xDEADBEEF", got)
	}
}

// Property 8: reads beyond defined range are zero; writes to undefined
// offsets are ignored.
func TestUndefinedOffsetsAreBenign(t *testing.T) {
	d, _ := newTestDevice(t)
	if got := readReg(d, 0x0d8, 4); got != 0 {
		t.Fatalf("expected zero read at undefined offset, got 0x%x", got)
	}
	writeReg(d, 0x0d8, 4, 0x1234) // must not panic
}

func activateFully(d *Device) {
	writeReg(d, RegDriverFeaturesSel, 4, 1)
	writeReg(d, RegDriverFeatures, 4, FeatureVersion1>>32)
	writeReg(d, RegStatus, 4, uint64(StatusAck|StatusDriver))
	writeReg(d, RegQueueSel, 4, 0)
	writeReg(d, RegQueueNum, 4, 256)
	writeReg(d, RegStatus, 4, uint64(StatusAck|StatusDriver|StatusFeaturesOK))
	writeReg(d, RegQueueReady, 4, 1)
	writeReg(d, RegStatus, 4, uint64(StatusAck|StatusDriver|StatusFeaturesOK|StatusDriverOK))
}

// Property 9: FEATURES_OK without VERSION_1 fails the device.
func TestFeaturesOkWithoutVersion1Fails(t *testing.T) {
	d, _ := newTestDevice(t)
	writeReg(d, RegStatus, 4, uint64(StatusAck|StatusDriver|StatusFeaturesOK))
	got := readReg(d, RegStatus, 4)
	if got&StatusFailed == 0 {
		t.Fatalf("expected FAILED bit set, got status 0x%x", got)
	}
}

// Scenario S6: writing status 0 resets queue ready flags and feature
// selection, and the device becomes re-activatable.
func TestResetClearsQueueState(t *testing.T) {
	d, h := newTestDevice(t)
	activateFully(d)
	if h.activateCalls != 1 {
		t.Fatalf("expected 1 activate call, got %d", h.activateCalls)
	}
	writeReg(d, RegStatus, 4, 0)
	if h.resetCalls != 1 {
		t.Fatalf("expected reset to be invoked once, got %d", h.resetCalls)
	}
	if got := readReg(d, RegQueueReady, 4); got != 0 {
		t.Fatalf("expected queue ready cleared after reset, got %d", got)
	}
	if got := readReg(d, RegDriverFeaturesSel, 4); got != 0 {
		t.Fatalf("expected feature selector cleared after reset, got %d", got)
	}
	activateFully(d)
	if h.activateCalls != 2 {
		t.Fatalf("expected device to be re-activatable, got %d activate calls", h.activateCalls)
	}
}

// Scenario S5: a second activation is rejected.
func TestDoubleActivationFails(t *testing.T) {
	d, _ := newTestDevice(t)
	activateFully(d)
	if err := d.Activate(); err == nil {
		t.Fatalf("expected second activation to fail")
	}
	if readReg(d, RegStatus, 4)&StatusFailed == 0 {
		t.Fatalf("expected status FAILED after second activation (spec.md scenario S5)")
	}
}

// Property 6: setting InterruptStatus bit 0, then ACK, clears it; repeated
// ACK is a no-op.
func TestInterruptAckIdempotent(t *testing.T) {
	d, _ := newTestDevice(t)
	d.Interrupt().RaiseBits(IntVRing)
	if got := readReg(d, RegInterruptStatus, 4); got&IntVRing == 0 {
		t.Fatalf("expected VRING bit set")
	}
	writeReg(d, RegInterruptACK, 4, IntVRing)
	if got := readReg(d, RegInterruptStatus, 4); got&IntVRing != 0 {
		t.Fatalf("expected VRING bit cleared after ack")
	}
	writeReg(d, RegInterruptACK, 4, IntVRing) // no-op, must not panic or flip bits
}
