//go:build linux

package vsock

import "testing"

func TestReadConfigExposesGuestCID(t *testing.T) {
	v := &Vsock{guestCID: 0x12345678}
	buf := make([]byte, 4)
	v.ReadConfig(0, buf)
	want := []byte{0x78, 0x56, 0x34, 0x12}
	for i := range want {
		if buf[i] != want[i] {
			t.Fatalf("byte %d: got 0x%x, want 0x%x", i, buf[i], want[i])
		}
	}
}

func TestReadConfigZeroPadsBeyondGuestCID(t *testing.T) {
	v := &Vsock{guestCID: 1}
	buf := make([]byte, 8)
	v.ReadConfig(0, buf)
	for i := 4; i < 8; i++ {
		if buf[i] != 0 {
			t.Fatalf("byte %d: got 0x%x, want 0", i, buf[i])
		}
	}
}

func TestActivateRejectsWrongQueueCount(t *testing.T) {
	v := &Vsock{}
	if err := v.Activate(nil, nil); err == nil {
		t.Fatal("expected error for zero queues")
	}
}

func TestStaticProperties(t *testing.T) {
	v := &Vsock{}
	if v.DeviceID() != deviceID {
		t.Fatalf("DeviceID: got %d, want %d", v.DeviceID(), deviceID)
	}
	if v.VendorID() != vendorID {
		t.Fatalf("VendorID: got %d, want %d", v.VendorID(), vendorID)
	}
	if v.NumQueues() != 2 {
		t.Fatalf("NumQueues: got %d, want 2", v.NumQueues())
	}
	if v.QueueMaxSize(0) != queueMax {
		t.Fatalf("QueueMaxSize: got %d, want %d", v.QueueMaxSize(0), queueMax)
	}
}
