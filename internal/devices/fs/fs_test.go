//go:build linux

package fs

import "testing"

func TestReadConfigExposesTagZeroPadded(t *testing.T) {
	f := &Fs{tag: "myfs"}
	buf := make([]byte, tagMaxLen)
	f.ReadConfig(0, buf)
	if string(buf[:4]) != "myfs" {
		t.Fatalf("got %q, want %q", buf[:4], "myfs")
	}
	for i := 4; i < tagMaxLen; i++ {
		if buf[i] != 0 {
			t.Fatalf("byte %d: got 0x%x, want 0", i, buf[i])
		}
	}
}

func TestNewRejectsOverlongTag(t *testing.T) {
	longTag := make([]byte, tagMaxLen+1)
	for i := range longTag {
		longTag[i] = 'a'
	}
	if _, err := New(Config{Tag: string(longTag)}); err == nil {
		t.Fatal("expected error for overlong tag")
	}
}

func TestActivateRejectsWrongQueueCount(t *testing.T) {
	f := &Fs{}
	if err := f.Activate(nil, nil); err == nil {
		t.Fatal("expected error for zero queues")
	}
}

func TestStaticProperties(t *testing.T) {
	f := &Fs{}
	if f.DeviceID() != deviceID {
		t.Fatalf("DeviceID: got %d, want %d", f.DeviceID(), deviceID)
	}
	if f.VendorID() != vendorID {
		t.Fatalf("VendorID: got %d, want %d", f.VendorID(), vendorID)
	}
	if f.NumQueues() != 2 {
		t.Fatalf("NumQueues: got %d, want 2", f.NumQueues())
	}
}
