//go:build linux

package net

import (
	"encoding/binary"
	"net"
	"os"
	"testing"

	"github.com/bao-project/bao-virtio-dm/internal/virtio"
)

// fakeMemory is a byte-addressed guest memory fake, matching the teacher's
// mockGuestMemory style in queue_test.go.
type fakeMemory struct {
	data map[uint64]byte
}

func newFakeMemory() *fakeMemory { return &fakeMemory{data: make(map[uint64]byte)} }

func (m *fakeMemory) ReadAt(p []byte, off int64) (int, error) {
	for i := range p {
		p[i] = m.data[uint64(off)+uint64(i)]
	}
	return len(p), nil
}

func (m *fakeMemory) WriteAt(p []byte, off int64) (int, error) {
	for i, b := range p {
		m.data[uint64(off)+uint64(i)] = b
	}
	return len(p), nil
}

func (m *fakeMemory) putUint32(addr uint64, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	m.WriteAt(buf[:], int64(addr))
}

func (m *fakeMemory) putUint64(addr uint64, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	m.WriteAt(buf[:], int64(addr))
}

func (m *fakeMemory) putUint16(addr uint64, v uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	m.WriteAt(buf[:], int64(addr))
}

func (m *fakeMemory) putDescriptor(table uint64, idx uint16, addr uint64, length uint32, flags, next uint16) {
	base := table + uint64(idx)*16
	m.putUint64(base, addr)
	m.putUint32(base+8, length)
	m.putUint16(base+12, flags)
	m.putUint16(base+14, next)
}

const (
	descFlagNext  = 1
	descFlagWrite = 2
)

func newTestQueue(mem *fakeMemory) *virtio.Queue {
	q := &virtio.Queue{Index: 0, Size: 4}
	q.Bind(mem)
	q.DescTableAddr = 0x1000
	q.AvailRingAddr = 0x2000
	q.UsedRingAddr = 0x3000
	q.Ready = true
	return q
}

// Transmit: a chain whose first (non-writable) buffer is the virtio-net
// header, its remainder the frame payload, ends up written to the TAP fd
// with the header stripped.
func TestDrainTransmitQueueStripsHeader(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	n := &Net{tap: w}
	mem := newFakeMemory()
	q := newTestQueue(mem)
	n.tx = q

	const pktAddr = 0x5000
	payload := append(make([]byte, netHdrSize), []byte("hello")...)
	for i, b := range payload {
		mem.data[pktAddr+uint64(i)] = b
	}
	mem.putDescriptor(q.DescTableAddr, 0, pktAddr, uint32(len(payload)), 0, 0)
	mem.putUint16(q.AvailRingAddr+4, 0) // avail ring[0] = head 0
	mem.putUint16(q.AvailRingAddr+2, 1) // avail idx = 1

	if err := n.drainTransmitQueue(); err != nil {
		t.Fatalf("drainTransmitQueue: %v", err)
	}

	buf := make([]byte, 16)
	nr, err := r.Read(buf)
	if err != nil {
		t.Fatalf("read tap: %v", err)
	}
	if string(buf[:nr]) != "hello" {
		t.Fatalf("expected stripped frame %q, got %q", "hello", buf[:nr])
	}
}

// Receive: one TAP frame becomes a zeroed virtio-net header followed by the
// frame bytes in the first writable descriptor.
func TestDrainReceiveQueuePrependsHeader(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	n := &Net{tap: r}
	mem := newFakeMemory()
	q := newTestQueue(mem)
	n.rx = q

	const bufAddr = 0x6000
	mem.putDescriptor(q.DescTableAddr, 0, bufAddr, 1500, descFlagWrite, 0)
	mem.putUint16(q.AvailRingAddr+4, 0) // avail ring[0] = head 0
	mem.putUint16(q.AvailRingAddr+2, 1) // avail idx = 1

	if _, err := w.Write([]byte("world")); err != nil {
		t.Fatalf("write tap: %v", err)
	}

	if err := n.drainReceiveQueue(); err != nil {
		t.Fatalf("drainReceiveQueue: %v", err)
	}

	got, _ := q.ReadAt(bufAddr+netHdrSize, 5)
	if string(got) != "world" {
		t.Fatalf("expected frame %q after header, got %q", "world", got)
	}
}

func TestFeatureBitsAndConfigSpace(t *testing.T) {
	mac, _ := net.ParseMAC("52:54:00:12:34:56")
	n := &Net{mac: mac}
	if n.NumQueues() != 2 {
		t.Fatalf("expected 2 queues")
	}
	var buf [6]byte
	n.ReadConfig(0, buf[:])
	if net.HardwareAddr(buf[:]).String() != mac.String() {
		t.Fatalf("expected config space to expose MAC %s, got %s", mac, net.HardwareAddr(buf[:]))
	}
}
