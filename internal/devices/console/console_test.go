//go:build linux

package console

import (
	"encoding/binary"
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

const descFlagWrite = 2

func newTestQueue(mem *fakeMemory) *virtio.Queue {
	q := &virtio.Queue{Index: 0, Size: 4}
	q.Bind(mem)
	q.DescTableAddr = 0x1000
	q.AvailRingAddr = 0x2000
	q.UsedRingAddr = 0x3000
	q.Ready = true
	return q
}

func TestDrainTransmitQueueWritesToPty(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	c := &Console{pty: w}
	mem := newFakeMemory()
	q := newTestQueue(mem)
	c.tx = q

	const addr = 0x5000
	msg := []byte("ls -la\n")
	for i, b := range msg {
		mem.data[addr+uint64(i)] = b
	}
	mem.putDescriptor(q.DescTableAddr, 0, addr, uint32(len(msg)), 0, 0)
	mem.putUint16(q.AvailRingAddr+4, 0) // avail ring[0] = head 0
	mem.putUint16(q.AvailRingAddr+2, 1) // avail idx = 1

	if err := c.drainTransmitQueue(); err != nil {
		t.Fatalf("drainTransmitQueue: %v", err)
	}

	buf := make([]byte, 32)
	n, err := r.Read(buf)
	if err != nil {
		t.Fatalf("read pty: %v", err)
	}
	if string(buf[:n]) != string(msg) {
		t.Fatalf("expected %q written to pty, got %q", msg, buf[:n])
	}
}

func TestDrainReceiveQueueReadsFromPty(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	c := &Console{pty: r}
	mem := newFakeMemory()
	q := newTestQueue(mem)
	c.rx = q

	const addr = 0x6000
	mem.putDescriptor(q.DescTableAddr, 0, addr, 64, descFlagWrite, 0)
	mem.putUint16(q.AvailRingAddr+4, 0) // avail ring[0] = head 0
	mem.putUint16(q.AvailRingAddr+2, 1) // avail idx = 1

	if _, err := w.Write([]byte("hello\n")); err != nil {
		t.Fatalf("write pty: %v", err)
	}

	if err := c.drainReceiveQueue(); err != nil {
		t.Fatalf("drainReceiveQueue: %v", err)
	}

	got, _ := q.ReadAt(addr, 6)
	if string(got) != "hello\n" {
		t.Fatalf("expected %q in receive buffer, got %q", "hello\n", got)
	}
}

func TestConfigSpaceColsRowsPorts(t *testing.T) {
	c := &Console{}
	var buf [8]byte
	c.ReadConfig(0, buf[:])
	if binary.LittleEndian.Uint16(buf[0:2]) != cols {
		t.Fatalf("expected cols=%d", cols)
	}
	if binary.LittleEndian.Uint16(buf[2:4]) != rows {
		t.Fatalf("expected rows=%d", rows)
	}
	if binary.LittleEndian.Uint32(buf[4:8]) != maxNrPorts {
		t.Fatalf("expected max_nr_ports=%d", maxNrPorts)
	}
}
