package virtio

import (
	"encoding/binary"
	"fmt"
	"io"
)

// GuestMemory abstracts the memory access a queue needs to walk rings and
// descriptor chains. guestmem.Region satisfies this.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
}

const (
	descFlagNext  = 1
	descFlagWrite = 2
)

// Descriptor is one entry of the descriptor table.
type Descriptor struct {
	Addr   uint64
	Length uint32
	Flags  uint16
	Next   uint16
}

// Payload is one buffer in a descriptor chain, flattened for a queue
// handler's convenience.
type Payload struct {
	Addr    uint64
	Length  uint32
	IsWrite bool
}

// Queue is a single Virtqueue: size, ring addresses, enabled/ready flags, and
// the last-seen available index (spec.md §3). Once Ready is true and the
// device is activated, DescTableAddr/AvailRingAddr/UsedRingAddr are frozen
// for the device's lifetime (spec.md property 3) — the MMIO register
// handlers enforce this by refusing writes to a queue already marked ready.
type Queue struct {
	Index   int
	MaxSize uint16
	Size    uint16
	Enabled bool
	Ready   bool

	DescTableAddr uint64
	AvailRingAddr uint64
	UsedRingAddr  uint64

	lastAvailIdx uint16
	usedIdx      uint16

	mem GuestMemory
}

// Bind attaches the guest memory accessor a Queue uses once activated.
func (q *Queue) Bind(mem GuestMemory) {
	q.mem = mem
}

func (q *Queue) reset() {
	q.Size = 0
	q.Ready = false
	q.Enabled = false
	q.DescTableAddr = 0
	q.AvailRingAddr = 0
	q.UsedRingAddr = 0
	q.lastAvailIdx = 0
	q.usedIdx = 0
}

func (q *Queue) ensureReady() error {
	if !q.Ready || q.Size == 0 {
		return fmt.Errorf("virtio: queue %d not ready", q.Index)
	}
	if q.mem == nil {
		return fmt.Errorf("virtio: queue %d has no guest memory bound", q.Index)
	}
	return nil
}

func (q *Queue) readGuest(addr uint64, buf []byte) error {
	n, err := q.mem.ReadAt(buf, int64(addr))
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("virtio: short guest read (want %d got %d)", len(buf), n)
	}
	return nil
}

func (q *Queue) writeGuest(addr uint64, buf []byte) error {
	n, err := q.mem.WriteAt(buf, int64(addr))
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("virtio: short guest write (want %d got %d)", len(buf), n)
	}
	return nil
}

// ReadDescriptor reads descriptor idx from the descriptor table.
func (q *Queue) ReadDescriptor(idx uint16) (Descriptor, error) {
	if err := q.ensureReady(); err != nil {
		return Descriptor{}, err
	}
	if idx >= q.Size {
		return Descriptor{}, fmt.Errorf("virtio: descriptor index %d out of bounds (size %d)", idx, q.Size)
	}
	var buf [16]byte
	if err := q.readGuest(q.DescTableAddr+uint64(idx)*16, buf[:]); err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		Addr:   binary.LittleEndian.Uint64(buf[0:8]),
		Length: binary.LittleEndian.Uint32(buf[8:12]),
		Flags:  binary.LittleEndian.Uint16(buf[12:14]),
		Next:   binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

// NextAvailable pops the next available descriptor head, if any.
func (q *Queue) NextAvailable() (head uint16, ok bool, err error) {
	if err := q.ensureReady(); err != nil {
		return 0, false, err
	}
	var header [4]byte
	if err := q.readGuest(q.AvailRingAddr, header[:]); err != nil {
		return 0, false, err
	}
	availIdx := binary.LittleEndian.Uint16(header[2:4])
	if q.lastAvailIdx == availIdx {
		return 0, false, nil
	}
	ringIdx := q.lastAvailIdx % q.Size
	var buf [2]byte
	if err := q.readGuest(q.AvailRingAddr+4+uint64(ringIdx)*2, buf[:]); err != nil {
		return 0, false, err
	}
	head = binary.LittleEndian.Uint16(buf[:])
	q.lastAvailIdx++
	return head, true, nil
}

// ReadChain walks the descriptor chain starting at head and flattens it into
// a slice of Payloads, capped at Size descriptors to guard against a
// malicious/corrupt guest looping the chain.
func (q *Queue) ReadChain(head uint16) ([]Payload, error) {
	if err := q.ensureReady(); err != nil {
		return nil, err
	}
	var out []Payload
	idx := head
	for i := uint16(0); i < q.Size; i++ {
		d, err := q.ReadDescriptor(idx)
		if err != nil {
			return out, err
		}
		out = append(out, Payload{Addr: d.Addr, Length: d.Length, IsWrite: d.Flags&descFlagWrite != 0})
		if d.Flags&descFlagNext == 0 {
			break
		}
		idx = d.Next
	}
	return out, nil
}

// PutUsed appends a used-ring entry for descriptor chain head, with the
// total number of bytes written into the chain's writable buffers.
func (q *Queue) PutUsed(head uint16, length uint32) error {
	if err := q.ensureReady(); err != nil {
		return err
	}
	slot := q.usedIdx % q.Size
	base := q.UsedRingAddr + 4 + uint64(slot)*8
	var entry [8]byte
	binary.LittleEndian.PutUint32(entry[0:4], uint32(head))
	binary.LittleEndian.PutUint32(entry[4:8], length)
	if err := q.writeGuest(base, entry[:]); err != nil {
		return err
	}
	q.usedIdx++
	var idxBuf [2]byte
	binary.LittleEndian.PutUint16(idxBuf[:], q.usedIdx)
	return q.writeGuest(q.UsedRingAddr+2, idxBuf[:])
}

// ReadAt reads length bytes of guest memory at addr (for device payload
// logic operating directly on buffers, e.g. block I/O).
func (q *Queue) ReadAt(addr uint64, length uint32) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	buf := make([]byte, length)
	if err := q.readGuest(addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteAt writes data into guest memory at addr.
func (q *Queue) WriteAt(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return q.writeGuest(addr, data)
}
