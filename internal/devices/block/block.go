// Package block implements the virtio-blk queue handler (component "the
// remaining ~30%" in spec.md §2), a thin adapter between event-loop
// readiness and block I/O against a backing file. Grounded on the teacher's
// internal/devices/virtio/blk.go (Blk.processRequest/executeRequest), adapted
// from the teacher's MMIODeviceBase/hv.VirtualMachine plumbing onto this
// repo's virtio.Handler contract and guest-memory abstraction.
package block

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/bao-project/bao-virtio-dm/internal/eventloop"
	"github.com/bao-project/bao-virtio-dm/internal/virtio"
)

const (
	vendorID = 0x554d4551 // "QEMU", matching the teacher's virtio-blk vendor id
	deviceID = 2
	queueIdx = 0
	queueMax = 128

	reqTypeIn    = 0
	reqTypeOut   = 1
	reqTypeFlush = 4
	reqTypeGetID = 8

	statusOK     = 0
	statusIOErr  = 1
	statusUnsupp = 2

	featSizeMax = 1 << 1
	featSegMax  = 1 << 2
	featRO      = 1 << 5
	featBlkSize = 1 << 6
	featFlush   = 1 << 9

	interruptBit = virtio.IntVRing
)

// Config carries the construction-time parameters for a block device.
type Config struct {
	File     *os.File
	ReadOnly bool
	Flush    bool
	Loop     *eventloop.Loop // nil for vhost/vhost-user dataplanes
}

// Block implements virtio.Handler for a virtio-blk device backed by a plain
// host file.
type Block struct {
	mu       sync.Mutex
	file     *os.File
	readOnly bool
	flush    bool
	capacity uint64 // 512-byte sectors

	loop      *eventloop.Loop
	interrupt *virtio.InterruptStatus
	irq       virtio.IrqRaiser
	queue     *virtio.Queue
}

// New builds a Block handler from cfg. The backing file's size determines
// the advertised capacity.
func New(cfg Config) (*Block, error) {
	var capacity uint64
	if cfg.File != nil {
		fi, err := cfg.File.Stat()
		if err != nil {
			return nil, fmt.Errorf("virtio-blk: stat backing file: %w", err)
		}
		capacity = uint64(fi.Size()) / 512
	}
	return &Block{
		file:     cfg.File,
		readOnly: cfg.ReadOnly,
		flush:    cfg.Flush,
		capacity: capacity,
		loop:     cfg.Loop,
	}, nil
}

// BindDevice wires the generic core's shared InterruptStatus and irqfd into
// this handler, once the virtio.Device wrapping it exists (construction
// order: Handler must exist before virtio.New, so this is a second step the
// orchestrator performs immediately after).
func (b *Block) BindDevice(interrupt *virtio.InterruptStatus, irq virtio.IrqRaiser) {
	b.interrupt = interrupt
	b.irq = irq
}

func (b *Block) DeviceID() uint32        { return deviceID }
func (b *Block) VendorID() uint32        { return vendorID }
func (b *Block) NumQueues() int          { return 1 }
func (b *Block) QueueMaxSize(int) uint16 { return queueMax }

func (b *Block) FeatureBits() uint64 {
	f := uint64(featSizeMax | featSegMax | featBlkSize)
	if b.flush {
		f |= featFlush
	}
	if b.readOnly {
		f |= featRO
	}
	return f
}

func (b *Block) ReadConfig(offset uint64, data []byte) {
	b.mu.Lock()
	cfg := b.configBytes()
	b.mu.Unlock()
	for i := range data {
		if int(offset)+i < len(cfg) {
			data[i] = cfg[int(offset)+i]
		} else {
			data[i] = 0
		}
	}
}

func (b *Block) WriteConfig(uint64, []byte) {} // virtio-blk config space is read-only

func (b *Block) configBytes() []byte {
	var buf [24]byte
	binary.LittleEndian.PutUint64(buf[0:8], b.capacity)
	binary.LittleEndian.PutUint32(buf[8:12], 1<<20) // size_max
	binary.LittleEndian.PutUint32(buf[12:16], 128)  // seg_max
	binary.LittleEndian.PutUint32(buf[20:24], 512)  // blk_size
	return buf[:]
}

// Activate registers the request queue's ioeventfd with the event loop so
// drains happen off the hypervisor's request-dispatch path (spec.md §4.4
// "Activation finalisation").
func (b *Block) Activate(queues []*virtio.Queue, ioeventFds []virtio.EventSource) error {
	if len(queues) != 1 || queues[0] == nil {
		return fmt.Errorf("virtio-blk: expected exactly one queue")
	}
	b.queue = queues[0]

	if b.loop == nil {
		return nil
	}
	ev := ioeventFds[queueIdx]
	if ev == nil {
		return fmt.Errorf("virtio-blk: missing ioeventfd for request queue")
	}
	sub := &requestSubscriber{b: b, ev: ev}
	_, err := b.loop.Register(sub)
	return err
}

// Reset drops the queue reference; the backing file stays open across
// resets so the device can be re-activated (spec.md scenario S6).
func (b *Block) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = nil
}

// requestSubscriber adapts the request-queue ioeventfd into an
// eventloop.Subscriber.
type requestSubscriber struct {
	b  *Block
	ev virtio.EventSource
}

func (s *requestSubscriber) Init(ops eventloop.Ops) error {
	return ops.Add(s.ev.Fd(), queueIdx, false)
}

func (s *requestSubscriber) Process(_ uint32, _ bool, _ eventloop.Ops) error {
	if _, err := s.ev.Drain(); err != nil {
		return err
	}
	return s.b.drainRequestQueue()
}

func (b *Block) drainRequestQueue() error {
	q := b.queue
	if q == nil {
		return nil
	}
	raised := false
	for {
		head, ok, err := q.NextAvailable()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		n, err := b.processRequest(q, head)
		if err != nil {
			return err
		}
		if err := q.PutUsed(head, n); err != nil {
			return err
		}
		raised = true
	}
	if raised && b.interrupt != nil {
		if b.interrupt.RaiseBits(interruptBit) && b.irq != nil {
			return b.irq.Raise()
		}
	}
	return nil
}

type blkHeader struct {
	reqType uint32
	sector  uint64
}

// processRequest walks one descriptor chain: a read-only header, zero or
// more data buffers, and a write-only status byte (spec.md scenario S3).
func (b *Block) processRequest(q *virtio.Queue, head uint16) (uint32, error) {
	chain, err := q.ReadChain(head)
	if err != nil {
		return 0, err
	}
	if len(chain) < 2 {
		return 0, fmt.Errorf("virtio-blk: descriptor chain too short")
	}

	hdrBuf, err := q.ReadAt(chain[0].Addr, 16)
	if err != nil {
		return 0, err
	}
	hdr := blkHeader{
		reqType: binary.LittleEndian.Uint32(hdrBuf[0:4]),
		sector:  binary.LittleEndian.Uint64(hdrBuf[8:16]),
	}

	data := chain[1 : len(chain)-1]
	status := chain[len(chain)-1]

	result, dataLen := b.executeRequest(hdr, q, data)
	if err := q.WriteAt(status.Addr, []byte{result}); err != nil {
		return 0, err
	}
	return dataLen, nil
}

// executeRequest performs the request against the backing file and returns
// the status byte together with the number of bytes written into the
// chain's device-writable data descriptors — the used-ring length a real
// driver reads to know how much data arrived (spec.md scenario S3: 512 for
// a 512-byte read), not the one-byte status write.
func (b *Block) executeRequest(hdr blkHeader, q *virtio.Queue, data []virtio.Payload) (byte, uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.file == nil {
		return statusIOErr, 0
	}
	offset := int64(hdr.sector) * 512

	switch hdr.reqType {
	case reqTypeIn:
		var written uint32
		for _, d := range data {
			if !d.IsWrite {
				return statusIOErr, written
			}
			buf := make([]byte, d.Length)
			n, err := b.file.ReadAt(buf, offset)
			if err != nil && n == 0 {
				return statusIOErr, written
			}
			if err := q.WriteAt(d.Addr, buf[:n]); err != nil {
				return statusIOErr, written
			}
			offset += int64(n)
			written += uint32(n)
		}
		return statusOK, written

	case reqTypeOut:
		if b.readOnly {
			return statusIOErr, 0
		}
		for _, d := range data {
			if d.IsWrite {
				return statusIOErr, 0
			}
			buf, err := q.ReadAt(d.Addr, d.Length)
			if err != nil {
				return statusIOErr, 0
			}
			n, err := b.file.WriteAt(buf, offset)
			if err != nil {
				return statusIOErr, 0
			}
			offset += int64(n)
		}
		return statusOK, 0

	case reqTypeFlush:
		if err := b.file.Sync(); err != nil {
			return statusIOErr, 0
		}
		return statusOK, 0

	case reqTypeGetID:
		if len(data) > 0 && data[0].IsWrite {
			id := make([]byte, 20)
			copy(id, "virtio-blk")
			if err := q.WriteAt(data[0].Addr, id); err != nil {
				return statusIOErr, 0
			}
			return statusOK, uint32(len(id))
		}
		return statusOK, 0

	default:
		return statusUnsupp, 0
	}
}

var _ virtio.Handler = (*Block)(nil)
