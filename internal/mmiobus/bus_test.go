package mmiobus

import "testing"

type fakeDevice struct {
	reads  [][2]uint64 // offset, len
	writes [][2]uint64
	data   byte
}

func (f *fakeDevice) MmioRead(offset uint64, data []byte) {
	f.reads = append(f.reads, [2]uint64{offset, uint64(len(data))})
	for i := range data {
		data[i] = f.data
	}
}

func (f *fakeDevice) MmioWrite(offset uint64, data []byte) {
	f.writes = append(f.writes, [2]uint64{offset, uint64(len(data))})
}

func TestRegisterDisjointRanges(t *testing.T) {
	b := New()
	if err := b.Register(Range{Base: 0x1000, Size: 0x200}, &fakeDevice{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := b.Register(Range{Base: 0x1200, Size: 0x200}, &fakeDevice{}); err != nil {
		t.Fatalf("unexpected error for adjacent range: %v", err)
	}
}

func TestRegisterOverlapRejected(t *testing.T) {
	b := New()
	if err := b.Register(Range{Base: 0x1000, Size: 0x200}, &fakeDevice{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := b.Register(Range{Base: 0x1100, Size: 0x200}, &fakeDevice{}); err == nil {
		t.Fatalf("expected overlap error")
	}
}

func TestReadWriteDispatch(t *testing.T) {
	b := New()
	dev := &fakeDevice{data: 0xAB}
	if err := b.Register(Range{Base: 0x1000, Size: 0x200}, dev); err != nil {
		t.Fatalf("register: %v", err)
	}
	buf := make([]byte, 4)
	if err := b.Read(0x1000+0x70, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if dev.reads[0][0] != 0x70 || dev.reads[0][1] != 4 {
		t.Fatalf("wrong offset/len forwarded: %+v", dev.reads[0])
	}
	for _, v := range buf {
		if v != 0xAB {
			t.Fatalf("expected pattern 0xAB, got 0x%x", v)
		}
	}

	if err := b.Write(0x1000+0x70, buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	if dev.writes[0][0] != 0x70 {
		t.Fatalf("wrong write offset: %+v", dev.writes[0])
	}
}

func TestUnmappedAddressReturnsError(t *testing.T) {
	b := New()
	if err := b.Register(Range{Base: 0x1000, Size: 0x200}, &fakeDevice{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := b.Read(0x5000, make([]byte, 4)); err == nil {
		t.Fatalf("expected error for unmapped address")
	}
}
