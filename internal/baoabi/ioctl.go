package baoabi

// Bao ioctl direction/type framing, matching the Linux _IOC(dir, type, nr,
// size) convention used by the kernel driver. Grounded on the same
// request-code-from-fields pattern used for KVM ioctls in the teacher
// (tinyrange-cc's internal/hv/kvm package computes every code by hand; here
// we instead derive them once at init so the formula itself is testable).
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNrBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14
	iocDirBits  = 2

	iocNrShift   = 0
	iocTypeShift = iocNrShift + iocNrBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	// baoIoctlType is the 8-bit ioctl "magic" for every Bao control
	// operation.
	baoIoctlType = 0xA6
)

func ioc(dir, nr, size uint32) uint32 {
	return (dir << iocDirShift) | (size << iocSizeShift) | (baoIoctlType << iocTypeShift) | (nr << iocNrShift)
}

func iow(nr, size uint32) uint32  { return ioc(iocWrite, nr, size) }
func ior(nr, size uint32) uint32  { return ioc(iocRead, nr, size) }
func iorw(nr, size uint32) uint32 { return ioc(iocWrite|iocRead, nr, size) }
func ion(nr uint32) uint32        { return ioc(iocNone, nr, 0) }

// Precomputed ioctl request codes, one per spec.md §6 table row.
var (
	ioctlBackendCreate   = iow(1, 4) // u32 vm_id
	ioctlBackendDestroy  = iow(2, 4) // u32 vm_id
	ioctlIOCreateClient  = ion(3)
	ioctlIODestroyClient = ion(4)
	ioctlIOAttachClient  = ion(5)
	ioctlIORequest       = iorw(6, sizeofIoRequest)
	ioctlIORequestDone   = iow(7, sizeofIoRequest)
	ioctlIONotifyGuest   = ion(8)
	ioctlIoEventFd       = iow(9, sizeofIoEventFd)
	ioctlIrqFd           = iow(10, sizeofIrqFd)
)

const (
	sizeofIoRequest = 72 // 8x uint64 + int32, padded to 8-byte alignment
	sizeofIoEventFd = 32 // fd,flags,addr,len,reserved,data
	sizeofIrqFd     = 8  // fd,flags
)

// IoEventFd flag bits (spec.md §6).
const (
	IoEventFdFlagDataMatch = 1 << 1
	IoEventFdFlagDeassign  = 1 << 2
)

// IrqFd flag values (spec.md §6).
const (
	IrqFdFlagAssign   = 0x00
	IrqFdFlagDeassign = 0x01
)

// IO operation codes carried in IoRequest.Op (spec.md §3).
const (
	IoWrite  = 0
	IoRead   = 1
	IoAsk    = 2
	IoNotify = 3
)
