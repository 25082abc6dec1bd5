package ehci

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/ardnew/softusb/pkg"
	"golang.org/x/sys/unix"
)

// mmioRegion is the production mmio implementation: a page mapped over a
// physical MMIO window via mmap, following the same unix.Mmap-based
// mapping idiom the rest of the pack uses for device memory (compare
// emergingrobotics-go-hailo/pkg/stream/buffer.go, which mmaps anonymous
// DMA memory the same way). Reads and writes go through sync/atomic so the
// Go compiler never reorders or coalesces accesses to the register file.
type mmioRegion struct {
	mem []byte
}

// MapController maps size bytes of physical memory at physBase, readable
// through fd (conventionally an open /dev/mem or a UIO device file), and
// returns a register view suitable for New. Callers own fd and may close
// it once this call returns; the mapping itself does not keep it open.
func MapController(fd int, physBase int64, size int) (*mmioRegion, error) {
	return mapMMIO(fd, physBase, size)
}

// mapMMIO maps size bytes of physical memory at physBase, readable through
// fd (conventionally an open /dev/mem or a UIO device file), and returns an
// mmio view over it.
func mapMMIO(fd int, physBase int64, size int) (*mmioRegion, error) {
	if physBase&(PageSize-1) != 0 {
		return nil, fmt.Errorf("ehci: mmio base %#x: %w", physBase, pkg.ErrUnaligned)
	}
	mem, err := unix.Mmap(fd, physBase, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("ehci: map mmio at %#x: %w", physBase, err)
	}
	return &mmioRegion{mem: mem}, nil
}

// unmapMMIO releases the mapping established by mapMMIO.
func unmapMMIO(r *mmioRegion) error {
	if r == nil || r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	return err
}

func (r *mmioRegion) word(offset uintptr) *uint32 {
	return (*uint32)(unsafe.Pointer(&r.mem[offset]))
}

func (r *mmioRegion) read32(offset uintptr) uint32 {
	return atomic.LoadUint32(r.word(offset))
}

func (r *mmioRegion) write32(offset uintptr, value uint32) {
	atomic.StoreUint32(r.word(offset), value)
}
