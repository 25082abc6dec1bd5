package ehci

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// dmaAllocator hands out zeroed, page-aligned memory the controller can
// place descriptors and transfer buffers in. Grounded on
// emergingrobotics-go-hailo/pkg/stream/buffer.go, which allocates
// DMA-capable memory the same way: an anonymous, page-aligned mmap rather
// than a heap-managed slice, so the region's address is stable for the
// lifetime of the mapping and never relocated by the garbage collector.
type dmaAllocator interface {
	allocPage() (mem []byte, phys uintptr, err error)
	free(mem []byte) error
}

// mmapAllocator is the only dmaAllocator implementation this driver needs:
// anonymous mmap is itself hardware-independent, so the same allocator
// backs both production use and tests. This module runs on a single
// address space with no IOMMU translation, so the "physical" address of a
// block is just its virtual address; platforms with a real IOMMU would
// instead consult a translation table here.
type mmapAllocator struct{}

// NewDMAAllocator returns the allocator New needs for descriptor and
// transfer-buffer memory. It is the only dmaAllocator implementation this
// driver ships, on any platform: see the dmaAllocator doc comment.
func NewDMAAllocator() mmapAllocator { return mmapAllocator{} }

func (mmapAllocator) allocPage() ([]byte, uintptr, error) {
	mem, err := unix.Mmap(-1, 0, PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, 0, fmt.Errorf("ehci: allocate dma page: %w", err)
	}
	return mem, uintptr(unsafe.Pointer(&mem[0])), nil
}

func (mmapAllocator) free(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	return unix.Munmap(mem)
}
