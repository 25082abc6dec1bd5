package ehci

import "sync/atomic"

// fence is a dummy word whose only purpose is to give dmb an atomic
// operation to anchor a full memory barrier to; sync/atomic operations in
// the Go memory model are sequentially consistent with respect to other
// atomic operations and serve the same role here as a dmb/dsb instruction
// in the original C driver.
var fence uint32

// dmb issues a data memory barrier. It must be called after every write
// sequence the controller may observe before the driver makes any further
// progress-dependent decision: schedule-enable writes, horizontal-pointer
// publication, and qTD/QH field writes the hardware prefetches.
func dmb() {
	atomic.AddUint32(&fence, 1)
}
