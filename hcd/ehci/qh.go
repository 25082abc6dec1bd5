package ehci

import (
	"unsafe"

	"github.com/ardnew/softusb/hcd"
)

// qhHW mirrors the hardware-visible queue-head layout: the characteristics
// words, the live overlay (current/nextQtd/altnextQtd/token mirror what
// the controller last fetched from the active qTD), and the overlay's own
// copy of the buffer pointers.
type qhHW struct {
	horizontal uint32
	info       [2]uint32
	current    uint32
	nextQtd    uint32
	altnextQtd uint32
	token      uint32
	buf        [QHNBufs]uint32
	bufHi      [QHNBufs]uint32
}

// QH characteristics word (info[0]) bits and field shifts.
const (
	qhDevAddrMask  uint32 = 0x7f
	qhEndpointShift       = 8
	qhSpeedShift          = 12
	qhSpeedMask    uint32 = 0x3 << qhSpeedShift
	qhSpeedFull    uint32 = 0 << qhSpeedShift
	qhSpeedLow     uint32 = 1 << qhSpeedShift
	qhHighSpeed    uint32 = 2 << qhSpeedShift
	qhDTC          uint32 = 1 << 14 // data toggle control
	qhHead         uint32 = 1 << 15 // head of the asynchronous reclamation list
	qhPackLenShift        = 16
	qhPackLenMask  uint32 = 0x7ff << qhPackLenShift
	qhCtrlEndpoint uint32 = 1 << 27
	qhNakReload    uint32 = 3 << 28
)

// QH split-completion word (info[1]) bits.
const (
	qhSMaskAll uint32 = 0xff   // S-mask covering every microframe
	qhCMask    uint32 = 0x1c00 // C-mask: microframes 2-4, conventional for TT splits
)

// qhPtrInvalid is the terminate bit on an otherwise-zero horizontal link.
const qhPtrInvalid uint32 = 1

// qh is the driver-private wrapper around one DMA-resident queue head. It
// participates in exactly one of two intrusive lists at a time: the
// asynchronous ring (next/prev, doubly linked, circular) or a periodic
// frame chain (next only, singly linked, terminated by nil).
type qh struct {
	hw   *qhHW
	phys uintptr
	mem  []byte

	next *qh
	prev *qh

	lastQtd *qtdHW

	period int
	uframe int
	phase  int
}

func qhFromMem(mem []byte, phys uintptr) *qh {
	return &qh{hw: (*qhHW)(unsafe.Pointer(&mem[0])), phys: phys, mem: mem}
}

// reset reinitializes a reused queue head to the alloc-time state.
func (q *qh) reset() {
	q.hw.info[0] = 0
	q.hw.info[1] = 0
	q.hw.token = 0
	q.hw.horizontal = qhPtrInvalid
	q.hw.current = qtdPtrInvalid
	q.hw.nextQtd = qtdPtrInvalid
	q.hw.altnextQtd = qtdPtrInvalid
	for i := range q.hw.buf {
		q.hw.buf[i] = 0
		q.hw.bufHi[i] = 0
	}

	q.next = nil
	q.prev = nil
	q.period = 0
	q.uframe = 0
	q.phase = 0
	q.lastQtd = nil
}

// configure programs a queue head's characteristics word from a pipe's
// addressing and transfer parameters, and derives the interrupt polling
// period the periodic scheduler will place it at.
func (q *qh) configure(p *hcd.Pipe, transErrors uint32) {
	dev := p.Device

	info0 := uint32(dev.Address) & qhDevAddrMask
	info0 |= uint32(p.Number) << qhEndpointShift
	info0 |= qhSpeedBits(dev.Speed)
	if p.Type == hcd.TransferControl {
		info0 |= qhDTC
	}
	info0 |= uint32(p.MaxPacketSize) << qhPackLenShift
	if p.Type == hcd.TransferControl && dev.Speed != hcd.SpeedHigh {
		info0 |= qhCtrlEndpoint
	}
	info0 |= qhNakReload
	q.hw.info[0] = info0
	q.hw.info[1] = 0

	if p.Type != hcd.TransferInterrupt {
		return
	}

	if dev.Speed == hcd.SpeedHigh {
		q.period = (1 << (p.Interval - 1)) >> 3
		if q.period == 0 {
			// Intervals of 1-8 microframes are all served every microframe.
			q.period = 1
		}
		return
	}

	q.period = 1
	for q.period*2 < int(p.Interval) {
		q.period *= 2
	}
}

// qhSpeedBits maps hcd.Speed to the EHCI queue-head characteristics word's
// endpoint-speed field, whose encoding (Full=00, Low=01, High=10) does not
// match hcd.Speed's own ordering.
func qhSpeedBits(s hcd.Speed) uint32 {
	switch s {
	case hcd.SpeedLow:
		return qhSpeedLow
	case hcd.SpeedHigh:
		return qhHighSpeed
	default:
		return qhSpeedFull
	}
}

func (q *qh) deviceAddress() uint8 { return uint8(q.hw.info[0] & qhDevAddrMask) }

func (q *qh) setDeviceAddress(addr uint8) {
	q.hw.info[0] = (q.hw.info[0] &^ qhDevAddrMask) | uint32(addr)
}

func (q *qh) maxPacketSize() uint16 {
	return uint16((q.hw.info[0] & qhPackLenMask) >> qhPackLenShift)
}

func (q *qh) setMaxPacketSize(size uint16) {
	q.hw.info[0] = (q.hw.info[0] &^ qhPackLenMask) | (uint32(size) << qhPackLenShift)
}

func (q *qh) highSpeed() bool {
	return q.hw.info[0]&qhSpeedMask == qhHighSpeed
}
