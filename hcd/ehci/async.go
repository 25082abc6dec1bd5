package ehci

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/ardnew/softusb/pkg"
)

// scheduleSpinLimit bounds the USBSTS polling loops start/stop use to wait
// for the hardware to acknowledge a schedule-enable change. Real EHCI
// silicon acknowledges within one or two frames; this is generous enough
// to absorb scheduler jitter while still surfacing a stuck controller as
// ErrSchedule instead of hanging forever.
const scheduleSpinLimit = 100000

// asyncList is the asynchronous schedule: a circular ring of queue heads
// anchored by a permanent dummy head queue head (ehci_init's "Initialize
// Async List with a dummy qh to optimize accesses and make them safer").
// Control and bulk pipes live here.
type asyncList struct {
	mu   sync.Mutex
	regs regs
	head *qh
}

func newAsyncList(r regs, head *qh) *asyncList {
	head.hw.info[0] |= qhHead
	head.hw.horizontal = uint32(head.phys)
	head.next = head
	head.prev = head
	return &asyncList{regs: r, head: head}
}

// start programs ASYNCLISTADDR and sets USBCMD.ASE, then waits for
// USBSTS.AS to confirm the schedule is live (ehci_startAsync).
func (a *asyncList) start() error {
	a.regs.setAsyncAddr(uint32(a.head.phys))
	a.regs.setCmdBits(cmdASE)
	return spinUntil(func() bool { return a.regs.sts()&stsAS != 0 })
}

// stop clears USBCMD.ASE and waits for USBSTS.AS to confirm the schedule
// went idle (ehci_stopAsync).
func (a *asyncList) stop() error {
	a.regs.clearCmdBits(cmdASE)
	return spinUntil(func() bool { return a.regs.sts()&stsAS == 0 })
}

func spinUntil(done func() bool) error {
	for i := 0; i < scheduleSpinLimit; i++ {
		if done() {
			return nil
		}
		runtime.Gosched()
	}
	return fmt.Errorf("ehci: %w", pkg.ErrSchedule)
}

// link inserts q immediately after the dummy head, matching
// ehci_qhLinkAsync's "insert after dummy qh" placement: every pipe's
// queue head sits at the front of the reclamation ring rather than being
// ordered by anything else.
func (a *asyncList) link(q *qh) {
	a.mu.Lock()
	defer a.mu.Unlock()

	q.next = a.head.next
	q.prev = a.head
	q.next.prev = q
	a.head.next = q

	q.hw.horizontal = a.head.hw.horizontal
	a.head.hw.horizontal = uint32(q.phys)
	dmb()
}

// unlink removes q from the ring. The asynchronous schedule must be
// stopped while the horizontal pointer ahead of q is rewritten, since the
// controller may otherwise be mid-fetch of q's now-stale horizontal link
// (ehci_qhUnlinkAsync).
func (a *asyncList) unlink(q *qh) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.stop(); err != nil {
		pkg.LogError(pkg.ComponentEHCI, "async schedule did not stop for unlink", "err", err)
		return err
	}
	q.prev.hw.horizontal = q.hw.horizontal
	if err := a.start(); err != nil {
		pkg.LogError(pkg.ComponentEHCI, "async schedule did not restart after unlink", "err", err)
		return err
	}
	dmb()

	q.prev.next = q.next
	q.next.prev = q.prev
	return nil
}

// enqueue appends a qTD ring (first..last) to q's active schedule,
// extending an already-linked queue head's transfer list rather than
// replacing it (ehci_enqueue). The asynchronous lock serializes this
// against concurrent reaping of the same queue head.
func (a *asyncList) enqueue(q *qh, first, last *qtd) {
	a.mu.Lock()
	defer a.mu.Unlock()

	closeRing(last)

	if q.lastQtd == nil {
		q.hw.nextQtd = uint32(first.phys)
	} else {
		q.lastQtd.next = uint32(first.phys)
	}
	dmb()

	q.lastQtd = last.hw
}

// continueRing re-homes a queue head's schedule after the qTD ring ending
// at last has been consumed or deactivated, clearing any leftover error
// state so the next enqueue starts clean (ehci_continue).
func (a *asyncList) continueRing(q *qh, last *qtd) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if q.lastQtd == last.hw {
		q.lastQtd = nil
		q.hw.nextQtd = qtdPtrInvalid
	}

	if q.hw.nextQtd == qtdPtrInvalid && q.hw.current == uint32(last.phys) {
		q.hw.nextQtd = last.hw.next
	}

	if q.hw.token&qtdErrMask != 0 {
		q.hw.nextQtd = last.hw.next
		q.hw.token &^= qtdErrClearMask
	}
	dmb()
}
