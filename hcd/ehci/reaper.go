package ehci

import (
	"fmt"

	"github.com/ardnew/softusb/hcd"
	"github.com/ardnew/softusb/pkg"
)

// ring is a small circular doubly linked list builder for qTDs, used to
// assemble a transfer's setup/data/status stages in order before they are
// wired into the hardware ring (ehci_qtdAdd plus the per-transfer
// LIST_ADD bookkeeping in ehci_transferEnqueue).
type ring struct {
	head *qtd
	tail *qtd
}

func (r *ring) append(q *qtd) {
	if r.head == nil {
		r.head, r.tail = q, q
		q.next, q.prev = q, q
		return
	}
	q.prev = r.tail
	q.next = r.head
	r.tail.next = q
	r.head.prev = q
	r.tail = q
}

func (r *ring) extend(other *ring) {
	if other.head == nil {
		return
	}
	if r.head == nil {
		*r = *other
		return
	}
	r.tail.next = other.head
	other.head.prev = r.tail
	r.tail = other.tail
	r.tail.next = r.head
	r.head.prev = r.tail
}

// buildRing allocates as many qTDs as buildQTD needs to cover data, each
// holding at most PageSize*QHNBufs bytes (or exactly one qTD if data is
// empty, matching the setup/status stages' do-while-once shape in
// ehci_qtdAdd), and returns them linked in transfer order. On an
// allocation failure the qTDs built so far go back to the pool.
func buildRing(pool *qtdPool, pid uint32, maxPacketSize int, data []byte, dataToggle uint32, transErrors uint32) (*ring, error) {
	r := &ring{}
	dt := dataToggle
	remaining := data
	for {
		q, err := pool.get()
		if err != nil {
			pool.putRing(r.head)
			return nil, fmt.Errorf("ehci: allocate qtd: %w", err)
		}
		n := buildQTD(q, pid, maxPacketSize, dt, remaining, transErrors)
		r.append(q)
		dt ^= 1
		remaining = remaining[n:]
		if len(remaining) == 0 {
			break
		}
	}
	return r, nil
}

// closeRing terminates a qTD ring's hardware horizontal pointer at its
// last entry and sets IOC there so the controller raises a completion
// interrupt once it retires that qTD.
func closeRing(last *qtd) {
	last.hw.next = qtdPtrInvalid
	last.hw.token |= qtdIOC
}

// deactivateRing clears QTD_ACTIVE on every qTD in the ring, matching
// ehci_qtdsDeactivate's cancellation path: the controller stops making
// progress on the ring the next time it fetches one of these tokens, but
// this never blocks waiting for an in-flight DMA access to finish.
func deactivateRing(head *qtd) {
	if head == nil {
		return
	}
	q := head
	for {
		q.hw.token &^= qtdActive
		q = q.next
		if q == head {
			break
		}
	}
	dmb()
}

// ringCheck reports whether head's ring has finished (some qTD signalled
// an error, or the last qTD is halted or no longer active), and if so, the
// transfer status ehci_qtdsCheck would report: a negative error count if
// any qTD signalled an error, otherwise requested-size minus the last
// qTD's unconsumed byte count.
func ringCheck(head *qtd, requested int) (finished bool, status int) {
	errCount := 0
	q := head
	for {
		if q.errorBits() != 0 {
			errCount++
		}
		q = q.next
		if q == head {
			break
		}
	}
	if errCount > 0 {
		return true, -errCount
	}

	last := head.prev
	if last.halted() {
		pkg.LogWarn(pkg.ComponentEHCI, "qtd ring retired halted", "err", pkg.ErrHalted)
		return true, requested - last.remaining()
	}
	if !last.active() {
		return true, requested - last.remaining()
	}
	return false, 0
}

func (c *Controller) addTransfer(infl *inflight) {
	if c.transfers == nil {
		infl.next, infl.prev = infl, infl
		c.transfers = infl
		return
	}
	infl.prev = c.transfers.prev
	infl.next = c.transfers
	c.transfers.prev.next = infl
	c.transfers.prev = infl
}

func (c *Controller) removeTransfer(infl *inflight) {
	if infl.next == infl {
		c.transfers = nil
	} else {
		infl.prev.next = infl.next
		infl.next.prev = infl.prev
		if c.transfers == infl {
			c.transfers = infl.next
		}
	}
	infl.next, infl.prev = nil, nil
}

// reap walks every in-flight transfer once, finishing and recycling the
// ones whose qTD ring has retired (ehci_transUpdate). Callers must hold
// transMu.
func (c *Controller) reap() {
	if c.transfers == nil {
		return
	}

	var snapshot []*inflight
	for cur, start := c.transfers, c.transfers; ; {
		snapshot = append(snapshot, cur)
		cur = cur.next
		if cur == start {
			break
		}
	}

	for _, infl := range snapshot {
		finished, status := ringCheck(infl.qtds, infl.size)
		if !finished {
			continue
		}
		c.async.continueRing(infl.qh, infl.qtds.prev)
		c.qtds.putRing(infl.qtds)
		c.removeTransfer(infl)
		infl.t.HCDPriv = nil
		infl.t.Finish(status)
	}
}

// TransferEnqueue implements hcd.Ops.
func (c *Controller) TransferEnqueue(t *hcd.Transfer, p *hcd.Pipe) error {
	if c.rh != nil && c.rh.IsRoothub(p.Device) {
		return c.rh.Dispatch(p.Device, t)
	}

	pid := pidOut
	if t.Direction == hcd.DirectionIn {
		pid = pidIn
	}

	q, isNewQH, err := c.pipeQueueHead(p)
	if err != nil {
		return err
	}
	if isNewQH {
		if p.Type == hcd.TransferBulk || p.Type == hcd.TransferControl {
			c.async.link(q)
		} else {
			c.periodic.link(q)
		}
	}

	full := &ring{}

	if t.Type == hcd.TransferControl {
		setupBuf := make([]byte, hcd.SetupPacketSize)
		if t.Setup != nil {
			t.Setup.MarshalTo(setupBuf)
		}
		r, err := buildRing(c.qtds, pidSetup, int(p.MaxPacketSize), setupBuf, 0, c.cfg.TransErrors)
		if err != nil {
			return err
		}
		full.extend(r)
	}

	if t.Size() > 0 && (t.Type == hcd.TransferControl || t.Type == hcd.TransferBulk || t.Type == hcd.TransferInterrupt) {
		r, err := buildRing(c.qtds, pid, int(p.MaxPacketSize), t.Buffer, 1, c.cfg.TransErrors)
		if err != nil {
			if full.head != nil {
				c.qtds.putRing(full.head)
			}
			return err
		}
		full.extend(r)
	}

	if t.Type == hcd.TransferControl {
		statusPID := pidIn
		if pid == pidIn {
			statusPID = pidOut
		}
		r, err := buildRing(c.qtds, statusPID, int(p.MaxPacketSize), nil, 1, c.cfg.TransErrors)
		if err != nil {
			if full.head != nil {
				c.qtds.putRing(full.head)
			}
			return err
		}
		full.extend(r)
	}

	if full.head == nil {
		return fmt.Errorf("ehci: transfer produced no descriptors")
	}

	for cur := full.head; ; cur = cur.next {
		link(cur, cur.next)
		cur.qh = q
		if cur.next == full.head {
			break
		}
	}

	infl := &inflight{t: t, p: p, qh: q, qtds: full.head, size: t.Size()}
	t.HCDPriv = infl

	c.transMu.Lock()
	c.addTransfer(infl)
	c.async.enqueue(q, full.head, full.tail)
	c.transMu.Unlock()

	pkg.LogDebug(pkg.ComponentEHCI, "transfer enqueued", "type", p.Type.String(), "size", t.Size())
	return nil
}

// pipeQueueHead returns the queue head backing p, allocating and
// configuring a new one on the pipe's first transfer.
func (c *Controller) pipeQueueHead(p *hcd.Pipe) (*qh, bool, error) {
	if p.HCDPriv != nil {
		q := p.HCDPriv.(*qh)
		if q.deviceAddress() != p.Device.Address {
			q.setDeviceAddress(p.Device.Address)
		}
		if q.maxPacketSize() != p.MaxPacketSize {
			q.setMaxPacketSize(p.MaxPacketSize)
		}
		return q, false, nil
	}

	q, err := c.qhs.get()
	if err != nil {
		return nil, false, fmt.Errorf("ehci: allocate queue head: %w", err)
	}
	q.configure(p, c.cfg.TransErrors)
	p.HCDPriv = q
	return q, true, nil
}

// TransferDequeue implements hcd.Ops. It is idempotent: a transfer with
// no HCDPriv (already finished, or never enqueued) is a no-op.
func (c *Controller) TransferDequeue(t *hcd.Transfer) {
	infl, ok := t.HCDPriv.(*inflight)
	if !ok || infl == nil {
		return
	}
	deactivateRing(infl.qtds)

	c.transMu.Lock()
	c.reap()
	c.transMu.Unlock()
}

// PipeDestroy implements hcd.Ops.
func (c *Controller) PipeDestroy(p *hcd.Pipe) {
	q, ok := p.HCDPriv.(*qh)
	if !ok || q == nil {
		return
	}

	if p.Type == hcd.TransferBulk || p.Type == hcd.TransferControl {
		if err := c.async.unlink(q); err != nil {
			pkg.LogError(pkg.ComponentEHCI, "failed to unlink queue head on pipe destroy", "err", err)
		}
	} else {
		c.periodic.unlink(q)
	}

	c.transMu.Lock()
	if c.transfers != nil {
		for cur, start := c.transfers, c.transfers; ; {
			if cur.qh == q {
				deactivateRing(cur.qtds)
			}
			cur = cur.next
			if cur == start {
				break
			}
		}
		c.reap()
	}
	c.transMu.Unlock()

	p.HCDPriv = nil
	c.qhs.put(q)
}
