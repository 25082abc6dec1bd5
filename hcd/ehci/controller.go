package ehci

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ardnew/softusb/hcd"
	"github.com/ardnew/softusb/pkg"
	"golang.org/x/sys/unix"
)

// inflight tracks one in-progress hcd.Transfer's qTD ring, kept in a
// circular doubly linked list mirroring the original driver's
// hcd->transfers list (LIST_ADD/LIST_REMOVE over usb_transfer_t).
type inflight struct {
	t    *hcd.Transfer
	p    *hcd.Pipe
	qh   *qh
	qtds *qtd // head of the circular qTD ring this transfer owns
	size int

	next *inflight
	prev *inflight
}

// Controller is one EHCI host-controller instance: register access,
// descriptor pools, the two schedules, and the bookkeeping the interrupt
// path and client-facing Ops methods share.
type Controller struct {
	cfg   Config
	m     mmio
	regs  regs
	alloc dmaAllocator
	rh    hcd.Roothub

	qtds *qtdPool
	qhs  *qhPool

	async    *asyncList
	periodic *periodicList

	// transMu is the outer transfer lock (hcd->transLock). Lock ordering:
	// a caller holding transMu may acquire async.mu or periodic.mu, but
	// never the reverse.
	transMu   sync.Mutex
	transfers *inflight

	irqMu     sync.Mutex
	irqCond   *sync.Cond
	status    uint32
	closed    bool
	workerHup chan struct{}
}

// New wires a Controller against the given register and DMA-allocator
// backends without touching hardware; call Init to run the bring-up
// sequence. Passing a nil Roothub is valid for tests that only exercise
// non-roothub pipes.
func New(cfg Config, m mmio, alloc dmaAllocator, rh hcd.Roothub) *Controller {
	c := &Controller{cfg: cfg, m: m, alloc: alloc, rh: rh}
	c.irqCond = sync.NewCond(&c.irqMu)
	c.qtds = newQTDPool(alloc, cfg.MaxQTDPool)
	c.qhs = newQHPool(alloc, cfg.MaxQHPool)
	c.workerHup = make(chan struct{})
	return c
}

// Name implements hcd.Ops.
func (c *Controller) Name() string { return "ehci" }

// Init implements hcd.Ops: it runs the controller bring-up sequence
// (ehci_init) and starts the interrupt bottom-half worker.
func (c *Controller) Init(ctx context.Context) error {
	c.regs = newRegs(c.m, c.cfg.Embedded)

	head, err := c.qhs.get()
	if err != nil {
		return fmt.Errorf("ehci: allocate async dummy queue head: %w", err)
	}
	c.async = newAsyncList(c.regs, head)

	c.periodic, err = newPeriodicList(c.alloc, c.regs, c.cfg.PeriodicSize)
	if err != nil {
		return fmt.Errorf("ehci: allocate periodic list: %w", err)
	}

	if !c.cfg.Embedded {
		// Hangs the controller on the embedded variant; only done when
		// the capability-register layout guarantees RUN starts clear.
		c.regs.clearCmdBits(cmdRun | cmdIAA)
		if err := spinUntil(func() bool { return c.regs.sts()&stsHCH != 0 }); err != nil {
			return fmt.Errorf("ehci: wait for halt before reset: %w", err)
		}
	}

	c.regs.setCmdBits(cmdHCReset)
	if err := spinUntil(func() bool { return c.regs.cmd()&cmdHCReset == 0 }); err != nil {
		return fmt.Errorf("ehci: controller reset did not complete: %w", err)
	}

	if c.cfg.Embedded {
		c.regs.setMode(usbModeHost)
	} else if c.regs.hccParams()&hccParams64Bit != 0 {
		c.regs.setCtrlDSSeg(0)
	}

	c.regs.setIntr(intrEnableMask)
	c.periodic.installed()

	if c.cfg.Embedded {
		c.regs.setCmdBits(cmdFrameSize128)
	}

	c.regs.clearCmdBits(cmdLReset | cmdASE)
	c.regs.setCmdBits(cmdPSE | cmdRun)
	if err := spinUntil(func() bool { return c.regs.sts()&stsHCH == 0 }); err != nil {
		return fmt.Errorf("ehci: controller did not leave halted state: %w", err)
	}

	c.regs.setConfigFlag(1)

	// Allow the hardware to catch up, matching the original driver's
	// unconditional 50ms settle delay after routing ports.
	time.Sleep(50 * time.Millisecond)

	if err := c.async.start(); err != nil {
		return fmt.Errorf("ehci: start asynchronous schedule: %w", err)
	}

	go c.worker(c.cfg.WorkerPriority)

	pkg.LogInfo(pkg.ComponentEHCI, "host controller initialized", "periodicSize", c.cfg.PeriodicSize, "embedded", c.cfg.Embedded)
	return nil
}

// worker is the interrupt bottom half (ehci_irqThread): it blocks on
// irqCond, latched by HandleIRQ, and runs the reaper and roothub
// notification for whatever status bits the top half observed.
func (c *Controller) worker(priority int) {
	if priority != 0 {
		if err := unix.Setpriority(unix.PRIO_PROCESS, 0, priority); err != nil {
			pkg.LogWarn(pkg.ComponentIRQ, "failed to set worker priority", "err", err)
		}
	}

	c.irqMu.Lock()
	defer c.irqMu.Unlock()
	for {
		for c.status == 0 && !c.closed {
			c.irqCond.Wait()
		}
		if c.closed {
			close(c.workerHup)
			return
		}

		status := c.status
		c.status = 0
		c.irqMu.Unlock()
		c.handleStatus(status)
		c.irqMu.Lock()
	}
}

func (c *Controller) handleStatus(status uint32) {
	if status&stsSEI != 0 {
		pkg.LogError(pkg.ComponentEHCI, "host system error, controller halted", "err", pkg.ErrSystemError)
		return
	}

	if status&(stsUI|stsUEI) != 0 {
		c.transMu.Lock()
		c.reap()
		c.transMu.Unlock()
	}

	if status&stsPCI != 0 && c.rh != nil {
		c.scanPorts()
		c.rh.PortStatusChanged()
	}
}

// portNotifier is implemented by a Roothub that tracks real connect state
// rather than only serving class requests over the status-change pipe.
// *github.com/ardnew/softusb/hcd/roothub.Hub implements it.
type portNotifier interface {
	Plug(port int, speed hcd.Speed)
	Unplug(port int)
}

// scanPorts reads PORTSC for every root-hub port, acks a pending
// connect-status change by writing the register back unchanged, and tells
// the roothub about the transition so HAL.WaitForConnection and
// WaitForDisconnection can unblock (ehci_roothubReq's real counterpart:
// referenced but not defined in the provided ehci.c excerpt). Low- and
// full-speed devices are reported as high speed; a real hub would cede
// them to a companion controller instead, but this driver has no TT
// scheduling to service them either way.
func (c *Controller) scanPorts() {
	notifier, ok := c.rh.(portNotifier)
	if !ok {
		return
	}
	for i := 0; i < c.cfg.NumPorts; i++ {
		v := c.regs.portSC(i)
		if v&portCSC == 0 {
			continue
		}
		c.regs.setPortSC(i, v)
		if v&portCCS != 0 {
			notifier.Plug(i+1, hcd.SpeedHigh)
		} else {
			notifier.Unplug(i + 1)
		}
	}
}

// HandleIRQ is the interrupt top half (ehci_irqHandler). It latches
// USBSTS, writes back the interrupt bits so the controller can raise the
// next edge, and wakes the worker. It never touches descriptor memory, so
// it is safe to call directly from whatever mechanism the embedder uses
// to dispatch a real hardware interrupt (there is no portable way to
// register a Go function as an interrupt vector, so embedders own that
// wiring and call HandleIRQ from it).
func (c *Controller) HandleIRQ() bool {
	current := c.regs.sts()
	var handled uint32
	for {
		c.regs.setSts(current & (intrMask | stsFRI))
		handled |= current
		current = c.regs.sts()
		if current&intrMask == 0 {
			break
		}
	}

	if handled&intrMask == 0 {
		return false
	}

	c.irqMu.Lock()
	c.status |= handled
	c.irqMu.Unlock()
	c.irqCond.Signal()
	return true
}

// RoothubStatus implements hcd.Ops.
func (c *Controller) RoothubStatus() uint32 {
	if c.rh == nil {
		return 0
	}
	if hub, ok := c.rh.(interface{ Status() uint32 }); ok {
		return hub.Status()
	}
	return 0
}

// Close implements hcd.Ops: it stops both schedules, wakes and joins the
// worker, and unmaps the register window if it owns one. Descriptor pages
// (pooled, in flight, and the async dummy head) and the periodic frame
// list are not unmapped.
func (c *Controller) Close() error {
	c.irqMu.Lock()
	if c.closed {
		c.irqMu.Unlock()
		return nil
	}
	c.closed = true
	c.irqMu.Unlock()
	c.irqCond.Signal()
	<-c.workerHup

	if c.async != nil {
		if err := c.async.stop(); err != nil {
			pkg.LogWarn(pkg.ComponentEHCI, "async schedule did not stop cleanly on close", "err", err)
		}
	}
	c.regs.clearCmdBits(cmdRun | cmdPSE | cmdASE)

	if region, ok := c.m.(*mmioRegion); ok {
		return unmapMMIO(region)
	}
	return nil
}
