package ehci

// Capability-register byte offsets, relative to the controller's MMIO
// base address.
const (
	regCapLength  = 0x00 // byte 0: CAPLENGTH (8 bits) + HCIVERSION (16 bits, upper)
	regHCSParams  = 0x04 // HCSPARAMS: port count, companion controllers, port routing
	regHCCParams  = 0x08 // HCCPARAMS: 64-bit addressing, programmable frame list flag
)

// Operational-register byte offsets, relative to the operational base
// (base + CAPLENGTH). On the embedded (EHCI_IMX) variant the capability
// registers are absent from the mapped region and the operational base
// equals the controller base.
const (
	regUSBCmd           = 0x00
	regUSBSts           = 0x04
	regUSBIntr          = 0x08
	regFrIndex          = 0x0c
	regCtrlDSSegment    = 0x10
	regPeriodicListBase = 0x14
	regAsyncListAddr    = 0x18
	regConfigFlag       = 0x40
	regPortSC0          = 0x44

	// regUSBMode is only meaningful on the embedded variant, which wires
	// host/device mode selection into the operational register block
	// rather than exposing it elsewhere.
	regUSBMode = 0xa8
)

// USBCMD bits.
const (
	cmdRun        uint32 = 1 << 0 // RS: run/stop
	cmdHCReset    uint32 = 1 << 1 // HCRESET
	cmdFrameSize0 uint32 = 1 << 2 // frame list size, low bit
	cmdFrameSize1 uint32 = 1 << 3 // frame list size, high bit
	cmdPSE        uint32 = 1 << 4 // periodic schedule enable
	cmdASE        uint32 = 1 << 5 // asynchronous schedule enable
	cmdIAA        uint32 = 1 << 6 // interrupt on async advance doorbell
	cmdLReset     uint32 = 1 << 7 // light host controller reset (embedded deviation)
)

// cmdFrameSize128 selects a 128-element periodic frame list (the embedded
// variant's EHCI_PERIODIC_SIZE) by setting both frame-size bits.
const cmdFrameSize128 = cmdFrameSize0 | cmdFrameSize1

// USBSTS bits.
const (
	stsUI  uint32 = 1 << 0  // USB interrupt: a qTD retired with IOC set and no error
	stsUEI uint32 = 1 << 1  // USB error interrupt: a qTD retired with an error status
	stsPCI uint32 = 1 << 2  // port change detect
	stsFRI uint32 = 1 << 3  // frame list rollover
	stsSEI uint32 = 1 << 4  // host system error: unrecoverable, controller halts
	stsIAA uint32 = 1 << 5  // interrupt on async advance
	stsHCH uint32 = 1 << 12 // host controller halted
	stsPSS uint32 = 1 << 14 // periodic schedule status (hardware's view of PSE)
	stsAS  uint32 = 1 << 15 // asynchronous schedule status (hardware's view of ASE)
)

// intrEnableMask is written to USBINTR during Init. It matches ehci_init
// exactly: only UI, UEI and SEI are ever unmasked as real interrupt
// sources. IAA and PCI are left masked, same as the original driver.
const intrEnableMask = stsUI | stsUEI | stsSEI

// intrMask is the set of USBSTS bits the ISR top half clears-by-writing-back
// and the worker inspects. It is wider than intrEnableMask: USBSTS reflects
// live hardware status regardless of what USBINTR unmasks, and the top half
// still has to drain PCI and IAA so they don't wedge a later read, even
// though neither can assert the interrupt line on its own. FRI is not part
// of the mask, so a rollover alone never wakes the worker; the top half
// still acks FRI in the same write-back as these bits.
const intrMask = stsUI | stsUEI | stsSEI | stsPCI | stsIAA

// PORTSC bits (per-port status and control, one 32-bit register per port
// starting at regPortSC0).
const (
	portCCS   uint32 = 1 << 0  // current connect status
	portCSC   uint32 = 1 << 1  // connect status change
	portPED   uint32 = 1 << 2  // port enabled/disabled
	portPEC   uint32 = 1 << 3  // port enable/disable change
	portOCA   uint32 = 1 << 4  // over-current active
	portOCC   uint32 = 1 << 5  // over-current change
	portReset uint32 = 1 << 8  // port reset
	portPower uint32 = 1 << 12 // port power
	portOwner uint32 = 1 << 13 // port owner, ceded to a companion controller
)

// HCCPARAMS bits.
const (
	hccParams64Bit uint32 = 1 << 0 // controller supports 64-bit data structures
)

// usbModeHost is the USBMODE.CM (controller mode) field value selecting
// host-controller mode on the embedded variant; device and idle modes are
// not used by this driver.
const usbModeHost uint32 = 3

// mmio is the register-access seam a Controller is built against. A real
// controller is backed by mmioRegion (mapped physical memory via
// golang.org/x/sys/unix); tests are backed by fakeMMIO.
type mmio interface {
	read32(offset uintptr) uint32
	write32(offset uintptr, value uint32)
}

// regs is a typed view over a controller's capability and operational
// register block. opBase is the byte offset of the operational registers
// within m, which is either read from CAPLENGTH (standard layout) or fixed
// at 0 (embedded layout, where CAPLENGTH does not exist).
type regs struct {
	m      mmio
	opBase uintptr
}

func newRegs(m mmio, embedded bool) regs {
	r := regs{m: m}
	if embedded {
		r.opBase = 0
		return r
	}
	r.opBase = uintptr(byte(m.read32(regCapLength)))
	return r
}

func (r regs) capLength() uint8  { return byte(r.m.read32(regCapLength)) }
func (r regs) hccParams() uint32 { return r.m.read32(regHCCParams) }

func (r regs) cmd() uint32          { return r.m.read32(r.opBase + regUSBCmd) }
func (r regs) setCmd(v uint32)      { r.m.write32(r.opBase+regUSBCmd, v) }
func (r regs) sts() uint32          { return r.m.read32(r.opBase + regUSBSts) }
func (r regs) setSts(v uint32)      { r.m.write32(r.opBase+regUSBSts, v) }
func (r regs) setIntr(v uint32)     { r.m.write32(r.opBase+regUSBIntr, v) }
func (r regs) frIndex() uint32      { return r.m.read32(r.opBase + regFrIndex) }
func (r regs) setCtrlDSSeg(v uint32) { r.m.write32(r.opBase+regCtrlDSSegment, v) }
func (r regs) setPeriodicBase(v uint32) {
	r.m.write32(r.opBase+regPeriodicListBase, v)
}
func (r regs) setAsyncAddr(v uint32) { r.m.write32(r.opBase+regAsyncListAddr, v) }
func (r regs) asyncAddr() uint32     { return r.m.read32(r.opBase + regAsyncListAddr) }
func (r regs) setConfigFlag(v uint32) {
	r.m.write32(r.opBase+regConfigFlag, v)
}
func (r regs) setMode(v uint32) { r.m.write32(r.opBase+regUSBMode, v) }

// portSC and setPortSC address the per-port PORTSC registers, indexed from
// 0. Writing back a value read from portSC acks whatever of CSC/PEC/OCC was
// set: those three bits clear on a write of 1, and every other PORTSC bit
// either reads back unchanged (the line-status and port-speed fields are
// read-only) or is simply rewritten to the value it already held.
func (r regs) portSC(port int) uint32       { return r.m.read32(r.opBase + regPortSC0 + uintptr(port)*4) }
func (r regs) setPortSC(port int, v uint32) { r.m.write32(r.opBase+regPortSC0+uintptr(port)*4, v) }

// setCmdBits and clearCmdBits perform a read-modify-write of USBCMD,
// matching the original driver's `*(opbase + usbcmd) |= x` /
// `&= ~x` idiom, followed by the barrier every command write requires
// before the caller may poll USBSTS for the effect to land.
func (r regs) setCmdBits(bits uint32) {
	r.setCmd(r.cmd() | bits)
	dmb()
}

func (r regs) clearCmdBits(bits uint32) {
	r.setCmd(r.cmd() &^ bits)
	dmb()
}
