package ehci

import "sync"

// fakeMMIO is an in-process register file standing in for real controller
// hardware. It models just enough coupling between USBCMD and USBSTS for
// the driver's start/stop spin loops to converge without real silicon:
// setting RS clears HCH, setting ASE/PSE sets AS/PSS and vice versa, and
// HCRESET self-clears immediately since nothing else would ever clear it
// in a fake.
type fakeMMIO struct {
	mu   sync.Mutex
	regs map[uintptr]uint32
}

func newFakeMMIO(embedded bool) *fakeMMIO {
	f := &fakeMMIO{regs: make(map[uintptr]uint32)}
	f.regs[regHCCParams] = 0 // no 64-bit addressing support
	if !embedded {
		f.regs[regCapLength] = 0x10
	}
	f.regs[opOffset(f, regUSBSts)] = stsHCH
	return f
}

// opOffset mirrors regs.opBase's computation without requiring a regs
// value, since the fake is constructed before one exists.
func opOffset(f *fakeMMIO, offset uintptr) uintptr {
	if base, ok := f.regs[regCapLength]; ok {
		return uintptr(byte(base)) + offset
	}
	return offset
}

func (f *fakeMMIO) read32(offset uintptr) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.regs[offset]
}

func (f *fakeMMIO) write32(offset uintptr, value uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()

	stsOff := opOffset(f, regUSBSts)
	cmdOff := opOffset(f, regUSBCmd)

	switch offset {
	case cmdOff:
		f.regs[cmdOff] = value
		sts := f.regs[stsOff]
		if value&cmdRun != 0 {
			sts &^= stsHCH
		} else {
			sts |= stsHCH
		}
		if value&cmdASE != 0 {
			sts |= stsAS
		} else {
			sts &^= stsAS
		}
		if value&cmdPSE != 0 {
			sts |= stsPSS
		} else {
			sts &^= stsPSS
		}
		if value&cmdHCReset != 0 {
			// A fake has nothing downstream to clear HCRESET, so it
			// self-clears as if reset completed instantly.
			f.regs[cmdOff] &^= cmdHCReset
		}
		f.regs[stsOff] = sts
	default:
		f.regs[offset] = value
	}
}
