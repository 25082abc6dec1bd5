package ehci

// Config holds the build-time knobs the original driver expressed as
// preprocessor macros (EHCI_PERIODIC_SIZE, EHCI_PRIO, EHCI_MAX_QTD_POOL,
// EHCI_MAX_QH_POOL, EHCI_QH_NBUFS, EHCI_PAGE_SIZE, EHCI_TRANS_ERRORS,
// EHCI_IMX).
type Config struct {
	// PeriodicSize is the number of slots in the periodic frame list: 128
	// on the embedded target, 1024 otherwise.
	PeriodicSize int

	// WorkerPriority is the best-effort OS thread priority requested for
	// the interrupt bottom-half worker.
	WorkerPriority int

	// MaxQTDPool and MaxQHPool cap the free-list size of each descriptor
	// pool; surplus descriptors are destroyed rather than retained.
	MaxQTDPool int
	MaxQHPool  int

	// TransErrors is the error-retry count programmed into every qTD's
	// token (EHCI_TRANS_ERRORS, bits 10-11, max 3).
	TransErrors uint32

	// Embedded selects the embedded register-layout and bring-up
	// variant (EHCI_IMX): fixed operational-register base, host-mode
	// register write, and frame-list-size command bits.
	Embedded bool

	// NumPorts is the number of root-hub ports scanPorts polls on a port
	// change interrupt. NewHAL overwrites this with the port count it
	// was constructed with, so callers driving a Controller directly
	// through Ops rather than through HAL are the only ones that need to
	// set it explicitly.
	NumPorts int
}

// QHNBufs is the fixed number of buffer-pointer pages in a qTD and a QH
// overlay (EHCI_QH_NBUFS), per the EHCI specification.
const QHNBufs = 5

// PageSize is the DMA page size assumed for qTD buffer-pointer fragmentation
// (EHCI_PAGE_SIZE).
const PageSize = 4096

// DefaultConfig returns the non-embedded configuration: a 1024-entry
// periodic list and generous descriptor pool caps.
func DefaultConfig() Config {
	return Config{
		PeriodicSize:   1024,
		WorkerPriority: 2,
		MaxQTDPool:     64,
		MaxQHPool:      32,
		TransErrors:    3,
		Embedded:       false,
		NumPorts:       1,
	}
}

// IMXConfig returns the embedded (EHCI_IMX) configuration: a 128-entry
// periodic list and the fixed operational-register base/host-mode bring-up
// path.
func IMXConfig() Config {
	c := DefaultConfig()
	c.PeriodicSize = 128
	c.Embedded = true
	return c
}
