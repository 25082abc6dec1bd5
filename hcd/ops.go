package hcd

import "context"

// Ops is the vtable a host-controller driver registers with the generic
// USB stack via Register. It is the sole polymorphic surface between the
// stack and a driver: a capability record of function values, not an
// inheritance hierarchy.
type Ops interface {
	// Name identifies the driver implementation, e.g. "ehci".
	Name() string

	// Init brings the controller up. It returns an error if the
	// controller could not be initialized, for example an invalid
	// configuration or a descriptor-pool allocation failure.
	Init(ctx context.Context) error

	// TransferEnqueue submits a transfer against a pipe. It returns a
	// non-nil error only for failures detected synchronously at
	// submission time (allocation failure, a transfer with no data to
	// move); asynchronous completion is always reported through
	// Transfer.Finish.
	TransferEnqueue(t *Transfer, p *Pipe) error

	// TransferDequeue cancels a transfer in place. It is idempotent and
	// does not block waiting for hardware to retire in-flight DMA; the
	// transfer's completion callback still fires once the reaper observes
	// it, with the byte count transferred before cancellation.
	TransferDequeue(t *Transfer)

	// PipeDestroy tears down a pipe: unlinks its schedule entry,
	// cancels any transfers still in flight on it, and releases its
	// driver-private state.
	PipeDestroy(p *Pipe)

	// RoothubStatus returns the current status bitmap of the
	// controller's roothub.
	RoothubStatus() uint32

	// Close tears the controller down, stopping its schedules and the
	// interrupt worker. After Close returns, the driver must not be used
	// again.
	Close() error
}
