package hcd

// Roothub is the minimal collaborator a host-controller driver dispatches
// roothub-addressed transfers to. A concrete implementation (see package
// hcd/roothub) owns port state, standard hub-class request handling, and
// the roothub's status-change interrupt pipe.
type Roothub interface {
	// IsRoothub reports whether dev is the virtual device representing
	// the controller's own roothub.
	IsRoothub(dev *Device) bool

	// Dispatch handles a transfer addressed to the roothub device.
	// Control requests complete synchronously via t.Finish; an interrupt
	// transfer is held as the pending status-change transfer and
	// completed later by PortStatusChanged.
	Dispatch(dev *Device, t *Transfer) error

	// PortStatusChanged is invoked by the driver's interrupt worker when
	// USBSTS.PCI is observed, so the roothub can complete its pending
	// status-change transfer, if any.
	PortStatusChanged()
}
