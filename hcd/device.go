package hcd

import "fmt"

// Speed identifies the negotiated USB signaling rate of a device, as
// reported by the roothub during enumeration.
type Speed uint8

// Speed values understood by this module. Split-transaction scheduling for
// Low/Full speed devices behind a High-Speed hub is not implemented.
const (
	SpeedLow  Speed = iota // 1.5 Mbit/s
	SpeedFull              // 12 Mbit/s
	SpeedHigh              // 480 Mbit/s
)

// String returns a human-readable speed name.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "low"
	case SpeedFull:
		return "full"
	case SpeedHigh:
		return "high"
	default:
		return fmt.Sprintf("speed(%d)", uint8(s))
	}
}

// Device carries the device metadata a host-controller driver needs to
// build and refresh queue heads: its assigned bus address and negotiated
// speed. The generic USB stack owns the Device's lifetime; the driver only
// reads it.
type Device struct {
	// Address is the device's current USB bus address (0 before
	// SET_ADDRESS completes).
	Address uint8

	// Speed is the device's negotiated connection speed.
	Speed Speed

	// Roothub is true for the virtual device representing the
	// controller's own roothub; transfers addressed to it bypass the
	// schedule entirely and are dispatched to a Roothub collaborator.
	Roothub bool
}
