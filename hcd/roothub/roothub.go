// Package roothub implements a minimal, software-only USB roothub good
// enough to drive a host-controller driver's async/periodic paths without
// real hardware: port state, the standard hub-class requests a driver's
// Ops.TransferEnqueue forwards to it, and a status-change interrupt pipe.
//
// A driver only ever needs the interface it consumes from a roothub
// ([github.com/ardnew/softusb/hcd.Roothub]); this package is one concrete
// implementation of it. A production system would back that interface
// with real port-status registers instead; this package exists so the
// EHCI core can be exercised end to end in tests and in a non-hardware
// harness.
package roothub

import (
	"encoding/binary"
	"sync"

	"github.com/ardnew/softusb/hcd"
	"github.com/ardnew/softusb/pkg"
)

// Port status-change bits (USB 2.0 Table 11-21, trimmed to what this
// emulator tracks).
const (
	PortConnection    = 1 << 0
	PortEnable        = 1 << 1
	PortSuspend       = 1 << 2
	PortOverCurrent   = 1 << 3
	PortReset         = 1 << 4
	PortPower         = 1 << 8
	ConnectionChange  = 1 << 16
	EnableChange      = 1 << 17
	OverCurrentChange = 1 << 19
	ResetChange       = 1 << 20
)

// Standard hub/port feature selectors (USB 2.0 Table 11-17).
const (
	featureConnection   = 0
	featureEnable       = 1
	featureSuspend      = 2
	featureOverCurrent  = 3
	featureReset        = 4
	featurePower        = 8
	featureConnChange   = 16
	featureEnableChange = 17
	featureOverCurrentChange = 19
	featureResetChange       = 20
)

// Standard request codes relevant to hub/port class requests.
const (
	reqGetStatus    = 0
	reqClearFeature = 1
	reqSetFeature   = 3
)

// port holds one emulated roothub port's state.
type port struct {
	status uint32
	change uint32
}

// Hub is a software roothub. The zero value is not usable; construct with
// New.
type Hub struct {
	mu    sync.Mutex
	ports []port

	device *hcd.Device

	pending *hcd.Transfer

	connectCh    chan int
	disconnectCh chan int
}

// New creates a roothub with the given number of ports, all initially
// powered and disconnected.
func New(numPorts int) *Hub {
	h := &Hub{
		ports:        make([]port, numPorts),
		device:       &hcd.Device{Roothub: true},
		connectCh:    make(chan int, numPorts),
		disconnectCh: make(chan int, numPorts),
	}
	for i := range h.ports {
		h.ports[i].status = PortPower
	}
	return h
}

// Connections delivers a port number each time Plug records a new
// connection. HAL.WaitForConnection blocks on this directly rather than
// polling port state.
func (h *Hub) Connections() <-chan int { return h.connectCh }

// Disconnections delivers a port number each time Unplug records a
// disconnection. See Connections.
func (h *Hub) Disconnections() <-chan int { return h.disconnectCh }

// Device returns the virtual device representing this roothub, for use as
// the owning Device of a Pipe addressed to it.
func (h *Hub) Device() *hcd.Device { return h.device }

// NumPorts returns the number of emulated ports.
func (h *Hub) NumPorts() int { return len(h.ports) }

// Plug marks a port as connected at the given speed and raises its
// connection-change bit.
func (h *Hub) Plug(port int, speed hcd.Speed) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if port < 1 || port > len(h.ports) {
		return
	}
	p := &h.ports[port-1]
	p.status |= PortConnection
	// bits 9-10 encode low/full/high speed: bit 9 low, bit 10 high,
	// neither for full.
	switch speed {
	case hcd.SpeedLow:
		p.status |= 1 << 9
	case hcd.SpeedHigh:
		p.status |= 1 << 10
	}
	p.change |= ConnectionChange
	select {
	case h.connectCh <- port:
	default:
	}
}

// Unplug marks a port as disconnected and raises its connection-change
// bit.
func (h *Hub) Unplug(port int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if port < 1 || port > len(h.ports) {
		return
	}
	p := &h.ports[port-1]
	p.status &^= PortConnection | PortEnable
	p.change |= ConnectionChange
	select {
	case h.disconnectCh <- port:
	default:
	}
}

// IsRoothub implements hcd.Roothub.
func (h *Hub) IsRoothub(dev *hcd.Device) bool {
	return dev != nil && dev == h.device
}

// PortStatusChanged implements hcd.Roothub. It completes the pending
// status-change transfer, if one is registered and not already finished.
func (h *Hub) PortStatusChanged() {
	h.mu.Lock()
	t := h.pending
	h.mu.Unlock()

	if t == nil || !t.Pending() {
		return
	}

	status := h.changeBitmap()
	if status == 0 {
		return
	}

	n := copy(t.Buffer, h.marshalChangeBitmap(status))
	t.Finish(n)
	pkg.LogDebug(pkg.ComponentHost, "roothub status change delivered", "bitmap", status)
}

// changeBitmap returns one bit per port that has a pending change,
// matching the hub status-change endpoint's report format (bit 0 reserved
// for the hub itself, bits 1..N for ports).
func (h *Hub) changeBitmap() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	var bitmap uint32
	for i, p := range h.ports {
		if p.change != 0 {
			bitmap |= 1 << uint(i+1)
		}
	}
	return bitmap
}

func (h *Hub) marshalChangeBitmap(bitmap uint32) []byte {
	n := (len(h.ports) + 8) / 8
	if n < 1 {
		n = 1
	}
	buf := make([]byte, n)
	for i := 0; i < n; i++ {
		buf[i] = byte(bitmap >> (8 * i))
	}
	return buf
}

// Dispatch implements hcd.Roothub. It handles GET_STATUS/SET_FEATURE/
// CLEAR_FEATURE for ports and registers interrupt transfers as the pending
// status-change pipe.
func (h *Hub) Dispatch(dev *hcd.Device, t *hcd.Transfer) error {
	if t.Type == hcd.TransferInterrupt {
		h.mu.Lock()
		h.pending = t
		h.mu.Unlock()
		return nil
	}

	if t.Setup == nil {
		t.Finish(-1)
		return nil
	}

	switch t.Setup.Request {
	case reqGetStatus:
		portNum := int(t.Setup.Index)
		h.mu.Lock()
		var p port
		if portNum >= 1 && portNum <= len(h.ports) {
			p = h.ports[portNum-1]
		}
		h.mu.Unlock()
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint16(buf[0:2], uint16(p.status))
		binary.LittleEndian.PutUint16(buf[2:4], uint16(p.change>>16))
		n := copy(t.Buffer, buf)
		t.Finish(n)

	case reqSetFeature:
		h.setPortFeature(int(t.Setup.Index), t.Setup.Value, true)
		t.Finish(0)

	case reqClearFeature:
		h.setPortFeature(int(t.Setup.Index), t.Setup.Value, false)
		t.Finish(0)

	default:
		t.Finish(-1)
	}
	return nil
}

func (h *Hub) setPortFeature(portNum int, feature uint16, set bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if portNum < 1 || portNum > len(h.ports) {
		return
	}
	p := &h.ports[portNum-1]

	bit := func(status, change uint32) {
		if set {
			p.status |= status
		} else {
			p.status &^= status
			p.change |= change
		}
	}

	switch feature {
	case featureEnable:
		bit(PortEnable, EnableChange)
	case featureSuspend:
		bit(PortSuspend, 0)
	case featureReset:
		if set {
			p.status |= PortReset
			p.status &^= PortReset
			p.status |= PortEnable
			p.change |= ResetChange
		}
	case featurePower:
		bit(PortPower, 0)
	case featureConnChange:
		if !set {
			p.change &^= ConnectionChange
		}
	case featureEnableChange:
		if !set {
			p.change &^= EnableChange
		}
	case featureResetChange:
		if !set {
			p.change &^= ResetChange
		}
	case featureOverCurrentChange:
		if !set {
			p.change &^= OverCurrentChange
		}
	}
}

// Status returns the raw status bitmap an Ops.RoothubStatus implementation
// can pass through: one bit per port with a pending change.
func (h *Hub) Status() uint32 {
	return h.changeBitmap()
}
