package ehci

import (
	"context"
	"fmt"

	"github.com/ardnew/softusb/hcd"
	"github.com/ardnew/softusb/hcd/roothub"
	"github.com/ardnew/softusb/host/hal"
	"github.com/ardnew/softusb/pkg"
)

// HAL adapts a Controller to host/hal.HostHAL, letting the HAL-agnostic
// host package (enumeration, device state machine, address allocation)
// drive this EHCI implementation exactly as it would drive a Linux usbfs
// or any other HAL backend.
type HAL struct {
	ctrl *Controller
	hub  *roothub.Hub

	pipes map[pipeKey]*hcd.Pipe
}

type pipeKey struct {
	addr hal.DeviceAddress
	ep   uint8
	dir  hcd.Direction
}

// NewHAL constructs a HAL-conformant wrapper around ctrl, backed by an
// in-process software roothub with numPorts ports.
func NewHAL(ctrl *Controller, numPorts int) *HAL {
	hub := roothub.New(numPorts)
	ctrl.cfg.NumPorts = numPorts
	return &HAL{ctrl: ctrl, hub: hub, pipes: make(map[pipeKey]*hcd.Pipe)}
}

func (h *HAL) Init(ctx context.Context) error {
	h.ctrl.rh = h.hub
	return h.ctrl.Init(ctx)
}

func (h *HAL) Start() error { return nil }
func (h *HAL) Stop() error  { return nil }
func (h *HAL) Close() error { return h.ctrl.Close() }

func (h *HAL) NumPorts() int { return h.hub.NumPorts() }

func (h *HAL) GetPortStatus(port int) (hal.PortStatus, error) {
	status := h.hub.Status()
	changed := status&(uint32(1)<<uint(port)) != 0
	return hal.PortStatus{ConnectChange: changed}, nil
}

func (h *HAL) PortSpeed(port int) hal.Speed { return hal.SpeedHigh }

func (h *HAL) ResetPort(port int) error { return nil }

func (h *HAL) EnablePort(port int, enable bool) error { return nil }

func (h *HAL) ControlTransfer(ctx context.Context, addr hal.DeviceAddress, setup *hal.SetupPacket, data []byte) (int, error) {
	p := h.pipeFor(addr, 0, hcd.DirectionOut, hcd.TransferControl, 64)
	t := &hcd.Transfer{
		Type:      hcd.TransferControl,
		Direction: directionOf(setup),
		Setup: &hcd.SetupPacket{
			RequestType: setup.RequestType,
			Request:     setup.Request,
			Value:       setup.Value,
			Index:       setup.Index,
			Length:      setup.Length,
		},
		Buffer: data,
	}
	return h.run(ctx, t, p)
}

func (h *HAL) BulkTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	p := h.pipeFor(addr, endpoint&0x0f, dirOf(endpoint), hcd.TransferBulk, 512)
	t := &hcd.Transfer{Type: hcd.TransferBulk, Direction: dirOf(endpoint), Buffer: data}
	return h.run(ctx, t, p)
}

func (h *HAL) InterruptTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	p := h.pipeFor(addr, endpoint&0x0f, dirOf(endpoint), hcd.TransferInterrupt, 64)
	t := &hcd.Transfer{Type: hcd.TransferInterrupt, Direction: dirOf(endpoint), Buffer: data}
	return h.run(ctx, t, p)
}

func (h *HAL) IsochronousTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	return 0, fmt.Errorf("ehci: isochronous transfers: %w", pkg.ErrNotSupported)
}

func (h *HAL) SetDeviceAddress(ctx context.Context, newAddr hal.DeviceAddress) error {
	return nil
}

func (h *HAL) ClaimInterface(addr hal.DeviceAddress, iface uint8) error   { return nil }
func (h *HAL) ReleaseInterface(addr hal.DeviceAddress, iface uint8) error { return nil }

func (h *HAL) WaitForConnection(ctx context.Context) (int, error) {
	select {
	case port := <-h.hub.Connections():
		return port, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (h *HAL) WaitForDisconnection(ctx context.Context) (int, error) {
	select {
	case port := <-h.hub.Disconnections():
		return port, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (h *HAL) pipeFor(addr hal.DeviceAddress, ep uint8, dir hcd.Direction, typ hcd.TransferType, maxPacket uint16) *hcd.Pipe {
	key := pipeKey{addr: addr, ep: ep, dir: dir}
	if p, ok := h.pipes[key]; ok {
		return p
	}
	p := &hcd.Pipe{
		Device:        &hcd.Device{Address: uint8(addr), Speed: hcd.SpeedHigh},
		Number:        ep,
		Type:          typ,
		MaxPacketSize: maxPacket,
	}
	h.pipes[key] = p
	return p
}

func (h *HAL) run(ctx context.Context, t *hcd.Transfer, p *hcd.Pipe) (int, error) {
	done := make(chan int, 1)
	t.OnComplete(func(status int) { done <- status })

	if err := h.ctrl.TransferEnqueue(t, p); err != nil {
		return 0, err
	}

	select {
	case status := <-done:
		if status < 0 {
			return 0, fmt.Errorf("ehci: transfer failed: %w", pkg.ErrProtocol)
		}
		return status, nil
	case <-ctx.Done():
		h.ctrl.TransferDequeue(t)
		<-done
		return 0, ctx.Err()
	}
}

func dirOf(endpoint uint8) hcd.Direction {
	if endpoint&0x80 != 0 {
		return hcd.DirectionIn
	}
	return hcd.DirectionOut
}

func directionOf(setup *hal.SetupPacket) hcd.Direction {
	if setup.RequestType&0x80 != 0 {
		return hcd.DirectionIn
	}
	return hcd.DirectionOut
}
