// Package ehci implements a host-controller driver for EHCI-compliant
// USB 2.0 controllers: register bring-up, the asynchronous and periodic
// descriptor schedules, qTD/QH pooling, and the interrupt-driven
// completion reaper. It satisfies github.com/ardnew/softusb/hcd.Ops and
// can additionally be driven through host/hal.HostHAL via the adapter in
// hal.go, so the HAL-agnostic host package can enumerate and transfer
// against real or emulated EHCI hardware the same way it would against
// any other HAL backend.
package ehci
