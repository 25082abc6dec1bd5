// Package hcd defines the generic host-controller-driver contract consumed
// by concrete controller implementations such as [github.com/ardnew/softusb/hcd/ehci].
//
// It mirrors the boundary between a platform-independent USB stack and a
// specific host-controller driver: the [Transfer], [Pipe] and [Device] types
// describe what the stack hands to a driver, [Ops] is the vtable a driver
// registers, and [Roothub] is the minimal collaborator a driver dispatches
// roothub-addressed transfers to.
package hcd
