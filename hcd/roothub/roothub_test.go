package roothub

import (
	"testing"

	"github.com/ardnew/softusb/hcd"
)

func TestPlugSetsConnectionAndDeliversNotification(t *testing.T) {
	h := New(2)

	h.Plug(1, hcd.SpeedHigh)

	if h.changeBitmap()&(1<<1) == 0 {
		t.Error("expected port 1's change bit set after Plug")
	}

	select {
	case port := <-h.Connections():
		if port != 1 {
			t.Errorf("port = %d, want 1", port)
		}
	default:
		t.Fatal("expected a connection notification")
	}
}

func TestUnplugClearsConnectionAndDeliversNotification(t *testing.T) {
	h := New(1)
	h.Plug(1, hcd.SpeedFull)
	<-h.Connections()

	h.Unplug(1)

	h.mu.Lock()
	status := h.ports[0].status
	h.mu.Unlock()
	if status&PortConnection != 0 {
		t.Error("expected PortConnection cleared after Unplug")
	}

	select {
	case port := <-h.Disconnections():
		if port != 1 {
			t.Errorf("port = %d, want 1", port)
		}
	default:
		t.Fatal("expected a disconnection notification")
	}
}

func TestPlugUnplugOutOfRangeIsNoop(t *testing.T) {
	h := New(1)
	h.Plug(0, hcd.SpeedHigh)
	h.Plug(2, hcd.SpeedHigh)
	h.Unplug(0)
	h.Unplug(2)

	select {
	case port := <-h.Connections():
		t.Fatalf("unexpected connection notification for port %d", port)
	default:
	}
}

func TestDispatchGetStatusReturnsPortState(t *testing.T) {
	h := New(1)
	h.Plug(1, hcd.SpeedHigh)

	buf := make([]byte, 4)
	tr := &hcd.Transfer{
		Setup:  &hcd.SetupPacket{Request: reqGetStatus, Index: 1},
		Buffer: buf,
	}
	done := make(chan int, 1)
	tr.OnComplete(func(status int) { done <- status })

	if err := h.Dispatch(h.Device(), tr); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if n := <-done; n != 4 {
		t.Fatalf("Finish called with n=%d, want 4", n)
	}
	if buf[0]&PortConnection == 0 {
		t.Error("GET_STATUS response missing PortConnection bit")
	}
}

func TestDispatchRegistersInterruptTransferAsPending(t *testing.T) {
	h := New(1)

	tr := &hcd.Transfer{Type: hcd.TransferInterrupt, Buffer: make([]byte, 1)}
	done := make(chan int, 1)
	tr.OnComplete(func(status int) { done <- status })

	if err := h.Dispatch(h.Device(), tr); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	select {
	case <-done:
		t.Fatal("interrupt transfer finished before any port change")
	default:
	}

	h.Plug(1, hcd.SpeedHigh)
	h.PortStatusChanged()

	n := <-done
	if n != 1 {
		t.Fatalf("status-change delivery length = %d, want 1", n)
	}
}

func TestSetFeatureResetEnablesPort(t *testing.T) {
	h := New(1)

	h.setPortFeature(1, featureReset, true)

	h.mu.Lock()
	p := h.ports[0]
	h.mu.Unlock()
	if p.status&PortEnable == 0 {
		t.Error("expected PortEnable set after a reset feature request")
	}
	if p.change&ResetChange == 0 {
		t.Error("expected ResetChange raised after a reset feature request")
	}
}

func TestClearFeatureConnChangeClearsChangeBit(t *testing.T) {
	h := New(1)
	h.Plug(1, hcd.SpeedHigh)

	h.setPortFeature(1, featureConnChange, false)

	h.mu.Lock()
	change := h.ports[0].change
	h.mu.Unlock()
	if change&ConnectionChange != 0 {
		t.Error("expected ConnectionChange cleared by CLEAR_FEATURE")
	}
}

func TestIsRoothubIdentifiesOwnDevice(t *testing.T) {
	h := New(1)
	other := &hcd.Device{}

	if !h.IsRoothub(h.Device()) {
		t.Error("expected IsRoothub true for the hub's own device")
	}
	if h.IsRoothub(other) {
		t.Error("expected IsRoothub false for an unrelated device")
	}
	if h.IsRoothub(nil) {
		t.Error("expected IsRoothub false for nil")
	}
}
