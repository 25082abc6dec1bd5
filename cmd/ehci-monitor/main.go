//go:build linux

// Command ehci-monitor brings up an EHCI host controller mapped from
// physical memory, enumerates whatever is plugged into its roothub, and
// logs each device's identity as it connects and disconnects.
//
// It is the EHCI analogue of a usbfs device monitor: where a usbfs-backed
// monitor attaches to an existing kernel USB driver, this one drives the
// controller itself, register by register.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/ardnew/softusb/hcd"
	"github.com/ardnew/softusb/hcd/ehci"
	"github.com/ardnew/softusb/host"
	"github.com/ardnew/softusb/pkg"
	"github.com/ardnew/softusb/pkg/linux/usbid"
	"github.com/ardnew/softusb/pkg/prof"
)

const componentMonitor pkg.Component = "monitor"

var (
	verbose      = flag.Bool("v", false, "Enable verbose logging")
	jsonOut      = flag.Bool("json", false, "Output logs as JSON")
	devMemPath   = flag.String("dev-mem", "/dev/mem", "Path to the physical-memory device file")
	mmioBaseHex  = flag.String("mmio-base", "", "Physical base address of the EHCI register window (hex)")
	mmioSize     = flag.Int("mmio-size", 0x100, "Size in bytes of the EHCI register window")
	embedded     = flag.Bool("embedded", false, "Use the embedded (fixed operational-register base) bring-up variant")
	periodicSize = flag.Int("periodic-size", 0, "Override the periodic frame-list size (0 keeps the config default)")
	cpuProfile   = flag.String("cpuprofile", "", "Write a CPU profile to this path on exit (requires -tags profile to record anything)")
)

func main() {
	flag.Parse()

	if *verbose {
		pkg.SetLogLevel(slog.LevelDebug)
	} else {
		pkg.SetLogLevel(slog.LevelInfo)
	}
	if *jsonOut {
		pkg.SetLogger(pkg.NewJSONLogger(os.Stderr, &slog.HandlerOptions{Level: pkg.GetLogLevel()}))
	}

	if *cpuProfile != "" {
		if err := prof.StartCPU(*cpuProfile); err != nil {
			pkg.LogError(componentMonitor, "failed to start cpu profile", "error", err)
			os.Exit(1)
		}
		defer prof.StopCPU()
	}

	base, err := strconv.ParseInt(*mmioBaseHex, 0, 64)
	if err != nil {
		pkg.LogError(componentMonitor, "invalid -mmio-base", "value", *mmioBaseHex, "error", err)
		os.Exit(1)
	}

	fd, err := syscall.Open(*devMemPath, syscall.O_RDWR|syscall.O_SYNC, 0)
	if err != nil {
		pkg.LogError(componentMonitor, "failed to open physical memory device", "path", *devMemPath, "error", err)
		os.Exit(1)
	}
	defer syscall.Close(fd)

	cfg := ehci.DefaultConfig()
	if *embedded {
		cfg = ehci.IMXConfig()
	}
	if *periodicSize > 0 {
		cfg.PeriodicSize = *periodicSize
	}

	region, err := ehci.MapController(fd, base, *mmioSize)
	if err != nil {
		pkg.LogError(componentMonitor, "failed to map EHCI registers", "error", err)
		os.Exit(1)
	}

	ctrl := ehci.New(cfg, region, ehci.NewDMAAllocator(), nil)
	hcd.Register(ctrl)

	halImpl := ehci.NewHAL(ctrl, 1)
	h := host.New(halImpl)

	ids := usbid.New()
	if !ids.Load() {
		pkg.LogWarn(componentMonitor, "no usb.ids database found, vendor/product names will be blank")
	}

	h.SetOnDeviceConnect(func(dev *host.Device) {
		logDevice(ids, dev)
	})
	h.SetOnDeviceDisconnect(func(dev *host.Device) {
		pkg.LogInfo(componentMonitor, "device disconnected", "port", dev.Port(), "address", dev.Address())
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := h.Start(ctx); err != nil {
		pkg.LogError(componentMonitor, "failed to start host", "error", err)
		os.Exit(1)
	}
	defer h.Stop()
	defer halImpl.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	pkg.LogInfo(componentMonitor, "ehci-monitor started", "mmioBase", fmt.Sprintf("%#x", base), "embedded", *embedded)
	<-sigCh
	pkg.LogInfo(componentMonitor, "shutting down")
}

func logDevice(ids *usbid.Database, dev *host.Device) {
	desc := dev.Descriptor()
	attrs := []any{
		"port", dev.Port(),
		"address", dev.Address(),
		"speed", dev.Speed().String(),
		"vid", fmt.Sprintf("%#04x", desc.VendorID),
		"pid", fmt.Sprintf("%#04x", desc.ProductID),
	}

	if vendor := ids.LookupVendor(desc.VendorID); vendor != "" {
		attrs = append(attrs, "vendor", vendor)
	}
	if product := ids.LookupProduct(desc.VendorID, desc.ProductID); product != "" {
		attrs = append(attrs, "product", product)
	}
	if manufacturer := dev.Manufacturer(); manufacturer != "" {
		attrs = append(attrs, "manufacturer", manufacturer)
	}
	if name := dev.Product(); name != "" {
		attrs = append(attrs, "name", name)
	}

	for _, ep := range dev.Endpoints() {
		if ep.IsInterrupt() && ep.IsIn() {
			attrs = append(attrs, "interrupt_endpoint", fmt.Sprintf("%#02x", ep.EndpointAddress))
		}
	}

	pkg.LogInfo(componentMonitor, "device connected", attrs...)
}
