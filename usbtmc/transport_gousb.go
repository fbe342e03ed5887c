package usbtmc

import (
	"context"
	"sort"
	"time"

	"github.com/google/gousb"

	"github.jpl.nasa.gov/bdube/usbtmc/util"
)

// gousbTransport is the real transport backend, built on github.com/google/gousb.
type gousbTransport struct {
	ctx     *gousb.Context
	dev     *gousb.Device
	cfg     *gousb.Config
	intf    *gousb.Interface
	epOut   *gousb.OutEndpoint
	epIn    *gousb.InEndpoint
	epIrq   *gousb.InEndpoint
	irqAddr int

	detached bool
}

// openGousb opens the device matching vid/pid (and serial, if non-empty),
// claims its USBTMC interface, and opens the bulk (and, if present,
// interrupt) endpoints. It returns the reattach flag the caller should
// remember for Close: true if enabling libusb's automatic kernel-driver
// detach succeeded, whether or not a driver was actually attached.
func openGousb(vid, pid uint16, serial string) (transport, resolvedInterface, bool, error) {
	ctx := gousb.NewContext()

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == gousb.ID(vid) && desc.Product == gousb.ID(pid)
	})
	if err != nil && len(devs) == 0 {
		ctx.Close()
		return nil, resolvedInterface{}, false, &IoError{Op: "enumerate USB devices", Err: err}
	}
	if len(devs) == 0 {
		ctx.Close()
		return nil, resolvedInterface{}, false, ErrNotFound
	}

	var dev *gousb.Device
	for _, d := range devs {
		if serial == "" {
			dev = d
			break
		}
		if s, err := d.SerialNumber(); err == nil && s == serial {
			dev = d
			break
		}
		d.Close()
	}
	if dev == nil {
		ctx.Close()
		return nil, resolvedInterface{}, false, ErrNotFound
	}

	// SetAutoDetach lets libusb detach and later reattach the kernel driver
	// around our claim automatically; detached only records that we asked
	// for it, for Close/teardown bookkeeping parity with transports that
	// must do this step by hand.
	detached := dev.SetAutoDetach(true) == nil

	cfg, resolved, err := selectUSBTMCConfig(dev)
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, resolvedInterface{}, false, err
	}

	intf, err := cfg.Interface(resolved.InterfaceNum, resolved.Alternate)
	if err != nil {
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, resolvedInterface{}, false, &IoError{Op: "claim USBTMC interface", Err: err}
	}

	epOut, err := intf.OutEndpoint(resolved.BulkOutEP)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, resolvedInterface{}, false, &IoError{Op: "open bulk-OUT endpoint", Err: err}
	}
	epIn, err := intf.InEndpoint(resolved.BulkInEP)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, resolvedInterface{}, false, &IoError{Op: "open bulk-IN endpoint", Err: err}
	}

	var epIrq *gousb.InEndpoint
	if resolved.InterruptInEP != 0 {
		epIrq, _ = intf.InEndpoint(resolved.InterruptInEP)
	}

	t := &gousbTransport{
		ctx: ctx, dev: dev, cfg: cfg, intf: intf,
		epOut: epOut, epIn: epIn, epIrq: epIrq,
		irqAddr:  resolved.InterruptInEP,
		detached: detached,
	}
	return t, resolved, detached, nil
}

// selectUSBTMCConfig tries every configuration the device advertises, in
// ascending configuration-value order, switching into each in turn and
// running resolveUSBTMC against it. USBTMC devices overwhelmingly expose
// their interface in configuration 1, but spec.md §4.1 calls for scanning
// all configurations, so a device that doesn't is still found. The first
// configuration with a matching interface wins; its gousb.Config is left
// open for the caller and every other configuration visited along the way
// is closed immediately.
func selectUSBTMCConfig(dev *gousb.Device) (*gousb.Config, resolvedInterface, error) {
	numbers := make([]int, 0, len(dev.Desc.Configs))
	for n := range dev.Desc.Configs {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)

	var lastErr error = ErrNotUsbtmc
	for _, n := range numbers {
		cfg, err := dev.Config(n)
		if err != nil {
			lastErr = &IoError{Op: "select USB configuration", Err: err}
			continue
		}
		resolved, err := resolveUSBTMC(alternatesOf(cfg))
		if err != nil {
			cfg.Close()
			lastErr = err
			continue
		}
		return cfg, resolved, nil
	}
	return nil, resolvedInterface{}, lastErr
}

// alternatesOf flattens every interface's alternate settings from cfg's
// descriptor into the gousb-independent shape resolveUSBTMC expects.
func alternatesOf(cfg *gousb.Config) []InterfaceAlt {
	var alts []InterfaceAlt
	for _, intf := range cfg.Desc.Interfaces {
		for _, alt := range intf.AltSettings {
			a := InterfaceAlt{
				Number:    intf.Number,
				Alternate: alt.Alternate,
				Class:     byte(alt.Class),
				SubClass:  byte(alt.SubClass),
				Protocol:  byte(alt.Protocol),
			}
			for _, ep := range alt.Endpoints {
				a.Endpoints = append(a.Endpoints, EndpointDescriptor{
					Address:      int(ep.Address),
					Direction:    directionOf(ep.Direction),
					TransferType: transferTypeOf(ep.TransferType),
				})
			}
			alts = append(alts, a)
		}
	}
	return alts
}

func directionOf(d gousb.EndpointDirection) Direction {
	if d == gousb.EndpointDirectionIn {
		return DirectionIn
	}
	return DirectionOut
}

func transferTypeOf(t gousb.TransferType) TransferType {
	switch t {
	case gousb.TransferTypeBulk:
		return TransferBulk
	case gousb.TransferTypeInterrupt:
		return TransferInterrupt
	case gousb.TransferTypeIsochronous:
		return TransferIsochronous
	default:
		return TransferControl
	}
}

// ControlTransfer issues the request via gousb.Device.Control, which has no
// context/timeout parameter of its own; class-specific control requests
// this driver issues carry no payload and libusb bounds them internally, so
// timeout is accepted for interface symmetry with BulkWrite/BulkRead but
// not separately enforced here.
func (t *gousbTransport) ControlTransfer(reqType, request byte, value, index uint16, data []byte, timeout time.Duration) (int, error) {
	return t.dev.Control(reqType, request, value, index, data)
}

// BulkWrite ignores ep beyond identifying which already-opened endpoint to
// use: Session only ever passes the address resolveUSBTMC assigned to
// s.bulkOutEP, which is the same address epOut was opened with.
func (t *gousbTransport) BulkWrite(ep int, b []byte, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return t.epOut.WriteContext(ctx, b)
}

// BulkRead routes to the interrupt-IN endpoint when ep matches it (used by
// ReadSTB's async status-byte poll), otherwise the bulk-IN endpoint.
func (t *gousbTransport) BulkRead(ep int, buf []byte, timeout time.Duration) (int, error) {
	in := t.epIn
	if t.epIrq != nil && ep == t.irqAddr {
		in = t.epIrq
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return in.ReadContext(ctx, buf)
}

func (t *gousbTransport) Close() error {
	var errs []error
	if t.intf != nil {
		t.intf.Close()
	}
	if t.cfg != nil {
		errs = append(errs, t.cfg.Close())
	}
	if t.dev != nil {
		errs = append(errs, t.dev.Close())
	}
	if t.ctx != nil {
		errs = append(errs, t.ctx.Close())
	}
	return util.MergeErrors(errs)
}
