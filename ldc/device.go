package ldc

import (
	"context"
	"fmt"
	"log"
)

// RegisterBus is the blocking request/response channel used for chip
// register access. Implemented by *bridge.Conn.
type RegisterBus interface {
	ReadRegister(ctx context.Context, reg uint8) (uint16, error)
	WriteRegister(ctx context.Context, reg uint8, value uint16, minTick uint64) error
}

// Device wraps a RegisterBus with chip-level register helpers.
type Device struct {
	bus    RegisterBus
	Logger *log.Logger
}

func NewDevice(bus RegisterBus) *Device {
	return &Device{bus: bus}
}

func (d *Device) logf(format string, args ...any) {
	if d.Logger != nil {
		d.Logger.Printf(format, args...)
	}
}

// ReadReg reads one 16-bit register.
func (d *Device) ReadReg(ctx context.Context, reg uint8) (uint16, error) {
	v, err := d.bus.ReadRegister(ctx, reg)
	if err != nil {
		return 0, fmt.Errorf("read reg %#04x: %w", reg, err)
	}
	d.logf("[ldc] read reg 0x%02x = 0x%04x", reg, v)
	return v, nil
}

// SetReg writes one 16-bit register.
func (d *Device) SetReg(ctx context.Context, reg uint8, value uint16) error {
	return d.SetRegAt(ctx, reg, value, 0)
}

// SetRegAt writes one 16-bit register with an earliest-tick constraint.
func (d *Device) SetRegAt(ctx context.Context, reg uint8, value uint16, minTick uint64) error {
	if err := d.bus.WriteRegister(ctx, reg, value, minTick); err != nil {
		return fmt.Errorf("write reg %#04x: %w", reg, err)
	}
	d.logf("[ldc] write reg 0x%02x = 0x%04x", reg, value)
	return nil
}

// IdentityError reports a manufacturer/device id mismatch found during
// session validation. It distinguishes a missing or wrong chip from
// ordinary transport failures.
type IdentityError struct {
	GotManufacturer  uint16
	GotDevice        uint16
	WantManufacturer uint16
	WantDevice       uint16
}

func (e *IdentityError) Error() string {
	return fmt.Sprintf(
		"invalid ldc1612 id (got %x,%x vs %x,%x); "+
			"this generally indicates connection problems "+
			"(e.g. faulty wiring) or a faulty ldc1612 chip",
		e.GotManufacturer, e.GotDevice, e.WantManufacturer, e.WantDevice)
}

// CheckIdentity reads the manufacturer and device id registers and
// compares them against the expected LDC1612 values.
func (d *Device) CheckIdentity(ctx context.Context) error {
	manuf, err := d.ReadReg(ctx, RegManufacturerID)
	if err != nil {
		return err
	}
	dev, err := d.ReadReg(ctx, RegDeviceID)
	if err != nil {
		return err
	}
	if manuf != ManufacturerID || dev != DeviceID {
		return &IdentityError{
			GotManufacturer:  manuf,
			GotDevice:        dev,
			WantManufacturer: ManufacturerID,
			WantDevice:       DeviceID,
		}
	}
	return nil
}
