// Package ldc drives a TI LDC1612 inductance-to-digital converter
// attached behind a sensor bridge: register access, chip identity
// checks, and decoding of the bulk frequency sample stream.
package ldc

// Chip constants.
const (
	I2CAddr = 0x2a

	// Freq is the nominal reference oscillator, Hz. Channel 0 readings
	// are 28-bit fractions of this frequency.
	Freq = 12000000

	BytesPerSample = 4
	// MaxBlockBytes is the bulk-message payload capacity of the bridge.
	MaxBlockBytes   = 52
	SamplesPerBlock = MaxBlockBytes / BytesPerSample

	ManufacturerID = 0x5449
	DeviceID       = 0x3055

	DefaultDriveCurrent = 15
	// DefaultDeglitch selects the 10 MHz input deglitch filter.
	DefaultDeglitch   = 0x05
	DefaultSettleTime = 0.005 // seconds
)

// Register addresses (channel 0 where applicable).
const (
	RegRCount0        = 0x08
	RegOffset0        = 0x0c
	RegSettleCount0   = 0x10
	RegClockDividers0 = 0x14
	RegErrorConfig    = 0x19
	RegConfig         = 0x1a
	RegMuxConfig      = 0x1b
	RegDriveCurrent0  = 0x1e
	RegManufacturerID = 0x7e
	RegDeviceID       = 0x7f
)

// CONFIG register bits used when arming the chip.
const (
	ConfigActiveChan0 = 0x001
	ConfigAutoAmp     = 1 << 9 // automatic sensor amplitude correction
	ConfigRefClkExt   = 1 << 10
	ConfigIntbDisable = 1 << 12
)
