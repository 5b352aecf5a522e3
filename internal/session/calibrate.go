package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/coilsense/ldcstream/ldc"
)

// Calibrator discovers the DRIVE_CURRENT0 setting suggested by the
// chip's automatic amplitude calibration. It is mutually exclusive with
// itself and must not be interleaved with other configuration writes.
type Calibrator struct {
	sess *Session
	dev  *ldc.Device

	mu sync.Mutex

	// Dwell is how long the chip is left in auto-calibration mode
	// before the suggested value is read back.
	Dwell  time.Duration
	Logger *log.Logger
}

const defaultDwell = 100 * time.Millisecond

func NewCalibrator(sess *Session) *Calibrator {
	return &Calibrator{
		sess:  sess,
		dev:   sess.Device(),
		Dwell: defaultDwell,
	}
}

// Calibrate toggles the auto-calibration mode bit, waits for the chip
// to settle, and reads back the suggested drive current (0-31). The
// prior CONFIG register is restored before returning. A transient
// subscriber keeps the streaming session alive for the duration.
func (c *Calibrator) Calibrate(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var aliveMu sync.Mutex
	alive := true
	c.sess.Subscribe(func(Batch) bool {
		aliveMu.Lock()
		defer aliveMu.Unlock()
		return alive
	})
	defer func() {
		aliveMu.Lock()
		alive = false
		aliveMu.Unlock()
	}()

	oldConfig, err := c.dev.ReadReg(ctx, ldc.RegConfig)
	if err != nil {
		return 0, fmt.Errorf("calibrate: %w", err)
	}
	if err := c.dev.SetReg(ctx, ldc.RegConfig,
		ldc.ConfigActiveChan0|ldc.ConfigAutoAmp); err != nil {
		return 0, fmt.Errorf("calibrate: %w", err)
	}

	if err := c.dwell(ctx); err != nil {
		// Best effort restore before bailing out.
		_ = c.dev.SetReg(context.WithoutCancel(ctx), ldc.RegConfig, oldConfig)
		return 0, err
	}

	raw, readErr := c.dev.ReadReg(ctx, ldc.RegDriveCurrent0)
	if err := c.dev.SetReg(ctx, ldc.RegConfig, oldConfig); err != nil {
		return 0, fmt.Errorf("calibrate: restore config: %w", err)
	}
	if readErr != nil {
		return 0, fmt.Errorf("calibrate: %w", readErr)
	}

	driveCur := int((raw >> 6) & 0x1f)
	if c.Logger != nil {
		c.Logger.Printf("[calibrate] suggested reg_drive_current: %d", driveCur)
	}
	return driveCur, nil
}

func (c *Calibrator) dwell(ctx context.Context) error {
	t := time.NewTimer(c.Dwell)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
