// ldccal runs the LDC1612 drive-current auto-calibration and prints the
// suggested reg_drive_current value for the config file.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/coilsense/ldcstream/bridge"
	"github.com/coilsense/ldcstream/internal/config"
	"github.com/coilsense/ldcstream/internal/session"
)

func main() {
	addr := flag.String("addr", "", "bridge address (host:port)")
	port := flag.String("port", "", "bridge serial port")
	baud := flag.Int("baud", 250000, "serial baud rate")
	flag.Parse()

	if err := run(*addr, *port, *baud); err != nil {
		log.Fatalf("ldccal: %v", err)
	}
}

func run(addr, port string, baud int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var (
		conn *bridge.Conn
		err  error
	)
	switch {
	case addr != "":
		conn, err = bridge.Dial(ctx, addr)
	case port != "":
		conn, err = bridge.OpenSerial(port, baud)
	default:
		return fmt.Errorf("either -addr or -port is required")
	}
	if err != nil {
		return err
	}
	defer conn.Close()

	m := config.Default().Measure
	sess := session.New(conn, conn, conn, conn, session.Config{
		DataRate:     m.DataRate,
		DriveCurrent: m.DriveCurrent,
		SettleTime:   m.SettleTime,
		ChipFreq:     m.ChipFreq,
		Deglitch:     m.Deglitch,
		BatchPeriod:  m.BatchPeriod,
		Smoothing:    m.Smoothing,
		TickFreq:     m.TickFreq,
	})

	if err := sess.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sess.Stop(stopCtx)
	}()

	// Let the stream settle before calibrating.
	settle := time.NewTimer(200 * time.Millisecond)
	defer settle.Stop()
	select {
	case <-settle.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	if _, err := sess.ProcessBatch(ctx); err != nil {
		return err
	}

	cal := session.NewCalibrator(sess)
	driveCur, err := cal.Calibrate(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("reg_drive_current: %d\n", driveCur)
	fmt.Println("Set this value in the measure section of the config file.")
	return nil
}
