// ldcdump streams decoded LDC1612 samples from a bridge to stdout,
// optionally serving live telemetry over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coilsense/ldcstream/bridge"
	"github.com/coilsense/ldcstream/internal/config"
	"github.com/coilsense/ldcstream/internal/discovery"
	"github.com/coilsense/ldcstream/internal/logging"
	"github.com/coilsense/ldcstream/internal/session"
	"github.com/coilsense/ldcstream/internal/telemetry"
)

func main() {
	cfgPath := flag.String("config", "", "path to YAML config")
	addr := flag.String("addr", "", "bridge address (overrides config)")
	duration := flag.Duration("duration", 0, "stop after this long (0 = run until interrupted)")
	listen := flag.String("listen", "", "serve telemetry HTTP on this address (empty = off)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	logFormat := flag.String("log-format", "text", "log format: text or json")
	flag.Parse()

	level, err := logging.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ldcdump:", err)
		os.Exit(2)
	}
	format, err := logging.ParseFormat(*logFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ldcdump:", err)
		os.Exit(2)
	}
	logger := logging.New(level, format, os.Stderr)

	if err := run(*cfgPath, *addr, *listen, *duration, logger); err != nil {
		logger.Error("ldcdump failed", logging.Field{Key: "err", Value: err})
		os.Exit(1)
	}
}

func run(cfgPath, addr, listen string, duration time.Duration, logger logging.Logger) error {
	cfg := config.Default()
	if cfgPath != "" {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
	}
	if addr != "" {
		cfg.Bridge.Address = addr
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := connect(ctx, cfg.Bridge, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	m := cfg.Measure
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

	reporter := telemetry.MultiReporter{telemetry.NewStdoutReporter(logger)}
	if listen != "" {
		hub := telemetry.NewHub(0, logger)
		reporter = append(reporter, hub)
		srv := telemetry.NewServer(listen, hub, logger)
		go srv.Start(ctx)
		logger.Info("telemetry listening", logging.Field{Key: "addr", Value: listen})
	}

	sess.Subscribe(func(b session.Batch) bool {
		for _, s := range b.Samples {
			fmt.Printf("%.6f %.3f\n", s.Time, s.Frequency)
		}
		reporter.ReportBatch(b.Samples, b.Errors, b.Overflows)
		return true
	})

	if err := sess.Start(ctx); err != nil {
		return err
	}
	logger.Info("streaming started",
		logging.Field{Key: "rate_hz", Value: m.DataRate},
		logging.Field{Key: "batch_period_s", Value: m.BatchPeriod})

	runCtx := ctx
	if duration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	ticker := time.NewTicker(time.Duration(m.BatchPeriod * float64(time.Second)))
	defer ticker.Stop()

loop:
	for {
		select {
		case <-runCtx.Done():
			break loop
		case <-ticker.C:
			if _, err := sess.ProcessBatch(ctx); err != nil {
				logger.Warn("batch failed", logging.Field{Key: "err", Value: err})
			}
		}
	}

	// Stop with a fresh context: the run context is already done.
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return sess.Stop(stopCtx)
}

// connect picks the transport: explicit TCP address, serial port, or
// mDNS discovery.
func connect(ctx context.Context, bc config.BridgeConfig, logger logging.Logger) (*bridge.Conn, error) {
	switch {
	case bc.Address != "":
		return bridge.Dial(ctx, bc.Address)
	case bc.Port != "":
		return bridge.OpenSerial(bc.Port, bc.Baud)
	case bc.Discover:
		bridges, err := discovery.Discover(3 * time.Second)
		if err != nil {
			return nil, err
		}
		if len(bridges) == 0 {
			return nil, fmt.Errorf("no bridges discovered")
		}
		logger.Info("bridge discovered",
			logging.Field{Key: "instance", Value: bridges[0].Instance},
			logging.Field{Key: "addr", Value: bridges[0].Addr()})
		return bridge.Dial(ctx, bridges[0].Addr())
	}
	return nil, fmt.Errorf("no bridge address, serial port, or discovery configured")
}
