package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/coilsense/ldcstream/bridge"
)

// dial is indirected for tests.
var dial = bridge.Dial

// run connects to a bridge and prints its firmware version. The address
// comes from --bridge-addr or the LDC_BRIDGE_ADDR environment variable.
func run(args []string, out io.Writer, getenv func(string) string) error {
	fs := flag.NewFlagSet("ldcstream", flag.ContinueOnError)
	addr := fs.String("bridge-addr", "", "bridge address (host:port)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	target := *addr
	if target == "" {
		target = getenv("LDC_BRIDGE_ADDR")
	}
	if target == "" {
		target = "192.168.1.77:9901"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := dial(ctx, target)
	if err != nil {
		return err
	}
	defer c.Close()

	version, err := c.Version(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "bridge version:", version)
	return nil
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Getenv); err != nil {
		fmt.Fprintln(os.Stderr, "ldcstream:", err)
		os.Exit(1)
	}
}
