// Package discovery locates LDC sensor bridges announcing themselves
// over mDNS as _ldcbridge._tcp services.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

// Bridge is one discovered sensor bridge.
type Bridge struct {
	Instance  string // advertised name, e.g. "ldc bridge on bench-3"
	Hostname  string // DNS hostname, e.g. "bench-3.local."
	Addresses []net.IP
	Port      int
	TXT       []string
}

// Addr returns a dialable host:port for the first address, preferring
// IPv4 entries.
func (b Bridge) Addr() string {
	for _, ip := range b.Addresses {
		if ip.To4() != nil {
			return fmt.Sprintf("%s:%d", ip, b.Port)
		}
	}
	if len(b.Addresses) > 0 {
		return fmt.Sprintf("[%s]:%d", b.Addresses[0], b.Port)
	}
	return fmt.Sprintf("%s:%d", strings.TrimSuffix(b.Hostname, "."), b.Port)
}

// Discover performs a blocking mDNS browse for bridges. Results are
// deduplicated by hostname and port.
func Discover(timeout time.Duration) ([]Bridge, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("resolver error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	resultMap := make(map[string]Bridge)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case e, ok := <-entries:
				if !ok {
					close(done)
					return
				}
				if e == nil {
					continue
				}

				addrs := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
				addrs = append(addrs, e.AddrIPv4...)
				addrs = append(addrs, e.AddrIPv6...)

				key := fmt.Sprintf("%s|%d", e.HostName, e.Port)
				resultMap[key] = Bridge{
					Instance:  cleanInstance(e.Instance),
					Hostname:  e.HostName,
					Addresses: addrs,
					Port:      e.Port,
					TXT:       append([]string{}, e.Text...),
				}

			case <-ctx.Done():
				close(done)
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, "_ldcbridge._tcp", "local.", entries); err != nil {
		return nil, fmt.Errorf("browse error: %w", err)
	}

	<-done

	out := make([]Bridge, 0, len(resultMap))
	for _, b := range resultMap {
		out = append(out, b)
	}
	return out, nil
}

// cleanInstance removes zeroconf escape sequences: "\ " => " "
func cleanInstance(s string) string {
	return strings.ReplaceAll(s, `\ `, " ")
}
