// Package discovery advertises and locates a running Acceptor on the
// local network via mDNS, so a client does not need a hardcoded host.
package discovery

import (
	"context"
	"fmt"
	"os"

	"github.com/enbility/zeroconf/v3"
)

// ServiceType is the mDNS service type an Acceptor registers under.
const ServiceType = "_securewire._tcp"

// Domain is the mDNS domain used for both advertisement and browsing.
const Domain = "local."

// Advertiser registers an Acceptor's listen port under ServiceType so
// zeroconf.Browse callers on the LAN can find it.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers instance (a human-readable name, e.g. the host
// name) at port. The returned Advertiser must be stopped with Shutdown
// once the Acceptor stops listening.
func Advertise(instance string, port int) (*Advertiser, error) {
	server, err := zeroconf.Register(instance, ServiceType, Domain, port, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: register: %w", err)
	}
	return &Advertiser{server: server}, nil
}

// Shutdown withdraws the mDNS advertisement.
func (a *Advertiser) Shutdown() {
	if a.server != nil {
		a.server.Shutdown()
	}
}

// Instance describes a discovered acceptor.
type Instance struct {
	Name      string
	Host      string
	Port      int
	Addresses []string
}

// Browse searches for advertised acceptors until ctx is canceled,
// emitting one Instance per discovered service.
func Browse(ctx context.Context) (<-chan Instance, error) {
	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)
	out := make(chan Instance)

	go func() {
		defer close(out)
		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				out <- entryToInstance(entry)
			case <-removed:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		_ = zeroconf.Browse(ctx, ServiceType, Domain, entries, removed)
	}()

	return out, nil
}

func entryToInstance(entry *zeroconf.ServiceEntry) Instance {
	addrs := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		addrs = append(addrs, ip.String())
	}
	return Instance{
		Name:      entry.Instance,
		Host:      entry.HostName,
		Port:      entry.Port,
		Addresses: addrs,
	}
}

// LocalHostname returns the machine's hostname, used as the default
// mDNS instance name when the caller doesn't supply one.
func LocalHostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "securewire"
}
