package gossip

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/golang/glog"
	"github.com/grandcat/zeroconf"

	"collabtext/internal/peer"
)

const DefaultService = "_collabtext._tcp"

// Advertise registers a mesh listener as an mDNS service on the local network
// so that joining peers can find it without an address. Shut the returned
// server down when leaving.
func Advertise(service string, id peer.ID, port int) (*zeroconf.Server, error) {
	host, _ := os.Hostname()
	server, err := zeroconf.Register(
		fmt.Sprintf("%s-%s-%s", "CollabText", host, id.Short()),
		service,
		"local.",
		port,
		[]string{"txtv=0", "id=" + id.String()},
		nil,
	)
	if err != nil {
		return nil, err
	}
	glog.Infof("[mdns]service registered: %s on port %d\n", service, port)
	return server, nil
}

// Browse collects the addresses of advertised peers until ctx is done.
func Browse(ctx context.Context, service string) ([]string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	var addrs []string
	seen := map[string]bool{}
	entries := make(chan *zeroconf.ServiceEntry)
	go func() {
		for entry := range entries {
			for _, ip := range entry.AddrIPv4 {
				addr := net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port))
				mu.Lock()
				if !seen[addr] {
					seen[addr] = true
					addrs = append(addrs, addr)
					glog.Infof("[mdns]discovered peer: %s at %s\n", entry.Instance, addr)
				}
				mu.Unlock()
			}
		}
	}()
	if err := resolver.Browse(ctx, service, "local.", entries); err != nil {
		return nil, err
	}
	<-ctx.Done()

	mu.Lock()
	defer mu.Unlock()
	return append([]string{}, addrs...), nil
}
