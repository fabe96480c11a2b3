// Package discovery advertises relays on the local network over mDNS and
// lets agents find them.
package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"

	"github.com/grandcat/zeroconf"
)

// DefaultService is the DNS-SD service type of a relay.
const DefaultService = "_boardcraft._tcp"

const domain = "local."

// Peer is a relay found on the network.
type Peer struct {
	Instance string
	Host     string
	Port     int
	Addrs    []net.IP
	Text     []string
}

// URL returns the websocket base URL of the peer, preferring IPv4.
func (p Peer) URL() string {
	host := p.Host
	if len(p.Addrs) > 0 {
		host = p.Addrs[0].String()
	}
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(p.Port))
}

// DefaultInstance names this host's relay.
func DefaultInstance() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return "boardcraft-" + host
}

// Advertise registers a relay listening on port. Call shutdown to
// withdraw it.
func Advertise(instance, service string, port int, text []string) (shutdown func(), err error) {
	if instance == "" {
		instance = DefaultInstance()
	}
	if service == "" {
		service = DefaultService
	}
	server, err := zeroconf.Register(instance, service, domain, port, text, nil)
	if err != nil {
		return nil, fmt.Errorf("register mdns service %s: %w", service, err)
	}
	return server.Shutdown, nil
}

// Browse collects relays announcing service until ctx is done, so ctx
// should carry a deadline. Peers are sorted by instance name.
func Browse(ctx context.Context, service string) ([]Peer, error) {
	if service == "" {
		service = DefaultService
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("init mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, service, domain, entries); err != nil {
		return nil, fmt.Errorf("browse mdns service %s: %w", service, err)
	}

	seen := make(map[string]Peer)
collect:
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				break collect
			}
			peer := fromEntry(entry)
			seen[peer.Instance] = peer
		case <-ctx.Done():
			break collect
		}
	}
	return sortPeers(seen), nil
}

func sortPeers(seen map[string]Peer) []Peer {
	peers := make([]Peer, 0, len(seen))
	for _, peer := range seen {
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Instance < peers[j].Instance })
	return peers
}

func fromEntry(entry *zeroconf.ServiceEntry) Peer {
	addrs := make([]net.IP, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	addrs = append(addrs, entry.AddrIPv4...)
	addrs = append(addrs, entry.AddrIPv6...)
	return Peer{
		Instance: entry.Instance,
		Host:     entry.HostName,
		Port:     entry.Port,
		Addrs:    addrs,
		Text:     entry.Text,
	}
}
