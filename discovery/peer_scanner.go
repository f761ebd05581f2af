package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

// ErrNoPeers is returned by FindPeer when the scan window ends without a match.
var ErrNoPeers = errors.New("discovery: no matching peer found")

// Peer is a receiver found on the LAN.
type Peer struct {
	DeviceID   string
	DeviceName string
	Version    int
	HostName   string
	Port       int
	// Addresses lists IPv4 before IPv6.
	Addresses []string
}

// Address returns a dialable host:port, preferring the first advertised IP.
func (p Peer) Address() string {
	host := strings.TrimSuffix(p.HostName, ".")
	if len(p.Addresses) > 0 {
		host = p.Addresses[0]
	}
	return net.JoinHostPort(host, strconv.Itoa(p.Port))
}

// Browse scans for ScanTimeout and returns every compatible peer other than
// config.DeviceID, sorted by name.
func Browse(ctx context.Context, config Config) ([]Peer, error) {
	peers, err := scan(ctx, config, nil)
	if err != nil {
		return nil, err
	}

	out := make([]Peer, 0, len(peers))
	for _, peer := range peers {
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceName == out[j].DeviceName {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].DeviceName < out[j].DeviceName
	})
	return out, nil
}

// FindPeer returns the first compatible peer seen, or the one with deviceID when
// it is set. The scan stops as soon as a match arrives.
func FindPeer(ctx context.Context, config Config, deviceID string) (Peer, error) {
	match := func(p Peer) bool {
		return deviceID == "" || p.DeviceID == deviceID
	}

	peers, err := scan(ctx, config, match)
	if err != nil {
		return Peer{}, err
	}
	for _, peer := range peers {
		if match(peer) {
			return peer, nil
		}
	}
	return Peer{}, ErrNoPeers
}

func scan(ctx context.Context, config Config, stop func(Peer) bool) (map[string]Peer, error) {
	cfg := config.withDefaults()
	browse, err := cfg.browser()
	if err != nil {
		return nil, err
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	browseDone := make(chan error, 1)
	go func() {
		browseDone <- browse(scanCtx, cfg.Service, cfg.Domain, entries)
	}()

	collected := make(map[string]Peer)
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return collected, ctx.Err()
			}
			peer, ok := parseEntry(entry, cfg)
			if !ok {
				continue
			}
			collected[peer.DeviceID] = peer
			if stop != nil && stop(peer) {
				return collected, nil
			}
		case err := <-browseDone:
			// zeroconf returns as soon as the query is started; fakes block until ctx ends.
			if err != nil && scanCtx.Err() == nil {
				return nil, fmt.Errorf("browse mDNS: %w", err)
			}
			browseDone = nil
		case <-scanCtx.Done():
			// The scan window expiring is not an error; caller cancellation is.
			return collected, ctx.Err()
		}
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, cfg Config) (Peer, bool) {
	if entry == nil {
		return Peer{}, false
	}
	txt := txtToMap(entry.Text)

	deviceID := strings.TrimSpace(txt["device_id"])
	if deviceID == "" || deviceID == cfg.DeviceID {
		return Peer{}, false
	}

	version, err := strconv.Atoi(txt["version"])
	if err != nil || version != cfg.Version {
		cfg.Logger.WithFields(logrus.Fields{
			"device_id": deviceID,
			"version":   txt["version"],
		}).Debug("skipping peer with incompatible protocol version")
		return Peer{}, false
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(append([]net.IP(nil), entry.AddrIPv4...), entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = deviceID
	}

	return Peer{
		DeviceID:   deviceID,
		DeviceName: name,
		Version:    version,
		HostName:   entry.HostName,
		Port:       entry.Port,
		Addresses:  addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
