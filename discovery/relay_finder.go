package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
)

// Relay is one relay endpoint seen on the local network.
type Relay struct {
	RelayID      string
	InstanceName string
	Version      int
	HostName     string
	Port         int
	Addresses    []string
}

// URL returns the relay base URL, preferring an IPv4 address.
func (r Relay) URL() string {
	host := strings.TrimSuffix(r.HostName, ".")
	for _, addr := range r.Addresses {
		ip := net.ParseIP(addr)
		if ip == nil {
			continue
		}
		if ip.To4() != nil {
			host = addr
			break
		}
		if host == "" {
			host = addr
		}
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(r.Port))
}

// Browse scans for one ScanTimeout window and returns every relay that answered,
// sorted by instance name.
func Browse(ctx context.Context, config Config) ([]Relay, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]Relay)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func(entries <-chan *zeroconf.ServiceEntry) {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					entries = nil
					continue
				}
				if entry == nil {
					continue
				}
				relay, ok := parseEntry(entry)
				if !ok {
					continue
				}
				collectedMu.Lock()
				collected[relay.RelayID] = relay
				collectedMu.Unlock()
			}
		}
	}(entries)

	if err := browse(scanCtx, cfg.Service, cfg.Domain, entries); err != nil {
		cancel()
		<-collectorDone
		return nil, fmt.Errorf("browse mDNS: %w", err)
	}

	<-scanCtx.Done()
	<-collectorDone

	// A timeout just means this scan window ended naturally.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	collectedMu.Lock()
	out := make([]Relay, 0, len(collected))
	for _, relay := range collected {
		out = append(out, relay)
	}
	collectedMu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].InstanceName == out[j].InstanceName {
			return out[i].RelayID < out[j].RelayID
		}
		return out[i].InstanceName < out[j].InstanceName
	})
	return out, nil
}

// FindRelay returns the base URL of the first relay found on the local network.
func FindRelay(ctx context.Context, config Config) (string, error) {
	relays, err := Browse(ctx, config)
	if err != nil {
		return "", err
	}
	if len(relays) == 0 {
		return "", ErrNoRelay
	}
	return relays[0].URL(), nil
}

func parseEntry(entry *zeroconf.ServiceEntry) (Relay, bool) {
	txt := txtToMap(entry.Text)

	relayID := strings.TrimSpace(txt["relay_id"])
	if relayID == "" || entry.Port <= 0 {
		return Relay{}, false
	}

	version := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			version = parsed
		}
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
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
	sort.Strings(addresses)

	if len(addresses) == 0 && strings.TrimSpace(entry.HostName) == "" {
		return Relay{}, false
	}

	return Relay{
		RelayID:      relayID,
		InstanceName: strings.TrimSpace(entry.Instance),
		Version:      version,
		HostName:     entry.HostName,
		Port:         entry.Port,
		Addresses:    addresses,
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
