package discovery

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestAdvertiseBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	cfg := Config{
		RelayID:      "relay-123",
		InstanceName: "Office Relay",
		Port:         5000,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	advertiser, err := Advertise(cfg)
	if err != nil {
		t.Fatalf("Advertise failed: %v", err)
	}
	defer advertiser.Stop()

	if gotInstance != "Office Relay" {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != DefaultService {
		t.Fatalf("unexpected service: %q", gotService)
	}
	if gotDomain != DefaultDomain {
		t.Fatalf("unexpected domain: %q", gotDomain)
	}
	if gotPort != 5000 {
		t.Fatalf("unexpected port: %d", gotPort)
	}
	assertContainsTXT(t, gotTXT, "relay_id=relay-123")
	assertContainsTXT(t, gotTXT, "version=1")
}

func TestAdvertiseValidatesConfig(t *testing.T) {
	register := func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
		t.Fatalf("register must not be called for invalid config")
		return nil, nil
	}

	cases := []Config{
		{InstanceName: "relay", Port: 5000, registerFn: register},
		{RelayID: "r", Port: 5000, registerFn: register},
		{RelayID: "r", InstanceName: "relay", registerFn: register},
	}
	for i, cfg := range cases {
		if _, err := Advertise(cfg); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestFindRelayReturnsFirstRelayURL(t *testing.T) {
	cfg := Config{
		ScanTimeout: 50 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			if service != DefaultService {
				t.Errorf("unexpected service %q", service)
			}
			go func() {
				entries <- testEntry("B Relay", "relay-b", 6000, net.ParseIP("10.0.0.9"))
				entries <- testEntry("A Relay", "relay-a", 5000, net.ParseIP("192.168.1.20"))
				entries <- testEntry("no id", "", 7000, net.ParseIP("10.0.0.1"))
			}()
			return nil
		},
	}

	relays, err := Browse(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Browse failed: %v", err)
	}
	if len(relays) != 2 {
		t.Fatalf("expected 2 relays, got %+v", relays)
	}
	if relays[0].RelayID != "relay-a" {
		t.Fatalf("expected relays sorted by instance name, got %+v", relays)
	}

	url, err := FindRelay(context.Background(), cfg)
	if err != nil {
		t.Fatalf("FindRelay failed: %v", err)
	}
	if url != "http://192.168.1.20:5000" {
		t.Fatalf("unexpected relay url %q", url)
	}
}

func TestFindRelayWithoutAnswers(t *testing.T) {
	cfg := Config{
		ScanTimeout: 20 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			return nil
		},
	}

	if _, err := FindRelay(context.Background(), cfg); !errors.Is(err, ErrNoRelay) {
		t.Fatalf("expected ErrNoRelay, got %v", err)
	}
}

func TestFindRelayPropagatesBrowseError(t *testing.T) {
	browseErr := errors.New("multicast unavailable")
	cfg := Config{
		ScanTimeout: 20 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			return browseErr
		},
	}

	if _, err := FindRelay(context.Background(), cfg); !errors.Is(err, browseErr) {
		t.Fatalf("expected browse error, got %v", err)
	}
}

func TestRelayURLFallsBackToHostName(t *testing.T) {
	relay := Relay{HostName: "relay.local.", Port: 5000}
	if got := relay.URL(); got != "http://relay.local:5000" {
		t.Fatalf("unexpected url %q", got)
	}

	relay = Relay{Port: 5000, Addresses: []string{"fe80::1"}}
	if got := relay.URL(); got != "http://[fe80::1]:5000" {
		t.Fatalf("unexpected ipv6 url %q", got)
	}
}

func testEntry(instance, relayID string, port int, ip net.IP) *zeroconf.ServiceEntry {
	entry := zeroconf.NewServiceEntry(instance, DefaultService, DefaultDomain)
	entry.Port = port
	entry.HostName = "relay.local."
	entry.AddrIPv4 = []net.IP{ip}
	if relayID != "" {
		entry.Text = []string{"relay_id=" + relayID, "version=1"}
	}
	return entry
}

func assertContainsTXT(t *testing.T, records []string, want string) {
	t.Helper()
	for _, record := range records {
		if record == want {
			return
		}
	}
	t.Fatalf("expected TXT %q in %v", want, records)
}
