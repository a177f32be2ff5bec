package discovery

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestAnnounceRegistersService(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotText     []string
	)
	cfg := Config{
		InstanceName: "relay-on-desk",
		RelayPort:    9478,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance, gotService, gotDomain, gotPort, gotText = instance, service, domain, port, text
			return nil, nil
		},
	}

	announcer, err := Announce(cfg)
	if err != nil {
		t.Fatalf("Announce failed: %v", err)
	}
	defer announcer.Stop()

	if gotInstance != "relay-on-desk" || gotService != DefaultService || gotDomain != DefaultDomain {
		t.Fatalf("registered (%q, %q, %q)", gotInstance, gotService, gotDomain)
	}
	if gotPort != 9478 {
		t.Fatalf("port = %d, want 9478", gotPort)
	}
	if len(gotText) != 1 || gotText[0] != "version=1" {
		t.Fatalf("txt records = %v", gotText)
	}
}

func TestAnnounceValidatesInput(t *testing.T) {
	if _, err := Announce(Config{RelayPort: 9478}); err == nil {
		t.Fatal("missing instance name accepted")
	}
	if _, err := Announce(Config{InstanceName: "x"}); err == nil {
		t.Fatal("missing port accepted")
	}
}

func TestLookupRelayReturnsFirstUsableEntry(t *testing.T) {
	cfg := Config{
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			// A portless entry must be skipped in favor of the real one.
			entries <- &zeroconf.ServiceEntry{}
			entries <- &zeroconf.ServiceEntry{
				ServiceRecord: zeroconf.ServiceRecord{Instance: "desk-relay"},
				Port:          9478,
				AddrIPv4:      []net.IP{net.IPv4(192, 168, 1, 20)},
				Text:          []string{"version=2"},
			}
			<-ctx.Done()
			return nil
		},
	}

	relay, err := LookupRelay(context.Background(), cfg)
	if err != nil {
		t.Fatalf("LookupRelay failed: %v", err)
	}
	if relay.Instance != "desk-relay" {
		t.Fatalf("instance = %q", relay.Instance)
	}
	if relay.Address != "192.168.1.20:9478" {
		t.Fatalf("address = %q", relay.Address)
	}
	if relay.Version != 2 {
		t.Fatalf("version = %d, want 2", relay.Version)
	}
}

func TestLookupRelayTimesOut(t *testing.T) {
	cfg := Config{
		LookupTimeout: 30 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			<-ctx.Done()
			return nil
		},
	}

	start := time.Now()
	_, err := LookupRelay(context.Background(), cfg)
	if !errors.Is(err, ErrNoRelayFound) {
		t.Fatalf("error = %v, want ErrNoRelayFound", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("lookup took %v, want prompt timeout", elapsed)
	}
}

func TestLookupRelaySurfacesBrowseErrors(t *testing.T) {
	wantErr := errors.New("multicast denied")
	cfg := Config{
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			return wantErr
		},
	}

	if _, err := LookupRelay(context.Background(), cfg); !errors.Is(err, wantErr) {
		t.Fatalf("error = %v, want %v", err, wantErr)
	}
}
