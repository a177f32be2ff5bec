// Package discovery announces a running relay on the local network and lets
// clients find one without configuration.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_peerdrop._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultLookupTimeout bounds one relay lookup.
	DefaultLookupTimeout = 3 * time.Second
)

// ErrNoRelayFound indicates no relay answered the mDNS lookup.
var ErrNoRelayFound = errors.New("discovery: no relay found")

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls relay announcement and lookup behavior.
type Config struct {
	Service       string
	Domain        string
	Version       int
	LookupTimeout time.Duration

	InstanceName string
	RelayPort    int

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.LookupTimeout <= 0 {
		out.LookupTimeout = DefaultLookupTimeout
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	if out.browseFn == nil {
		out.browseFn = func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			resolver, err := zeroconf.NewResolver(nil)
			if err != nil {
				return fmt.Errorf("create mDNS resolver: %w", err)
			}
			return resolver.Browse(ctx, service, domain, entries)
		}
	}
	return out
}

// Announcer advertises a relay endpoint via mDNS.
type Announcer struct {
	server *zeroconf.Server
}

// Announce registers the relay service on the local network.
func Announce(config Config) (*Announcer, error) {
	cfg := config.withDefaults()
	if strings.TrimSpace(cfg.InstanceName) == "" {
		return nil, errors.New("discovery: instance name is required")
	}
	if cfg.RelayPort <= 0 {
		return nil, errors.New("discovery: relay port must be > 0")
	}

	txt := []string{"version=" + strconv.Itoa(cfg.Version)}
	server, err := cfg.registerFn(cfg.InstanceName, cfg.Service, cfg.Domain, cfg.RelayPort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return &Announcer{server: server}, nil
}

// Stop withdraws the announcement.
func (a *Announcer) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// Relay is one discovered relay endpoint.
type Relay struct {
	Instance string
	Address  string
	Version  int
}

// LookupRelay browses the local network and returns the first announced
// relay.
func LookupRelay(ctx context.Context, config Config) (Relay, error) {
	cfg := config.withDefaults()

	browseCtx, cancel := context.WithTimeout(ctx, cfg.LookupTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 8)
	errCh := make(chan error, 1)
	go func() {
		errCh <- cfg.browseFn(browseCtx, cfg.Service, cfg.Domain, entries)
	}()

	for {
		select {
		case entry := <-entries:
			if entry == nil {
				continue
			}
			relay, ok := relayFromEntry(entry)
			if ok {
				cancel()
				return relay, nil
			}
		case err := <-errCh:
			if err != nil && browseCtx.Err() == nil {
				return Relay{}, err
			}
			return Relay{}, ErrNoRelayFound
		case <-browseCtx.Done():
			return Relay{}, ErrNoRelayFound
		}
	}
}

func relayFromEntry(entry *zeroconf.ServiceEntry) (Relay, bool) {
	if entry.Port <= 0 || len(entry.AddrIPv4) == 0 {
		return Relay{}, false
	}

	version := 0
	for _, record := range entry.Text {
		if value, ok := strings.CutPrefix(record, "version="); ok {
			if parsed, err := strconv.Atoi(value); err == nil {
				version = parsed
			}
		}
	}

	return Relay{
		Instance: entry.Instance,
		Address:  net.JoinHostPort(entry.AddrIPv4[0].String(), strconv.Itoa(entry.Port)),
		Version:  version,
	}, true
}
