// Package netdial provides the outbound connection dialer coinswap peers
// use to reach each other and the directory servers: a plain TCP dialer
// for clearnet addresses, or a SOCKS5 dialer through a local Tor daemon
// for onion addresses.
package netdial

import (
	"context"
	"fmt"
	"net"
	"strings"

	"golang.org/x/net/proxy"
)

// DefaultTorSOCKSAddr is the conventional local address a Tor daemon's
// SOCKS5 proxy listens on, used when no explicit proxy address is
// configured.
const DefaultTorSOCKSAddr = "127.0.0.1:9050"

// Address is a maker's advertised network address, tagged by transport.
type Address struct {
	Clearnet string // host:port, empty if this is a Tor address
	Onion    string // host:port ending in .onion, empty if clearnet
}

// DialAddress returns the host:port a Dialer should connect to for addr:
// the clearnet address directly, or the onion address (also host:port,
// resolved by the Tor SOCKS proxy itself rather than locally) when this
// is a Tor address.
func (a Address) DialAddress() (string, error) {
	switch {
	case a.Clearnet != "":
		return a.Clearnet, nil
	case a.Onion != "":
		return a.Onion, nil
	default:
		return "", fmt.Errorf("netdial: address has neither clearnet nor onion set")
	}
}

func (a Address) String() string {
	if a.Clearnet != "" {
		return a.Clearnet
	}
	return a.Onion
}

// IsOnion reports whether host looks like a Tor hidden-service address.
func IsOnion(host string) bool {
	h, _, err := net.SplitHostPort(host)
	if err != nil {
		h = host
	}
	return strings.HasSuffix(h, ".onion")
}

// Dialer dials both clearnet and Tor addresses, using a SOCKS5 proxy for
// the latter.
type Dialer struct {
	torProxyAddr string
}

// NewDialer builds a Dialer that routes .onion addresses through the
// SOCKS5 proxy at torProxyAddr (use DefaultTorSOCKSAddr for a local Tor
// daemon's default configuration).
func NewDialer(torProxyAddr string) *Dialer {
	if torProxyAddr == "" {
		torProxyAddr = DefaultTorSOCKSAddr
	}
	return &Dialer{torProxyAddr: torProxyAddr}
}

// Dial connects to addr, routing through the configured Tor SOCKS proxy
// when addr is a Tor address.
func (d *Dialer) Dial(ctx context.Context, addr Address) (net.Conn, error) {
	target, err := addr.DialAddress()
	if err != nil {
		return nil, err
	}

	log.Debugf("netdial: connecting to %s", target)

	if addr.Onion == "" {
		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, "tcp", target)
		if err != nil {
			return nil, fmt.Errorf("netdial: dial %s: %w", target, err)
		}
		return conn, nil
	}

	socksDialer, err := proxy.SOCKS5("tcp", d.torProxyAddr, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("netdial: build socks5 dialer: %w", err)
	}
	contextDialer, ok := socksDialer.(proxy.ContextDialer)
	if !ok {
		// golang.org/x/net/proxy's SOCKS5 dialer has implemented
		// ContextDialer since the package's earliest public release;
		// this branch only guards against a future incompatible change.
		return nil, fmt.Errorf("netdial: socks5 dialer does not support context")
	}
	conn, err := contextDialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("netdial: dial %s via tor: %w", target, err)
	}
	return conn, nil
}
