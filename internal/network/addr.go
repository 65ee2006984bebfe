package network

import (
	"context"
	"fmt"
	"net"
)

// routeLocalIP returns the local address the OS would use to reach peerIP.
// No packet is sent; a connected UDP socket is enough to resolve the route.
func routeLocalIP(peerIP string) net.IP {
	conn, err := net.Dial("udp4", net.JoinHostPort(peerIP, "80"))
	if err != nil {
		return net.IPv4(127, 0, 0, 1)
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok && addr.IP.To4() != nil {
		return addr.IP.To4()
	}
	return net.IPv4(127, 0, 0, 1)
}

// broadcastIP derives the /24 directed broadcast for an address. The hub and
// app always sit on a home /24; anything unparseable falls back to the
// limited broadcast address.
func broadcastIP(ip string) net.IP {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return net.IPv4bcast
	}
	v4 := parsed.To4()
	if v4 == nil {
		return net.IPv4bcast
	}
	return net.IPv4(v4[0], v4[1], v4[2], 255)
}

// claimListener binds a TCP listener on the first free port at or above
// base, probing linearly. The base port may still be held by a previous
// instance that has not released its socket yet.
func claimListener(ctx context.Context, base, tries int) (net.Listener, int, error) {
	lc := ReuseAddrListenConfig()
	for i := 0; i < tries; i++ {
		port := base + i
		ln, err := lc.Listen(ctx, "tcp4", fmt.Sprintf("0.0.0.0:%d", port))
		if err != nil {
			continue
		}
		return ln, port, nil
	}
	return nil, 0, fmt.Errorf("no free claim port within %d of %d", tries, base)
}
