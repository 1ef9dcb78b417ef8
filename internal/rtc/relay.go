package rtc

import (
	"net"
	"net/netip"
	"strings"
)

// Carrier-grade NAT range, also used by Cloudflare WARP and Tailscale.
var cgnat = netip.MustParsePrefix("100.64.0.0/10")

// Interface name fragments of tunnels that usually break direct paths.
var tunnelNames = []string{"tun", "tap", "wg", "ppp", "warp"}

// RestrictedNetwork reports whether an interface that is up looks like a VPN
// tunnel or carries a carrier-grade NAT address. Direct connectivity from
// such hosts rarely works, so relaying is preferred.
func RestrictedNetwork() bool {
	interfaces, err := net.Interfaces()
	if err != nil {
		return false
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if tunnelInterface(iface.Name) {
			return true
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if behindCGNAT(addr) {
				return true
			}
		}
	}
	return false
}

func tunnelInterface(name string) bool {
	name = strings.ToLower(name)
	for _, fragment := range tunnelNames {
		if strings.Contains(name, fragment) {
			return true
		}
	}
	return false
}

func behindCGNAT(addr net.Addr) bool {
	var ip net.IP
	switch v := addr.(type) {
	case *net.IPNet:
		ip = v.IP
	case *net.IPAddr:
		ip = v.IP
	}
	a, ok := netip.AddrFromSlice(ip)
	return ok && cgnat.Contains(a.Unmap())
}
