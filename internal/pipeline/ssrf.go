package pipeline

import (
	"errors"
	"fmt"
	"net"
)

var errNoAddresses = errors.New("pipeline: hostname resolved to no addresses")

func errSSRFAddr(ip string) error {
	return fmt.Errorf("pipeline: refusing resolved address %s", ip)
}

// isRefusedAddr reports whether ip is private, loopback, link-local,
// unspecified, or multicast, per spec.md §4.10 step 2's SSRF check.
func isRefusedAddr(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsMulticast()
}
