package util

import "net/netip"

// IPClassification is the security classification of an IP address, used to keep
// client metadata fetches from reaching internal networks.
type IPClassification int

const (
	// IPClassificationPublic indicates a publicly routable address
	IPClassificationPublic IPClassification = iota
	// IPClassificationLoopback indicates 127.0.0.0/8 or ::1
	IPClassificationLoopback
	// IPClassificationPrivate indicates RFC 1918, CGNAT (100.64.0.0/10) or IPv6 ULA
	IPClassificationPrivate
	// IPClassificationLinkLocal indicates 169.254.0.0/16, fe80::/10 and link-local multicast.
	// Cloud instance metadata services live here.
	IPClassificationLinkLocal
	// IPClassificationUnspecified indicates 0.0.0.0, :: or an invalid address
	IPClassificationUnspecified
)

var cgnatPrefix = netip.MustParsePrefix("100.64.0.0/10")

// String returns a human-readable name for the classification
func (c IPClassification) String() string {
	switch c {
	case IPClassificationPublic:
		return "public"
	case IPClassificationLoopback:
		return "loopback"
	case IPClassificationPrivate:
		return "private"
	case IPClassificationLinkLocal:
		return "link_local"
	case IPClassificationUnspecified:
		return "unspecified"
	default:
		return "unknown"
	}
}

// ClassifyIP returns the classification of addr. IPv4-mapped IPv6 addresses are
// classified as their IPv4 form.
func ClassifyIP(addr netip.Addr) IPClassification {
	addr = addr.Unmap()

	switch {
	case !addr.IsValid(), addr.IsUnspecified():
		return IPClassificationUnspecified
	case addr.IsLoopback():
		return IPClassificationLoopback
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast(), addr.IsInterfaceLocalMulticast():
		return IPClassificationLinkLocal
	case addr.IsPrivate(), cgnatPrefix.Contains(addr):
		return IPClassificationPrivate
	}
	return IPClassificationPublic
}

// IsPrivateOrInternal reports whether addr is anything other than publicly routable
func IsPrivateOrInternal(addr netip.Addr) bool {
	return ClassifyIP(addr) != IPClassificationPublic
}
