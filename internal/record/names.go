package record

import (
	"fmt"
	"strings"

	"github.com/libdns/libdns"
	"github.com/miekg/dns"
)

// CanonicalName resolves name against zone and returns it lower case with a
// trailing dot. "@" and "" stand for the zone apex. A name that already ends
// in the zone (with or without the trailing dot) is taken as absolute.
func CanonicalName(zone, name string) (string, error) {
	name = strings.TrimSpace(name)
	if zone != "" {
		z := dns.CanonicalName(zone)
		switch {
		case name == "" || name == "@":
			name = z
		case dns.IsFqdn(name), IsInZone(zone, name):
		default:
			name = libdns.AbsoluteName(name, z)
		}
	}
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	name = dns.CanonicalName(name)
	if _, ok := dns.IsDomainName(name); !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return name, nil
}

// IsInZone reports whether name is the zone apex or below it.
func IsInZone(zone, name string) bool {
	z := strings.TrimSuffix(strings.ToLower(zone), ".")
	n := strings.TrimSuffix(strings.ToLower(name), ".")
	return n == z || strings.HasSuffix(n, "."+z)
}

// RelativeName returns fqdn relative to zone, with "" for the apex.
func RelativeName(zone, fqdn string) string {
	if strings.EqualFold(strings.TrimSuffix(fqdn, "."), strings.TrimSuffix(zone, ".")) {
		return ""
	}
	return libdns.RelativeName(dns.CanonicalName(fqdn), dns.CanonicalName(zone))
}

// Bare strips the trailing dot, for providers that do not use absolute names.
func Bare(name string) string {
	return strings.TrimSuffix(name, ".")
}
