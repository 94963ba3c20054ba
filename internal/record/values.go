package record

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/libdns/libdns"
	"github.com/miekg/dns"
)

// CanonicalValue validates v as rdata of type t and returns its canonical
// text form.
func CanonicalValue(t Type, v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", fmt.Errorf("%w: empty %s value", ErrInvalidValue, t)
	}

	switch t {
	case TypeA, TypeAAAA:
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return "", fmt.Errorf("%w: %s %q: %v", ErrInvalidValue, t, v, err)
		}
		addr = addr.Unmap()
		if (t == TypeA) != addr.Is4() {
			return "", fmt.Errorf("%w: %q is not a valid %s address", ErrInvalidValue, v, t)
		}
		return addr.String(), nil
	case TypeTXT:
		return UnquoteTXT(v), nil
	case TypeCNAME, TypeNS, TypePTR:
		return canonicalTarget(t, v)
	case TypeSRV:
		return canonicalSRV(v)
	}

	if _, err := (libdns.RR{Type: string(t), Data: v}).Parse(); err != nil {
		return "", fmt.Errorf("%w: %s %q: %v", ErrInvalidValue, t, v, err)
	}
	switch t {
	case TypeMX:
		pref, target, err := SplitPriority(v)
		if err != nil {
			return "", err
		}
		target, err = canonicalTarget(t, strings.TrimSpace(target))
		if err != nil {
			return "", err
		}
		return JoinPriority(pref, target), nil
	case TypeCAA:
		return canonicalCAA(v)
	}
	return strings.Join(strings.Fields(v), " "), nil
}

func canonicalTarget(t Type, v string) (string, error) {
	target := dns.CanonicalName(v)
	if _, ok := dns.IsDomainName(target); !ok {
		return "", fmt.Errorf("%w: %s target %q", ErrInvalidValue, t, v)
	}
	return target, nil
}

// canonicalSRV expects "priority weight port target".
func canonicalSRV(v string) (string, error) {
	fields := strings.Fields(v)
	if len(fields) != 4 {
		return "", fmt.Errorf("%w: SRV %q needs priority, weight, port and target", ErrInvalidValue, v)
	}
	nums := make([]uint64, 3)
	for i := range nums {
		n, err := strconv.ParseUint(fields[i], 10, 16)
		if err != nil {
			return "", fmt.Errorf("%w: SRV %q: %v", ErrInvalidValue, v, err)
		}
		nums[i] = n
	}
	target, err := canonicalTarget(TypeSRV, fields[3])
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d %d %d %s", nums[0], nums[1], nums[2], target), nil
}

// canonicalCAA expects "flags tag value".
func canonicalCAA(v string) (string, error) {
	fields := strings.SplitN(v, " ", 3)
	if len(fields) != 3 {
		return "", fmt.Errorf("%w: CAA %q needs flags, tag and value", ErrInvalidValue, v)
	}
	flags, err := strconv.ParseUint(fields[0], 10, 8)
	if err != nil {
		return "", fmt.Errorf("%w: CAA %q: %v", ErrInvalidValue, v, err)
	}
	return fmt.Sprintf("%d %s %s", flags, strings.ToLower(fields[1]), strconv.Quote(UnquoteTXT(strings.TrimSpace(fields[2])))), nil
}

// UnquoteTXT removes one level of surrounding double quotes.
func UnquoteTXT(v string) string {
	if len(v) >= 2 && strings.HasPrefix(v, `"`) && strings.HasSuffix(v, `"`) {
		return strings.ReplaceAll(v[1:len(v)-1], `\"`, `"`)
	}
	return v
}

var txtEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// QuoteTXT renders v as one quoted character-string, escaping backslashes
// and quotes. Quotes already around v are data and get escaped too.
func QuoteTXT(v string) string {
	return `"` + txtEscaper.Replace(v) + `"`
}

// SplitPriority splits an MX or SRV value into its leading priority and the
// remainder, as providers that carry priority in its own field expect.
func SplitPriority(v string) (uint16, string, error) {
	head, rest, ok := strings.Cut(v, " ")
	if !ok {
		return 0, "", fmt.Errorf("%w: %q has no priority", ErrInvalidValue, v)
	}
	n, err := strconv.ParseUint(head, 10, 16)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %q: %v", ErrInvalidValue, v, err)
	}
	return uint16(n), rest, nil
}

// JoinPriority is the inverse of SplitPriority.
func JoinPriority(priority uint16, rest string) string {
	return strconv.FormatUint(uint64(priority), 10) + " " + rest
}
