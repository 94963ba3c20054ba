// Package record holds the provider independent model of a DNS record set.
//
// A Record is identified by its Key (name and type). All values published
// under one key form a single record, so a multi-value TXT or A set is diffed
// and applied as one unit.
package record

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"
)

var (
	ErrInvalidName   = errors.New("invalid record name")
	ErrInvalidType   = errors.New("invalid record type")
	ErrInvalidValue  = errors.New("invalid record value")
	ErrInvalidTTL    = errors.New("invalid record ttl")
	ErrDuplicateKey  = errors.New("duplicate record")
	ErrCNAMEConflict = errors.New("cname cannot coexist with other records")
)

type Type string

const (
	TypeA     Type = "A"
	TypeAAAA  Type = "AAAA"
	TypeCNAME Type = "CNAME"
	TypeTXT   Type = "TXT"
	TypeMX    Type = "MX"
	TypeNS    Type = "NS"
	TypeSRV   Type = "SRV"
	TypeCAA   Type = "CAA"
	TypePTR   Type = "PTR"
	TypeSOA   Type = "SOA"
)

// ParseType upper-cases s and checks it against the known RR types.
func ParseType(s string) (Type, error) {
	t := strings.ToUpper(strings.TrimSpace(s))
	if _, ok := dns.StringToType[t]; !ok || t == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidType, s)
	}
	return Type(t), nil
}

// Key identifies a record set within a zone.
type Key struct {
	Name string
	Type Type
}

func (k Key) String() string {
	return k.Name + " " + string(k.Type)
}

type Record struct {
	// Name is the canonical FQDN, lower case with a trailing dot.
	Name string
	Type Type
	// Values are canonical and sorted.
	Values []string
	// TTL of zero means the provider default applies.
	TTL time.Duration
	// ProviderID is set once the record has been observed at a provider.
	ProviderID string
}

func (r Record) Key() Key {
	return Key{Name: r.Name, Type: r.Type}
}

func (r Record) Clone() Record {
	r.Values = slices.Clone(r.Values)
	return r
}

func (r Record) String() string {
	return fmt.Sprintf("%s %s ttl=%s [%s]", r.Name, r.Type, r.TTL, strings.Join(r.Values, ", "))
}

// New builds a normalized record. name may be relative to zone.
func New(zone, name, typ string, values []string, ttl time.Duration) (Record, error) {
	return Normalize(zone, Record{Name: name, Type: Type(typ), Values: values, TTL: ttl})
}

// Normalize returns a canonical copy of r. Relative names are resolved
// against zone; zone may be empty when r.Name is already absolute.
func Normalize(zone string, r Record) (Record, error) {
	name, err := CanonicalName(zone, r.Name)
	if err != nil {
		return Record{}, err
	}
	typ, err := ParseType(string(r.Type))
	if err != nil {
		return Record{}, err
	}
	if len(r.Values) == 0 {
		return Record{}, fmt.Errorf("%w: %s %s has no values", ErrInvalidValue, name, typ)
	}
	if r.TTL < 0 {
		return Record{}, fmt.Errorf("%w: %s %s ttl %s", ErrInvalidTTL, name, typ, r.TTL)
	}

	values := make([]string, 0, len(r.Values))
	for _, v := range r.Values {
		cv, err := CanonicalValue(typ, v)
		if err != nil {
			return Record{}, fmt.Errorf("%s %s: %w", name, typ, err)
		}
		values = append(values, cv)
	}
	sort.Strings(values)

	if typ == TypeCNAME && len(values) != 1 {
		return Record{}, fmt.Errorf("%w: %s CNAME must have exactly one value, got %d", ErrInvalidValue, name, len(values))
	}

	return Record{
		Name:       name,
		Type:       typ,
		Values:     values,
		TTL:        r.TTL.Truncate(time.Second),
		ProviderID: r.ProviderID,
	}, nil
}

// NormalizeAll normalizes every record and checks the set is consistent.
func NormalizeAll(zone string, records []Record) ([]Record, error) {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		n, err := Normalize(zone, r)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if err := CheckSet(out); err != nil {
		return nil, err
	}
	return out, nil
}

// CheckSet rejects duplicate keys and CNAMEs that share a name with any
// other record.
func CheckSet(records []Record) error {
	seen := make(map[Key]bool, len(records))
	types := make(map[string][]Type)
	for _, r := range records {
		if seen[r.Key()] {
			return fmt.Errorf("%w: %s", ErrDuplicateKey, r.Key())
		}
		seen[r.Key()] = true
		types[r.Name] = append(types[r.Name], r.Type)
	}
	for name, ts := range types {
		if len(ts) > 1 && slices.Contains(ts, TypeCNAME) {
			return fmt.Errorf("%w: %s", ErrCNAMEConflict, name)
		}
	}
	return nil
}

// Changed reports whether observed must be updated to match desired. An
// absent desired TTL accepts whatever TTL the provider applied.
func Changed(desired, observed Record) bool {
	if !slices.Equal(desired.Values, observed.Values) {
		return true
	}
	return desired.TTL != 0 && desired.TTL != observed.TTL
}

// Sort orders records by name then type.
func Sort(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].Name != records[j].Name {
			return records[i].Name < records[j].Name
		}
		return records[i].Type < records[j].Type
	})
}
