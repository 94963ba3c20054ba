package source

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/evanofslack/cloud-dns-sync/internal/record"
	"gopkg.in/yaml.v3"
)

var ErrDuplicateZone = errors.New("zone declared twice")

// ZoneRecords is the desired state of one zone.
type ZoneRecords struct {
	Zone    string
	Records []record.Record
}

type file struct {
	Zones []zoneEntry `yaml:"zones"`
}

type zoneEntry struct {
	Zone    string        `yaml:"zone"`
	Records []recordEntry `yaml:"records"`
}

type recordEntry struct {
	Name   string   `yaml:"name"`
	Type   string   `yaml:"type"`
	Value  string   `yaml:"value"`
	Values []string `yaml:"values"`
	// TTL in seconds, 0 leaves the provider's TTL alone.
	TTL int `yaml:"ttl"`
}

// Load reads the desired state file at path.
func Load(path string) ([]ZoneRecords, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read records file: %w", err)
	}
	zones, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	slog.Default().Debug("Loaded desired records", "path", path, "zones", len(zones))
	return zones, nil
}

// Parse decodes a desired state document. Record names are relative to
// their zone unless they end in it.
func Parse(data []byte) ([]ZoneRecords, error) {
	var f file
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	seen := make(map[string]bool)
	out := make([]ZoneRecords, 0, len(f.Zones))
	for i, z := range f.Zones {
		zone := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(z.Zone)), ".")
		if zone == "" {
			return nil, fmt.Errorf("zone %d: %w: empty zone", i, record.ErrInvalidName)
		}
		if seen[zone] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateZone, zone)
		}
		seen[zone] = true

		zr := ZoneRecords{Zone: zone, Records: make([]record.Record, 0, len(z.Records))}
		for _, e := range z.Records {
			values := e.Values
			if e.Value != "" {
				values = append([]string{e.Value}, values...)
			}
			r, err := record.New(zone, e.Name, e.Type, values, time.Duration(e.TTL)*time.Second)
			if err != nil {
				return nil, fmt.Errorf("zone %s record %q: %w", zone, e.Name, err)
			}
			zr.Records = append(zr.Records, r)
		}
		if err := record.CheckSet(zr.Records); err != nil {
			return nil, fmt.Errorf("zone %s: %w", zone, err)
		}
		out = append(out, zr)
	}
	return out, nil
}
