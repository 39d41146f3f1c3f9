package geo

import (
	"fmt"
	"io"
	"net/netip"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/zhouzirui/z-relay/backend/internal/model/relay"
)

// TableEntry is one row of a YAML geo table.
type TableEntry struct {
	CIDR        string    `yaml:"cidr"`
	Country     string    `yaml:"country"`
	City        string    `yaml:"city"`
	Region      string    `yaml:"region"`
	Coordinates []float64 `yaml:"coordinates"`
	Timezone    string    `yaml:"timezone"`
}

type tableRow struct {
	prefix netip.Prefix
	loc    relay.Location
}

// Table is an in-memory prefix table. The longest matching prefix wins.
type Table struct {
	rows []tableRow
}

// NewTable builds a table from entries.
func NewTable(entries []TableEntry) (*Table, error) {
	rows := make([]tableRow, 0, len(entries))
	for i, e := range entries {
		prefix, err := netip.ParsePrefix(e.CIDR)
		if err != nil {
			return nil, fmt.Errorf("geo table entry %d: %w", i, err)
		}
		if len(e.Coordinates) != 0 && len(e.Coordinates) != 2 {
			return nil, fmt.Errorf("geo table entry %d: coordinates must be [lat, lon]", i)
		}
		rows = append(rows, tableRow{
			prefix: prefix.Masked(),
			loc: relay.Location{
				Country:     e.Country,
				City:        e.City,
				Region:      e.Region,
				Coordinates: e.Coordinates,
				Timezone:    e.Timezone,
			},
		})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].prefix.Bits() > rows[j].prefix.Bits()
	})
	return &Table{rows: rows}, nil
}

// LoadTable reads a YAML list of entries from path.
func LoadTable(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geo table: %w", err)
	}
	defer f.Close()
	return ReadTable(f)
}

// ReadTable decodes a YAML list of entries from r.
func ReadTable(r io.Reader) (*Table, error) {
	var entries []TableEntry
	if err := yaml.NewDecoder(r).Decode(&entries); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode geo table: %w", err)
	}
	return NewTable(entries)
}

// Lookup implements Locator.
func (t *Table) Lookup(ip string) (*relay.Location, bool) {
	addr, ok := routable(ip)
	if !ok {
		return nil, false
	}
	for _, row := range t.rows {
		if row.prefix.Contains(addr) {
			loc := row.loc
			if loc.Coordinates != nil {
				loc.Coordinates = append([]float64(nil), loc.Coordinates...)
			}
			return &loc, true
		}
	}
	return nil, false
}

// Len returns the number of prefixes in the table.
func (t *Table) Len() int { return len(t.rows) }
