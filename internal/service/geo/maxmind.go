package geo

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"

	"github.com/zhouzirui/z-relay/backend/internal/model/relay"
)

// MaxMind looks addresses up in a GeoLite2/GeoIP2 City database file.
type MaxMind struct {
	reader *geoip2.Reader
}

// OpenMaxMind loads the database at path.
func OpenMaxMind(path string) (*MaxMind, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database %q: %w", path, err)
	}
	return &MaxMind{reader: reader}, nil
}

// Lookup implements Locator.
func (m *MaxMind) Lookup(ip string) (*relay.Location, bool) {
	addr, ok := routable(ip)
	if !ok {
		return nil, false
	}

	record, err := m.reader.City(net.IP(addr.AsSlice()))
	if err != nil || record == nil {
		return nil, false
	}
	if record.Country.IsoCode == "" && record.Location.Latitude == 0 && record.Location.Longitude == 0 {
		return nil, false
	}

	loc := &relay.Location{
		Country:  record.Country.IsoCode,
		City:     record.City.Names["en"],
		Timezone: record.Location.TimeZone,
	}
	if len(record.Subdivisions) > 0 {
		loc.Region = record.Subdivisions[0].IsoCode
	}
	if record.Location.Latitude != 0 || record.Location.Longitude != 0 {
		loc.Coordinates = []float64{record.Location.Latitude, record.Location.Longitude}
	}
	return loc, true
}

// Close releases the database.
func (m *MaxMind) Close() error {
	return m.reader.Close()
}
