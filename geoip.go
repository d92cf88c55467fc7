package turnstile

import (
	"fmt"
	"net"
	"net/netip"
	"sort"

	"github.com/oschwald/geoip2-golang"
)

// GeoIPReader provides IP geolocation using MaxMind GeoLite2 database.
type GeoIPReader struct {
	db *geoip2.Reader
}

// NewGeoIPReader opens a MaxMind GeoLite2-City database.
func NewGeoIPReader(dbPath string) (*GeoIPReader, error) {
	if dbPath == "" {
		return nil, ErrGeoIPDatabaseNotConfigured
	}

	db, err := geoip2.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("geoip: failed to open database: %w", err)
	}
	return &GeoIPReader{db: db}, nil
}

// Lookup returns location information for an IP address.
// Private and loopback addresses fail with ErrGeoIPLookupFailed.
func (r *GeoIPReader) Lookup(ip string) (LocationInfo, error) {
	if r == nil || r.db == nil {
		return LocationInfo{}, ErrGeoIPDatabaseNotConfigured
	}

	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return LocationInfo{}, fmt.Errorf("%w: %s", ErrInvalidIP, ip)
	}
	if IsPrivateIP(ip) {
		return LocationInfo{}, fmt.Errorf("%w: %s is not routable", ErrGeoIPLookupFailed, ip)
	}

	record, err := r.db.City(net.IP(addr.Unmap().AsSlice()))
	if err != nil {
		return LocationInfo{}, fmt.Errorf("%w: %v", ErrGeoIPLookupFailed, err)
	}

	return LocationInfo{
		IP:        ip,
		City:      preferredName(record.City.Names),
		Country:   preferredName(record.Country.Names),
		Latitude:  record.Location.Latitude,
		Longitude: record.Location.Longitude,
	}, nil
}

// preferredName picks the English name, or the first by language code.
func preferredName(names map[string]string) string {
	if name, ok := names["en"]; ok {
		return name
	}
	langs := make([]string, 0, len(names))
	for lang := range names {
		langs = append(langs, lang)
	}
	if len(langs) == 0 {
		return ""
	}
	sort.Strings(langs)
	return names[langs[0]]
}

// Close closes the GeoIP database.
func (r *GeoIPReader) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}
