package geo

import (
	"fmt"
	"net/netip"

	"github.com/oschwald/maxminddb-golang/v2"
)

// Provider resolves an IP address to an ISO 3166-1 alpha-2 country code.
type Provider interface {
	Lookup(ip string) (string, error)
	Close() error
}

type mmdbProvider struct {
	db *maxminddb.Reader
}

// mmdbRecord maps the nested MaxMind GeoIP2/GeoLite2 country structure.
type mmdbRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// NewMMDBProvider opens a MaxMind .mmdb database.
func NewMMDBProvider(path string) (Provider, error) {
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open mmdb: %w", err)
	}
	return &mmdbProvider{db: db}, nil
}

func (p *mmdbProvider) Lookup(ip string) (string, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "", fmt.Errorf("invalid IP address: %w", err)
	}

	var record mmdbRecord
	if err := p.db.Lookup(addr).Decode(&record); err != nil {
		return "", fmt.Errorf("mmdb lookup failed: %w", err)
	}
	return record.Country.ISOCode, nil
}

func (p *mmdbProvider) Close() error {
	return p.db.Close()
}

// NoopProvider returns an empty country for every IP. Used when no geo
// database is configured.
type NoopProvider struct{}

func (NoopProvider) Lookup(string) (string, error) { return "", nil }
func (NoopProvider) Close() error                  { return nil }

// StaticProvider maps fixed IPs to countries. Test helper and escape hatch
// for environments where country attribution arrives out of band.
type StaticProvider map[string]string

func (s StaticProvider) Lookup(ip string) (string, error) {
	return s[ip], nil
}

func (s StaticProvider) Close() error { return nil }
