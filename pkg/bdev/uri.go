package bdev

import (
	"fmt"
	"net/url"
	"strconv"
)

// ParsedURI is a scheme-stripped device-factory URI: host/path plus a flat
// query-parameter map. Nested URIs (ftl's bbdev/cbdev) are themselves
// percent-encoded ParsedURI-parseable strings carried as ordinary query
// values.
type ParsedURI struct {
	Scheme string
	Host   string
	Path   string
	Query  url.Values
	Raw    string
}

// Parse decodes a device-factory URI per the §6 grammar. Percent-encoding
// of nested URIs (`%3F` for `?`, `%26` for `&`) round-trips through the
// standard net/url decoder without special-casing, since both characters
// are reserved and url.Parse/url.ParseQuery already percent-decode query
// values before ftl.go re-parses them as nested URIs.
func Parse(raw string) (ParsedURI, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return ParsedURI{}, err
	}
	if u.Scheme == "" {
		return ParsedURI{}, fmt.Errorf("bdev uri %q has no scheme", raw)
	}
	q := u.Query()
	return ParsedURI{
		Scheme: u.Scheme,
		Host:   u.Host,
		Path:   u.Path,
		Query:  q,
		Raw:    raw,
	}, nil
}

// QueryUint parses a query parameter as an unsigned integer, returning def
// when absent or unparsable.
func (p ParsedURI) QueryUint(key string, def uint64) uint64 {
	v := p.Query.Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// QueryString returns a query parameter or def when absent.
func (p ParsedURI) QueryString(key, def string) string {
	if v := p.Query.Get(key); v != "" {
		return v
	}
	return def
}
