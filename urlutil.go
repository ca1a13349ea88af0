package ssdp

import (
	"net"
	"strings"
)

// URL is a minimal scheme://host:service locator. The service part is a
// port number or service name; IPv6 hosts are bracketed when rendered.
type URL struct {
	Scheme  string
	Host    string
	Service string
}

// NewURL constructs a locator from its parts.
func NewURL(scheme, host, service string) URL {
	return URL{Scheme: scheme, Host: host, Service: service}
}

// ParseURL splits a locator string into scheme, host, and service parts.
// The scheme and service are optional; "host", "host:port", and
// "scheme://host:port" forms are all accepted.
func ParseURL(s string) URL {
	var u URL
	if i := strings.Index(s, "://"); i >= 0 {
		u.Scheme = s[:i]
		s = s[i+3:]
	}
	if host, service, err := net.SplitHostPort(s); err == nil {
		u.Host = host
		u.Service = service
	} else {
		u.Host = strings.Trim(s, "[]")
	}
	return u
}

// String renders the locator in canonical form.
func (u URL) String() string {
	hostport := u.Host
	if u.Service != "" {
		hostport = net.JoinHostPort(u.Host, u.Service)
	}
	if u.Scheme == "" {
		return hostport
	}
	return u.Scheme + "://" + hostport
}
