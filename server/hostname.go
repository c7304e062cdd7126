package server

import (
	"net"
	"net/url"
	"strings"
)

// HostClass is the classification of a frontend host for cookie scoping.
// Local hosts (loopback, IP literals, machine-ID hostnames) get no Domain
// attribute so the browser scopes the cookie to the exact requesting host.
type HostClass struct {
	Local       bool
	ScopeDomain string
}

// ClassifyHost decides whether the URL's host is a single-machine host or a
// shared multi-user host, and derives the cookie scope domain for shared
// hosts (last two labels, leading dot). Deterministic, side-effect free, and
// total: malformed URLs degrade to local with no scope domain.
func ClassifyHost(rawURL string) HostClass {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return HostClass{Local: true}
	}
	host := strings.ToLower(u.Hostname())

	if host == "localhost" || net.ParseIP(host) != nil {
		return HostClass{Local: true}
	}
	if isMachineHostname(host) {
		return HostClass{Local: true}
	}

	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return HostClass{}
	}
	return HostClass{ScopeDomain: "." + strings.Join(labels[len(labels)-2:], ".")}
}

// isMachineHostname detects laptop/desktop asset-tag hostnames such as
// a6374718.nos.example.com or pc1234.corp.example.com: a short first label
// mixing letters and digits. Short alphanumeric subdomains of real services
// are accepted as false positives; leaking a wide cookie domain onto a
// personal machine would be worse.
func isMachineHostname(host string) bool {
	first, _, _ := strings.Cut(host, ".")
	if len(first) > 10 {
		return false
	}
	var hasLetter, hasDigit bool
	for _, r := range first {
		switch {
		case r >= 'a' && r <= 'z':
			hasLetter = true
		case r >= '0' && r <= '9':
			hasDigit = true
		}
	}
	return hasLetter && hasDigit
}
