// Package netutil provides shared HTTP/network normalization helpers for
// the ingress proxy.
package netutil

import (
	"net"
	"strings"
)

// NormalizeHost lower-cases a Host header value and strips any port and
// trailing dot, returning just the hostname.
func NormalizeHost(raw string) string {
	host := strings.ToLower(strings.TrimSpace(raw))
	if host == "" {
		return ""
	}

	if h, p, err := net.SplitHostPort(host); err == nil && p != "" {
		host = h
	} else if strings.Count(host, ":") == 1 {
		left, right, ok := strings.Cut(host, ":")
		if ok && isDigits(right) {
			host = left
		}
	}

	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return strings.TrimSuffix(host, ".")
}

// FirstLabel splits a hostname into its first DNS label and the remainder.
// ok is false when the host has no subdomain label.
func FirstLabel(host string) (label, rest string, ok bool) {
	label, rest, ok = strings.Cut(host, ".")
	if !ok || label == "" || rest == "" {
		return "", "", false
	}
	return label, rest, true
}

func isDigits(v string) bool {
	if v == "" {
		return false
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
