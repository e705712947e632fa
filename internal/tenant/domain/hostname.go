package domain

import (
	"net"
	"strings"
)

// NormalizeHostname lowercases a Host header value and strips any port and trailing dot.
func NormalizeHostname(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	} else if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = strings.Trim(host, "[]")
	}
	return strings.TrimSuffix(host, ".")
}
