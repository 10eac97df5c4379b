// Package netutil provides shared host/target normalization helpers.
package netutil

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ErrBadTarget is returned for CONNECT targets that are not host:port.
var ErrBadTarget = errors.New("malformed target")

// NormalizeHost lower-cases and strips ports/trailing dots from host values.
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

// SplitTarget parses a CONNECT request target of the form host:port.
func SplitTarget(raw string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(raw))
	if err != nil {
		return "", 0, ErrBadTarget
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, ErrBadTarget
	}
	host = NormalizeHost(host)
	if host == "" {
		return "", 0, ErrBadTarget
	}
	return host, port, nil
}

// JoinHostPort formats a host and numeric port as a dial address.
func JoinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// FormatBytes renders a byte count with thousands separators plus MB and GB
// conversions, e.g. "1,048,576 bytes (1.00 MB, 0.001 GB)".
func FormatBytes(n int64) string {
	mb := float64(n) / (1024 * 1024)
	gb := float64(n) / (1024 * 1024 * 1024)
	return fmt.Sprintf("%s bytes (%.2f MB, %.3f GB)", groupDigits(n), mb, gb)
}

func groupDigits(n int64) string {
	s := strconv.FormatInt(n, 10)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
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
