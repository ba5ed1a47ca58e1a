package util

import (
	"net"
	"strconv"
)

func FormatPort(port int) string {
	return strconv.Itoa(port)
}

func NetJoin(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// FormatSeconds renders a float without trailing zeros, e.g. 0.1 or 10.
func FormatSeconds(secs float64) string {
	return strconv.FormatFloat(secs, 'f', -1, 64)
}

// ValueOr dereferences ptr, or returns fallback when ptr is nil. Config
// fields use pointers where an explicit false or zero differs from unset.
func ValueOr[T any](ptr *T, fallback T) T {
	if ptr == nil {
		return fallback
	}
	return *ptr
}
