package p2p

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// normalizeAddr validates a host:port string and returns it in canonical form.
func normalizeAddr(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	host, port, err := net.SplitHostPort(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if strings.TrimSpace(host) == "" {
		return "", fmt.Errorf("%w: missing host in %q", ErrInvalidAddress, raw)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return "", fmt.Errorf("%w: bad port in %q", ErrInvalidAddress, raw)
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsUnspecified() || ip.IsMulticast() {
			return "", fmt.Errorf("%w: unroutable host %q", ErrInvalidAddress, host)
		}
		host = ip.String()
	} else {
		host = strings.ToLower(host)
	}
	return net.JoinHostPort(host, strconv.Itoa(n)), nil
}

// addrHost returns the host part of a host:port string, or the input unchanged.
func addrHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func dedupeAddrs(existing []string, more ...string) []string {
	out := existing
	for _, addr := range more {
		if addr == "" {
			continue
		}
		dup := false
		for _, have := range out {
			if have == addr {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, addr)
		}
	}
	return out
}
