package printer

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

var errEmptyAddress = errors.New("empty printer address")

// Address is a parsed connection string. Scheme and Port are zero values
// when the user did not give them.
type Address struct {
	Scheme string
	Host   string
	Port   int
}

// ParseAddress accepts "host", "host:port" or a URL such as
// "http://host:7125" or "mqtt://host".
func ParseAddress(input string) (Address, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return Address{}, errEmptyAddress
	}

	if strings.Contains(input, "://") {
		u, err := url.Parse(input)
		if err != nil {
			return Address{}, fmt.Errorf("parsing address %q: %w", input, err)
		}
		addr := Address{Scheme: strings.ToLower(u.Scheme), Host: u.Hostname()}
		if p := u.Port(); p != "" {
			if addr.Port, err = strconv.Atoi(p); err != nil {
				return Address{}, fmt.Errorf("parsing port %q: %w", p, err)
			}
		}
		if addr.Host == "" {
			return Address{}, errEmptyAddress
		}
		return addr, nil
	}

	host, port, err := net.SplitHostPort(input)
	if err != nil {
		// No port (or a bare IPv6 literal).
		return Address{Host: strings.Trim(input, "[]")}, nil
	}
	if host == "" {
		return Address{}, errEmptyAddress
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return Address{}, fmt.Errorf("parsing port %q: %w", port, err)
	}
	return Address{Host: host, Port: n}, nil
}

// IsHTTP reports whether the user pinned the address to HTTP(S).
func (a Address) IsHTTP() bool {
	return a.Scheme == "http" || a.Scheme == "https"
}

// IsMQTT reports whether the user pinned the address to MQTT.
func (a Address) IsMQTT() bool {
	return a.Scheme == "mqtt" || a.Scheme == "mqtts"
}

// httpURL returns scheme://host[:port]. Without an explicit port the given
// default is used; port 80 over plain HTTP is left implicit.
func (a Address) httpURL(defaultPort int) string {
	scheme := "http"
	if a.IsHTTP() {
		scheme = a.Scheme
	}
	port := a.Port
	if port == 0 {
		port = defaultPort
	}
	if port == 0 || (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		return scheme + "://" + hostLiteral(a.Host)
	}
	return scheme + "://" + net.JoinHostPort(a.Host, strconv.Itoa(port))
}

// brokerURL returns the paho broker URL (tcp:// or ssl://).
func (a Address) brokerURL(defaultPort int) string {
	scheme := "tcp"
	if a.Scheme == "mqtts" {
		scheme = "ssl"
	}
	port := a.Port
	if port == 0 {
		port = defaultPort
	}
	return scheme + "://" + net.JoinHostPort(a.Host, strconv.Itoa(port))
}

func hostLiteral(host string) string {
	if strings.Contains(host, ":") {
		return "[" + host + "]"
	}
	return host
}
