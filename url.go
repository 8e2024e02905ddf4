package ldappool

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
)

// Default ports for LDAP schemes.
const (
	DefaultLDAPPort  = 389
	DefaultLDAPSPort = 636

	defaultLDAPISocket = "/var/run/slapd/ldapi"
)

// target is a parsed dial destination.
type target struct {
	Network string // "tcp" or "unix"
	Address string // host:port or socket path
	Host    string // host name used for TLS verification
	UseTLS  bool   // ldaps:// (TLS from the first byte)
}

// parseURL parses an LDAP URL into a dial target.
//
// Supported schemes are ldap://, ldaps:// and ldapi://. A missing port selects
// the scheme default, a missing ldapi path selects the usual slapd socket.
func parseURL(rawURL string) (*target, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid LDAP URL %q: %w", rawURL, err)
	}

	switch u.Scheme {
	case "ldapi":
		path := u.Path
		if path == "" || path == "/" {
			path = defaultLDAPISocket
		}
		return &target{Network: "unix", Address: path}, nil
	case "ldap", "ldaps":
	default:
		return nil, fmt.Errorf("unsupported scheme %q, must be ldap://, ldaps:// or ldapi://", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("invalid LDAP URL %q: host cannot be empty", rawURL)
	}

	useTLS := u.Scheme == "ldaps"
	port := DefaultLDAPPort
	if useTLS {
		port = DefaultLDAPSPort
	}
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid port number: %s", p)
		}
	}

	return &target{
		Network: "tcp",
		Address: net.JoinHostPort(host, strconv.Itoa(port)),
		Host:    host,
		UseTLS:  useTLS,
	}, nil
}
