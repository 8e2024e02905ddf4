package ldappool

import (
	"crypto/tls"
	"net"
	"time"
)

// ConnSettings holds the transport-level options used when opening a session.
//
// ConnSettings is an immutable value: every With method returns a modified copy
// and leaves the receiver untouched, so a single value can be shared between
// goroutines and managers.
type ConnSettings struct {
	connTimeout    time.Duration
	requestTimeout time.Duration
	startTLS       bool
	noTLSVerify    bool
	tlsConfig      *tls.Config
	dialer         *net.Dialer
}

// NewConnSettings returns the default connection settings: no explicit
// timeouts, no StartTLS and full certificate verification.
func NewConnSettings() ConnSettings {
	return ConnSettings{}
}

// WithConnTimeout sets the timeout for establishing the network connection,
// including the TLS handshake for ldaps:// URLs.
func (s ConnSettings) WithConnTimeout(timeout time.Duration) ConnSettings {
	s.connTimeout = timeout
	return s
}

// WithRequestTimeout sets the timeout applied to every protocol operation
// issued on the session.
func (s ConnSettings) WithRequestTimeout(timeout time.Duration) ConnSettings {
	s.requestTimeout = timeout
	return s
}

// WithStartTLS enables upgrading plain ldap:// connections with StartTLS.
func (s ConnSettings) WithStartTLS(startTLS bool) ConnSettings {
	s.startTLS = startTLS
	return s
}

// WithNoTLSVerify disables verification of the server certificate.
func (s ConnSettings) WithNoTLSVerify(noTLSVerify bool) ConnSettings {
	s.noTLSVerify = noTLSVerify
	return s
}

// WithTLSConfig sets a custom TLS configuration. The configuration is cloned
// before use and never modified.
func (s ConnSettings) WithTLSConfig(config *tls.Config) ConnSettings {
	s.tlsConfig = config
	return s
}

// WithDialer sets a custom dialer, e.g. to control keep-alives or the local
// address. The connection timeout, if set, still takes precedence.
func (s ConnSettings) WithDialer(dialer *net.Dialer) ConnSettings {
	s.dialer = dialer
	return s
}

// ConnTimeout returns the dial and TLS handshake timeout, 0 if unset.
func (s ConnSettings) ConnTimeout() time.Duration {
	return s.connTimeout
}

// RequestTimeout returns the per-operation timeout, 0 if unset.
func (s ConnSettings) RequestTimeout() time.Duration {
	return s.requestTimeout
}

// StartTLS reports whether ldap:// connections are upgraded with StartTLS.
func (s ConnSettings) StartTLS() bool {
	return s.startTLS
}

// NoTLSVerify reports whether server certificate verification is skipped.
func (s ConnSettings) NoTLSVerify() bool {
	return s.noTLSVerify
}

// TLSConfig returns the custom TLS configuration, nil if unset.
func (s ConnSettings) TLSConfig() *tls.Config {
	return s.tlsConfig
}

// Dialer returns the custom dialer, nil if unset.
func (s ConnSettings) Dialer() *net.Dialer {
	return s.dialer
}

// effectiveTLSConfig returns the TLS configuration for a connection to host.
func (s ConnSettings) effectiveTLSConfig(host string) *tls.Config {
	var config *tls.Config
	if s.tlsConfig != nil {
		config = s.tlsConfig.Clone()
	} else {
		config = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	if s.noTLSVerify {
		config.InsecureSkipVerify = true
	}

	// ServerName must match the certificate unless verification is off
	if !config.InsecureSkipVerify && config.ServerName == "" {
		config.ServerName = host
	}

	return config
}

// effectiveDialer returns a copy of the configured dialer with the connection
// timeout applied.
func (s ConnSettings) effectiveDialer() *net.Dialer {
	dialer := &net.Dialer{}
	if s.dialer != nil {
		d := *s.dialer
		dialer = &d
	}
	if s.connTimeout > 0 {
		dialer.Timeout = s.connTimeout
	}
	return dialer
}
