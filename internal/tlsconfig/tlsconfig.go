// Package tlsconfig builds the *tls.Config values a Listener needs for
// inbound TLS termination and outbound TLS origination, including
// automatic certificate provisioning for development and for production
// via ACME TLS-ALPN-01.
package tlsconfig

import (
	"crypto/tls"
	"fmt"

	"golang.org/x/crypto/acme/autocert"
)

// InboundOptions describes how a listener should terminate TLS.
// Exactly one of (CertFile/KeyFile), AutocertDomain, or DevSelfSigned
// should be set; see BuildInbound.
type InboundOptions struct {
	CertFile string
	KeyFile  string

	// AutocertDomain, when non-empty, provisions a certificate
	// automatically via Let's Encrypt for this host. Only the TLS-ALPN-01
	// challenge is answered; no HTTP-01 handler is served.
	AutocertDomain string
	AutocertCache  string

	// DevSelfSigned requests an in-memory self-signed certificate for
	// local testing of plain and TLS connection combinations.
	DevSelfSigned bool
}

// BuildInbound constructs the *tls.Config a Listener presents to
// clients. Returns nil, nil when opts is the zero value (no inbound TLS).
func BuildInbound(opts InboundOptions) (*tls.Config, error) {
	switch {
	case opts.AutocertDomain != "":
		cacheDir := opts.AutocertCache
		if cacheDir == "" {
			cacheDir = "."
		}
		m := &autocert.Manager{
			Cache:      autocert.DirCache(cacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(opts.AutocertDomain),
		}
		return m.TLSConfig(), nil

	case opts.DevSelfSigned:
		cert, _, err := GenerateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("tlsconfig: generate dev certificate: %w", err)
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}}, nil

	case opts.CertFile != "" && opts.KeyFile != "":
		cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("tlsconfig: load cert/key pair: %w", err)
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}}, nil

	case opts.CertFile != "" || opts.KeyFile != "":
		return nil, fmt.Errorf("tlsconfig: both cert_file and key_file are required")

	default:
		return nil, nil
	}
}

// OutboundOptions describes how a listener should originate TLS toward
// the upstream: disabled, library defaults, or a custom client config.
type OutboundOptions struct {
	// Enabled turns on outbound TLS. When Enabled is true and both
	// ClientCertFile/ClientKeyFile are empty, the system's default root
	// CAs are used to verify the upstream.
	Enabled bool

	ClientCertFile string
	ClientKeyFile  string

	// InsecureSkipVerify is a documented escape hatch for proxying to
	// upstreams with self-signed certificates; off by default.
	InsecureSkipVerify bool

	ServerName string
}

// BuildOutbound constructs the *tls.Config a Session dials the
// upstream with, or nil for a plain TCP P2S connection.
func BuildOutbound(opts OutboundOptions) (*tls.Config, error) {
	if !opts.Enabled {
		return nil, nil
	}

	cfg := &tls.Config{
		InsecureSkipVerify: opts.InsecureSkipVerify,
		ServerName:         opts.ServerName,
	}

	if opts.ClientCertFile != "" || opts.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(opts.ClientCertFile, opts.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("tlsconfig: load client cert/key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}
