// Package security pins the TLS keys of the license and certificate
// endpoints, so the user token is only sent to a server holding a known key.
package security

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"
)

// ErrPinMismatch is returned when no certificate in the verified chain
// matches a pinned key.
var ErrPinMismatch = errors.New("certificate pin verification failed")

// Pinner checks TLS peers against SHA-256 hashes of their certificates'
// SubjectPublicKeyInfo. Hosts without pins only get normal chain
// verification.
type Pinner struct {
	pins map[string][]string // hostname -> hex SPKI hashes
}

// ParsePins builds a Pinner from "host=hash" entries. A host may be a
// wildcard ("*.example.com") and may appear more than once to pin backup
// keys. Hashes are hex encoded SHA-256 of the SPKI.
func ParsePins(entries []string) (*Pinner, error) {
	p := &Pinner{pins: make(map[string][]string)}
	for _, entry := range entries {
		host, hash, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			return nil, fmt.Errorf("invalid pin %q: expected host=sha256", entry)
		}
		if err := p.AddPin(host, hash); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// AddPin adds a pinned hash for hostname.
func (p *Pinner) AddPin(hostname, spkiHash string) error {
	hostname = strings.ToLower(strings.TrimSpace(hostname))
	if hostname == "" {
		return errors.New("hostname cannot be empty")
	}

	spkiHash = strings.ToLower(strings.TrimSpace(spkiHash))
	if len(spkiHash) != 2*sha256.Size {
		return fmt.Errorf("pin for %s must be %d hex characters (SHA-256)", hostname, 2*sha256.Size)
	}
	if _, err := hex.DecodeString(spkiHash); err != nil {
		return fmt.Errorf("pin for %s must be valid hex: %w", hostname, err)
	}

	p.pins[hostname] = append(p.pins[hostname], spkiHash)
	return nil
}

// Empty reports whether no host is pinned.
func (p *Pinner) Empty() bool {
	return p == nil || len(p.pins) == 0
}

// Hosts returns the pinned hostnames in order.
func (p *Pinner) Hosts() []string {
	hosts := make([]string, 0, len(p.pins))
	for h := range p.pins {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}

// findMatchingPins returns the pins for hostname, trying an exact match
// before wildcards. A wildcard covers subdomains, not the bare domain.
func (p *Pinner) findMatchingPins(hostname string) []string {
	hostname = strings.ToLower(hostname)
	if pins, ok := p.pins[hostname]; ok {
		return pins
	}

	for pinnedHost, pins := range p.pins {
		if base, ok := strings.CutPrefix(pinnedHost, "*."); ok && strings.HasSuffix(hostname, "."+base) {
			return pins
		}
	}
	return nil
}

// Verify checks a completed handshake with hostname.
func (p *Pinner) Verify(hostname string, cs tls.ConnectionState) error {
	pins := p.findMatchingPins(hostname)
	if len(pins) == 0 {
		return nil
	}

	chains := cs.VerifiedChains
	if len(chains) == 0 && len(cs.PeerCertificates) > 0 {
		chains = [][]*x509.Certificate{cs.PeerCertificates}
	}

	for _, chain := range chains {
		for _, cert := range chain {
			hash := SPKIHash(cert)
			for _, pin := range pins {
				if hash == pin {
					return nil
				}
			}
		}
	}

	return fmt.Errorf("%w for %s", ErrPinMismatch, hostname)
}

// Transport returns an HTTP transport that checks pins during every TLS
// handshake, before any request bytes are written. base supplies the rest
// of the TLS settings and may be nil.
func (p *Pinner) Transport(base *tls.Config) *http.Transport {
	if base == nil {
		base = &tls.Config{}
	}
	if base.MinVersion < tls.VersionTLS12 {
		base = base.Clone()
		base.MinVersion = tls.VersionTLS12
	}

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}

		cfg := base.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = host
		}
		cfg.VerifyConnection = func(cs tls.ConnectionState) error {
			return p.Verify(host, cs)
		}

		td := &tls.Dialer{NetDialer: dialer, Config: cfg}
		return td.DialContext(ctx, network, addr)
	}
	return transport
}

// SPKIHash returns the hex SHA-256 of cert's SubjectPublicKeyInfo.
func SPKIHash(cert *x509.Certificate) string {
	hash := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return hex.EncodeToString(hash[:])
}
