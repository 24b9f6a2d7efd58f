// Package transport provides the HTTPS client used to reach the biometric server.
//
// The client trusts exactly one bundled root certificate and nothing from the
// system store. Hostname verification is skipped on purpose: the server is
// self-hosted behind an address that does not match its certificate subject.
// The peer chain must still verify against the pinned root.
package transport

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"
)

var (
	// ErrAnchor matches every trust anchor loading failure.
	ErrAnchor = errors.New("transport: trust anchor")
	// ErrAssetMissing reports an anchor file that could not be read.
	ErrAssetMissing = fmt.Errorf("%w: asset missing", ErrAnchor)
	// ErrAssetMalformed reports anchor bytes that do not hold an X.509 certificate.
	ErrAssetMalformed = fmt.Errorf("%w: asset malformed", ErrAnchor)
)

// DefaultTimeout bounds a whole request when Options.Timeout is zero.
const DefaultTimeout = 10 * time.Second

// Options tunes the HTTP client. The zero value is usable.
type Options struct {
	Timeout    time.Duration
	MinVersion uint16
}

// Transport is an immutable HTTPS client pinned to one root certificate.
// It is safe for concurrent use.
type Transport struct {
	client *http.Client
	anchor *x509.Certificate
}

// New builds a Transport trusting only the certificate in anchor (PEM or DER).
func New(anchor []byte, opts Options) (*Transport, error) {
	cert, err := parseAnchor(anchor)
	if err != nil {
		return nil, err
	}

	pool := x509.NewCertPool()
	pool.AddCert(cert)

	minVersion := opts.MinVersion
	if minVersion == 0 {
		minVersion = tls.VersionTLS12
	}

	tlsConfig := &tls.Config{
		MinVersion: minVersion,
		RootCAs:    pool,
		// The built-in check also matches hostnames; VerifyConnection
		// re-runs chain verification against the pin without it.
		InsecureSkipVerify: true, //nolint:gosec
		VerifyConnection:   verifyChain(pool),
	}

	base := http.DefaultTransport.(*http.Transport).Clone()
	base.TLSClientConfig = tlsConfig

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Transport{
		client: &http.Client{Transport: base, Timeout: timeout},
		anchor: cert,
	}, nil
}

// Load reads the trust anchor from path and builds a Transport.
func Load(path string, opts Options) (*Transport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAssetMissing, err)
	}
	return New(data, opts)
}

// Do sends req through the pinned client.
func (t *Transport) Do(req *http.Request) (*http.Response, error) {
	return t.client.Do(req)
}

// Client exposes the underlying HTTP client.
func (t *Transport) Client() *http.Client {
	return t.client
}

// Anchor returns the pinned root certificate.
func (t *Transport) Anchor() *x509.Certificate {
	return t.anchor
}

func parseAnchor(data []byte) (*x509.Certificate, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrAssetMalformed)
	}

	der := data
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != "CERTIFICATE" {
			return nil, fmt.Errorf("%w: unexpected PEM block %q", ErrAssetMalformed, block.Type)
		}
		der = block.Bytes
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAssetMalformed, err)
	}
	return cert, nil
}

func verifyChain(roots *x509.CertPool) func(tls.ConnectionState) error {
	return func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 {
			return errors.New("transport: server presented no certificate")
		}
		opts := x509.VerifyOptions{
			Roots:         roots,
			Intermediates: x509.NewCertPool(),
		}
		for _, cert := range cs.PeerCertificates[1:] {
			opts.Intermediates.AddCert(cert)
		}
		_, err := cs.PeerCertificates[0].Verify(opts)
		return err
	}
}

var (
	sharedOnce      sync.Once
	sharedTransport *Transport
	sharedErr       error
)

// Shared returns the process-wide Transport, loading it from path on first use.
// Later calls return the same instance or the same error; path and opts are
// ignored after the first call. The Transport is never torn down.
func Shared(path string, opts Options) (*Transport, error) {
	sharedOnce.Do(func() {
		sharedTransport, sharedErr = Load(path, opts)
	})
	return sharedTransport, sharedErr
}
