// Package certpolicy implements the peer-certificate acceptance policy
// ("passport") used on both the relay-facing and management TLS listeners
// (spec §4.1 "Authentication", §4.4 "If TLS is enabled... the client
// certificate must be accepted by the configured policy").
package certpolicy

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
)

// Policy verifies a peer certificate chain against a trusted CA bundle and,
// optionally, an allowlist of acceptable certificate common names.
type Policy struct {
	pool        *x509.CertPool
	commonNames map[string]bool // empty set means "accept any CN signed by the CA"
}

// Load reads a PEM-encoded CA bundle from caFile and builds a Policy.
// commonNames is a comma-separated allowlist; an empty string accepts any
// certificate signed by the CA regardless of its CN.
func Load(caFile, commonNames string) (*Policy, error) {
	pemBytes, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("reading passport CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, fmt.Errorf("no certificates found in passport CA file %q", caFile)
	}
	return NewPolicy(pool, commonNames), nil
}

// NewPolicy builds a Policy from an already-parsed CA pool, for callers
// (and tests) that don't load the bundle from disk themselves.
func NewPolicy(pool *x509.CertPool, commonNames string) *Policy {
	p := &Policy{pool: pool}
	if commonNames != "" {
		p.commonNames = make(map[string]bool)
		for _, cn := range strings.Split(commonNames, ",") {
			cn = strings.TrimSpace(cn)
			if cn != "" {
				p.commonNames[cn] = true
			}
		}
	}
	return p
}

// Accept reports whether the connection's peer certificate chain verifies
// against the configured CA and, if a common-name allowlist was
// configured, whether the leaf certificate's CN is on it.
func (p *Policy) Accept(state *tls.ConnectionState) bool {
	if state == nil || len(state.PeerCertificates) == 0 {
		return false
	}
	leaf := state.PeerCertificates[0]

	opts := x509.VerifyOptions{
		Roots:         p.pool,
		Intermediates: x509.NewCertPool(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageAny},
	}
	for _, cert := range state.PeerCertificates[1:] {
		opts.Intermediates.AddCert(cert)
	}
	if _, err := leaf.Verify(opts); err != nil {
		return false
	}

	if len(p.commonNames) == 0 {
		return true
	}
	return p.commonNames[leaf.Subject.CommonName]
}

// AcceptAny is used when no passport is configured: every peer is accepted.
// This is only suitable for the relay channel when TLS itself is disabled
// for local testing; production deployments must configure a passport.
type AcceptAny struct{}

func (AcceptAny) Accept(*tls.ConnectionState) bool { return true }
