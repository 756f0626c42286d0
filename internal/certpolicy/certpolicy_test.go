package certpolicy

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"
)

// genCA creates a self-signed CA certificate and key.
func genCA(t *testing.T) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating CA key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating CA cert: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parsing CA cert: %v", err)
	}
	return cert, key
}

// genLeaf issues a leaf certificate signed by the given CA.
func genLeaf(t *testing.T, ca *x509.Certificate, caKey *ecdsa.PrivateKey, cn string) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating leaf key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca, &key.PublicKey, caKey)
	if err != nil {
		t.Fatalf("creating leaf cert: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parsing leaf cert: %v", err)
	}
	return cert
}

func TestAcceptValidCertNoAllowlist(t *testing.T) {
	ca, caKey := genCA(t)
	leaf := genLeaf(t, ca, caKey, "relay-1")

	pool := x509.NewCertPool()
	pool.AddCert(ca)
	policy := NewPolicy(pool, "")

	state := &tls.ConnectionState{PeerCertificates: []*x509.Certificate{leaf}}
	if !policy.Accept(state) {
		t.Fatal("expected certificate signed by trusted CA to be accepted")
	}
}

func TestRejectUntrustedCA(t *testing.T) {
	trustedCA, _ := genCA(t)
	otherCA, otherKey := genCA(t)
	leaf := genLeaf(t, otherCA, otherKey, "relay-1")

	pool := x509.NewCertPool()
	pool.AddCert(trustedCA)
	policy := NewPolicy(pool, "")

	state := &tls.ConnectionState{PeerCertificates: []*x509.Certificate{leaf}}
	if policy.Accept(state) {
		t.Fatal("expected certificate signed by an untrusted CA to be rejected")
	}
}

func TestCommonNameAllowlist(t *testing.T) {
	ca, caKey := genCA(t)
	allowed := genLeaf(t, ca, caKey, "relay-1")
	denied := genLeaf(t, ca, caKey, "relay-2")

	pool := x509.NewCertPool()
	pool.AddCert(ca)
	policy := NewPolicy(pool, "relay-1, relay-3")

	if !policy.Accept(&tls.ConnectionState{PeerCertificates: []*x509.Certificate{allowed}}) {
		t.Fatal("expected relay-1 to be on the allowlist")
	}
	if policy.Accept(&tls.ConnectionState{PeerCertificates: []*x509.Certificate{denied}}) {
		t.Fatal("expected relay-2 to be rejected, not on the allowlist")
	}
}

func TestRejectNoCertificate(t *testing.T) {
	policy := NewPolicy(x509.NewCertPool(), "")
	if policy.Accept(&tls.ConnectionState{}) {
		t.Fatal("expected connection with no peer certificate to be rejected")
	}
}

func TestAcceptAnyAlwaysAccepts(t *testing.T) {
	var p AcceptAny
	if !p.Accept(nil) {
		t.Fatal("AcceptAny should accept everything, including a nil state")
	}
}
