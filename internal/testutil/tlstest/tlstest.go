// Package tlstest issues a throwaway CA plus gateway and agent certificates
// for TLS connect tests.
package tlstest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// Bundle holds everything a test needs to run a TLS gateway and point an
// agent at it.
type Bundle struct {
	CAPEM  []byte
	CAFile string
	// Server verifies client certificates when presented.
	Server *tls.Config

	ClientCertFile string
	ClientKeyFile  string
}

// NewBundle creates a CA and a gateway certificate valid for host. Files land
// in t.TempDir().
func NewBundle(t testing.TB, host string) *Bundle {
	t.Helper()
	dir := t.TempDir()

	caKey := newKey(t)
	now := time.Now()
	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "xdagent-test-ca"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("create ca cert: %v", err)
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		t.Fatalf("parse ca cert: %v", err)
	}

	b := &Bundle{
		CAPEM:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caDER}),
		CAFile: filepath.Join(dir, "ca.crt"),
	}
	if err := os.WriteFile(b.CAFile, b.CAPEM, 0o644); err != nil {
		t.Fatalf("write ca cert: %v", err)
	}

	serverTemplate := leafTemplate("gateway", x509.ExtKeyUsageServerAuth)
	if ip := net.ParseIP(host); ip != nil {
		serverTemplate.IPAddresses = []net.IP{ip}
	} else {
		serverTemplate.DNSNames = []string{host}
	}
	serverCert, serverKey := issue(t, serverTemplate, caCert, caKey)
	pair, err := tls.X509KeyPair(serverCert, serverKey)
	if err != nil {
		t.Fatalf("load server pair: %v", err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(caCert)
	b.Server = &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{pair},
		ClientCAs:    pool,
		ClientAuth:   tls.VerifyClientCertIfGiven,
	}

	clientCert, clientKey := issue(t, leafTemplate("agent", x509.ExtKeyUsageClientAuth), caCert, caKey)
	b.ClientCertFile = filepath.Join(dir, "agent.crt")
	b.ClientKeyFile = filepath.Join(dir, "agent.key")
	if err := os.WriteFile(b.ClientCertFile, clientCert, 0o644); err != nil {
		t.Fatalf("write client cert: %v", err)
	}
	if err := os.WriteFile(b.ClientKeyFile, clientKey, 0o600); err != nil {
		t.Fatalf("write client key: %v", err)
	}
	return b
}

func newKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func leafTemplate(commonName string, usage x509.ExtKeyUsage) *x509.Certificate {
	now := time.Now()
	return &x509.Certificate{
		SerialNumber: big.NewInt(now.UnixNano()),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{usage},
	}
}

func issue(t testing.TB, template, parent *x509.Certificate, parentKey *ecdsa.PrivateKey) ([]byte, []byte) {
	t.Helper()
	key := newKey(t)
	der, err := x509.CreateCertificate(rand.Reader, template, parent, &key.PublicKey, parentKey)
	if err != nil {
		t.Fatalf("create signed cert: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM
}
