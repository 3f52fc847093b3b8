// Package pkitest provides a few utility functions shared across tests.
package pkitest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/youmark/pkcs8"
	"gotest.tools/v3/assert"
)

// CmpBigInt implements a functions that compares big.Ints and is
// compatible with cmp.Comparer.
func CmpBigInt(x, y *big.Int) bool {
	return x.Cmp(y) == 0
}

// NewPrivateKey is a test helper that creates a new ECDSA private key.
func NewPrivateKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	assert.NilError(t, err, "generating ecdsa private key")
	return priv
}

// EncodePrivateKey is a test heper that x509 encodes the provided
// ECDSA private key.
func EncodePrivateKey(t *testing.T, key *ecdsa.PrivateKey) []byte {
	t.Helper()
	p, err := x509.MarshalECPrivateKey(key)
	assert.NilError(t, err, "marshaling x509")
	block := &pem.Block{Type: "EC PRIVATE KEY", Bytes: p}
	return pem.EncodeToMemory(block)
}

// EncryptPrivateKey is a test helper that encodes the ECDSA private key as a
// legacy passphrase protected PEM block.
func EncryptPrivateKey(t *testing.T, key *ecdsa.PrivateKey, passphrase string) []byte {
	t.Helper()
	p, err := x509.MarshalECPrivateKey(key)
	assert.NilError(t, err, "marshaling x509")
	//nolint:staticcheck // the legacy format is what is being tested
	block, err := x509.EncryptPEMBlock(rand.Reader, "EC PRIVATE KEY", p, []byte(passphrase), x509.PEMCipherAES256)
	assert.NilError(t, err, "encrypting private key")
	return pem.EncodeToMemory(block)
}

// EncryptPKCS8PrivateKey is a test helper that encodes the ECDSA private key
// as an "ENCRYPTED PRIVATE KEY" block, the format openssl genpkey writes.
func EncryptPKCS8PrivateKey(t *testing.T, key *ecdsa.PrivateKey, passphrase string) []byte {
	t.Helper()
	der, err := pkcs8.MarshalPrivateKey(key, []byte(passphrase), nil)
	assert.NilError(t, err, "encrypting private key")
	return pem.EncodeToMemory(&pem.Block{Type: "ENCRYPTED PRIVATE KEY", Bytes: der})
}

// PemEncodeCertificate is a test helper that encodes the provided
// certificate with the public key derived from the ECDSA private key
// and encodes into PEM.
func PemEncodeCertificate(t *testing.T, cert x509.Certificate, key *ecdsa.PrivateKey) []byte {
	t.Helper()
	p, err := x509.CreateCertificate(rand.Reader, &cert, &cert, &key.PublicKey, key)
	assert.NilError(t, err, "creating certificate")
	block := &pem.Block{Type: "CERTIFICATE", Bytes: p}
	return pem.EncodeToMemory(block)
}

// Authority is a throwaway certificate authority.
type Authority struct {
	Certificate *x509.Certificate
	Key         *ecdsa.PrivateKey
	PEM         []byte
}

// NewAuthority is a test helper that creates a self-signed CA valid for a day.
func NewAuthority(t *testing.T, commonName string) *Authority {
	t.Helper()
	key := NewPrivateKey(t)
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	assert.NilError(t, err, "creating CA certificate")
	cert, err := x509.ParseCertificate(der)
	assert.NilError(t, err, "parsing CA certificate")

	return &Authority{
		Certificate: cert,
		Key:         key,
		PEM:         pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	}
}

// Issue is a test helper that signs a leaf certificate for key, valid for
// localhost and 127.0.0.1 and usable for both client and server auth. Zero
// validity fields in template default to a one day window.
func (a *Authority) Issue(t *testing.T, template x509.Certificate, key *ecdsa.PrivateKey) []byte {
	t.Helper()
	if template.SerialNumber == nil {
		template.SerialNumber = big.NewInt(2)
	}
	if template.NotBefore.IsZero() {
		template.NotBefore = time.Now().Add(-time.Hour)
	}
	if template.NotAfter.IsZero() {
		template.NotAfter = time.Now().Add(24 * time.Hour)
	}
	if template.Subject.CommonName == "" {
		template.Subject.CommonName = "localhost"
	}
	template.DNSNames = append(template.DNSNames, "localhost")
	template.IPAddresses = append(template.IPAddresses, net.ParseIP("127.0.0.1"))
	template.KeyUsage = x509.KeyUsageDigitalSignature
	template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}

	der, err := x509.CreateCertificate(rand.Reader, &template, a.Certificate, &key.PublicKey, a.Key)
	assert.NilError(t, err, "issuing certificate")
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}
