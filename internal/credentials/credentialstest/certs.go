// Package credentialstest issues throwaway certificates for tests.
package credentialstest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"software.sslmate.com/src/go-pkcs12"
)

// Authority is a CA standing in for Apple WWDR.
type Authority struct {
	Certificate *x509.Certificate
	Key         *rsa.PrivateKey
}

// Leaf is an issued pass certificate.
type Leaf struct {
	Certificate *x509.Certificate
	Key         *rsa.PrivateKey
}

var serial atomic.Int64

func nextSerial() *big.Int {
	return big.NewInt(serial.Add(1))
}

// NewAuthority creates a self-signed CA.
func NewAuthority(t testing.TB, name string) *Authority {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          nextSerial(),
		Subject:               pkix.Name{CommonName: name, Organization: []string{"Test CA"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &Authority{Certificate: cert, Key: key}
}

// Issue signs a pass type certificate for passTypeID.
func (a *Authority) Issue(t testing.TB, passTypeID string) *Leaf {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: nextSerial(),
		Subject:      pkix.Name{CommonName: "Pass Type ID: " + passTypeID, OrganizationalUnit: []string{"TEAM123"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, a.Certificate, &key.PublicKey, a.Key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &Leaf{Certificate: cert, Key: key}
}

// P12 encodes the leaf and its issuer as a password-protected PKCS#12 bundle.
func (l *Leaf) P12(t testing.TB, issuer *Authority, password string) []byte {
	t.Helper()
	data, err := pkcs12.Modern.Encode(l.Key, l.Certificate, []*x509.Certificate{issuer.Certificate}, password)
	require.NoError(t, err)
	return data
}

// PEM returns the authority certificate PEM encoded.
func (a *Authority) PEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: a.Certificate.Raw})
}
