// Package credentials loads the per-account signing material used by the
// Apple signer, the Apple push client and the Google publisher.
package credentials

import (
	"context"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
	"software.sslmate.com/src/go-pkcs12"

	"wallet-pass-backend/internal/model"
	"wallet-pass-backend/internal/storage"
)

var (
	// ErrMissingCertificate means the account has no Apple certificate bundle.
	ErrMissingCertificate = errors.New("apple certificate bundle is not configured")
	// ErrMissingServiceAccount means the account has no Google service-account key.
	ErrMissingServiceAccount = errors.New("google service account key is not configured")
	// ErrInvalidBundle means the PKCS#12 bundle could not be decoded.
	ErrInvalidBundle = errors.New("apple certificate bundle is unreadable")
	// ErrUntrustedCertificate means the pass certificate does not chain to WWDR.
	ErrUntrustedCertificate = errors.New("apple certificate is not issued by WWDR")
)

// Identity is a certificate with its private key.
type Identity struct {
	Certificate *x509.Certificate
	PrivateKey  crypto.PrivateKey
	Chain       []*x509.Certificate
}

// DecodeBundle decodes a PKCS#12 bundle.
func DecodeBundle(p12 []byte, password string) (*Identity, error) {
	key, cert, chain, err := pkcs12.DecodeChain(p12, password)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	return &Identity{Certificate: cert, PrivateKey: key, Chain: chain}, nil
}

// Verify checks the identity chains to the WWDR certificate at now.
func (id *Identity) Verify(wwdr *x509.Certificate, now time.Time) error {
	roots := x509.NewCertPool()
	roots.AddCert(wwdr)
	_, err := id.Certificate.Verify(x509.VerifyOptions{
		Roots:       roots,
		CurrentTime: now,
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUntrustedCertificate, err)
	}
	return nil
}

// TLSCertificate returns the identity as a TLS client certificate.
func (id *Identity) TLSCertificate() tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{id.Certificate.Raw},
		PrivateKey:  id.PrivateKey,
		Leaf:        id.Certificate,
	}
}

// ParseCertificate accepts a PEM or DER encoded certificate.
func ParseCertificate(data []byte) (*x509.Certificate, error) {
	if block, _ := pem.Decode(data); block != nil {
		data = block.Bytes
	}
	cert, err := x509.ParseCertificate(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}

// LoadWWDR reads the Apple WWDR certificate from disk.
func LoadWWDR(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read WWDR certificate %s: %w", path, err)
	}
	return ParseCertificate(data)
}

// Loader fetches account credentials from storage and keeps decoded
// identities for an hour.
type Loader struct {
	store storage.Store
	cache *cache.Cache
}

// NewLoader creates a Loader over store.
func NewLoader(store storage.Store) *Loader {
	return &Loader{
		store: store,
		cache: cache.New(time.Hour, 10*time.Minute),
	}
}

func cacheKey(kind string, account *model.Account, key string) string {
	return kind + ":" + strconv.FormatInt(account.ID, 10) + ":" + key + ":" + strconv.FormatInt(account.UpdatedAt.UnixNano(), 10)
}

// AppleIdentity returns the account's decoded certificate bundle.
func (l *Loader) AppleIdentity(ctx context.Context, account *model.Account) (*Identity, error) {
	if account.AppleCertificateKey == "" {
		return nil, ErrMissingCertificate
	}
	key := cacheKey("apple", account, account.AppleCertificateKey)
	if v, found := l.cache.Get(key); found {
		return v.(*Identity), nil
	}

	data, err := l.store.Get(ctx, account.AppleCertificateKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrMissingCertificate, err)
	}
	if err != nil {
		return nil, err
	}
	id, err := DecodeBundle(data, account.AppleCertificatePassword)
	if err != nil {
		return nil, err
	}
	l.cache.SetDefault(key, id)
	return id, nil
}

// GoogleServiceAccount returns the account's service-account JSON key.
func (l *Loader) GoogleServiceAccount(ctx context.Context, account *model.Account) ([]byte, error) {
	if account.GoogleServiceAccountKey == "" {
		return nil, ErrMissingServiceAccount
	}
	key := cacheKey("google", account, account.GoogleServiceAccountKey)
	if v, found := l.cache.Get(key); found {
		return v.([]byte), nil
	}

	data, err := l.store.Get(ctx, account.GoogleServiceAccountKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrMissingServiceAccount, err)
	}
	if err != nil {
		return nil, err
	}
	l.cache.SetDefault(key, data)
	return data, nil
}
