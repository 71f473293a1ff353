// Package passkit builds and signs Apple Wallet .pkpass artifacts.
package passkit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha1"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"wallet-pass-backend/internal/credentials"
	"wallet-pass-backend/internal/metrics"
	"wallet-pass-backend/internal/model"
	"wallet-pass-backend/internal/storage"
)

// ContentType is the MIME type of a .pkpass archive.
const ContentType = "application/vnd.apple.pkpass"

// ErrMissingWWDR is returned when no WWDR certificate is configured.
var ErrMissingWWDR = errors.New("apple WWDR certificate is not configured")

var (
	imageSlots  = []string{"icon", "logo", "strip", "thumbnail", "background", "footer"}
	imageScales = []string{"", "@2x", "@3x"}
)

// ImageNames lists every image name a pass may carry, without extension.
func ImageNames() []string {
	names := make([]string, 0, len(imageSlots)*len(imageScales))
	for _, slot := range imageSlots {
		for _, scale := range imageScales {
			names = append(names, slot+scale)
		}
	}
	return names
}

// IdentitySource resolves an account's signing identity.
type IdentitySource interface {
	AppleIdentity(ctx context.Context, account *model.Account) (*credentials.Identity, error)
}

// Artifact is a signed .pkpass written to storage.
type Artifact struct {
	Key         string
	Data        []byte
	GeneratedAt time.Time
}

// Signer assembles and signs pass archives.
type Signer struct {
	store         storage.Store
	identities    IdentitySource
	wwdr          *x509.Certificate
	webServiceURL string
	sign          ManifestSigner
	now           func() time.Time
}

// NewSigner creates a Signer that signs with PKCS7Signer.
func NewSigner(store storage.Store, identities IdentitySource, wwdr *x509.Certificate, webServiceURL string) *Signer {
	return &Signer{
		store:         store,
		identities:    identities,
		wwdr:          wwdr,
		webServiceURL: webServiceURL,
		sign:          PKCS7Signer,
		now:           time.Now,
	}
}

// ArtifactKey returns the storage key of a pass's archive.
func ArtifactKey(accountID int64, serial string) string {
	return fmt.Sprintf("passes/%d/%s.pkpass", accountID, serial)
}

// Sign builds the archive for pass, signs it and writes it to storage.
// The pass itself is not modified.
func (s *Signer) Sign(ctx context.Context, account *model.Account, tmpl *model.PassTemplate, pass *model.Pass) (*Artifact, error) {
	artifact, err := s.build(ctx, account, tmpl, pass)
	if err != nil {
		metrics.ArtifactsSigned.WithLabelValues(metrics.OutcomeFailure).Inc()
		return nil, err
	}
	metrics.ArtifactsSigned.WithLabelValues(metrics.OutcomeSuccess).Inc()
	return artifact, nil
}

func (s *Signer) build(ctx context.Context, account *model.Account, tmpl *model.PassTemplate, pass *model.Pass) (*Artifact, error) {
	if s.wwdr == nil {
		return nil, ErrMissingWWDR
	}
	id, err := s.identities.AppleIdentity(ctx, account)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if err := id.Verify(s.wwdr, now); err != nil {
		return nil, err
	}

	passJSON, err := BuildPassJSON(account, tmpl, pass, s.webServiceURL)
	if err != nil {
		return nil, err
	}

	files := map[string][]byte{"pass.json": passJSON}
	for _, name := range ImageNames() {
		key, ok := pass.Images[name]
		if !ok || key == "" {
			continue
		}
		img, err := s.store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to load image %s: %w", name, err)
		}
		files[name+".png"] = img
	}

	manifest, err := buildManifest(files)
	if err != nil {
		return nil, err
	}

	sig, err := s.sign(manifest, id, s.wwdr)
	if err != nil {
		return nil, fmt.Errorf("failed to sign manifest: %w", err)
	}
	der, err := derFromSMIME(sig)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize signature: %w", err)
	}

	files["manifest.json"] = manifest
	files["signature"] = der

	archive, err := zipFiles(files)
	if err != nil {
		return nil, err
	}

	key := ArtifactKey(account.ID, pass.SerialNumber)
	if err := s.store.Put(ctx, key, archive, ContentType); err != nil {
		return nil, fmt.Errorf("failed to store artifact: %w", err)
	}
	log.Printf("Signed pass %s (%d files, %d bytes)", pass.SerialNumber, len(files), len(archive))

	return &Artifact{Key: key, Data: archive, GeneratedAt: now}, nil
}

func buildManifest(files map[string][]byte) ([]byte, error) {
	manifest := make(map[string]string, len(files))
	for name, data := range files {
		sum := sha1.Sum(data)
		manifest[name] = hex.EncodeToString(sum[:])
	}
	out, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	return out, nil
}

func zipFiles(files map[string][]byte) ([]byte, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			return nil, fmt.Errorf("failed to add %s to archive: %w", name, err)
		}
		if _, err := w.Write(files[name]); err != nil {
			return nil, fmt.Errorf("failed to write %s to archive: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close archive: %w", err)
	}
	return buf.Bytes(), nil
}
