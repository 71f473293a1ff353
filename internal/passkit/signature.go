package passkit

import (
	"bytes"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/smallstep/pkcs7"

	"wallet-pass-backend/internal/credentials"
)

// ManifestSigner produces a detached PKCS#7 signature over manifest.json.
// Implementations may return DER, PEM or an S-MIME envelope.
type ManifestSigner func(manifest []byte, id *credentials.Identity, wwdr *x509.Certificate) ([]byte, error)

// PKCS7Signer signs with a SHA-256 digest and embeds the WWDR certificate.
func PKCS7Signer(manifest []byte, id *credentials.Identity, wwdr *x509.Certificate) ([]byte, error) {
	sd, err := pkcs7.NewSignedData(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to init signed data: %w", err)
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
	if err := sd.AddSigner(id.Certificate, id.PrivateKey, pkcs7.SignerInfoConfig{}); err != nil {
		return nil, fmt.Errorf("failed to add signer: %w", err)
	}
	sd.AddCertificate(wwdr)
	sd.Detach()

	der, err := sd.Finish()
	if err != nil {
		return nil, fmt.Errorf("failed to finish signature: %w", err)
	}
	return der, nil
}

// derFromSMIME normalizes a signature to raw DER. DER input is returned as
// is; PEM blocks are decoded; S-MIME envelopes are reduced to the base64 body
// following the first blank line.
func derFromSMIME(sig []byte) ([]byte, error) {
	if len(sig) == 0 {
		return nil, errors.New("empty signature")
	}
	// ASN.1 SEQUENCE.
	if sig[0] == 0x30 {
		return sig, nil
	}

	trimmed := bytes.TrimSpace(sig)
	if bytes.HasPrefix(trimmed, []byte("-----BEGIN")) {
		block, _ := pem.Decode(trimmed)
		if block == nil {
			return nil, errors.New("malformed PEM signature")
		}
		return block.Bytes, nil
	}

	text := strings.ReplaceAll(string(sig), "\r\n", "\n")
	idx := strings.Index(text, "\n\n")
	if idx < 0 {
		return nil, errors.New("signature is neither DER nor an S-MIME envelope")
	}

	var body strings.Builder
	for _, line := range strings.Split(text[idx+2:], "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			if body.Len() > 0 {
				break
			}
			continue
		}
		if strings.HasPrefix(line, "--") {
			break
		}
		body.WriteString(line)
	}

	der, err := base64.StdEncoding.DecodeString(body.String())
	if err != nil {
		return nil, fmt.Errorf("failed to decode S-MIME body: %w", err)
	}
	if len(der) == 0 || der[0] != 0x30 {
		return nil, errors.New("S-MIME body is not a DER structure")
	}
	return der, nil
}
