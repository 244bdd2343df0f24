package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/pem"
	"errors"
)

var ErrNoCertificatePEM = errors.New("no CERTIFICATE block in PEM input")

// Fingerprint returns the lowercase hex SHA-256 digest of a DER body.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// FingerprintPEM decodes the first CERTIFICATE block and fingerprints its DER body.
func FingerprintPEM(certPEM []byte) (string, error) {
	for {
		var block *pem.Block
		block, certPEM = pem.Decode(certPEM)
		if block == nil {
			return "", ErrNoCertificatePEM
		}
		if block.Type == "CERTIFICATE" {
			return Fingerprint(block.Bytes), nil
		}
	}
}

// FingerprintsEqual compares two hex fingerprints in constant time.
func FingerprintsEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
