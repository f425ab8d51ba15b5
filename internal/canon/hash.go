package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for fingerprints. The version suffix allows the algorithm
// to change without colliding with old digests.
const (
	DomainEvents  = "lockstep/events/v1"
	DomainArchive = "lockstep/archive/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint hashes the canonical JSON of v under domain. Strings are NFC
// normalized first so visually identical inputs hash the same.
func Fingerprint(domain string, v any) (string, error) {
	cv, err := Canonicalize(v)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	if IsUndefined(cv) {
		cv = nil
	}
	var buf bytes.Buffer
	if err := write(&buf, cv, true); err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	return hashWithDomain(domain, buf.Bytes()), nil
}
