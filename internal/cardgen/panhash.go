package cardgen

import (
	"crypto/hmac"
	"crypto/sha256"
)

// HashPAN computes HMAC-SHA256 over the normalized PAN with a secret key
// (pepper). The digest is what gets stored and indexed; the PAN itself is not.
func HashPAN(pan string, key []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(NormalizePAN(pan)))
	return h.Sum(nil)
}

