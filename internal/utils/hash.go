package utils

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const signaturePrefix = "sha256="

// CalculateHash returns the hex HMAC-SHA256 of body keyed with key.
func CalculateHash(body []byte, key string) string {
	h := hmac.New(sha256.New, []byte(key))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Signature formats body's HMAC the way GitHub sends X-Hub-Signature-256.
func Signature(body []byte, key string) string {
	return signaturePrefix + CalculateHash(body, key)
}

// ValidSignature reports whether header is the signature of body under key,
// comparing in constant time.
func ValidSignature(body []byte, key, header string) bool {
	got, ok := strings.CutPrefix(header, signaturePrefix)
	if !ok {
		return false
	}
	gotRaw, err := hex.DecodeString(got)
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, []byte(key))
	h.Write(body)
	return hmac.Equal(gotRaw, h.Sum(nil))
}
