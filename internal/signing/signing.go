// Package signing implements the HMAC helper behind locally served download
// URLs. The production object store presigns with its own SDK; this covers
// the local/dev backend.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
)

// Signer generates and validates HMAC based signatures.
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// Sign returns the hex signature binding an object key to an expiry instant.
func (s *Signer) Sign(objectKey string, expiresUnix int64) string {
	mac := hmac.New(sha256.New, s.secret)
	payload := fmt.Sprintf("%s:%d", objectKey, expiresUnix)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Validate compares the provided signature with the expected one in
// constant time.
func (s *Signer) Validate(objectKey, expires, signature string) bool {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return false
	}
	expected := s.Sign(objectKey, exp)
	return hmac.Equal([]byte(expected), []byte(signature))
}
