package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// VerifyCallbackSignature checks the provider's HMAC-SHA256 signature over
// the raw callback payload. An empty configured secret disables verification
// (local development only).
func VerifyCallbackSignature(payload []byte, signatureHeader, secret string) bool {
	if strings.TrimSpace(secret) == "" {
		return true
	}

	sig := strings.TrimSpace(signatureHeader)
	if sig == "" {
		return false
	}
	decodedSig, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), decodedSig)
}
