package httptransport

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
)

// verifySignature checks a hex-encoded HMAC over body against the
// value a webhook sender put in its signature header. Comparison is
// constant-time.
func verifySignature(newHash func() hash.Hash, secret string, body []byte, header string) bool {
	if header == "" {
		return false
	}
	mac := hmac.New(newHash, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(header))
}

func verifyHookSignature(secret string, body []byte, header string) bool {
	return verifySignature(sha512.New, secret, body, header)
}

func verifyGiteaSignature(secret string, body []byte, header string) bool {
	return verifySignature(sha256.New, secret, body, header)
}
