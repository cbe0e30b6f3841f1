package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
)

// SignatureHeader carries the base64 HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Webhook-Signature"

// Verifier returns a check for webhook authenticity against a shared secret.
func Verifier(secret string) func(r *http.Request, body []byte) bool {
	key := []byte(secret)
	return func(r *http.Request, body []byte) bool {
		provided := r.Header.Get(SignatureHeader)
		if provided == "" {
			return false
		}
		mac := hmac.New(sha256.New, key)
		mac.Write(body)
		expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
		return hmac.Equal([]byte(expected), []byte(provided))
	}
}
