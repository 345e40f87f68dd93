package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// Signature headers recognized on inbound deliveries, checked in order.
var signatureHeaders = []string{
	"X-Hub-Signature",
	"X-Atlassian-Webhook-Signature",
}

// extractSignature returns the first recognized signature header value with
// any "sha256=" prefix stripped.
func extractSignature(header http.Header) (string, bool) {
	for _, name := range signatureHeaders {
		value := header.Get(name)
		if value == "" {
			continue
		}

		return strings.TrimPrefix(value, "sha256="), true
	}

	return "", false
}

// verifySignature checks the HMAC-SHA256 of body under secret against the
// hex-encoded signature.
//
// The comparison is strict: a signature that does not hex-decode to exactly
// one SHA-256 digest is rejected before any byte comparison, and the digest
// comparison itself is constant-time. Truncated or padded signatures never
// match.
func verifySignature(secret string, body []byte, signature string) bool {
	provided, err := hex.DecodeString(signature)
	if err != nil || len(provided) != sha256.Size {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	return hmac.Equal(provided, mac.Sum(nil))
}
