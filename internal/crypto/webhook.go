package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

// webhookDigestLen is the number of HMAC-SHA256 bytes the processor keeps.
const webhookDigestLen = 20

// SignWebhook computes the processor signature for rawBody delivered to
// registeredURL: base64(HMAC-SHA256(key, url||body)[:20]).
func SignWebhook(rawBody []byte, signingKey, registeredURL string) string {
	return base64.StdEncoding.EncodeToString(webhookDigest(rawBody, signingKey, registeredURL))
}

// VerifyWebhook reports whether signatureHeader authenticates rawBody for
// registeredURL. The header may carry a bare base64 digest, a "sha256=" or
// "key=" prefixed digest, or several comma-separated digests during key
// rotation. It returns false, never panicking, on an empty key or header
// and on any decoding failure.
func VerifyWebhook(rawBody []byte, signatureHeader, signingKey, registeredURL string) bool {
	if signingKey == "" || strings.TrimSpace(signatureHeader) == "" {
		return false
	}
	want := webhookDigest(rawBody, signingKey, registeredURL)

	ok := false
	for _, part := range strings.Split(signatureHeader, ",") {
		got, err := base64.StdEncoding.DecodeString(extractDigest(part))
		if err != nil || len(got) != webhookDigestLen {
			continue
		}
		// Evaluate every candidate so timing does not reveal which matched.
		if hmac.Equal(got, want) {
			ok = true
		}
	}
	return ok
}

func webhookDigest(rawBody []byte, signingKey, registeredURL string) []byte {
	mac := hmac.New(sha256.New, []byte(signingKey))
	mac.Write([]byte(registeredURL))
	mac.Write(rawBody)
	return mac.Sum(nil)[:webhookDigestLen]
}

// extractDigest strips every "name=" prefix from a header value. Base64
// padding never counts as a delimiter because it is only ever followed by
// more padding or the end of the value.
func extractDigest(v string) string {
	v = strings.TrimSpace(v)
	for {
		i := strings.IndexByte(v, '=')
		if i <= 0 || i == len(v)-1 || v[i+1] == '=' {
			return v
		}
		v = v[i+1:]
	}
}
