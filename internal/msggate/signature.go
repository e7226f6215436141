package msggate

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

var (
	ErrMissingSignature    = errors.New("missing signature")
	ErrSignatureMismatch   = errors.New("signature mismatch")
	ErrSecretNotConfigured = errors.New("webhook secret not configured")
)

// SignatureGate verifies the shared-secret HMAC-SHA256 signature of an
// inbound payload. Verification always runs over the exact raw body bytes;
// re-serialized representations can differ byte-for-byte and must never be
// signed or verified.
type SignatureGate struct {
	secret []byte
}

func NewSignatureGate(secret string) *SignatureGate {
	return &SignatureGate{secret: []byte(secret)}
}

// Configured reports whether a non-empty secret is present. An unconfigured
// gate fails every verification with ErrSecretNotConfigured, which callers
// surface as a server-side fault rather than a client error.
func (g *SignatureGate) Configured() bool {
	return g != nil && len(g.secret) > 0
}

// Verify checks provided against the HMAC-SHA256 hex digest of body. The
// provided value may be a bare lowercase hex digest or carry a scheme prefix
// such as "sha256=<hex>"; everything after the first "=" is the digest.
func (g *SignatureGate) Verify(body []byte, provided string) error {
	if !g.Configured() {
		return ErrSecretNotConfigured
	}
	provided = strings.TrimSpace(provided)
	if provided == "" {
		return ErrMissingSignature
	}
	digest := provided
	if idx := strings.IndexByte(provided, '='); idx >= 0 {
		digest = provided[idx+1:]
	}

	mac := hmac.New(sha256.New, g.secret)
	_, _ = mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	// hmac.Equal keeps the comparison independent of the position of the
	// first differing byte.
	if !hmac.Equal([]byte(strings.ToLower(digest)), []byte(expected)) {
		return ErrSignatureMismatch
	}
	return nil
}
