package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"

	"github.com/atharvParlikar/perpetra/pkg/engine"
)

// TokenVerifier resolves an opaque auth token to a user id. Authentication
// itself is an external collaborator; the gateway only needs the mapping.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// HMACVerifier checks stateless "user.signature" tokens where the signature
// is HMAC-SHA256 over the user id, both segments base64url-encoded. Good
// enough for the simulation front door; production plugs its own verifier.
type HMACVerifier struct {
	secret []byte
}

func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret)}
}

// Sign mints a token for user. Exposed for tests and the bundled bots.
func (v *HMACVerifier) Sign(user string) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(user))
	return base64.RawURLEncoding.EncodeToString([]byte(user)) + "." +
		base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (v *HMACVerifier) Verify(token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return "", engine.ErrAuth
	}
	user, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil || len(user) == 0 {
		return "", engine.ErrAuth
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", engine.ErrAuth
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(user)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return "", engine.ErrAuth
	}
	return string(user), nil
}
