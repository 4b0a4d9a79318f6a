// Package authn verifies the opaque bearer tokens the external auth
// service issues. Two verification modes are supported, selected by
// config:
//
//   - local: an HKDF-derived MAC key checks a `<payload>.<signature>` token
//     shape without round-tripping to another service.
//   - remote: a resty client calls the auth service's introspection
//     endpoint with a bounded timeout.
package authn

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/crypto/hkdf"

	"virtualworld/internal/apperr"
	"virtualworld/internal/domain"
)

// Identity is the caller identity established at the trust boundary.
type Identity struct {
	UserID string
	Role   domain.Role
}

// Verifier checks a bearer token string and returns the caller identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// localVerifier checks tokens of shape "<base64url(payload)>.<base64url(mac)>"
// where payload is `{"sub":"<user id>","role":"<role>","exp":<unix>}` and mac
// is HMAC-SHA256 over the payload bytes, keyed by a secret derived from the
// deployment secret via HKDF (so the raw operator-supplied secret is never
// used as a MAC key directly).
type localVerifier struct {
	macKey []byte
}

// NewLocal derives a MAC key from secret via HKDF-SHA256 and returns a
// Verifier that checks tokens locally, no network round trip.
func NewLocal(secret string) (Verifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("authn: empty secret")
	}
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte("virtualworld-bearer-mac"))
	key := make([]byte, 32)
	if _, err := kdf.Read(key); err != nil {
		return nil, fmt.Errorf("authn: derive mac key: %w", err)
	}
	return &localVerifier{macKey: key}, nil
}

type tokenPayload struct {
	Sub  string `json:"sub"`
	Role string `json:"role"`
	Exp  int64  `json:"exp"`
}

func (v *localVerifier) Verify(_ context.Context, token string) (Identity, error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return Identity{}, apperr.New(apperr.KindAuth, "malformed bearer token")
	}
	payloadRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Identity{}, apperr.New(apperr.KindAuth, "malformed token payload")
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Identity{}, apperr.New(apperr.KindAuth, "malformed token signature")
	}

	mac := hmac.New(sha256.New, v.macKey)
	mac.Write(payloadRaw)
	want := mac.Sum(nil)
	if !hmac.Equal(sig, want) {
		return Identity{}, apperr.New(apperr.KindAuth, "invalid token signature")
	}

	var p tokenPayload
	if err := json.Unmarshal(payloadRaw, &p); err != nil {
		return Identity{}, apperr.New(apperr.KindAuth, "malformed token claims")
	}
	if p.Sub == "" {
		return Identity{}, apperr.New(apperr.KindAuth, "token missing subject")
	}
	if p.Exp != 0 && time.Now().Unix() > p.Exp {
		return Identity{}, apperr.New(apperr.KindAuth, "token expired")
	}

	role := domain.Role(p.Role)
	if role == "" {
		role = domain.RoleUser
	}
	return Identity{UserID: p.Sub, Role: role}, nil
}

// remoteVerifier introspects the token against the external auth
// service's endpoint (e.g. `/auth/me`).
type remoteVerifier struct {
	client   *resty.Client
	endpoint string
}

// NewRemote builds a Verifier that calls endpoint with the caller's bearer
// token and expects `{"user_id":"...","role":"..."}` on success.
func NewRemote(endpoint string, timeout time.Duration) Verifier {
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(1).
		SetRetryWaitTime(100 * time.Millisecond)
	return &remoteVerifier{client: client, endpoint: endpoint}
}

type introspectResponse struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

func (v *remoteVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	var out introspectResponse
	resp, err := v.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetResult(&out).
		Get(v.endpoint)
	if err != nil {
		return Identity{}, apperr.Wrap(apperr.KindInternal, err, "auth introspection request failed")
	}
	if resp.StatusCode() == 401 || resp.StatusCode() == 403 {
		return Identity{}, apperr.New(apperr.KindAuth, "token rejected by auth service")
	}
	if resp.IsError() {
		return Identity{}, apperr.New(apperr.KindInternal, "auth service error: %s", resp.Status())
	}
	if out.UserID == "" {
		return Identity{}, apperr.New(apperr.KindAuth, "auth service returned no subject")
	}
	role := domain.Role(out.Role)
	if role == "" {
		role = domain.RoleUser
	}
	return Identity{UserID: out.UserID, Role: role}, nil
}
