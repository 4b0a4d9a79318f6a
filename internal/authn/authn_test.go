package authn

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"golang.org/x/crypto/hkdf"

	"virtualworld/internal/apperr"
	"virtualworld/internal/domain"
)

// mintToken signs a token the way the external auth service would, using
// the same HKDF derivation the verifier applies.
func mintToken(t *testing.T, secret, sub, role string, exp int64) string {
	t.Helper()
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte("virtualworld-bearer-mac"))
	key := make([]byte, 32)
	if _, err := kdf.Read(key); err != nil {
		t.Fatalf("derive key: %v", err)
	}
	payload, err := json.Marshal(tokenPayload{Sub: sub, Role: role, Exp: exp})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return base64.RawURLEncoding.EncodeToString(payload) + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func TestLocalVerifierAccepts(t *testing.T) {
	t.Parallel()
	v, err := NewLocal("deployment-secret")
	if err != nil {
		t.Fatalf("new local: %v", err)
	}

	tok := mintToken(t, "deployment-secret", "user-1", "moderator", time.Now().Add(time.Hour).Unix())
	id, err := v.Verify(context.Background(), tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.UserID != "user-1" || id.Role != domain.RoleModerator {
		t.Errorf("identity = %+v, want user-1/moderator", id)
	}
}

func TestLocalVerifierDefaultsRole(t *testing.T) {
	t.Parallel()
	v, _ := NewLocal("s")
	tok := mintToken(t, "s", "user-2", "", 0)
	id, err := v.Verify(context.Background(), tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.Role != domain.RoleUser {
		t.Errorf("role = %s, want user", id.Role)
	}
}

func TestLocalVerifierRejects(t *testing.T) {
	t.Parallel()
	v, _ := NewLocal("right-secret")

	cases := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"no dot", "garbage"},
		{"bad base64", "!!!.!!!"},
		{"wrong secret", mintToken(t, "wrong-secret", "u", "user", 0)},
		{"expired", mintToken(t, "right-secret", "u", "user", time.Now().Add(-time.Minute).Unix())},
		{"missing subject", mintToken(t, "right-secret", "", "user", 0)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), tc.token)
			if err == nil {
				t.Fatal("expected rejection")
			}
			if e, ok := apperr.As(err); !ok || e.Kind != apperr.KindAuth {
				t.Errorf("error = %v, want KindAuth", err)
			}
		})
	}
}

func TestNewLocalEmptySecret(t *testing.T) {
	t.Parallel()
	if _, err := NewLocal(""); err == nil {
		t.Error("empty secret should be rejected")
	}
}
