package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testKeys struct {
	private    *rsa.PrivateKey
	encodedPub string
}

func genKeys(t *testing.T) testKeys {
	t.Helper()
	private, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&private.PublicKey)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return testKeys{
		private:    private,
		encodedPub: base64.StdEncoding.EncodeToString(pemBytes),
	}
}

func signToken(t *testing.T, keys testKeys, sub string, userID int64, expiry time.Duration) string {
	t.Helper()
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub":   sub,
		"user":  userID,
		"scope": "scripts",
		"iat":   now.Unix(),
		"nbf":   now.Unix(),
		"exp":   now.Add(expiry).Unix(),
	})
	signed, err := token.SignedString(keys.private)
	require.NoError(t, err)
	return signed
}

func newGate(t *testing.T, keys testKeys, authorityURL string) *Gate {
	t.Helper()
	gate, err := New(keys.encodedPub, authorityURL, zap.NewNop())
	require.NoError(t, err)
	return gate
}

func TestAuthenticateSuccessResolvesResource(t *testing.T) {
	keys := genKeys(t)
	authority := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/script/internal/my-script", r.URL.Path)
		w.Write([]byte(`{"id":42}`))
	}))
	defer authority.Close()

	gate := newGate(t, keys, authority.URL)
	token := signToken(t, keys, "access", 7, time.Hour)

	identity, resolved, err := gate.Authenticate(context.Background(), token, "my-script")
	require.NoError(t, err)
	assert.Equal(t, int64(7), identity.UserID)
	assert.Equal(t, "scripts", identity.Scope)
	assert.Equal(t, "42", resolved, "the resolved id is the canonical resource id")
}

func TestAuthenticateRejectsBadTokens(t *testing.T) {
	keys := genKeys(t)
	authority := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"id":42}`))
	}))
	defer authority.Close()
	gate := newGate(t, keys, authority.URL)

	tests := []struct {
		name  string
		token string
	}{
		{"garbage token", "not-a-jwt"},
		{"wrong subject", signToken(t, keys, "refresh", 7, time.Hour)},
		{"expired", signToken(t, keys, "access", 7, -time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := gate.Authenticate(context.Background(), tt.token, "my-script")
			require.Error(t, err)
			assert.True(t, IsDenied(err), "token failures are denials, not faults")
		})
	}
}

func TestAuthenticateAuthorityDenial(t *testing.T) {
	keys := genKeys(t)
	authority := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"script_not_found"}`))
	}))
	defer authority.Close()
	gate := newGate(t, keys, authority.URL)

	_, _, err := gate.Authenticate(context.Background(),
		signToken(t, keys, "access", 7, time.Hour), "missing-script")
	require.Error(t, err)
	assert.True(t, IsDenied(err))
	assert.Contains(t, err.Error(), "script_not_found", "the authority's reason is carried to the caller")
}

func TestAuthenticateAuthorityUnreachableIsTransient(t *testing.T) {
	keys := genKeys(t)
	authority := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	authority.Close() // refuse all connections
	gate := newGate(t, keys, authority.URL)

	_, _, err := gate.Authenticate(context.Background(),
		signToken(t, keys, "access", 7, time.Hour), "my-script")
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
	assert.False(t, IsDenied(err))
}

func TestBreakerOpensAfterConsecutiveFaults(t *testing.T) {
	keys := genKeys(t)
	authority := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	authority.Close()
	gate := newGate(t, keys, authority.URL)
	token := signToken(t, keys, "access", 7, time.Hour)

	for i := 0; i < 6; i++ {
		_, _, err := gate.Authenticate(context.Background(), token, "my-script")
		require.Error(t, err)
	}
	// The breaker is open now: calls fail fast, still classified transient.
	start := time.Now()
	_, _, err := gate.Authenticate(context.Background(), token, "my-script")
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestNewRejectsBadKeyMaterial(t *testing.T) {
	_, err := New("%%%not-base64%%%", "http://localhost", zap.NewNop())
	assert.Error(t, err)

	_, err = New(base64.StdEncoding.EncodeToString([]byte("not a pem")), "http://localhost", zap.NewNop())
	assert.Error(t, err)
}
