package builder

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-labs/sandbox-orchestrator/internal/config"
)

func testRSAKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	return string(pem.EncodeToMemory(block))
}

func TestParsePrivateKey_AcceptsRealPEM(t *testing.T) {
	pemStr := testRSAKeyPEM(t)
	key, err := parsePrivateKey(pemStr)
	require.NoError(t, err)
	assert.NotNil(t, key)
}

func TestParsePrivateKey_AcceptsLiteralEscapedNewlines(t *testing.T) {
	pemStr := testRSAKeyPEM(t)
	escaped := strings.ReplaceAll(pemStr, "\n", `\n`)
	key, err := parsePrivateKey(escaped)
	require.NoError(t, err)
	assert.NotNil(t, key)
}

func TestParsePrivateKey_AcceptsRawBase64Body(t *testing.T) {
	pemStr := testRSAKeyPEM(t)
	raw := base64.StdEncoding.EncodeToString([]byte(pemStr))
	_, err := parsePrivateKey(raw)
	require.NoError(t, err)
}

func TestParsePrivateKey_RejectsGarbage(t *testing.T) {
	_, err := parsePrivateKey("not a key at all")
	assert.Error(t, err)
}

func TestSignedJWT_HasExpectedClaimWindow(t *testing.T) {
	auth, err := newGitHubAppAuth(config.GitHubAppCredentials{AppID: "999", PrivateKeyPEM: testRSAKeyPEM(t), InstallationID: "1"}, nil)
	require.NoError(t, err)

	now := time.Now().UTC()
	jwtToken, err := auth.signedJWT(now)
	require.NoError(t, err)
	parts := strings.Split(jwtToken, ".")
	require.Len(t, parts, 3)

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	var claims struct {
		Iss string `json:"iss"`
		Iat int64  `json:"iat"`
		Exp int64  `json:"exp"`
	}
	require.NoError(t, json.Unmarshal(payload, &claims))
	assert.Equal(t, "999", claims.Iss)
	assert.Equal(t, now.Unix()-60, claims.Iat)
	assert.Equal(t, int64(660), claims.Exp-claims.Iat)
}

func TestToken_CachesUntilNearExpiry(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token":"tok-` + time.Now().Format("150405.000") + `","expires_at":"` + time.Now().Add(time.Hour).Format(time.RFC3339) + `"}`))
	}))
	defer srv.Close()

	auth, err := newGitHubAppAuth(config.GitHubAppCredentials{AppID: "999", PrivateKeyPEM: testRSAKeyPEM(t), InstallationID: "1"}, srv.Client())
	require.NoError(t, err)
	auth.baseURL = srv.URL

	tok1, err := auth.Token(context.Background())
	require.NoError(t, err)
	tok2, err := auth.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tok1, tok2)
	assert.Equal(t, 1, calls)

	auth.ClearCache()
	_, err = auth.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRedact_ReplacesSecretEverywhere(t *testing.T) {
	out := redact("token=abc123 failed, retry with abc123", "abc123")
	assert.NotContains(t, out, "abc123")
	assert.Contains(t, out, "[REDACTED]")
}
