package builder

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/opencode-labs/sandbox-orchestrator/internal/config"
	"github.com/opencode-labs/sandbox-orchestrator/internal/errs"
)

// installationToken is a short-lived GitHub App installation access
// token (§4.3 "GitHub App token cache").
type installationToken struct {
	Value     string
	ExpiresAt time.Time
}

// githubAppAuth signs GitHub App JWTs and exchanges them for
// installation tokens, caching the result until near expiry. Adapted
// from the teacher's AppProvider in githubbridge/auth_app.go, narrowed
// to the single-installation case the builder needs.
type githubAppAuth struct {
	appID          string
	installationID string
	key            *rsa.PrivateKey
	httpClient     *http.Client
	baseURL        string

	mu     sync.Mutex
	cached installationToken
}

func newGitHubAppAuth(creds config.GitHubAppCredentials, httpClient *http.Client) (*githubAppAuth, error) {
	if strings.TrimSpace(creds.AppID) == "" {
		return nil, errs.New(errs.BadRequest, "github app id is required")
	}
	key, err := parsePrivateKey(creds.PrivateKeyPEM)
	if err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &githubAppAuth{
		appID:          creds.AppID,
		installationID: creds.InstallationID,
		key:            key,
		httpClient:     httpClient,
		baseURL:        "https://api.github.com",
	}, nil
}

// Token returns a cached installation token, refreshing it when its
// expires_at minus 5 minutes has passed (§4.3).
func (a *githubAppAuth) Token(ctx context.Context) (string, error) {
	a.mu.Lock()
	if a.cached.Value != "" && time.Until(a.cached.ExpiresAt) > 5*time.Minute {
		tok := a.cached.Value
		a.mu.Unlock()
		return tok, nil
	}
	a.mu.Unlock()

	jwtToken, err := a.signedJWT(time.Now().UTC())
	if err != nil {
		return "", err
	}
	tok, err := a.exchangeInstallationToken(ctx, jwtToken)
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	a.cached = tok
	a.mu.Unlock()
	return tok.Value, nil
}

// ClearCache forces the next Token call to refresh (§4.3).
func (a *githubAppAuth) ClearCache() {
	a.mu.Lock()
	a.cached = installationToken{}
	a.mu.Unlock()
}

// signedJWT produces the RS256 app JWT described in §4.3: header
// {"alg":"RS256","typ":"JWT"}, payload {iat: now-60, exp: now+600, iss:
// appID}, base64url-encoded and RSA-signed.
func (a *githubAppAuth) signedJWT(now time.Time) (string, error) {
	header := map[string]any{"alg": "RS256", "typ": "JWT"}
	claims := map[string]any{
		"iat": now.Add(-60 * time.Second).Unix(),
		"exp": now.Add(600 * time.Second).Unix(),
		"iss": a.appID,
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	enc := base64.RawURLEncoding
	signingInput := enc.EncodeToString(headerJSON) + "." + enc.EncodeToString(claimsJSON)
	sum := sha256.Sum256([]byte(signingInput))
	sig, err := rsa.SignPKCS1v15(rand.Reader, a.key, crypto.SHA256, sum[:])
	if err != nil {
		return "", err
	}
	return signingInput + "." + enc.EncodeToString(sig), nil
}

func (a *githubAppAuth) exchangeInstallationToken(ctx context.Context, jwtToken string) (installationToken, error) {
	if strings.TrimSpace(a.installationID) == "" {
		return installationToken{}, errs.New(errs.BadRequest, "github app installation id is required")
	}
	url := fmt.Sprintf("%s/app/installations/%s/access_tokens", a.baseURL, a.installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return installationToken{}, err
	}
	req.Header.Set("Authorization", "Bearer "+jwtToken)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return installationToken{}, redactErr(err, jwtToken)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return installationToken{}, errs.Newf(errs.Internal, "github app token exchange failed: %s", redact(strings.TrimSpace(string(body)), jwtToken))
	}

	var payload struct {
		Token     string `json:"token"`
		ExpiresAt string `json:"expires_at"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return installationToken{}, errs.Newf(errs.Internal, "decode installation token response: %v", redactErr(err, jwtToken))
	}
	expiresAt, _ := time.Parse(time.RFC3339, payload.ExpiresAt)
	return installationToken{Value: payload.Token, ExpiresAt: expiresAt}, nil
}

// redact replaces every occurrence of secret in s with "[REDACTED]".
// Any error surfaced to a caller must never leak the installation token
// or the signed JWT (§4.3).
func redact(s, secret string) string {
	if secret == "" {
		return s
	}
	return strings.ReplaceAll(s, secret, "[REDACTED]")
}

func redactErr(err error, secret string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s", redact(err.Error(), secret))
}

// parsePrivateKey normalizes and parses the GitHub App private key.
// §4.3/§6 accept three input forms: a real PEM block, a PEM block with
// literal "\n" escapes instead of newlines, and a raw base64 body with
// no PEM armor at all.
func parsePrivateKey(raw string) (*rsa.PrivateKey, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, errs.New(errs.BadRequest, "github app private key is required")
	}
	if strings.Contains(value, `\n`) {
		value = strings.ReplaceAll(value, `\n`, "\n")
	}
	if !strings.Contains(value, "-----BEGIN") {
		decoded, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return nil, errs.New(errs.BadRequest, "github app private key is not valid PEM or base64")
		}
		value = string(decoded)
	}

	block, _ := pem.Decode([]byte(value))
	if block == nil {
		return nil, errs.New(errs.BadRequest, "invalid github app private key pem")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errs.Newf(errs.BadRequest, "parse github app private key: %v", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errs.New(errs.BadRequest, "github app private key must be RSA")
	}
	return key, nil
}
