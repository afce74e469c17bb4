// Package api is the operator surface (§6): a thin Gin HTTP layer over the
// core's exported component methods (orchestrator, replenishment, learning,
// quality gates, correction, event bus, GPU router). No business logic
// lives here — every handler is a JSON-marshal around one core call,
// mapping apperror.Kind to status codes per spec §7. Grounded on the
// teacher's cmd/tarsy/main.go router wiring and pkg/api/middleware.go's
// auth-then-rate-limit ordering, restructured around this domain's core
// instead of tarsy's session services.
package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pvestal/tower-anime-orchestrator/internal/config"
)

// errAuth classifies an authentication failure; handlers respond 401.
var errAuth = errors.New("unauthorized")

// tokenClaims is the compact payload signed into a local bearer token.
// Resolves spec §9's auth Open Question per original_source/packages/
// core/auth.py: no JWT library exists anywhere in the retrieval pack (see
// DESIGN.md), so the token is a hand-rolled HMAC-signed "payload.signature"
// string rather than a real JWT, matching what the original system itself
// does.
type tokenClaims struct {
	Subject   string `json:"sub"`
	ExpiresAt int64  `json:"exp"`
}

// authenticator verifies bearer tokens, either locally (HMAC-SHA256 over
// the compact token) or by delegating to a companion auth service when
// cfg.AuthServiceURL is configured, and recognizes trusted subnets that
// bypass auth entirely.
type authenticator struct {
	cfg        config.AuthConfig
	secret     []byte
	httpClient *http.Client
	trusted    []*net.IPNet
}

func newAuthenticator(cfg config.AuthConfig) *authenticator {
	a := &authenticator{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 3 * time.Second},
	}
	if cfg.JWTSecretEnv != "" {
		a.secret = []byte(os.Getenv(cfg.JWTSecretEnv))
	}
	for _, cidr := range cfg.TrustedSubnets {
		if _, ipnet, err := net.ParseCIDR(cidr); err == nil {
			a.trusted = append(a.trusted, ipnet)
		}
	}
	return a
}

// isTrusted reports whether remoteAddr (host:port or bare host) falls
// within a configured trusted subnet, which bypasses auth entirely per
// spec §6.
func (a *authenticator) isTrusted(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, ipnet := range a.trusted {
		if ipnet.Contains(ip) {
			return true
		}
	}
	return false
}

// verify checks a bearer token, preferring the companion auth service when
// configured and falling back to local HMAC verification otherwise.
func (a *authenticator) verify(ctx context.Context, token string) (subject string, err error) {
	if a.cfg.AuthServiceURL != "" {
		return a.verifyRemote(ctx, token)
	}
	return a.verifyLocal(token)
}

func (a *authenticator) verifyLocal(token string) (string, error) {
	if len(a.secret) == 0 {
		return "", errAuth
	}
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return "", errAuth
	}
	payloadB64, sigB64 := parts[0], parts[1]
	expectedSig := signPayload(a.secret, payloadB64)
	gotSig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return "", errAuth
	}
	if subtle.ConstantTimeCompare(expectedSig, gotSig) != 1 {
		return "", errAuth
	}
	payload, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return "", errAuth
	}
	var claims tokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", errAuth
	}
	if claims.ExpiresAt != 0 && time.Now().Unix() > claims.ExpiresAt {
		return "", errAuth
	}
	return claims.Subject, nil
}

// verifyRemote posts the token to the companion auth service's /verify
// endpoint, expecting {"subject": "..."} on success and any non-200 as a
// rejected token.
func (a *authenticator) verifyRemote(ctx context.Context, token string) (string, error) {
	body, _ := json.Marshal(map[string]string{"token": token})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(a.cfg.AuthServiceURL, "/")+"/verify", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errAuth
	}
	var out struct {
		Subject string `json:"subject"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errAuth
	}
	return out.Subject, nil
}

func signPayload(secret []byte, payloadB64 string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payloadB64))
	return mac.Sum(nil)
}

// IssueToken builds a locally-signed bearer token for subject, valid for
// ttl. Exposed for the operator surface's own test fixtures and for a
// companion token-issuing collaborator outside the core.
func IssueToken(secret string, subject string, ttl time.Duration) (string, error) {
	claims := tokenClaims{Subject: subject, ExpiresAt: time.Now().Add(ttl).Unix()}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	payloadB64 := base64.RawURLEncoding.EncodeToString(payload)
	sig := signPayload([]byte(secret), payloadB64)
	return fmt.Sprintf("%s.%s", payloadB64, base64.RawURLEncoding.EncodeToString(sig)), nil
}
