package exchange

import (
	"net/url"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"cryptoengine/internal/config"
)

func testExchangeConfig() config.ExchangeConfig {
	return config.ExchangeConfig{
		BaseURL:   "http://localhost",
		AccessKey: "test-access-key",
		SecretKey: "test-secret-key",
	}
}

func TestBearerTokenWithoutQueryHasNoQueryHash(t *testing.T) {
	t.Parallel()
	a := NewAuth(testExchangeConfig())

	header, err := a.BearerToken(nil)
	if err != nil {
		t.Fatalf("BearerToken: %v", err)
	}

	claims := parseClaims(t, header, a.creds.SecretKey)
	if claims.QueryHash != "" {
		t.Errorf("QueryHash = %q, want empty for parameterless request", claims.QueryHash)
	}
	if claims.AccessKey != "test-access-key" {
		t.Errorf("AccessKey = %q, want test-access-key", claims.AccessKey)
	}
	if claims.Nonce == "" {
		t.Error("Nonce should not be empty")
	}
}

func TestBearerTokenWithQueryHashesSHA512(t *testing.T) {
	t.Parallel()
	a := NewAuth(testExchangeConfig())

	q := url.Values{}
	q.Set("market", "BTC-KRW")
	q.Set("limit", "100")

	header, err := a.BearerToken(q)
	if err != nil {
		t.Fatalf("BearerToken: %v", err)
	}

	claims := parseClaims(t, header, a.creds.SecretKey)
	if claims.QueryHashAlg != "SHA512" {
		t.Errorf("QueryHashAlg = %q, want SHA512", claims.QueryHashAlg)
	}
	if len(claims.QueryHash) != 128 { // hex-encoded SHA-512 = 64 bytes = 128 hex chars
		t.Errorf("QueryHash length = %d, want 128", len(claims.QueryHash))
	}
}

func TestBearerTokenNoncesAreUnique(t *testing.T) {
	t.Parallel()
	a := NewAuth(testExchangeConfig())

	h1, err := a.BearerToken(nil)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := a.BearerToken(nil)
	if err != nil {
		t.Fatal(err)
	}

	c1 := parseClaims(t, h1, a.creds.SecretKey)
	c2 := parseClaims(t, h2, a.creds.SecretKey)
	if c1.Nonce == c2.Nonce {
		t.Error("expected distinct nonces across calls")
	}
}

func TestHasCredentials(t *testing.T) {
	t.Parallel()

	a := NewAuth(testExchangeConfig())
	if !a.HasCredentials() {
		t.Error("expected HasCredentials() true with access+secret set")
	}

	empty := NewAuth(testExchangeConfig())
	empty.creds.SecretKey = ""
	if empty.HasCredentials() {
		t.Error("expected HasCredentials() false with empty secret")
	}
}

func parseClaims(t *testing.T, header, secret string) authClaims {
	t.Helper()
	raw := header[len("Bearer "):]

	var claims authClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	return claims
}
