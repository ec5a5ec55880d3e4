package exchange

import (
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"net/url"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"cryptoengine/internal/config"
)

// Credentials holds the access/secret key pair used to sign bearer tokens.
type Credentials struct {
	AccessKey string
	SecretKey string
}

// Auth mints the bearer token the exchange's private endpoints require.
// The payload is {access_key, nonce} for parameterless requests, and
// additionally {query_hash, query_hash_alg: "SHA512"} when query parameters
// are present — the exchange's documented signing scheme.
type Auth struct {
	creds Credentials
}

// NewAuth builds an Auth from exchange configuration.
func NewAuth(cfg config.ExchangeConfig) *Auth {
	return &Auth{creds: Credentials{AccessKey: cfg.AccessKey, SecretKey: cfg.SecretKey}}
}

// authClaims is the JWT payload signed for every private request.
type authClaims struct {
	AccessKey    string `json:"access_key"`
	Nonce        string `json:"nonce"`
	QueryHash    string `json:"query_hash,omitempty"`
	QueryHashAlg string `json:"query_hash_alg,omitempty"`
	jwt.RegisteredClaims
}

// BearerToken builds the signed Authorization header value for a request
// carrying the given query parameters (nil or empty for parameterless
// requests). The nonce is a fresh UUID per call, preventing replay.
func (a *Auth) BearerToken(query url.Values) (string, error) {
	claims := authClaims{
		AccessKey: a.creds.AccessKey,
		Nonce:     uuid.NewString(),
	}

	if encoded := query.Encode(); encoded != "" {
		sum := sha512.Sum512([]byte(encoded))
		claims.QueryHash = hex.EncodeToString(sum[:])
		claims.QueryHashAlg = "SHA512"
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(a.creds.SecretKey))
	if err != nil {
		return "", fmt.Errorf("sign bearer token: %w", err)
	}
	return "Bearer " + signed, nil
}

// Headers returns the Authorization header for a request carrying query.
func (a *Auth) Headers(query url.Values) (map[string]string, error) {
	token, err := a.BearerToken(query)
	if err != nil {
		return nil, err
	}
	return map[string]string{"Authorization": token}, nil
}

// HasCredentials reports whether access/secret keys are configured.
func (a *Auth) HasCredentials() bool {
	return a.creds.AccessKey != "" && a.creds.SecretKey != ""
}
