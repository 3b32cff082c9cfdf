// Package token authenticates the delivery system to handler targets. The
// delivery service signs short-lived RS256 tokens and publishes its public
// key as a JWKS; handlers verify incoming requests against that JWKS, so no
// shared secret has to be distributed.
package token

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims are the claims carried by delivery tokens. Subscription names the
// registration the delivery belongs to.
type Claims struct {
	jwt.RegisteredClaims
	Subscription string `json:"subscription,omitempty"`
}

// Signer mints delivery tokens.
type Signer struct {
	key    *rsa.PrivateKey
	kid    string
	issuer string
	ttl    time.Duration
	jwks   json.RawMessage
	now    func() time.Time
}

// NewSigner wraps key. The key id is derived from the public key so every
// replica holding the same key advertises the same kid.
func NewSigner(key *rsa.PrivateKey, issuer string, ttl time.Duration) (*Signer, error) {
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("encoding public key: %w", err)
	}
	sum := sha256.Sum256(der)
	kid := base64.RawURLEncoding.EncodeToString(sum[:12])

	jwk, err := jwkset.NewJWKFromKey(&key.PublicKey, jwkset.JWKOptions{
		Metadata: jwkset.JWKMetadataOptions{
			ALG: jwkset.AlgRS256,
			KID: kid,
			USE: jwkset.UseSig,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("building jwk: %w", err)
	}
	storage := jwkset.NewMemoryStorage()
	ctx := context.Background()
	if err := storage.KeyWrite(ctx, jwk); err != nil {
		return nil, fmt.Errorf("storing jwk: %w", err)
	}
	raw, err := storage.JSONPublic(ctx)
	if err != nil {
		return nil, fmt.Errorf("encoding jwks: %w", err)
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Signer{key: key, kid: kid, issuer: issuer, ttl: ttl, jwks: raw, now: time.Now}, nil
}

// LoadSigner reads a PEM encoded RSA private key (PKCS#1 or PKCS#8). An
// empty path generates a throwaway key, which only works while a single
// delivery replica is running.
func LoadSigner(path, issuer string, ttl time.Duration) (*Signer, error) {
	if path == "" {
		slog.Default().With("component", "token-signer").Warn("no signing key configured, generating an ephemeral key")
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("generating signing key: %w", err)
		}
		return NewSigner(key, issuer, ttl)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading signing key %s: %w", path, err)
	}
	key, err := ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parsing signing key %s: %w", path, err)
	}
	return NewSigner(key, issuer, ttl)
}

// ParsePrivateKey decodes the first PEM block in data as an RSA key.
func ParsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is %T, not RSA", parsed)
	}
	return key, nil
}

// Mint returns a token for one delivery to audience.
func (s *Signer) Mint(audience, subscription string) (string, error) {
	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   "subscription:" + subscription,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.NewString(),
		},
		Subscription: subscription,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = s.kid
	signed, err := tok.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// KeyID is the kid stamped on every minted token.
func (s *Signer) KeyID() string { return s.kid }

// JWKS returns the public key set.
func (s *Signer) JWKS() json.RawMessage { return s.jwks }

// JWKSHandler serves the public key set at /.well-known/jwks.json.
func (s *Signer) JWKSHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=300")
		_, _ = w.Write(s.jwks)
	}
}
