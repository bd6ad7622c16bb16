// Package auth signs short-lived bearer tokens for Coinbase Advanced Trade
// WebSocket subscriptions.
package auth

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Errors surfaced by the signer. Key errors are fatal at construction;
// sign failures are retried by the caller on the next reconnect.
var (
	ErrKeyMissing   = errors.New("auth: key material missing")
	ErrKeyMalformed = errors.New("auth: key material malformed")
	ErrSignFailure  = errors.New("auth: token signing failed")
)

// TokenTTL is the lifetime of each signed token.
const TokenTTL = 120 * time.Second

// keyFile is the on-disk format: {"key": <identifier>, "secret": <PEM EC key>}.
type keyFile struct {
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

// Signer produces ES256 JWTs from key material loaded once at construction.
// Stateless afterwards and safe for concurrent use.
type Signer struct {
	keyID      string
	privateKey *ecdsa.PrivateKey
}

// NewSigner loads and validates the key file. Returns ErrKeyMissing if the
// file or either field is absent, ErrKeyMalformed if it cannot be parsed.
func NewSigner(path string) (*Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrKeyMissing, path, err)
	}

	var kf keyFile
	if err := json.Unmarshal(raw, &kf); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrKeyMalformed, path, err)
	}
	if kf.Key == "" || kf.Secret == "" {
		return nil, fmt.Errorf("%w: %s needs both \"key\" and \"secret\"", ErrKeyMissing, path)
	}

	priv, err := jwt.ParseECPrivateKeyFromPEM([]byte(kf.Secret))
	if err != nil {
		return nil, fmt.Errorf("%w: decode EC private key: %v", ErrKeyMalformed, err)
	}

	return &Signer{keyID: kf.Key, privateKey: priv}, nil
}

// KeyID returns the key identifier (the JWT subject).
func (s *Signer) KeyID() string { return s.keyID }

// SignToken returns a fresh ES256 bearer token: sub=keyID, iss="cdp",
// nbf=now, exp=now+120s, with kid and a 16-byte random nonce in the header.
func (s *Signer) SignToken() (string, error) {
	if s == nil || s.privateKey == nil {
		return "", ErrKeyMissing
	}

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("%w: nonce: %v", ErrSignFailure, err)
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"sub": s.keyID,
		"iss": "cdp",
		"nbf": now.Unix(),
		"exp": now.Add(TokenTTL).Unix(),
	})
	token.Header["kid"] = s.keyID
	token.Header["nonce"] = hex.EncodeToString(nonce)

	signed, err := token.SignedString(s.privateKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSignFailure, err)
	}
	return signed, nil
}
