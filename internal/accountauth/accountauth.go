// Package accountauth signs and validates the account assertion carried by
// start commands. Devices in a mesh share statically provisioned keys; the
// sink validates the source's assertion before admitting a session, which
// is what enforces the same-account requirement across devices.
package accountauth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultLeeway = 60 * time.Second

// Claims are the account attributes carried in an assertion.
type Claims struct {
	AccountType int32    `json:"acct"`
	GroupIDs    []string `json:"groups,omitempty"`
	jwt.RegisteredClaims
}

// Signer mints account assertions with a shared HMAC key.
type Signer struct {
	issuer string
	key    []byte
}

// NewSigner constructs a signer for the given issuer (typically the local
// device's account domain).
func NewSigner(issuer string, key []byte) (*Signer, error) {
	if issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if len(key) == 0 {
		return nil, errors.New("signing key is required")
	}
	return &Signer{issuer: issuer, key: key}, nil
}

// Sign mints an assertion for the given account attributes, valid for ttl.
func (s *Signer) Sign(accountType int32, groupIDs []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		AccountType: accountType,
		GroupIDs:    groupIDs,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign assertion: %w", err)
	}
	return signed, nil
}

// VerifierConfig controls assertion validation.
type VerifierConfig struct {
	Issuer      string
	AllowedAlgs []string
	Leeway      time.Duration
}

// Verifier validates account assertions against the shared key.
type Verifier struct {
	cfg VerifierConfig
	key []byte
}

// NewVerifier constructs a verifier with safe algorithm and leeway defaults.
func NewVerifier(cfg VerifierConfig, key []byte) (*Verifier, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if len(key) == 0 {
		return nil, errors.New("verification key is required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"HS256"}
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = defaultLeeway
	}
	return &Verifier{cfg: cfg, key: key}, nil
}

// Verify parses and validates an assertion, returning its account claims.
func (v *Verifier) Verify(assertion string) (*Claims, error) {
	if assertion == "" {
		return nil, errors.New("empty assertion")
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithLeeway(v.cfg.Leeway),
		jwt.WithExpirationRequired(),
	)

	var claims Claims
	if _, err := parser.ParseWithClaims(assertion, &claims, func(t *jwt.Token) (any, error) {
		return v.key, nil
	}); err != nil {
		return nil, fmt.Errorf("assertion invalid: %w", err)
	}
	return &claims, nil
}
