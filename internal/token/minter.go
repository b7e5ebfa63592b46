// Package token implements the homeserver-facing token minter (spec.md
// §4.8, C8): a short-lived JWT asserting the authenticated user's
// identity, signed with whichever algorithm family the deployment's
// homeserver.token config selects.
package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// claims is the JWT body minted for the upstream homeserver.
type claims struct {
	Admin       *bool  `json:"admin,omitempty"`
	Displayname string `json:"displayname,omitempty"`
	jwt.RegisteredClaims
}

// Minter signs short-lived login tokens for a single configured
// algorithm/key pair.
type Minter struct {
	algorithm jwt.SigningMethod
	key       any
	expires   time.Duration
}

// NewMinter builds a Minter for the given algorithm name (one of
// HS256..HS512, RS256..RS512, ES256..ES512, PS256..PS512, or "none") and
// secret/key material. Unknown algorithms and missing keys fail eagerly,
// matching spec.md §4.8's "deterministic failure modes".
func NewMinter(algorithm, secret string, expires time.Duration) (*Minter, error) {
	method := jwt.GetSigningMethod(algorithm)
	if method == nil {
		return nil, fmt.Errorf("token: unknown signing algorithm %q", algorithm)
	}

	key, err := parseKey(method, secret)
	if err != nil {
		return nil, err
	}

	return &Minter{algorithm: method, key: key, expires: expires}, nil
}

func parseKey(method jwt.SigningMethod, secret string) (any, error) {
	if method == jwt.SigningMethodNone {
		return jwt.UnsafeAllowNoneSignatureType, nil
	}
	switch method.(type) {
	case *jwt.SigningMethodHMAC:
		if secret == "" {
			return nil, fmt.Errorf("token: homeserver.token.secret is required for %s", method.Alg())
		}
		return []byte(secret), nil
	case *jwt.SigningMethodRSA, *jwt.SigningMethodRSAPSS:
		key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(secret))
		if err != nil {
			return nil, fmt.Errorf("token: parse RSA private key: %w", err)
		}
		return key, nil
	case *jwt.SigningMethodECDSA:
		key, err := jwt.ParseECPrivateKeyFromPEM([]byte(secret))
		if err != nil {
			return nil, fmt.Errorf("token: parse EC private key: %w", err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("token: unsupported signing method %s", method.Alg())
	}
}

// Mint signs a token asserting sub=username, with the optional admin and
// displayname claims set when provided, expiring after the configured
// lifetime.
func (m *Minter) Mint(username string, admin *bool, displayname string) (string, error) {
	now := time.Now()
	c := claims{
		Admin:       admin,
		Displayname: displayname,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "Famedly Login Service",
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.expires)),
		},
	}

	t := jwt.NewWithClaims(m.algorithm, c)
	return t.SignedString(m.key)
}
