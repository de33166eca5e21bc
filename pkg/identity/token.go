// Package identity implements ports.IdentityPort over EdDSA-signed JWTs.
// MFA is asserted through the standard amr and auth_time claims.
package identity

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/remit/pkg/ports"
)

const (
	DefaultIssuer   = "remit/identity"
	DefaultAudience = "remit.api"
)

// mfaMethods are amr values that count as a second factor.
var mfaMethods = map[string]bool{"mfa": true, "otp": true, "hwk": true, "swk": true, "fido": true}

// Claims are the claims remit reads from a bearer token.
type Claims struct {
	jwt.RegisteredClaims
	Roles    []string         `json:"roles,omitempty"`
	AMR      []string         `json:"amr,omitempty"`
	AuthTime *jwt.NumericDate `json:"auth_time,omitempty"`
}

// Verifier validates bearer tokens against a set of trusted public keys.
type Verifier struct {
	mu       sync.RWMutex
	keys     map[string]ed25519.PublicKey
	issuer   string
	audience string
	clock    func() time.Time
}

var _ ports.IdentityPort = (*Verifier)(nil)

func NewVerifier(issuer, audience string) *Verifier {
	if issuer == "" {
		issuer = DefaultIssuer
	}
	if audience == "" {
		audience = DefaultAudience
	}
	return &Verifier{keys: make(map[string]ed25519.PublicKey), issuer: issuer, audience: audience, clock: time.Now}
}

// WithClock overrides the time source (for testing).
func (v *Verifier) WithClock(clock func() time.Time) *Verifier {
	v.clock = clock
	return v
}

// Trust adds a verification key.
func (v *Verifier) Trust(kid string, pub ed25519.PublicKey) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.keys[kid] = pub
}

func (v *Verifier) keyFunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, fmt.Errorf("missing kid in header")
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	key, exists := v.keys[kid]
	if !exists {
		return nil, fmt.Errorf("key not found: %s", kid)
	}
	return key, nil
}

// VerifyToken parses and validates a bearer token. Any failure is reported
// as ports.ErrUnauthenticated.
func (v *Verifier) VerifyToken(_ context.Context, raw string) (*ports.Profile, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	if raw == "" {
		return nil, fmt.Errorf("%w: missing token", ports.ErrUnauthenticated)
	}
	token, err := jwt.ParseWithClaims(raw, &Claims{}, v.keyFunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ports.ErrUnauthenticated, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("%w: %v", ports.ErrUnauthenticated, jwt.ErrTokenInvalidClaims)
	}

	p := &ports.Profile{Subject: claims.Subject, Roles: claims.Roles}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	if claims.AuthTime != nil {
		p.AuthTime = claims.AuthTime.Time
	} else if claims.IssuedAt != nil {
		p.AuthTime = claims.IssuedAt.Time
	}
	for _, m := range claims.AMR {
		if mfaMethods[strings.ToLower(m)] {
			p.MFA = true
			break
		}
	}
	return p, nil
}

// Issuer mints tokens. It backs lite mode and tests; production tokens
// come from the tenant's identity provider.
type Issuer struct {
	kid      string
	key      ed25519.PrivateKey
	issuer   string
	audience string
	clock    func() time.Time
}

func NewIssuer(kid string, key ed25519.PrivateKey) (*Issuer, error) {
	if kid == "" || len(key) != ed25519.PrivateKeySize {
		return nil, errors.New("identity: issuer needs a kid and an ed25519 private key")
	}
	return &Issuer{kid: kid, key: key, issuer: DefaultIssuer, audience: DefaultAudience, clock: time.Now}, nil
}

// WithClock overrides the time source (for testing).
func (i *Issuer) WithClock(clock func() time.Time) *Issuer {
	i.clock = clock
	return i
}

// Issue signs a token for subject. mfa adds an "mfa" amr entry.
func (i *Issuer) Issue(subject string, roles []string, mfa bool, ttl time.Duration) (string, error) {
	now := i.clock().UTC()
	amr := []string{"pwd"}
	if mfa {
		amr = append(amr, "mfa")
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles:    roles,
		AMR:      amr,
		AuthTime: jwt.NewNumericDate(now),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = i.kid
	return token.SignedString(i.key)
}
