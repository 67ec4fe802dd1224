package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultIssuer    = "godeld"
	defaultAccessTTL = 30 * time.Minute
	bearerPrefix     = "Bearer "
)

// Claims carries the principal inside a signed token.
type Claims struct {
	jwt.RegisteredClaims
	TeamID string   `json:"team_id,omitempty"`
	OrgID  string   `json:"org_id,omitempty"`
	Name   string   `json:"name,omitempty"`
	Scopes []string `json:"scopes,omitempty"`
}

// Verifier mints and validates HS256 bearer tokens.
type Verifier struct {
	key    []byte
	issuer string
	ttl    time.Duration
}

// NewVerifier builds a verifier around a shared secret. The TTL bounds
// tokens minted by Issue.
func NewVerifier(secret, issuer string, ttl time.Duration) *Verifier {
	if issuer == "" {
		issuer = defaultIssuer
	}
	if ttl <= 0 {
		ttl = defaultAccessTTL
	}
	return &Verifier{key: []byte(secret), issuer: issuer, ttl: ttl}
}

// Issue mints a token for the principal, valid for the verifier's TTL.
func (v *Verifier) Issue(p Principal) (string, error) {
	if p.UserID == "" {
		return "", errors.New("principal has no user id")
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		TeamID: p.TeamID,
		OrgID:  p.OrgID,
		Name:   p.Name,
		Scopes: p.Scopes,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.key)
}

// Verify parses a bearer token and recovers its principal.
func (v *Verifier) Verify(token string) (*Principal, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Issuer != v.issuer {
		return nil, fmt.Errorf("unexpected issuer %q", claims.Issuer)
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return &Principal{
		UserID: claims.Subject,
		TeamID: claims.TeamID,
		OrgID:  claims.OrgID,
		Name:   claims.Name,
		Scopes: claims.Scopes,
	}, nil
}

// ExtractBearerToken pulls the token out of an Authorization header.
func ExtractBearerToken(header string) (string, error) {
	if !strings.HasPrefix(header, bearerPrefix) {
		return "", errors.New("authorization header is not a bearer token")
	}
	return header[len(bearerPrefix):], nil
}
