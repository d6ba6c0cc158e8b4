package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the verified result of a token check: who the caller is and
// which tenant they belong to.
type Identity struct {
	UserID   string
	TenantID string
}

// Verifier validates bearer tokens issued by the external identity service.
type Verifier interface {
	Verify(token string) (Identity, error)
}

// JWTConfig bundles the configuration required to build a JWTVerifier.
type JWTConfig struct {
	Secret string
	Issuer string
	Leeway time.Duration
	Clock  func() time.Time
}

// Claims represents the custom claims embedded in issued JWTs.
type Claims struct {
	UserID   string `json:"uid"`
	TenantID string `json:"tid"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 tokens carrying a user and tenant claim.
type JWTVerifier struct {
	secret []byte
	issuer string
	leeway time.Duration
	now    func() time.Time
}

// NewJWTVerifier constructs a JWTVerifier from the supplied configuration.
func NewJWTVerifier(cfg JWTConfig) (*JWTVerifier, error) {
	if cfg.Secret == "" {
		return nil, errors.New("jwt: secret must be provided")
	}

	now := time.Now
	if cfg.Clock != nil {
		now = cfg.Clock
	}

	return &JWTVerifier{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
		leeway: cfg.Leeway,
		now:    now,
	}, nil
}

// Verify parses and validates a signed token, returning the caller identity.
func (s *JWTVerifier) Verify(tokenString string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, errors.New("jwt: token string is empty")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	}
	if s.leeway > 0 {
		opts = append(opts, jwt.WithLeeway(s.leeway))
	}
	parser := jwt.NewParser(opts...)

	var claims Claims
	_, err := parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("jwt: parse token: %w", err)
	}

	if s.issuer != "" && claims.Issuer != s.issuer {
		return Identity{}, errors.New("jwt: invalid issuer")
	}
	if claims.UserID == "" {
		return Identity{}, errors.New("jwt: missing user id claim")
	}
	if claims.TenantID == "" {
		return Identity{}, errors.New("jwt: missing tenant claim")
	}

	return Identity{UserID: claims.UserID, TenantID: claims.TenantID}, nil
}

// GenerateToken issues a signed token. The server never mints tokens for
// clients; this exists for local development and tests.
func (s *JWTVerifier) GenerateToken(userID, tenantID string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("jwt: user id is required")
	}
	if tenantID == "" {
		return "", errors.New("jwt: tenant id is required")
	}

	now := s.now()
	claims := &Claims{
		UserID:   userID,
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    s.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("jwt: sign token: %w", err)
	}

	return signed, nil
}
