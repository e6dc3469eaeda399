package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/terminal-bench/agentworld/internal/address"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrTokenExpired  = errors.New("token expired")
	ErrMissingSecret = errors.New("jwt secret is required")
)

// Roles carried by agent tokens.
const (
	RoleAgent    = "agent"
	RoleOperator = "operator"
)

const issuer = "agentworld"

// RefreshGrace is how long after expiry a token can still be exchanged for a
// fresh one.
const RefreshGrace = 7 * 24 * time.Hour

// Claims identify an agent. The subject is the canonical agent address.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Address returns the agent address the token was issued to.
func (c *Claims) Address() string {
	return c.Subject
}

// IsOperator reports whether the token may run administrative actions.
func (c *Claims) IsOperator() bool {
	return c.Role == RoleOperator
}

// Service issues and verifies HMAC-signed agent tokens.
type Service struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewService(secret string, ttl time.Duration) (*Service, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue signs a token for the agent address.
func (s *Service) Issue(addr, role string) (string, error) {
	canonical, err := address.Canonicalize(addr)
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	if role == "" {
		role = RoleAgent
	}
	now := s.now()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    issuer,
			Subject:   canonical,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// VerifyToken parses a bearer token and returns its claims.
func (s *Service) VerifyToken(tokenString string) (*Claims, error) {
	return s.parse(tokenString, 0)
}

// Refresh exchanges a token that is valid, or expired for less than
// RefreshGrace, for a new token with the same subject and role.
func (s *Service) Refresh(tokenString string) (string, *Claims, error) {
	claims, err := s.parse(tokenString, RefreshGrace)
	if err != nil {
		return "", nil, err
	}
	token, err := s.Issue(claims.Address(), claims.Role)
	if err != nil {
		return "", nil, err
	}
	return token, claims, nil
}

// ExpiresAt returns when a token issued now expires.
func (s *Service) ExpiresAt() time.Time {
	return s.now().Add(s.ttl)
}

func (s *Service) parse(tokenString string, leeway time.Duration) (*Claims, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(s.now), jwt.WithLeeway(leeway))
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, ErrTokenExpired
	}
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if _, err := address.Canonicalize(claims.Subject); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
