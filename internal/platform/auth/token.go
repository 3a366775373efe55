// Package auth implements stateless JWT issuance and verification plus the
// request middleware that guards the API.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenKind distinguishes the four token families the portal issues. A token
// of one kind is never accepted where another kind is expected.
type TokenKind string

const (
	KindAccess       TokenKind = "access"
	KindRefresh      TokenKind = "refresh"
	KindVerification TokenKind = "verify"
	KindReset        TokenKind = "reset"
)

var (
	// ErrTokenExpired is returned when a token's signature is valid but its
	// expiry has passed. Expiry wins over every other validation failure so
	// callers can distinguish "log in again" from "tampered token".
	ErrTokenExpired = errors.New("auth: token expired")

	// ErrTokenInvalid is returned for malformed tokens, bad signatures, and
	// unexpected signing methods.
	ErrTokenInvalid = errors.New("auth: token invalid")

	// ErrWrongKind is returned when a structurally valid token of one kind is
	// presented where another kind is required.
	ErrWrongKind = errors.New("auth: wrong token kind")
)

// Claims is the payload carried by every portal token.
type Claims struct {
	jwt.RegisteredClaims
	Kind  TokenKind `json:"kind"`
	Role  string    `json:"role,omitempty"`
	Email string    `json:"email,omitempty"`
}

// TokenPair is the result of a successful login or refresh rotation.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// TokenService issues and verifies HMAC-SHA256 tokens. Access and refresh
// tokens are signed with independent secrets; verification and reset tokens
// share the access secret since they never grant API access by themselves.
type TokenService struct {
	accessSecret  []byte
	refreshSecret []byte

	accessTTL  time.Duration
	refreshTTL time.Duration
	verifyTTL  time.Duration
	resetTTL   time.Duration

	issuer string
	now    func() time.Time
}

// Option configures a TokenService.
type Option func(*TokenService)

// WithClock overrides the time source, used by tests to pin expiry behavior.
func WithClock(now func() time.Time) Option {
	return func(s *TokenService) { s.now = now }
}

// WithTTLs overrides the default token lifetimes.
func WithTTLs(access, refresh, verify, reset time.Duration) Option {
	return func(s *TokenService) {
		s.accessTTL = access
		s.refreshTTL = refresh
		s.verifyTTL = verify
		s.resetTTL = reset
	}
}

// NewTokenService builds a TokenService with the portal's default lifetimes:
// 15m access, 7d refresh, 24h verification, 30m reset.
func NewTokenService(accessSecret, refreshSecret string, opts ...Option) *TokenService {
	s := &TokenService{
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		accessTTL:     15 * time.Minute,
		refreshTTL:    7 * 24 * time.Hour,
		verifyTTL:     24 * time.Hour,
		resetTTL:      30 * time.Minute,
		issuer:        "medconnect",
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AccessTTL reports the configured access token lifetime.
func (s *TokenService) AccessTTL() time.Duration { return s.accessTTL }

// RefreshTTL reports the configured refresh token lifetime. Session cookies
// share this lifetime.
func (s *TokenService) RefreshTTL() time.Duration { return s.refreshTTL }

// IssuePair signs a new access/refresh token pair for the given user.
func (s *TokenService) IssuePair(userID uuid.UUID, role, email string) (TokenPair, error) {
	access, err := s.sign(KindAccess, userID, role, email, s.accessTTL, s.accessSecret)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := s.sign(KindRefresh, userID, role, "", s.refreshTTL, s.refreshSecret)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// IssueVerification signs an email verification token for the given user.
func (s *TokenService) IssueVerification(userID uuid.UUID, email string) (string, error) {
	return s.sign(KindVerification, userID, "", email, s.verifyTTL, s.accessSecret)
}

// IssueReset signs a password reset token for the given user.
func (s *TokenService) IssueReset(userID uuid.UUID, email string) (string, error) {
	return s.sign(KindReset, userID, "", email, s.resetTTL, s.accessSecret)
}

// VerifyAccess validates an access token and returns its claims.
func (s *TokenService) VerifyAccess(token string) (*Claims, error) {
	return s.verify(token, KindAccess, s.accessSecret)
}

// VerifyRefresh validates a refresh token and returns its claims.
func (s *TokenService) VerifyRefresh(token string) (*Claims, error) {
	return s.verify(token, KindRefresh, s.refreshSecret)
}

// VerifyVerification validates an email verification token.
func (s *TokenService) VerifyVerification(token string) (*Claims, error) {
	return s.verify(token, KindVerification, s.accessSecret)
}

// VerifyReset validates a password reset token.
func (s *TokenService) VerifyReset(token string) (*Claims, error) {
	return s.verify(token, KindReset, s.accessSecret)
}

func (s *TokenService) sign(kind TokenKind, userID uuid.UUID, role, email string, ttl time.Duration, secret []byte) (string, error) {
	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Kind:  kind,
		Role:  role,
		Email: email,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", kind, err)
	}
	return signed, nil
}

func (s *TokenService) verify(token string, kind TokenKind, secret []byte) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (interface{}, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(30*time.Second),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	if claims.Kind != kind {
		return nil, ErrWrongKind
	}
	return claims, nil
}

// UserID parses the subject claim as a UUID.
func (c *Claims) UserID() (uuid.UUID, error) {
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, ErrTokenInvalid
	}
	return id, nil
}
