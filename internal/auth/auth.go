// Package auth resolves the calling user from a request, either from an
// HS256 bearer token or from a header set by a trusted gateway.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const defaultLeeway = 30 * time.Second

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrNotConfigured   = errors.New("no authentication method configured")
)

type Config struct {
	JWTSecret         string
	JWTIssuer         string
	TrustedUserHeader string
	Leeway            time.Duration
}

type Authenticator struct {
	secret        []byte
	issuer        string
	trustedHeader string
	leeway        time.Duration
}

func New(cfg Config) (*Authenticator, error) {
	secret := strings.TrimSpace(cfg.JWTSecret)
	header := strings.TrimSpace(cfg.TrustedUserHeader)
	if secret == "" && header == "" {
		return nil, ErrNotConfigured
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = defaultLeeway
	}
	return &Authenticator{
		secret:        []byte(secret),
		issuer:        strings.TrimSpace(cfg.JWTIssuer),
		trustedHeader: header,
		leeway:        leeway,
	}, nil
}

// Authenticate returns the user id for r. A bearer token is preferred when
// token verification is configured; otherwise the trusted header is read.
func (a *Authenticator) Authenticate(r *http.Request) (string, error) {
	if token, ok := bearerToken(r); ok && len(a.secret) > 0 {
		return a.VerifySubject(token)
	}
	if a.trustedHeader != "" {
		if userID := strings.TrimSpace(r.Header.Get(a.trustedHeader)); userID != "" {
			return userID, nil
		}
	}
	return "", ErrUnauthenticated
}

// VerifySubject validates an HS256 token and returns its subject.
func (a *Authenticator) VerifySubject(token string) (string, error) {
	if len(a.secret) == 0 {
		return "", ErrNotConfigured
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(a.leeway),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return "", ErrUnauthenticated
	}

	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", ErrUnauthenticated
	}
	return subject, nil
}

// IssueToken signs a token for userID. Used by local tooling and tests.
func (a *Authenticator) IssueToken(userID string, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", ErrNotConfigured
	}
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

type contextKey struct{}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextKey{}, userID)
}

func UserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(contextKey{}).(string)
	return userID, ok && userID != ""
}
