// Package auth issues and checks the bearer tokens guarding operator
// endpoints.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	RoleOperator = "operator"
	RoleViewer   = "viewer"

	issuer = "buildforge"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrForbidden    = errors.New("insufficient role")
)

type OperatorClaims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator signs and validates HS256 tokens with one shared secret.
type Authenticator struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewAuthenticator(secret string, ttl time.Duration) *Authenticator {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Authenticator{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

func (a *Authenticator) GenerateToken(subject, email, role string) (string, error) {
	now := a.now()
	claims := OperatorClaims{
		Email: email,
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   subject,
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *Authenticator) ValidateToken(tokenString string) (*OperatorClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &OperatorClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*OperatorClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}

// RequireRole lets a request through only with a valid bearer token
// carrying role. The claims are put on the request context.
func (a *Authenticator) RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header is required", http.StatusUnauthorized)
				return
			}

			tokenParts := strings.Split(authHeader, " ")
			if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
				http.Error(w, "Invalid authorization format", http.StatusUnauthorized)
				return
			}

			claims, err := a.ValidateToken(tokenParts[1])
			if err != nil {
				http.Error(w, "Invalid token: "+err.Error(), http.StatusUnauthorized)
				return
			}
			if claims.Role != role {
				http.Error(w, ErrForbidden.Error(), http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
		})
	}
}

type contextKey string

const claimsContextKey contextKey = "operatorClaims"

func ContextWithClaims(ctx context.Context, claims *OperatorClaims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

func ClaimsFromContext(ctx context.Context) (*OperatorClaims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*OperatorClaims)
	return claims, ok
}
