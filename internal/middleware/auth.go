package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles carried in the token
const (
	RoleAdmin  = "admin"
	RoleStaff  = "staff"
	RoleClient = "client"
)

// Claims are the JWT claims the service reads. Subject is the acting user id.
type Claims struct {
	Role     string `json:"role"`
	ClientID int64  `json:"client_id,omitempty"`
	jwt.RegisteredClaims
}

// Principal is the authenticated caller
type Principal struct {
	UserID   int64
	Role     string
	ClientID int64
}

type ctxKey struct{}

// PrincipalFrom returns the caller stored by Auth
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}

// WithPrincipal stores p in ctx
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// IssueToken signs a token for a user. Login itself lives outside this service.
func IssueToken(secret string, p Principal, ttl time.Duration, now time.Time) (string, error) {
	claims := Claims{
		Role:     p.Role,
		ClientID: p.ClientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(p.UserID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return signed, nil
}

// ParseToken verifies a token and returns its principal
func ParseToken(secret, tokenString string) (Principal, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return Principal{}, err
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return Principal{}, errors.New("invalid subject")
	}
	switch claims.Role {
	case RoleAdmin, RoleStaff:
	case RoleClient:
		if claims.ClientID <= 0 {
			return Principal{}, errors.New("client token without client_id")
		}
	default:
		return Principal{}, fmt.Errorf("unknown role %q", claims.Role)
	}
	return Principal{UserID: userID, Role: claims.Role, ClientID: claims.ClientID}, nil
}

// Auth verifies the bearer token and admits only the given roles
func Auth(secret string, roles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			tokenString, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || tokenString == "" {
				deny(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			p, err := ParseToken(secret, tokenString)
			if err != nil {
				deny(w, http.StatusUnauthorized, "invalid token")
				return
			}
			if !allowed[p.Role] {
				deny(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func deny(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"success": false, "message": message})
}
