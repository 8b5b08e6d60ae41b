package utils

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"codehive/collab/internal/models"
)

var (
	ErrMissingAuthHeader = errors.New("missing or malformed Authorization header")
	ErrInvalidToken      = errors.New("invalid token")
	ErrInvalidClaims     = errors.New("invalid token claims")
)

// TokenClaims are the claims the collab server issues and verifies.
type TokenClaims struct {
	UserID   string      `json:"userId"`
	Username string      `json:"username"`
	Role     models.Role `json:"role"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token for the given identity.
func IssueToken(user models.User, secret string, ttl time.Duration) (string, error) {
	claims := &TokenClaims{
		UserID:   user.UserID,
		Username: user.Username,
		Role:     user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// VerifyToken validates the signature and claim shape of a bearer token and
// returns the identity it carries. Any failure yields no identity.
func VerifyToken(tokenStr, secret string) (models.User, error) {
	var claims TokenClaims
	token, err := jwt.ParseWithClaims(tokenStr, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return models.User{}, ErrInvalidToken
	}
	if claims.UserID == "" || claims.Username == "" || !claims.Role.Valid() {
		return models.User{}, ErrInvalidClaims
	}
	return models.User{UserID: claims.UserID, Username: claims.Username, Role: claims.Role}, nil
}

// ExtractTokenFromHeader pulls the raw token out of "Bearer <token>".
func ExtractTokenFromHeader(header string) (string, error) {
	if header == "" || !strings.HasPrefix(header, "Bearer ") {
		return "", ErrMissingAuthHeader
	}
	return strings.TrimPrefix(header, "Bearer "), nil
}
