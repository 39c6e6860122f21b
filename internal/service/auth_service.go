package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/NoCodeify/whatsapp-web-service-sub002/config"
	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/helper"
)

var ErrInvalidCredentials = errors.New("invalid username or password")

// Claims carried in API access tokens.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// AuthService issues and validates JWT bearer tokens for the single service
// account configured via environment. Tenant identity travels in request
// paths, not in the token.
type AuthService struct {
	secret       []byte
	username     string
	passwordHash string
	tokenTTL     time.Duration
}

func NewAuthService(cfg *config.Config) *AuthService {
	return &AuthService{
		secret:       []byte(cfg.JWTSecret),
		username:     cfg.APIUsername,
		passwordHash: cfg.APIPasswordHash,
		tokenTTL:     24 * time.Hour,
	}
}

// Login checks the service-account credentials and returns a signed access
// token with its expiry.
func (a *AuthService) Login(username, password string) (string, time.Time, error) {
	if username != a.username {
		return "", time.Time{}, ErrInvalidCredentials
	}
	if err := helper.VerifyPassword(a.passwordHash, password); err != nil {
		return "", time.Time{}, ErrInvalidCredentials
	}

	expiresAt := time.Now().Add(a.tokenTTL)
	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return token, expiresAt, nil
}

// ValidateToken parses and verifies an access token.
func (a *AuthService) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}
