package relay

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const jwtSecretKey = "jwt_secret"

// UserClaims are the JWT claims attached to every authenticated request
// and room connection.
type UserClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

// GenerateOrLoadSecret returns the JWT signing secret.
// Priority: envSecret (from JWT_SECRET) > relay_config DB > auto-generate.
func GenerateOrLoadSecret(store *RelayStore, envSecret string) ([]byte, error) {
	if envSecret != "" {
		if b, err := base64.StdEncoding.DecodeString(envSecret); err == nil && len(b) >= 16 {
			return b, nil
		}
		// Plain-text secrets are accepted as-is.
		return []byte(envSecret), nil
	}

	val, err := store.GetRelayConfig(jwtSecretKey)
	if err != nil {
		return nil, err
	}
	if val != "" {
		return base64.StdEncoding.DecodeString(val)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate jwt secret: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(secret)
	if err := store.SetRelayConfig(jwtSecretKey, encoded); err != nil {
		return nil, err
	}
	return secret, nil
}

// IssueToken creates a signed JWT for a user.
func IssueToken(secret []byte, userID, email string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(ttl)
	claims := UserClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Email: email,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign jwt: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken verifies a JWT and returns the claims.
func ValidateToken(secret []byte, tokenString string) (*UserClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &UserClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("parse jwt: %w", err)
	}

	claims, ok := token.Claims.(*UserClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid jwt claims")
	}
	if claims.Subject == "" || claims.Email == "" {
		return nil, fmt.Errorf("jwt missing subject or email")
	}
	return claims, nil
}
