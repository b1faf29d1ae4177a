// Package auth mints and verifies the session tokens a client
// presents when joining a document.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTTL is how long a minted session token stays valid.
const DefaultTTL = time.Hour * 24 * 3

// ErrInvalidToken covers tokens that parse but fail verification.
var ErrInvalidToken = errors.New("token invalid")

// Claims identifies the user a session token was minted for.
type Claims struct {
	UserID string
	Name   string
	Email  string
}

// GenerateJWT mints an HS256 session token for a user. A zero ttl
// falls back to DefaultTTL; a negative one mints an already expired
// token.
func GenerateJWT(secret []byte, c Claims, ttl time.Duration) (string, error) {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	claims := jwt.MapClaims{
		"user_id": c.UserID,
		"name":    c.Name,
		"exp":     time.Now().Add(ttl).Unix(),
	}
	if c.Email != "" {
		claims["email"] = c.Email
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// VerifyJWT checks signature and expiry and returns the embedded
// claims.
func VerifyJWT(secret []byte, tokenString string) (*Claims, error) {
	jwtToken, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !jwtToken.Valid {
		return nil, ErrInvalidToken
	}

	mapClaims, ok := jwtToken.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	userID, ok := mapClaims["user_id"].(string)
	if !ok || userID == "" {
		return nil, fmt.Errorf("%w: missing user_id", ErrInvalidToken)
	}

	c := &Claims{UserID: userID}
	if name, ok := mapClaims["name"].(string); ok {
		c.Name = name
	}
	if email, ok := mapClaims["email"].(string); ok {
		c.Email = email
	}
	return c, nil
}
