package main

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const sessionTTL = 24 * time.Hour

func genToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// SessionClaims is the signed session payload carried in the `token` cookie.
type SessionClaims struct {
	DiscordID string  `json:"discordId"`
	Username  string  `json:"username"`
	Avatar    *string `json:"avatar,omitempty"`
	Tier      Tier    `json:"tier"`
	IsAdmin   bool    `json:"isAdmin"`
	jwt.RegisteredClaims
}

// SessionCodec signs and verifies session credentials.
type SessionCodec struct {
	secret []byte
}

func NewSessionCodec(secret string) *SessionCodec {
	return &SessionCodec{secret: []byte(secret)}
}

// Sign encodes an identity into a bearer credential valid for 24h.
func (c *SessionCodec) Sign(id *Identity) (string, error) {
	claims := SessionClaims{
		DiscordID: id.DiscordID,
		Username:  id.Username,
		Avatar:    id.Avatar,
		Tier:      id.Tier,
		IsAdmin:   id.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(sessionTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(c.secret)
}

// Verify decodes a credential, rejecting bad signatures and expired tokens.
func (c *SessionCodec) Verify(tokenStr string) (*SessionClaims, error) {
	var claims SessionClaims
	token, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (interface{}, error) {
		return c.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil, ErrForbidden
	}
	return &claims, nil
}
