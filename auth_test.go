package main

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestSessionCodecRoundTrip(t *testing.T) {
	codec := NewSessionCodec("test-secret")
	avatar := "a1b2c3"
	id := &Identity{DiscordID: "123", Username: "alice", Avatar: &avatar, Tier: TierPerm, IsAdmin: true}

	token, err := codec.Sign(id)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := codec.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "123", claims.DiscordID)
	require.Equal(t, "alice", claims.Username)
	require.Equal(t, TierPerm, claims.Tier)
	require.True(t, claims.IsAdmin)
	require.NotNil(t, claims.Avatar)
	require.Equal(t, "a1b2c3", *claims.Avatar)
}

func TestSessionCodecRejectsWrongSecret(t *testing.T) {
	token, err := NewSessionCodec("secret-a").Sign(&Identity{DiscordID: "123", Username: "alice", Tier: TierFree})
	require.NoError(t, err)

	_, err = NewSessionCodec("secret-b").Verify(token)
	require.Error(t, err)
}

func TestSessionCodecRejectsExpired(t *testing.T) {
	codec := NewSessionCodec("test-secret")
	claims := SessionClaims{
		DiscordID: "123",
		Username:  "alice",
		Tier:      TierFree,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-25 * time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, err = codec.Verify(token)
	require.Error(t, err)
}

func TestSessionCodecRejectsNoneAlg(t *testing.T) {
	codec := NewSessionCodec("test-secret")
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, SessionClaims{DiscordID: "123"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = codec.Verify(token)
	require.Error(t, err)
}

func TestGenToken(t *testing.T) {
	a, err := genToken(16)
	require.NoError(t, err)
	require.Len(t, a, 32)

	b, err := genToken(16)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}
