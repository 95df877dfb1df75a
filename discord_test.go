package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeDiscord stands in for the Discord API: token endpoint, profile
// endpoint and the bot-token guild member endpoint.
func fakeDiscord(t *testing.T, memberRoles []string, isMember bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.Form.Get("code") != "good-code" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "fake-access-token",
			"token_type":   "Bearer",
			"expires_in":   604800,
		})
	})
	mux.HandleFunc("/users/@me", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer fake-access-token", r.Header.Get("Authorization"))
		avatar := "avatarhash"
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id": "111222333", "username": "alice", "avatar": avatar,
		})
	})
	mux.HandleFunc("/guilds/", func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasPrefix(r.Header.Get("Authorization"), "Bot "))
		if !isMember {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"roles": memberRoles})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestProvider(t *testing.T, srv *httptest.Server) *DiscordProvider {
	t.Helper()
	return NewDiscordProvider(DiscordProviderOpts{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURI:  "https://keyhub.test/api/auth/callback",
		BotToken:     "bot-token",
		GuildID:      "guild-1",
		PermRoleIDs:  []string{"role-perm", "role-vip"},
		AdminRoleIDs: []string{"role-admin"},
		APIBase:      srv.URL,
	})
}

func TestDiscordExchangePermAdmin(t *testing.T) {
	srv := fakeDiscord(t, []string{"role-other", "role-vip", "role-admin"}, true)
	p := newTestProvider(t, srv)

	id, err := p.Exchange(context.Background(), "good-code")
	require.NoError(t, err)
	require.Equal(t, "111222333", id.DiscordID)
	require.Equal(t, "alice", id.Username)
	require.Equal(t, TierPerm, id.Tier)
	require.True(t, id.IsAdmin)
	require.NotNil(t, id.Avatar)
}

func TestDiscordExchangeFreeMember(t *testing.T) {
	srv := fakeDiscord(t, []string{"role-other"}, true)
	p := newTestProvider(t, srv)

	id, err := p.Exchange(context.Background(), "good-code")
	require.NoError(t, err)
	require.Equal(t, TierFree, id.Tier)
	require.False(t, id.IsAdmin)
}

func TestDiscordExchangeNotAMember(t *testing.T) {
	srv := fakeDiscord(t, nil, false)
	p := newTestProvider(t, srv)

	_, err := p.Exchange(context.Background(), "good-code")
	require.ErrorIs(t, err, ErrMembershipRequired)
}

func TestDiscordExchangeBadCode(t *testing.T) {
	srv := fakeDiscord(t, nil, true)
	p := newTestProvider(t, srv)

	_, err := p.Exchange(context.Background(), "bad-code")
	require.ErrorIs(t, err, ErrInvalidCode)
}

func TestDiscordLoginURL(t *testing.T) {
	srv := fakeDiscord(t, nil, true)
	p := newTestProvider(t, srv)

	u := p.LoginURL("state-123")
	require.Contains(t, u, "state=state-123")
	require.Contains(t, u, "client_id=client-id")
	require.Contains(t, u, "identify")
}
