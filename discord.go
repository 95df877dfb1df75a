package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// discordEndpoint is Discord's OAuth2 endpoint pair.
var discordEndpoint = oauth2.Endpoint{
	AuthURL:  "https://discord.com/api/oauth2/authorize",
	TokenURL: "https://discord.com/api/oauth2/token",
}

const discordAPIBase = "https://discord.com/api"

// IdentityProvider resolves an OAuth authorization code to a stable
// account identity plus its entitlement tier and admin flag.
type IdentityProvider interface {
	LoginURL(state string) string
	Exchange(ctx context.Context, code string) (*Identity, error)
}

// DiscordProvider implements IdentityProvider against the Discord API:
// code exchange with the identify+guilds scope, profile via /users/@me,
// membership and roles via the bot-token guild member endpoint.
type DiscordProvider struct {
	oauth      *oauth2.Config
	botToken   string
	guildID    string
	permRoles  map[string]struct{}
	adminRoles map[string]struct{}
	apiBase    string
	client     *http.Client
}

type DiscordProviderOpts struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	BotToken     string
	GuildID      string
	PermRoleIDs  []string
	AdminRoleIDs []string
	// APIBase overrides the Discord API origin, for tests.
	APIBase string
}

func NewDiscordProvider(opts DiscordProviderOpts) *DiscordProvider {
	base := opts.APIBase
	endpoint := discordEndpoint
	if base == "" {
		base = discordAPIBase
	} else {
		endpoint = oauth2.Endpoint{
			AuthURL:  base + "/oauth2/authorize",
			TokenURL: base + "/oauth2/token",
		}
	}
	return &DiscordProvider{
		oauth: &oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			RedirectURL:  opts.RedirectURI,
			Scopes:       []string{"identify", "guilds"},
			Endpoint:     endpoint,
		},
		botToken:   opts.BotToken,
		guildID:    opts.GuildID,
		permRoles:  toSet(opts.PermRoleIDs),
		adminRoles: toSet(opts.AdminRoleIDs),
		apiBase:    base,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// LoginURL builds the authorize redirect for the given CSRF state.
func (d *DiscordProvider) LoginURL(state string) string {
	return d.oauth.AuthCodeURL(state)
}

// Exchange trades the authorization code for the caller's identity.
func (d *DiscordProvider) Exchange(ctx context.Context, code string) (*Identity, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, d.client)
	token, err := d.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCode, err)
	}

	var profile struct {
		ID       string  `json:"id"`
		Username string  `json:"username"`
		Avatar   *string `json:"avatar"`
	}
	if err := d.getJSON(ctx, d.apiBase+"/users/@me", "Bearer "+token.AccessToken, &profile); err != nil {
		return nil, err
	}

	var member struct {
		Roles []string `json:"roles"`
	}
	memberURL := fmt.Sprintf("%s/guilds/%s/members/%s", d.apiBase, d.guildID, profile.ID)
	if err := d.getJSON(ctx, memberURL, "Bot "+d.botToken, &member); err != nil {
		return nil, err
	}

	id := &Identity{
		DiscordID: profile.ID,
		Username:  profile.Username,
		Avatar:    profile.Avatar,
		Tier:      TierFree,
	}
	for _, role := range member.Roles {
		if _, ok := d.permRoles[role]; ok {
			id.Tier = TierPerm
		}
		if _, ok := d.adminRoles[role]; ok {
			id.IsAdmin = true
		}
	}
	return id, nil
}

func (d *DiscordProvider) getJSON(ctx context.Context, url, authorization string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProvider, err)
	}
	req.Header.Set("Authorization", authorization)
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProvider, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrMembershipRequired
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: discord returned %d for %s", ErrProvider, resp.StatusCode, url)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrProvider, err)
	}
	return nil
}
