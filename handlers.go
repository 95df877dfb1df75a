package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const stateCookie = "oauth_state"

// HandleLogin starts the Discord OAuth flow.
// GET /api/auth/login
func (a *App) HandleLogin(w http.ResponseWriter, r *http.Request) {
	state := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600,
		HttpOnly: true,
		Secure:   a.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, a.identity.LoginURL(state), http.StatusFound)
}

// HandleCallback finishes the OAuth flow: exchanges the code, upserts the
// account with its freshly computed tier, and sets the session cookie.
// GET /api/auth/callback?code=...&state=...
func (a *App) HandleCallback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	cookie, err := r.Cookie(stateCookie)
	if err != nil || state == "" || state != cookie.Value {
		writeError(w, http.StatusBadRequest, "INVALID_STATE", "OAuth state mismatch")
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Missing authorization code")
		return
	}

	id, err := a.identity.Exchange(r.Context(), code)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	acct := &Account{
		DiscordID: id.DiscordID,
		Username:  id.Username,
		Avatar:    id.Avatar,
		Tier:      id.Tier,
		IsAdmin:   id.IsAdmin,
	}
	upsertCtx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	if err := a.DB.UpsertAccount(upsertCtx, acct); err != nil {
		writeServiceError(w, err)
		return
	}

	token, err := a.sessions.Sign(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create session")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    token,
		Path:     "/",
		MaxAge:   int(sessionTTL / time.Second),
		HttpOnly: true,
		Secure:   a.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, "/dashboard.html", http.StatusFound)
}

// HandleLogout clears the session cookie.
// POST /api/auth/logout
func (a *App) HandleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.cookieSecure,
	})
	writeSuccess(w, http.StatusOK, map[string]bool{"loggedOut": true})
}

// HandleMe returns the session's account info for the dashboard topbar.
// GET /api/user/me
func (a *App) HandleMe(w http.ResponseWriter, r *http.Request) {
	claims := sessionFrom(r)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"discordId": claims.DiscordID,
		"username":  claims.Username,
		"avatar":    claims.Avatar,
		"isPerm":    claims.Tier == TierPerm,
		"isAdmin":   claims.IsAdmin,
	})
}

// HandleGetKey returns the caller's permanent key (issuing it on first
// call) or, for free accounts, the Linkvertise task to complete.
// GET /api/key
func (a *App) HandleGetKey(w http.ResponseWriter, r *http.Request) {
	claims := sessionFrom(r)
	res, err := a.keys.GetOrIssueKey(r.Context(), claims.DiscordID, claims.Tier)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	switch res.Kind {
	case KeyIssued:
		writeJSON(w, http.StatusOK, map[string]string{"key": res.Key.Value, "type": "perm"})
	case TaskRequired:
		writeJSON(w, http.StatusOK, map[string]string{"linkvertiseUrl": res.TaskURL, "type": "free"})
	}
}

// HandleClaimKey issues a 24h free key once the task is confirmed done.
// POST /api/key/claim
func (a *App) HandleClaimKey(w http.ResponseWriter, r *http.Request) {
	claims := sessionFrom(r)
	res, err := a.keys.ClaimFreeKey(r.Context(), claims.DiscordID, claims.Tier)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	msg := "Key generated, valid for 24 hours"
	if res.AlreadyValid {
		msg = "You already have a valid key"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"key":          res.Key.Value,
		"type":         "free",
		"alreadyValid": res.AlreadyValid,
		"expiresAt":    res.Key.ExpiresAt,
		"message":      msg,
	})
}

// HandleResetKey clears the Roblox binding of the caller's permanent key.
// POST /api/key/reset
func (a *App) HandleResetKey(w http.ResponseWriter, r *http.Request) {
	claims := sessionFrom(r)
	if err := a.keys.ResetBinding(r.Context(), claims.DiscordID, claims.Tier); err != nil {
		writeServiceError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]bool{"reset": true})
}

// HandleVerify is called by the Roblox client, outside any session.
// GET /api/verify?key=...&userid=...
func (a *App) HandleVerify(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	userID := r.URL.Query().Get("userid")
	if key == "" || userID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "key and userid are required")
		return
	}
	res, err := a.keys.VerifyKey(r.Context(), key, userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "success",
		"userId": res.ExternalID,
		"tier":   string(res.Key.Tier),
	})
}

// HandleSuggestion forwards a suggestion to the Discord webhook.
// POST /api/suggestion
func (a *App) HandleSuggestion(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	if utf8.RuneCountInString(in.Content) < 10 {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Suggestion must be at least 10 characters")
		return
	}
	claims := sessionFrom(r)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.suggestions.Send(ctx, claims.Username, in.Content); err != nil {
			log.Printf("suggestion webhook: %v", err)
		}
	}()
	writeSuccess(w, http.StatusAccepted, map[string]bool{"submitted": true})
}
