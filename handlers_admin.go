package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

type adminKeyRow struct {
	Value           string     `json:"value"`
	Owner           string     `json:"owner"`
	OwnerUsername   string     `json:"ownerUsername"`
	Tier            string     `json:"tier"`
	BoundExternalID *string    `json:"boundExternalId"`
	ExpiresAt       *time.Time `json:"expiresAt"`
	LastResetAt     *time.Time `json:"lastResetAt"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// HandleListKeys lists every issued key with its owner.
// GET /api/admin/keys
func (a *App) HandleListKeys(w http.ResponseWriter, r *http.Request) {
	rows, err := a.keys.ListKeys(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	out := make([]adminKeyRow, 0, len(rows))
	for _, k := range rows {
		out = append(out, adminKeyRow{
			Value:           k.Value,
			Owner:           k.OwnerDiscordID,
			OwnerUsername:   k.OwnerUsername,
			Tier:            string(k.Tier),
			BoundExternalID: k.BoundExternalID,
			ExpiresAt:       k.ExpiresAt,
			LastResetAt:     k.LastResetAt,
			CreatedAt:       k.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleDeleteKey removes a key by value. The owning account is untouched.
// DELETE /api/admin/keys/{value}
func (a *App) HandleDeleteKey(w http.ResponseWriter, r *http.Request) {
	value := mux.Vars(r)["value"]
	if err := a.keys.DeleteKey(r.Context(), value); err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Key not found")
			return
		}
		writeServiceError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]bool{"deleted": true})
}
