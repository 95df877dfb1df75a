package main

import "time"

// Tier is the entitlement level of an account (and of the keys it owns).
type Tier string

const (
	TierFree Tier = "free"
	TierPerm Tier = "perm"
)

// Account represents a Discord account known to the system. Rows are
// upserted on every successful login; tier and admin status are recomputed
// from guild roles each time and are never user-editable.
type Account struct {
	DiscordID string
	Username  string
	Avatar    *string // Discord avatar hash, nil when the user has none
	Tier      Tier
	IsAdmin   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Key represents an issued access key.
type Key struct {
	Value           string
	OwnerDiscordID  string
	Tier            Tier
	BoundExternalID *string    // Roblox user id the key is locked to, nil until first verify
	ExpiresAt       *time.Time // nil means never expires (perm keys)
	LastResetAt     *time.Time // last time a perm key's binding was cleared
	CreatedAt       time.Time
}

// Expired reports whether the key's expiry, if any, is in the past.
func (k *Key) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && k.ExpiresAt.Before(now)
}

// KeyWithOwner is a key row joined with its owner's username, for the
// admin listing.
type KeyWithOwner struct {
	Key
	OwnerUsername string
}

// Identity is what the Discord identity provider resolves an OAuth code to.
type Identity struct {
	DiscordID string
	Username  string
	Avatar    *string
	Tier      Tier
	IsAdmin   bool
}
