package main

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	permKeyPrefix = "KeyHub-Perm-"
	freeKeyPrefix = "KeyHub-Free-"

	freeKeyTTL    = 24 * time.Hour
	resetCooldown = 7 * 24 * time.Hour

	// attempts to find an unused random value before giving up
	maxTokenAttempts = 5

	storeTimeout = 5 * time.Second
)

// TaskOracle reports whether an account has completed the external
// (Linkvertise) task gating free key issuance.
type TaskOracle interface {
	TaskURL(discordID string) string
	Completed(ctx context.Context, discordID string) (bool, error)
}

// KeyService orchestrates the store to implement the key lifecycle:
// issuance, claim, binding reset and verification.
type KeyService struct {
	store Store
	tasks TaskOracle
	now   func() time.Time
}

func NewKeyService(store Store, tasks TaskOracle) *KeyService {
	return &KeyService{store: store, tasks: tasks, now: time.Now}
}

// IssueKind tags the two possible outcomes of GetOrIssueKey.
type IssueKind int

const (
	KeyIssued IssueKind = iota
	TaskRequired
)

// IssueResult is the tagged outcome of GetOrIssueKey: either a key, or a
// redirect to the external task a free account must complete first.
type IssueResult struct {
	Kind    IssueKind
	Key     *Key
	TaskURL string
}

// ClaimResult carries a claimed free key and whether it was already valid
// (idempotent short-circuit) rather than freshly issued.
type ClaimResult struct {
	Key          *Key
	AlreadyValid bool
}

// VerifyResult is the success payload of VerifyKey.
type VerifyResult struct {
	Key        *Key
	ExternalID string
}

// GetOrIssueKey returns the account's permanent key, creating it on first
// call, or points a free account at the task it must complete. Permanent
// issuance is idempotent: the same value is returned on every call.
func (s *KeyService) GetOrIssueKey(ctx context.Context, discordID string, tier Tier) (*IssueResult, error) {
	if tier != TierPerm {
		return &IssueResult{Kind: TaskRequired, TaskURL: s.tasks.TaskURL(discordID)}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	existing, err := s.store.FindActiveKey(ctx, discordID, TierPerm, s.now())
	if err != nil {
		return nil, fmt.Errorf("find perm key: %w", err)
	}
	if existing != nil {
		return &IssueResult{Kind: KeyIssued, Key: existing}, nil
	}

	// The store holds a unique index on (owner, perm), so concurrent
	// first calls cannot both insert: the loser gets a conflict, re-reads
	// and returns the winner's key.
	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		value, err := genToken(16)
		if err != nil {
			return nil, fmt.Errorf("generate token: %w", err)
		}
		k := &Key{
			Value:          permKeyPrefix + value,
			OwnerDiscordID: discordID,
			Tier:           TierPerm,
			CreatedAt:      s.now(),
		}
		err = s.store.InsertKey(ctx, k)
		if err == nil {
			return &IssueResult{Kind: KeyIssued, Key: k}, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("insert key: %w", err)
		}
		winner, err := s.store.FindActiveKey(ctx, discordID, TierPerm, s.now())
		if err != nil {
			return nil, fmt.Errorf("find perm key: %w", err)
		}
		if winner != nil {
			return &IssueResult{Kind: KeyIssued, Key: winner}, nil
		}
		// value collision with another account's key; try a fresh one
	}
	return nil, ErrExhausted
}

// ClaimFreeKey issues a 24h free key once the task oracle confirms
// completion. An unexpired free key short-circuits; any older free keys
// are removed when the new one is written.
func (s *KeyService) ClaimFreeKey(ctx context.Context, discordID string, tier Tier) (*ClaimResult, error) {
	if tier == TierPerm {
		return nil, ErrInvalidTier
	}

	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	existing, err := s.store.FindActiveKey(storeCtx, discordID, TierFree, s.now())
	if err != nil {
		return nil, fmt.Errorf("find free key: %w", err)
	}
	if existing != nil {
		return &ClaimResult{Key: existing, AlreadyValid: true}, nil
	}

	done, err := s.tasks.Completed(ctx, discordID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	if !done {
		return nil, ErrTaskNotComplete
	}

	k, err := s.insertFresh(storeCtx, func(value string) *Key {
		expires := s.now().Add(freeKeyTTL)
		return &Key{
			Value:          freeKeyPrefix + value,
			OwnerDiscordID: discordID,
			Tier:           TierFree,
			ExpiresAt:      &expires,
			CreatedAt:      s.now(),
		}
	}, s.store.ReplaceFreeKey)
	if err != nil {
		return nil, err
	}
	return &ClaimResult{Key: k}, nil
}

// insertFresh generates random key values until one inserts cleanly,
// bounded by maxTokenAttempts.
func (s *KeyService) insertFresh(ctx context.Context, build func(value string) *Key, insert func(context.Context, *Key) error) (*Key, error) {
	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		value, err := genToken(16)
		if err != nil {
			return nil, fmt.Errorf("generate token: %w", err)
		}
		k := build(value)
		err = insert(ctx, k)
		if err == nil {
			return k, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("insert key: %w", err)
		}
	}
	return nil, ErrExhausted
}

// ResetBinding clears the Roblox binding of the account's permanent key.
// Permitted once per 7 days.
func (s *KeyService) ResetBinding(ctx context.Context, discordID string, tier Tier) error {
	if tier != TierPerm {
		return ErrForbidden
	}

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	k, err := s.store.FindActiveKey(ctx, discordID, TierPerm, s.now())
	if err != nil {
		return fmt.Errorf("find perm key: %w", err)
	}
	if k == nil {
		return ErrNotFound
	}
	if k.LastResetAt != nil && s.now().Sub(*k.LastResetAt) < resetCooldown {
		return ErrRateLimited
	}

	ok, err := s.store.ResetKeyBinding(ctx, discordID, s.now())
	if err != nil {
		return fmt.Errorf("reset binding: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// VerifyKey is the unauthenticated trust boundary: the Roblox client
// presents a key and its user id, and the key becomes exclusively bound
// to that id on first use. The bind is a compare-and-set against the
// store so concurrent first verifications cannot both win.
func (s *KeyService) VerifyKey(ctx context.Context, value, externalID string) (*VerifyResult, error) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	k, err := s.store.FindKeyByValue(ctx, value)
	if err != nil {
		return nil, fmt.Errorf("find key: %w", err)
	}
	if k == nil {
		return nil, ErrNotFound
	}
	// expiry beats everything, bound or not
	if k.Tier == TierFree && k.Expired(s.now()) {
		return nil, ErrExpired
	}
	if k.BoundExternalID != nil {
		if *k.BoundExternalID != externalID {
			return nil, ErrForbidden
		}
		return &VerifyResult{Key: k, ExternalID: externalID}, nil
	}

	bound, err := s.store.BindKeyExternalID(ctx, value, externalID)
	if err != nil {
		return nil, fmt.Errorf("bind key: %w", err)
	}
	if !bound {
		// lost a concurrent first-bind race; re-read to see who won
		k, err = s.store.FindKeyByValue(ctx, value)
		if err != nil {
			return nil, fmt.Errorf("find key: %w", err)
		}
		if k == nil || k.BoundExternalID == nil || *k.BoundExternalID != externalID {
			return nil, ErrForbidden
		}
	} else {
		id := externalID
		k.BoundExternalID = &id
	}
	return &VerifyResult{Key: k, ExternalID: externalID}, nil
}

// ListKeys returns every key with its owner's username, for the admin panel.
func (s *KeyService) ListKeys(ctx context.Context) ([]*KeyWithOwner, error) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	return s.store.ListKeysWithOwners(ctx)
}

// DeleteKey removes a key by value. Account rows are untouched.
func (s *KeyService) DeleteKey(ctx context.Context, value string) error {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	return s.store.DeleteKeyByValue(ctx, value)
}
