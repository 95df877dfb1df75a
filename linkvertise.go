package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// LinkvertiseOracle checks task completion through the Linkvertise
// anti-bypass API. The per-account hash doubles as the dynamic target of
// the task link handed to free users.
type LinkvertiseOracle struct {
	apiToken string
	linkBase string
	apiBase  string
	client   *http.Client
}

func NewLinkvertiseOracle(apiToken, linkBase, apiBase string) *LinkvertiseOracle {
	if apiBase == "" {
		apiBase = "https://publisher.linkvertise.com"
	}
	return &LinkvertiseOracle{
		apiToken: apiToken,
		linkBase: linkBase,
		apiBase:  apiBase,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// taskHash derives the stable per-account hash Linkvertise echoes back
// once the task is done.
func (o *LinkvertiseOracle) taskHash(discordID string) string {
	sum := sha256.Sum256([]byte(discordID))
	return hex.EncodeToString(sum[:])
}

// TaskURL returns the link a free account must walk through before it
// can claim a key.
func (o *LinkvertiseOracle) TaskURL(discordID string) string {
	return fmt.Sprintf("%s?hash=%s", o.linkBase, o.taskHash(discordID))
}

// Completed asks the anti-bypass endpoint whether the account's hash was
// redeemed.
func (o *LinkvertiseOracle) Completed(ctx context.Context, discordID string) (bool, error) {
	q := url.Values{}
	q.Set("token", o.apiToken)
	q.Set("hash", o.taskHash(discordID))
	endpoint := fmt.Sprintf("%s/api/v1/anti_bypassing?%s", o.apiBase, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return false, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("linkvertise returned %d", resp.StatusCode)
	}

	var body struct {
		Status bool `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, err
	}
	return body.Status, nil
}
