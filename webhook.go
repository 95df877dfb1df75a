package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// SuggestionSink delivers user-submitted suggestions. Delivery is
// fire-and-forget: a failed send is logged by the caller, never surfaced
// to the submitting user as fatal.
type SuggestionSink interface {
	Send(ctx context.Context, author, content string) error
}

// DiscordWebhook posts suggestions to a Discord webhook URL.
type DiscordWebhook struct {
	url    string
	client *http.Client
}

func NewDiscordWebhook(url string) *DiscordWebhook {
	return &DiscordWebhook{url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

func (d *DiscordWebhook) Send(ctx context.Context, author, content string) error {
	payload, err := json.Marshal(map[string]string{
		"content": fmt.Sprintf("**New suggestion from %s:**\n%s", author, content),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
