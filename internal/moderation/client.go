// Package moderation is the client for the external text-screening
// service. The service receives raw message text and returns a rewritten
// version with profanity masked, plus a flag saying whether anything was
// changed. Callers decide what to do when the service is unreachable; the
// coordinator passes text through unmodified rather than block delivery.
package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

type filterRequest struct {
	Text string `json:"text"`
}

type filterResponse struct {
	ModeratedText string `json:"moderatedText"`
	WasModified   bool   `json:"wasModified"`
}

// Filter screens text and returns the moderated form. The returned text
// always carries a value: on success it is the service's rewrite, and the
// flag says whether the rewrite differs from the input.
func (c *Client) Filter(ctx context.Context, text string) (string, bool, error) {
	body, err := json.Marshal(filterRequest{Text: text})
	if err != nil {
		return text, false, fmt.Errorf("marshal filter request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/filter", bytes.NewReader(body))
	if err != nil {
		return text, false, fmt.Errorf("build filter request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return text, false, fmt.Errorf("call moderation service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return text, false, fmt.Errorf("moderation service returned %d", resp.StatusCode)
	}

	var parsed filterResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return text, false, fmt.Errorf("decode filter response: %w", err)
	}
	return parsed.ModeratedText, parsed.WasModified, nil
}
