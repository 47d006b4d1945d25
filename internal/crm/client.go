package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var ErrNoToken = errors.New("crm bearer token unavailable")

// Contact is the lead captured during a call.
type Contact struct {
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Company string `json:"company,omitempty"`
	Notes   string `json:"notes,omitempty"`
	Source  string `json:"source,omitempty"`
}

// TokenSource yields a valid bearer token for a client. Refreshing expired
// OAuth tokens is the implementation's job.
type TokenSource interface {
	Token(ctx context.Context, clientID string) (string, error)
}

// StaticTokenSource hands out one token for every client.
type StaticTokenSource string

func (s StaticTokenSource) Token(_ context.Context, _ string) (string, error) {
	tok := strings.TrimSpace(string(s))
	if tok == "" {
		return "", ErrNoToken
	}
	return tok, nil
}

// Client pushes contacts to a CRM HTTP endpoint.
type Client struct {
	baseURL string
	tokens  TokenSource
	client  *http.Client
}

func NewClient(baseURL string, tokens TokenSource) *Client {
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		tokens:  tokens,
		client: &http.Client{
			Timeout: 20 * time.Second,
		},
	}
}

func (c *Client) Configured() bool {
	return c != nil && c.baseURL != "" && c.tokens != nil
}

type pushResponse struct {
	ID        string `json:"id"`
	ContactID string `json:"contactId"`
}

// PushContact creates or updates a contact and returns its CRM id.
func (c *Client) PushContact(ctx context.Context, clientID string, contact Contact) (string, error) {
	if !c.Configured() {
		return "", errors.New("crm integration not configured")
	}
	token, err := c.tokens.Token(ctx, clientID)
	if err != nil {
		return "", fmt.Errorf("crm token: %w", err)
	}

	payload, err := json.Marshal(map[string]any{"properties": contact})
	if err != nil {
		return "", fmt.Errorf("marshal contact: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/contacts", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", fmt.Errorf("crm http status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out pushResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("decode crm response: %w", err)
	}
	id := out.ID
	if id == "" {
		id = out.ContactID
	}
	if id == "" {
		return "", errors.New("crm response missing contact id")
	}
	return id, nil
}
